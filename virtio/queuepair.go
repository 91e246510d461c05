package virtio

import (
	"sync/atomic"

	"github.com/quillhv/virtio-net/ratelimit"
	"github.com/quillhv/virtio-net/tap"
)

// QueuePair is the worker-local state for one RX/TX virtqueue pair and
// its TAP, per §3 "QueuePair (worker-local)". Counters are atomic because
// §4.1's counters() operation may be called from the facade's thread
// while the worker thread updates them.
type QueuePair struct {
	Index int // queue-pair index, 0-based

	RX *Queue
	TX *Queue

	Tap *tap.Tap

	RXLimiter *ratelimit.Limiter
	TXLimiter *ratelimit.Limiter

	// RXTapListening is true iff Tap.Fd() is currently armed in the
	// worker's epoll set for EPOLLIN.
	RXTapListening bool
	// RXDescAvail is true once the guest has posted RX descriptors since
	// the last full drain.
	RXDescAvail bool
	// DriverAwake is true once the driver has kicked either queue since
	// activation or restore; see §4.2 "Interrupt suppression".
	DriverAwake bool

	// inactive is set by the control-queue worker via
	// VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET (§4.3): a deactivated pair's
	// worker keeps running its epoll loop but stops servicing kicks and
	// deregisters its TAP.
	inactive int32

	rxBytes  uint64
	rxFrames uint64
	txBytes  uint64
	txFrames uint64
}

// Counters is a snapshot of one queue pair's traffic counters.
type Counters struct {
	RXBytes  uint64
	RXFrames uint64
	TXBytes  uint64
	TXFrames uint64
}

// Counters returns an atomic snapshot (§4.1 counters()).
func (p *QueuePair) Counters() Counters {
	return Counters{
		RXBytes:  atomic.LoadUint64(&p.rxBytes),
		RXFrames: atomic.LoadUint64(&p.rxFrames),
		TXBytes:  atomic.LoadUint64(&p.txBytes),
		TXFrames: atomic.LoadUint64(&p.txFrames),
	}
}

func (p *QueuePair) addRx(n uint32) {
	atomic.AddUint64(&p.rxBytes, uint64(n))
	atomic.AddUint64(&p.rxFrames, 1)
}

func (p *QueuePair) addTx(n uint32) {
	atomic.AddUint64(&p.txBytes, uint64(n))
	atomic.AddUint64(&p.txFrames, 1)
}

// Active reports whether this pair's worker is currently servicing kicks.
func (p *QueuePair) Active() bool {
	return atomic.LoadInt32(&p.inactive) == 0
}

func (p *QueuePair) setInactive(v bool) {
	n := int32(0)
	if v {
		n = 1
	}

	atomic.StoreInt32(&p.inactive, n)
}

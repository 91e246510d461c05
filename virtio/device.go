// Package virtio implements the virtio-net device facade shared by the
// in-VMM device and the vhost-user-net backend (§4.1, §4.2).
package virtio

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"

	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/barrier"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/migration"
	"github.com/quillhv/virtio-net/ratelimit"
	"github.com/quillhv/virtio-net/tap"
)

// MinQueues is the smallest number of queues activate() accepts (§4.1
// step 1).
const MinQueues = 2

// ErrBadActivate is returned by Activate for any malformed queue set or
// resource-acquisition failure during activation (§7 "Activation
// errors").
var ErrBadActivate = errors.New("virtio: bad activate")

// DeviceType identifies the virtio device type code; this module only
// implements net (1).
const DeviceTypeNet = 1

// Net is the virtio-net device facade (§4.1).
type Net struct {
	id string

	advertised uint64
	acked      uint64

	config Config

	queueMaxSize uint16
	numPairs     int

	taps []*tap.Tap

	rxLimiterCfg ratelimit.Config
	txLimiterCfg ratelimit.Config

	mu       sync.Mutex
	active   bool
	mem      *guestmem.Handle
	kill     []*eventfd.EventFd // master copies, one per worker + ctrl
	pause    []*eventfd.EventFd
	pairs    []*QueuePair
	workers  []*Worker
	ctrl     *ctrlWorker
	barrier  *barrier.Barrier
	wg       sync.WaitGroup
	runErrs  []error

	disableSandbox bool // set by tests that activate without CAP_SYS_ADMIN
}

// testDisableSandbox skips each worker's seccomp install. Only meant for
// tests that exercise Activate end-to-end without the privilege a seccomp
// filter requires.
func (n *Net) testDisableSandbox() { n.disableSandbox = true }

// Option configures a Net at construction time.
type Option func(*Net)

// WithMAC sets the config-space MAC address.
func WithMAC(mac [6]byte) Option {
	return func(n *Net) { n.config.MAC = mac }
}

// WithMTU sets the config-space MTU (only observed by the guest when
// FeatureMTU is advertised).
func WithMTU(mtu uint16) Option {
	return func(n *Net) { n.config.MTU = mtu }
}

// WithRateLimiters configures the RX/TX token buckets applied to every
// queue pair (§4.4). A zero Config disables that direction's limiter.
func WithRateLimiters(rx, tx ratelimit.Config) Option {
	return func(n *Net) {
		n.rxLimiterCfg = rx
		n.txLimiterCfg = tx
	}
}

// WithQueueMaxSize overrides the default 256-entry queue size (§3).
func WithQueueMaxSize(n uint16) Option {
	return func(d *Net) { d.queueMaxSize = n }
}

// New constructs an inert virtio-net device owning len(taps) TAPs, one
// per queue pair (§3 "The set of TAPs handed to a device equals N").
func New(id string, taps []*tap.Tap, opts ...Option) *Net {
	n := &Net{
		id:           id,
		advertised:   DefaultFeatures,
		queueMaxSize: 256,
		numPairs:     len(taps),
		taps:         taps,
		config:       Config{MaxVirtqueuePairs: uint16(len(taps))},
	}

	if len(taps) > 1 {
		n.advertised |= FeatureMQ
	}

	for _, o := range opts {
		o(n)
	}

	if n.config.MTU != 0 {
		n.advertised |= FeatureMTU
	}

	return n
}

// DeviceType returns the virtio device type code.
func (n *Net) DeviceType() uint32 { return DeviceTypeNet }

// QueueMaxSizes returns the max size for every queue this device exposes
// (2*numPairs data queues, plus one control queue if CTRL_VQ is
// advertised).
func (n *Net) QueueMaxSizes() []uint16 {
	count := 2 * n.numPairs
	if n.advertised&FeatureCtrlVQ != 0 {
		count++
	}

	sizes := make([]uint16, count)
	for i := range sizes {
		sizes[i] = n.queueMaxSize
	}

	return sizes
}

// Features returns the advertised feature bitmask.
func (n *Net) Features() uint64 { return n.advertised }

// AckFeatures acknowledges the subset of value that was advertised,
// silently dropping the rest (§4.1).
func (n *Net) AckFeatures(value uint64) {
	n.acked = AckFeatures(n.advertised, value)
}

// AckedFeatures returns the features acknowledged so far.
func (n *Net) AckedFeatures() uint64 { return n.acked }

// ReadConfig copies from the config space into buf, clipped to its
// length (§6).
func (n *Net) ReadConfig(offset uint64, buf []byte) {
	full := n.config.Bytes(n.acked&(FeatureMQ|FeatureMTU) != 0)
	ReadConfig(full, offset, buf)
}

// Counters returns one traffic-counter snapshot per queue pair, in pair
// order, including pairs the control queue has deactivated; the values
// are not summed.
func (n *Net) Counters() []Counters {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Counters, len(n.pairs))
	for i, p := range n.pairs {
		out[i] = p.Counters()
	}

	return out
}

// Activate binds guest memory, queues and interrupt delivery, and spawns
// one worker per queue pair plus (if CTRL_VQ was acked and an odd queue
// was supplied) a control-queue worker (§4.1 "activate").
func (n *Net) Activate(
	mem guestmem.Memory,
	interrupt InterruptTrigger,
	queues []*Queue,
	queueEvts []*eventfd.EventFd,
) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.active {
		return fmt.Errorf("%w: already active", ErrBadActivate)
	}

	count := len(queues)
	if count != len(queueEvts) {
		return fmt.Errorf("%w: %d queues but %d event fds", ErrBadActivate, count, len(queueEvts))
	}

	if count < MinQueues {
		return fmt.Errorf("%w: need at least %d queues, got %d", ErrBadActivate, MinQueues, count)
	}

	ctrlVQAcked := n.acked&FeatureCtrlVQ != 0
	hasCtrl := count%2 == 1

	if hasCtrl && !ctrlVQAcked {
		return fmt.Errorf("%w: odd queue count %d without CTRL_VQ acked", ErrBadActivate, count)
	}

	dataQueues, dataEvts := queues, queueEvts

	var ctrlQueue *Queue

	var ctrlEvt *eventfd.EventFd

	if hasCtrl {
		ctrlQueue = queues[count-1]
		ctrlEvt = queueEvts[count-1]
		dataQueues = queues[:count-1]
		dataEvts = queueEvts[:count-1]
	}

	numPairs := len(dataQueues) / 2
	if numPairs != n.numPairs {
		return fmt.Errorf("%w: %d queue pairs presented but device owns %d TAPs", ErrBadActivate, numPairs, n.numPairs)
	}

	barrierParties := numPairs
	if hasCtrl {
		barrierParties++
	}
	barrierParties++ // the caller's own pause() Wait

	n.mem = guestmem.NewHandle(mem)
	n.barrier = barrier.New(barrierParties)
	n.kill = n.kill[:0]
	n.pause = n.pause[:0]
	n.pairs = nil
	n.workers = nil
	n.runErrs = make([]error, 0, barrierParties)

	eventIdx := n.acked&FeatureEventIdx != 0

	for i := 0; i < numPairs; i++ {
		rxQ, txQ := dataQueues[2*i], dataQueues[2*i+1]
		rxQ.SetEventIdxEnabled(eventIdx)
		txQ.SetEventIdxEnabled(eventIdx)

		if err := rxQ.Validate(); err != nil {
			return fmt.Errorf("%w: rx queue %d: %v", ErrBadActivate, i, err)
		}

		if err := txQ.Validate(); err != nil {
			return fmt.Errorf("%w: tx queue %d: %v", ErrBadActivate, i, err)
		}

		workerTap, err := n.taps[i].Dup()
		if err != nil {
			return fmt.Errorf("%w: dup tap %d: %v", ErrBadActivate, i, err)
		}

		if err := n.programOffloads(workerTap); err != nil {
			return fmt.Errorf("%w: program offloads on tap %d: %v", ErrBadActivate, i, err)
		}

		kill, err := n.cloneOrNewKill()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadActivate, err)
		}

		pause, err := n.newPause()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadActivate, err)
		}

		rxLimiter, err := ratelimit.New(n.rxLimiterCfg)
		if err != nil {
			return fmt.Errorf("%w: rx limiter: %v", ErrBadActivate, err)
		}

		txLimiter, err := ratelimit.New(n.txLimiterCfg)
		if err != nil {
			return fmt.Errorf("%w: tx limiter: %v", ErrBadActivate, err)
		}

		pair := &QueuePair{
			Index:     i,
			RX:        rxQ,
			TX:        txQ,
			Tap:       workerTap,
			RXLimiter: rxLimiter,
			TXLimiter: txLimiter,
		}

		w := NewWorker(pair, n.mem, kill, pause, dataEvts[2*i], dataEvts[2*i+1], 2*i, 2*i+1, interrupt, n.barrier)

		if n.disableSandbox {
			w.SetSandboxed(false)
		}

		if hasCtrl {
			mqEvt, err := eventfd.New()
			if err != nil {
				return fmt.Errorf("%w: mq event fd: %v", ErrBadActivate, err)
			}

			w.SetMQEvent(mqEvt)
		}

		n.kill = append(n.kill, kill)
		n.pause = append(n.pause, pause)
		n.pairs = append(n.pairs, pair)
		n.workers = append(n.workers, w)
	}

	if hasCtrl {
		kill, err := n.cloneOrNewKill()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadActivate, err)
		}

		pause, err := n.newPause()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBadActivate, err)
		}

		n.kill = append(n.kill, kill)
		n.pause = append(n.pause, pause)

		n.ctrl = newCtrlWorker(n, ctrlQueue, ctrlEvt, kill, pause, n.mem, interrupt, count-1, n.barrier)
	}

	n.spawn()
	n.active = true

	return nil
}

func (n *Net) cloneOrNewKill() (*eventfd.EventFd, error) {
	return eventfd.New()
}

func (n *Net) newPause() (*eventfd.EventFd, error) {
	return eventfd.New()
}

// programOffloads applies the fixed acked-feature -> TAP-offload mapping
// (§4.1 step 6) before a worker starts reading from t.
func (n *Net) programOffloads(t *tap.Tap) error {
	return t.SetOffload(tap.FromGuestOffloads(
		n.acked&FeatureGuestCSUM != 0,
		n.acked&FeatureGuestTSO4 != 0,
		n.acked&FeatureGuestTSO6 != 0,
		n.acked&FeatureGuestECN != 0,
		n.acked&FeatureGuestUFO != 0,
	))
}

func (n *Net) spawn() {
	for _, w := range n.workers {
		n.wg.Add(1)

		go func(w *Worker) {
			defer n.wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if err := w.Run(); err != nil {
				log.Printf("virtio-net %s: queue pair %d worker exited: %v", n.id, w.pair.Index, err)
			}
		}(w)
	}

	if n.ctrl != nil {
		n.wg.Add(1)

		go func() {
			defer n.wg.Done()

			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if err := n.ctrl.run(); err != nil {
				log.Printf("virtio-net %s: control worker exited: %v", n.id, err)
			}
		}()
	}
}

// Reset stops every worker by writing to its kill fd and joins them
// (§4.1 "reset"). It returns only an error; the interrupt trigger passed
// to Activate is not handed back.
func (n *Net) Reset() error {
	n.mu.Lock()

	if !n.active {
		n.mu.Unlock()

		return nil
	}

	for _, k := range n.kill {
		if err := k.Write(); err != nil {
			log.Printf("virtio-net %s: kill fd write: %v", n.id, err)
		}
	}

	n.mu.Unlock()

	n.wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.active = false
	n.pairs = nil
	n.workers = nil
	n.ctrl = nil
	n.mem = nil

	return nil
}

// Pause blocks until every worker (and the control worker, if any) has
// reached the pause barrier, giving the caller a quiescent snapshot
// (§4.2 "Termination", §5 "Cancellation and timeouts").
func (n *Net) Pause() error {
	n.mu.Lock()
	pauses := append([]*eventfd.EventFd(nil), n.pause...)
	b := n.barrier
	n.mu.Unlock()

	if b == nil {
		return nil
	}

	for _, p := range pauses {
		if err := p.Write(); err != nil {
			return err
		}
	}

	b.Wait()

	return nil
}

// Resume releases the pause barrier, letting every worker continue its
// event loop.
func (n *Net) Resume() error {
	n.mu.Lock()
	b := n.barrier
	n.mu.Unlock()

	if b == nil {
		return nil
	}

	b.Wait()

	return nil
}

// Snapshot captures migratable device state (§3 "Lifecycle", §6
// "Snapshot layout").
type Snapshot struct {
	AvailFeatures uint64
	AckedFeatures uint64
	Config        []byte
	QueueSizes    []uint16
}

// Snapshot returns the current migratable state.
func (n *Net) Snapshot() Snapshot {
	return Snapshot{
		AvailFeatures: n.advertised,
		AckedFeatures: n.acked,
		Config:        n.config.Bytes(true),
		QueueSizes:    n.QueueMaxSizes(),
	}
}

// Restore re-installs previously captured state. The caller must Activate
// afterwards; no in-flight descriptor indices are restored (§6).
func (n *Net) Restore(s Snapshot) error {
	n.advertised = s.AvailFeatures
	n.acked = s.AckedFeatures

	if len(s.Config) < 8 {
		return fmt.Errorf("virtio: restore: config too short (%d bytes)", len(s.Config))
	}

	copy(n.config.MAC[:], s.Config[0:6])
	n.config.Status = uint16(s.Config[6]) | uint16(s.Config[7])<<8

	if len(s.Config) >= 12 {
		n.config.MaxVirtqueuePairs = uint16(s.Config[8]) | uint16(s.Config[9])<<8
		n.config.MTU = uint16(s.Config[10]) | uint16(s.Config[11])<<8
	}

	// Every worker restarted post-restore must start with DriverAwake
	// false so the first completion always signals (§4.2, §8 scenario 3
	// "Lost interrupt on restore"). This is naturally satisfied since
	// Activate always constructs fresh QueuePairs.
	return nil
}

// MigrationState converts Snapshot to the wire-level record the migration
// package streams between source and destination.
func (s Snapshot) MigrationState() *migration.NetState {
	return &migration.NetState{
		AvailFeatures: s.AvailFeatures,
		AckedFeatures: s.AckedFeatures,
		Config:        s.Config,
		QueueSizes:    s.QueueSizes,
	}
}

// SnapshotFromMigrationState rebuilds a Snapshot from a decoded
// migration.NetState, the inverse of Snapshot.MigrationState.
func SnapshotFromMigrationState(ns *migration.NetState) Snapshot {
	return Snapshot{
		AvailFeatures: ns.AvailFeatures,
		AckedFeatures: ns.AckedFeatures,
		Config:        ns.Config,
		QueueSizes:    ns.QueueSizes,
	}
}

package vhostusernet

import (
	"fmt"

	"github.com/quillhv/virtio-net/ctrlqueue"
	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/barrier"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/ratelimit"
	"github.com/quillhv/virtio-net/tap"
	"github.com/quillhv/virtio-net/virtio"
)

// Feature bits this backend advertises (§4.5 "Advertises features:
// VERSION_1, RING_F_EVENT_IDX, CTRL_VQ, MQ").
const Features = virtio.FeatureVersion1 |
	virtio.FeatureEventIdx |
	virtio.FeatureCtrlVQ |
	virtio.FeatureMQ

// Vhost-user protocol feature bits this backend advertises (§4.5
// "Advertises protocol features: MQ, REPLY_ACK, CONFIGURE_MEM_SLOTS").
const (
	protocolFeatureMQ               = 1 << 0
	protocolFeatureReplyAck         = 1 << 3
	protocolFeatureConfigureMemSlot = 1 << 12
)

const ProtocolFeatures = protocolFeatureMQ | protocolFeatureReplyAck | protocolFeatureConfigureMemSlot

// ErrVringCountMismatch is returned by New when the host hands over a
// vring worker count that doesn't match the negotiated queue count (§4.5
// "Startup validates ... mismatches are fatal").
var ErrVringCountMismatch = fmt.Errorf("vhostusernet: vring worker count mismatch")

// Backend is the vhost-user-net device process state (§4.5). It owns the
// same per-queue-pair Worker/control-worker shapes as the in-VMM device,
// but nothing here calls Worker.Run: the hosting vhost-user-backend
// framework drives events externally via HandleEvent, not our own epoll
// set (see virtio.Worker.HandleRxKick/HandleTxKick/HandleTapReadable).
type Backend struct {
	spec ConnSpec

	taps    []*tap.Tap
	pairs   []*virtio.QueuePair
	workers []*virtio.Worker

	ctrlQueue *virtio.Queue
	ctrlEvt   *eventfd.EventFd
	ctrlKill  *eventfd.EventFd
	ctrlPause *eventfd.EventFd

	mem       *guestmem.Handle
	barrier   *barrier.Barrier
	interrupt virtio.InterruptTrigger
}

// NumPairsFor is num_queues rounded up to even, divided by 2 (§4.5 "Opens
// N/2 TAPs (N = num_queues rounded up to even)").
func NumPairsFor(numQueues int) int {
	if numQueues%2 != 0 {
		numQueues++
	}

	return numQueues / 2
}

// New opens spec's TAPs and builds one Worker per queue pair plus a
// control queue (§4.5). New creates every kick, kill and pause eventfd
// itself; interrupt delivers used-buffer notifications back to the guest.
func New(
	spec ConnSpec,
	mem guestmem.Memory,
	interrupt virtio.InterruptTrigger,
	rxLimiterCfg, txLimiterCfg ratelimit.Config,
) (*Backend, error) {
	pairs := NumPairsFor(spec.NumQueues)

	taps, err := tap.Open(spec.Tap, spec.IP, spec.Mask, spec.HostMAC, pairs)
	if err != nil {
		return nil, fmt.Errorf("vhostusernet: open taps: %w", err)
	}

	b := &Backend{
		spec:    spec,
		taps:    taps,
		mem:     guestmem.NewHandle(mem),
		barrier: barrier.New(pairs + 1 + 1), // data workers + ctrl worker + caller
	}

	for i := 0; i < pairs; i++ {
		rxQ := virtio.NewQueue(spec.QueueSize)
		txQ := virtio.NewQueue(spec.QueueSize)
		rxQ.SetEventIdxEnabled(true)
		txQ.SetEventIdxEnabled(true)

		rxLimiter, err := ratelimit.New(rxLimiterCfg)
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: rx limiter: %w", err)
		}

		txLimiter, err := ratelimit.New(txLimiterCfg)
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: tx limiter: %w", err)
		}

		pair := &virtio.QueuePair{
			Index:     i,
			RX:        rxQ,
			TX:        txQ,
			Tap:       taps[i],
			RXLimiter: rxLimiter,
			TXLimiter: txLimiter,
		}

		kill, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: kill fd: %w", err)
		}

		pause, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: pause fd: %w", err)
		}

		rxEvt, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: rx kick fd: %w", err)
		}

		txEvt, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: tx kick fd: %w", err)
		}

		w := virtio.NewWorker(pair, b.mem, kill, pause, rxEvt, txEvt, 2*i, 2*i+1, interrupt, b.barrier)
		w.SetSandboxed(false) // sandboxing is installed by the hosting backend process, not per vring thread here

		b.pairs = append(b.pairs, pair)
		b.workers = append(b.workers, w)
	}

	ctrlQ := virtio.NewQueue(spec.QueueSize)

	ctrlKill, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("vhostusernet: ctrl kill fd: %w", err)
	}

	ctrlPause, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("vhostusernet: ctrl pause fd: %w", err)
	}

	ctrlEvt, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("vhostusernet: ctrl kick fd: %w", err)
	}

	b.ctrlQueue = ctrlQ
	b.ctrlKill = ctrlKill
	b.ctrlPause = ctrlPause
	b.ctrlEvt = ctrlEvt
	b.interrupt = interrupt

	return b, nil
}

// NumPairs reports the number of queue pairs (data workers) this backend
// owns.
func (b *Backend) NumPairs() int { return len(b.pairs) }

// Worker returns the i'th data worker.
func (b *Backend) Worker(i int) *virtio.Worker { return b.workers[i] }

// CtrlKillFd returns the eventfd the control-queue worker's exit
// notification writes to.
func (b *Backend) CtrlKillFd() *eventfd.EventFd { return b.ctrlKill }

// CtrlEvtFd returns the control queue's kick eventfd, the fd a host-side
// epoll set should arm for the thread_id == NumPairs() HandleEvent route.
func (b *Backend) CtrlEvtFd() *eventfd.EventFd { return b.ctrlEvt }

// QueuesPerThread returns the ring-index bitmask the host should route to
// thread threadID: worker i gets 0b11<<(2i); the control worker gets
// 1<<(2*NumPairs()) (§4.5 "queues_per_thread").
func (b *Backend) QueuesPerThread(threadID int) uint64 {
	if threadID == len(b.pairs) {
		return 1 << uint(2*len(b.pairs))
	}

	return 0b11 << uint(2*threadID)
}

// HandleEvent dispatches one vring event to the right worker (§4.5
// "handle_event"). evset must be EPOLLIN; any other value is an error.
// deviceEvent: 0 = RX kick, 1 = TX kick, 2 = TAP readable.
func (b *Backend) HandleEvent(deviceEvent int, evsetIsEpollin bool, threadID int) error {
	if !evsetIsEpollin {
		return fmt.Errorf("vhostusernet: handle_event: evset is not EPOLLIN")
	}

	if threadID == len(b.pairs) {
		if _, err := b.ctrlEvt.Read(); err != nil {
			return err
		}

		return b.drainCtrl()
	}

	if threadID < 0 || threadID >= len(b.pairs) {
		return fmt.Errorf("vhostusernet: handle_event: thread_id %d out of range", threadID)
	}

	w := b.workers[threadID]

	switch deviceEvent {
	case 0:
		return w.HandleRxKick()
	case 1:
		return w.HandleTxKick()
	case 2:
		return w.HandleTapReadable()
	default:
		return fmt.Errorf("vhostusernet: handle_event: unknown device_event %d", deviceEvent)
	}
}

// UpdateMemory replaces every worker's guest-memory handle atomically
// (§4.5 "update_memory").
func (b *Backend) UpdateMemory(mem guestmem.Memory) {
	b.mem.Replace(mem)
}

// ExitEvent returns the fd a worker's exit notification should write to,
// plus the event-table index it lives at: 1 for the control worker (right
// after the control queue event), 3 for data workers (after RX, TX, TAP)
// (§4.5 "exit_event").
func (b *Backend) ExitEvent(threadIndex int) (fd int, index int, err error) {
	if threadIndex == len(b.pairs) {
		return b.ctrlKill.Fd(), 1, nil
	}

	if threadIndex < 0 || threadIndex >= len(b.pairs) {
		return 0, 0, fmt.Errorf("vhostusernet: exit_event: thread_index %d out of range", threadIndex)
	}

	return b.workers[threadIndex].KillFd().Fd(), 3, nil
}

// ValidateVringCount is the startup check that the host handed over
// exactly (num data workers + 1) vring workers (§4.5 "mismatches are
// fatal").
func (b *Backend) ValidateVringCount(got int) error {
	want := len(b.pairs) + 1
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", ErrVringCountMismatch, got, want)
	}

	return nil
}

// Shutdown writes 1 to every worker's kill fd (§6 "on shutdown it writes 1
// to each worker's kill fd before exiting").
func (b *Backend) Shutdown() error {
	for _, w := range b.workers {
		if err := w.KillFd().Write(); err != nil {
			return err
		}
	}

	return b.ctrlKill.Write()
}

// drainCtrl consumes every available control-queue element one at a time,
// the same walk as virtio.ctrlWorker.drain, addressed at this backend's
// own workers/pairs instead of a virtio.Net facade (§4.3, §4.5).
func (b *Backend) drainCtrl() error {
	mem := b.mem.Current()
	handledAny := false

	for {
		head, chain, ok := b.ctrlQueue.PopAvail(mem)
		if !ok {
			break
		}

		readable := virtio.GatherFrame(mem, chain)

		ack := ctrlqueue.AckErr

		hdr, err := ctrlqueue.DecodeHeader(readable)
		if err == nil {
			ack, err = b.handleControlCommand(hdr.Class, hdr.Command, readable[2:])
			if err != nil {
				ack = ctrlqueue.AckErr
			}
		}

		var ackDesc *virtio.Desc

		for i := range chain {
			if chain[i].Writeable {
				ackDesc = &chain[i]
			}
		}

		if ackDesc == nil {
			return fmt.Errorf("vhostusernet: control queue: chain has no writable descriptor for ack")
		}

		buf := mem.Bytes()
		buf[ackDesc.Addr] = ack

		b.ctrlQueue.AddUsed(mem, head, 1)

		handledAny = true
	}

	if handledAny {
		if err := b.interrupt.Trigger(len(b.pairs) * 2); err != nil {
			return fmt.Errorf("vhostusernet: signal control queue: %w", err)
		}
	}

	return nil
}

// handleControlCommand decodes and applies one control-queue command,
// mirroring virtio.ctrlWorker's dispatch logic but addressed at this
// backend's own workers/pairs instead of a virtio.Net facade (§4.3).
func (b *Backend) handleControlCommand(class, command uint8, payload []byte) (ack byte, err error) {
	switch {
	case class == ctrlqueue.ClassMQ && command == ctrlqueue.CmdMQVQPairsSet:
		count, derr := ctrlqueue.DecodeMQPairs(payload)
		if derr != nil {
			return ctrlqueue.AckErr, derr
		}

		k := ctrlqueue.Clamp(count, len(b.pairs))
		for i, w := range b.workers {
			if i < k {
				w.Activate()
			} else {
				w.Deactivate()
			}
		}

		return ctrlqueue.AckOK, nil

	case class == ctrlqueue.ClassGuestOff && command == ctrlqueue.CmdGuestOffloadsSet:
		bits, derr := ctrlqueue.DecodeGuestOffloads(payload)
		if derr != nil {
			return ctrlqueue.AckErr, derr
		}

		o := tap.FromGuestOffloads(
			bits&virtio.FeatureGuestCSUM != 0,
			bits&virtio.FeatureGuestTSO4 != 0,
			bits&virtio.FeatureGuestTSO6 != 0,
			bits&virtio.FeatureGuestECN != 0,
			bits&virtio.FeatureGuestUFO != 0,
		)

		for _, p := range b.pairs {
			if err := p.Tap.SetOffload(o); err != nil {
				return ctrlqueue.AckErr, err
			}
		}

		return ctrlqueue.AckOK, nil

	default:
		return ctrlqueue.AckErr, fmt.Errorf("vhostusernet: unknown control command class=%d cmd=%d", class, command)
	}
}

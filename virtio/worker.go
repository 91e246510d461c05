package virtio

import (
	"errors"
	"fmt"
	"log"
	"syscall"

	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/barrier"
	"github.com/quillhv/virtio-net/internal/epoll"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/internal/sandbox"
	"github.com/quillhv/virtio-net/ratelimit"
)

// netHdrLen is sizeof(struct virtio_net_hdr_v1): flags(1) gso_type(1)
// hdr_len(2) gso_size(2) csum_start(2) csum_offset(2) num_buffers(2).
const netHdrLen = 12

const maxFrameSize = 65562 // max Ethernet jumbo frame + virtio-net header slack

// Stable epoll event IDs (§4.2).
const (
	rxQueueEvent epoll.EventID = iota
	txQueueEvent
	rxRateLimiterEvent
	txRateLimiterEvent
	rxTapEvent
	killEvent
	pauseEvent
	mqEvent
)

// InterruptTrigger delivers a used-queue interrupt to the guest (§6
// "Interrupt trigger"). Implementations must be safe for concurrent use
// across queues (§5 "The interrupt callback is serialised per-queue by
// the caller; concurrent invocations across queues are permitted").
type InterruptTrigger interface {
	Trigger(queueIndex int) error
}

// ErrFailedSignalingUsedQueue wraps an InterruptTrigger failure (§7).
var ErrFailedSignalingUsedQueue = errors.New("virtio: failed signaling used queue")

type txDeferred struct {
	head uint16
	buf  []byte
}

// Worker owns one TAP and one RX/TX queue pair and runs its event loop on
// a dedicated OS thread (§4.2 "Device worker (per queue pair)").
type Worker struct {
	pair *QueuePair
	mem  *guestmem.Handle

	kill  *eventfd.EventFd
	pause *eventfd.EventFd
	rxEvt *eventfd.EventFd
	txEvt *eventfd.EventFd
	mqEvt *eventfd.EventFd // nil unless the device advertises CTRL_VQ

	rxQueueIdx int
	txQueueIdx int

	interrupt InterruptTrigger

	ep      *epoll.Helper
	barrier *barrier.Barrier

	deferredTx *txDeferred

	sandboxed bool // set false in tests to skip seccomp installation
}

// NewWorker builds a worker for one queue pair. rxQueueIdx/txQueueIdx are
// the virtqueue indices (2*i, 2*i+1) passed to InterruptTrigger.Trigger.
func NewWorker(
	pair *QueuePair,
	mem *guestmem.Handle,
	kill, pause, rxEvt, txEvt *eventfd.EventFd,
	rxQueueIdx, txQueueIdx int,
	interrupt InterruptTrigger,
	b *barrier.Barrier,
) *Worker {
	return &Worker{
		pair:       pair,
		mem:        mem,
		kill:       kill,
		pause:      pause,
		rxEvt:      rxEvt,
		txEvt:      txEvt,
		rxQueueIdx: rxQueueIdx,
		txQueueIdx: txQueueIdx,
		interrupt:  interrupt,
		barrier:    b,
		sandboxed:  true,
	}
}

// SetMQEvent wires the worker to a control-queue-driven activate/
// deactivate eventfd (§4.3). Only set when the device has CTRL_VQ acked.
func (w *Worker) SetMQEvent(evt *eventfd.EventFd) { w.mqEvt = evt }

// Deactivate marks this pair inactive and kicks the worker so it
// deregisters its TAP (§4.3 "deactivate the rest").
func (w *Worker) Deactivate() {
	w.pair.setInactive(true)

	if w.mqEvt != nil {
		_ = w.mqEvt.Write()
	}
}

// Activate marks this pair active again, letting it resume servicing
// kicks on the next one.
func (w *Worker) Activate() {
	w.pair.setInactive(false)

	if w.mqEvt != nil {
		_ = w.mqEvt.Write()
	}
}

// SetSandboxed controls whether Run installs a seccomp filter before
// entering its loop. Tests that don't run as the thread owner of a real
// seccomp-capable process disable this.
func (w *Worker) SetSandboxed(b bool) { w.sandboxed = b }

// Run installs the worker's seccomp filter (§4.1 step 4), registers its
// epoll set, and runs the event loop until killed or it hits a
// worker-fatal error. It is meant to be called as the body of a
// dedicated goroutine locked to its own OS thread.
func (w *Worker) Run() error {
	if w.sandboxed {
		if err := sandbox.Install(); err != nil {
			return fmt.Errorf("virtio worker %d: sandbox install: %w", w.pair.Index, err)
		}
	}

	ep, err := epoll.New()
	if err != nil {
		return err
	}
	w.ep = ep
	defer ep.Close()

	if err := ep.Add(rxQueueEvent, w.rxEvt.Fd()); err != nil {
		return err
	}

	if err := ep.Add(txQueueEvent, w.txEvt.Fd()); err != nil {
		return err
	}

	if fd := w.pair.RXLimiter.AsRawFd(); fd >= 0 {
		if err := ep.Add(rxRateLimiterEvent, fd); err != nil {
			return err
		}
	}

	if fd := w.pair.TXLimiter.AsRawFd(); fd >= 0 {
		if err := ep.Add(txRateLimiterEvent, fd); err != nil {
			return err
		}
	}

	if err := ep.Add(killEvent, w.kill.Fd()); err != nil {
		return err
	}

	if err := ep.Add(pauseEvent, w.pause.Fd()); err != nil {
		return err
	}

	if w.mqEvt != nil {
		if err := ep.Add(mqEvent, w.mqEvt.Fd()); err != nil {
			return err
		}
	}

	err = ep.Run(w)

	_ = w.pair.Tap.Close()

	return err
}

// HandleEvent implements epoll.Handler.
func (w *Worker) HandleEvent(id epoll.EventID) (bool, error) {
	switch id {
	case rxQueueEvent:
		if _, err := w.rxEvt.Read(); err != nil {
			return false, err
		}

		if !w.pair.Active() {
			return false, nil
		}

		w.pair.RXDescAvail = true
		w.pair.DriverAwake = true

		if !w.pair.RXLimiter.IsBlocked() && !w.pair.RXTapListening {
			if err := w.armTap(); err != nil {
				return false, err
			}
		}

		return false, nil

	case txQueueEvent:
		if _, err := w.txEvt.Read(); err != nil {
			return false, err
		}

		if !w.pair.Active() {
			return false, nil
		}

		w.pair.DriverAwake = true

		if !w.pair.TXLimiter.IsBlocked() {
			if _, err := w.processTx(); err != nil {
				return false, err
			}
		}

		return false, nil

	case rxTapEvent:
		if !w.pair.Active() {
			return false, nil
		}

		if _, err := w.processRx(); err != nil {
			return false, err
		}

		return false, nil

	case rxRateLimiterEvent:
		if err := w.pair.RXLimiter.EventHandler(); err != nil {
			return false, err
		}

		if w.pair.Active() && !w.pair.RXTapListening && w.pair.RXDescAvail {
			if err := w.armTap(); err != nil {
				return false, err
			}
		}

		return false, nil

	case txRateLimiterEvent:
		if err := w.pair.TXLimiter.EventHandler(); err != nil {
			return false, err
		}

		if !w.pair.Active() {
			return false, nil
		}

		w.pair.DriverAwake = true

		if _, err := w.processTx(); err != nil {
			return false, err
		}

		return false, nil

	case mqEvent:
		if w.mqEvt != nil {
			if _, err := w.mqEvt.Read(); err != nil {
				return false, err
			}
		}

		if !w.pair.Active() && w.pair.RXTapListening {
			if err := w.disarmTap(); err != nil {
				return false, err
			}
		} else if w.pair.Active() && !w.pair.RXTapListening && w.pair.RXDescAvail {
			if err := w.armTap(); err != nil {
				return false, err
			}
		}

		return false, nil

	case killEvent:
		if _, err := w.kill.Read(); err != nil {
			return false, err
		}

		return true, nil

	case pauseEvent:
		if _, err := w.pause.Read(); err != nil {
			return false, err
		}

		// First Wait reports this worker quiesced; the second blocks the
		// worker here until Net.Resume's matching Wait releases the whole
		// barrier again (§5 "Cancellation and timeouts").
		w.barrier.Wait()
		w.barrier.Wait()

		return false, nil

	default:
		log.Printf("virtio worker %d: unknown epoll event id %d", w.pair.Index, id)

		return false, fmt.Errorf("virtio: unknown epoll event id %d", id)
	}
}

// HandleRxKick services a guest/vhost-user RX kick (device_event 0, §4.5)
// outside the worker's own Run loop -- used by the vhost-user-net backend,
// whose kick fds are driven by an external poller instead of w.ep.
func (w *Worker) HandleRxKick() error { _, err := w.HandleEvent(rxQueueEvent); return err }

// HandleTxKick services a TX kick (device_event 1, §4.5).
func (w *Worker) HandleTxKick() error { _, err := w.HandleEvent(txQueueEvent); return err }

// HandleTapReadable services a TAP-readable notification (device_event 2,
// §4.5).
func (w *Worker) HandleTapReadable() error { _, err := w.HandleEvent(rxTapEvent); return err }

// RXEventFd, TXEventFd and KillFd expose the worker's fds for a caller
// that drives its own epoll set instead of calling Run (§4.5 "exit_event").
func (w *Worker) RXEventFd() *eventfd.EventFd { return w.rxEvt }
func (w *Worker) TXEventFd() *eventfd.EventFd { return w.txEvt }
func (w *Worker) KillFd() *eventfd.EventFd    { return w.kill }

// TapFd exposes the raw TAP file descriptor for an external poller.
func (w *Worker) TapFd() int { return w.pair.Tap.Fd() }

// armTap registers the TAP fd for EPOLLIN readiness. When the worker owns
// no epoll.Helper (the vhost-user-net path, §4.5, where an external poller
// owns registration) it only updates the bookkeeping flag the caller reads
// via RXTapListening.
func (w *Worker) armTap() error {
	if w.ep != nil {
		if err := w.ep.Add(rxTapEvent, w.pair.Tap.Fd()); err != nil {
			return err
		}
	}

	w.pair.RXTapListening = true

	return nil
}

func (w *Worker) disarmTap() error {
	if w.ep != nil {
		if err := w.ep.Remove(w.pair.Tap.Fd()); err != nil {
			return err
		}
	}

	w.pair.RXTapListening = false

	return nil
}

// processRx drains TAP-readable frames into the RX queue (§4.2
// "process_rx"). Returns true iff at least one used entry was added.
func (w *Worker) processRx() (bool, error) {
	mem := w.mem.Current()
	usedAny := false

	for {
		if !w.pair.RX.HasAvail(mem) {
			// RX queue has no free descriptor: stop reading, keep TAP
			// registered (§4.2).
			return usedAny, w.signal(usedAny, w.pair.Index*2)
		}

		frame := make([]byte, maxFrameSize)

		n, err := w.pair.Tap.Read(frame)
		if err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				if err := w.disarmTap(); err != nil {
					return usedAny, err
				}

				w.pair.RXDescAvail = false

				return usedAny, w.signal(usedAny, w.pair.Index*2)
			}

			return usedAny, fmt.Errorf("virtio: process_rx: tap read: %w", err)
		}

		frame = frame[:n]

		head, chain, ok := w.pair.RX.PopAvail(mem)
		if !ok {
			// Lost the race against HasAvail above; extremely unlikely
			// under the single-threaded worker model but handled safely.
			return usedAny, w.signal(usedAny, w.pair.Index*2)
		}

		written := scatterFrame(mem, chain, frame)
		w.pair.RX.AddUsed(mem, head, written)
		w.pair.addRx(written)
		usedAny = true

		if w.pair.RXLimiter.Consume(int64(written), 1) == ratelimit.Blocked {
			if err := w.disarmTap(); err != nil {
				return usedAny, err
			}

			return usedAny, w.signal(usedAny, w.pair.Index*2)
		}
	}
}

// processTx drains available TX descriptors, writing payloads to the TAP
// (§4.2 "process_tx"). Returns true iff at least one used entry was
// added.
func (w *Worker) processTx() (bool, error) {
	mem := w.mem.Current()
	usedAny := false

	for {
		var head uint16

		var buf []byte

		if w.deferredTx != nil {
			head, buf = w.deferredTx.head, w.deferredTx.buf
			w.deferredTx = nil
		} else {
			h, chain, ok := w.pair.TX.PopAvail(mem)
			if !ok {
				return usedAny, w.signal(usedAny, w.pair.Index*2+1)
			}

			head = h
			buf = gatherFrame(mem, chain)

			if len(buf) >= netHdrLen {
				buf = buf[netHdrLen:]
			}
		}

		if w.pair.TXLimiter.Consume(int64(len(buf)), 1) == ratelimit.Blocked {
			w.deferredTx = &txDeferred{head: head, buf: buf}

			return usedAny, w.signal(usedAny, w.pair.Index*2+1)
		}

		if _, err := w.pair.Tap.Write(buf); err != nil {
			if errors.Is(err, syscall.EAGAIN) {
				w.deferredTx = &txDeferred{head: head, buf: buf}

				return usedAny, w.signal(usedAny, w.pair.Index*2+1)
			}

			return usedAny, fmt.Errorf("virtio: process_tx: tap write: %w", err)
		}

		w.pair.TX.AddUsed(mem, head, 0)
		w.pair.addTx(uint32(len(buf)))
		usedAny = true
	}
}

// signal raises the queue interrupt per §4.2's suppression rule, unless
// nothing was produced this round. A false DriverAwake always forces
// notification to defeat the post-migration lost-interrupt hazard.
func (w *Worker) signal(producedAny bool, queueIdx int) error {
	if !producedAny {
		return nil
	}

	var q *Queue
	if queueIdx == w.pair.Index*2 {
		q = w.pair.RX
	} else {
		q = w.pair.TX
	}

	mem := w.mem.Current()
	needsNotif := q.NeedsNotification(mem)

	if w.pair.DriverAwake && !needsNotif {
		return nil
	}

	if err := w.interrupt.Trigger(queueIdx); err != nil {
		log.Printf("virtio worker %d: signal used queue %d: %v", w.pair.Index, queueIdx, err)

		return fmt.Errorf("%w: %v", ErrFailedSignalingUsedQueue, err)
	}

	return nil
}

// scatterFrame writes the 12-byte virtio-net header followed by frame
// across a device-writable descriptor chain, returning the total bytes
// written.
func scatterFrame(mem guestmem.Memory, chain []Desc, frame []byte) uint32 {
	buf := mem.Bytes()

	payload := make([]byte, netHdrLen+len(frame))
	copy(payload[netHdrLen:], frame)

	var written uint32

	for _, d := range chain {
		if !d.Writeable || len(payload) == 0 {
			continue
		}

		n := uint32(len(payload))
		if n > d.Len {
			n = d.Len
		}

		copy(buf[d.Addr:d.Addr+uint64(n)], payload[:n])
		payload = payload[n:]
		written += n
	}

	return written
}

// GatherFrame concatenates the device-readable bytes of chain. Exported
// for the control-queue worker and the vhost-user-net backend, which walk
// descriptor chains outside a Worker's own RX/TX path.
func GatherFrame(mem guestmem.Memory, chain []Desc) []byte { return gatherFrame(mem, chain) }

// gatherFrame concatenates the device-readable bytes of chain (the
// virtio-net header followed by the Ethernet frame on TX).
func gatherFrame(mem guestmem.Memory, chain []Desc) []byte {
	buf := mem.Bytes()

	var out []byte

	for _, d := range chain {
		if d.Writeable {
			continue
		}

		out = append(out, buf[d.Addr:d.Addr+uint64(d.Len)]...)
	}

	return out
}

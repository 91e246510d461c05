package virtio

import (
	"fmt"

	"github.com/quillhv/virtio-net/ctrlqueue"
	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/barrier"
	"github.com/quillhv/virtio-net/internal/epoll"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/tap"
)

const (
	ctrlQueueEvent epoll.EventID = iota
	ctrlKillEvent
	ctrlPauseEvent
)

// ctrlWorker is the single-threaded control-queue worker (§4.3). It owns
// no TAP of its own; its side effects reach into the device facade that
// spawned it.
type ctrlWorker struct {
	net       *Net
	queue     *Queue
	evt       *eventfd.EventFd
	kill      *eventfd.EventFd
	pause     *eventfd.EventFd
	mem       *guestmem.Handle
	interrupt InterruptTrigger
	queueIdx  int
	barrier   *barrier.Barrier
}

func newCtrlWorker(
	n *Net,
	queue *Queue,
	evt, kill, pause *eventfd.EventFd,
	mem *guestmem.Handle,
	interrupt InterruptTrigger,
	queueIdx int,
	b *barrier.Barrier,
) *ctrlWorker {
	return &ctrlWorker{
		net:       n,
		queue:     queue,
		evt:       evt,
		kill:      kill,
		pause:     pause,
		mem:       mem,
		interrupt: interrupt,
		queueIdx:  queueIdx,
		barrier:   b,
	}
}

func (w *ctrlWorker) run() error {
	ep, err := epoll.New()
	if err != nil {
		return err
	}
	defer ep.Close()

	if err := ep.Add(ctrlQueueEvent, w.evt.Fd()); err != nil {
		return err
	}

	if err := ep.Add(ctrlKillEvent, w.kill.Fd()); err != nil {
		return err
	}

	if err := ep.Add(ctrlPauseEvent, w.pause.Fd()); err != nil {
		return err
	}

	return ep.Run(w)
}

func (w *ctrlWorker) HandleEvent(id epoll.EventID) (bool, error) {
	switch id {
	case ctrlQueueEvent:
		if _, err := w.evt.Read(); err != nil {
			return false, err
		}

		if err := w.drain(); err != nil {
			return false, err
		}

		return false, nil

	case ctrlKillEvent:
		if _, err := w.kill.Read(); err != nil {
			return false, err
		}

		return true, nil

	case ctrlPauseEvent:
		if _, err := w.pause.Read(); err != nil {
			return false, err
		}

		w.barrier.Wait()
		w.barrier.Wait()

		return false, nil

	default:
		return false, fmt.Errorf("virtio: control worker: unknown epoll event id %d", id)
	}
}

// drain consumes every available control-queue element one at a time
// (§4.3 "Consumes one element at a time").
func (w *ctrlWorker) drain() error {
	mem := w.mem.Current()
	handledAny := false

	for {
		head, chain, ok := w.queue.PopAvail(mem)
		if !ok {
			break
		}

		if err := w.handleCommand(mem, head, chain); err != nil {
			return err
		}

		handledAny = true
	}

	if handledAny {
		if err := w.interrupt.Trigger(w.queueIdx); err != nil {
			return fmt.Errorf("%w: %v", ErrFailedSignalingUsedQueue, err)
		}
	}

	return nil
}

func (w *ctrlWorker) handleCommand(mem guestmem.Memory, head uint16, chain []Desc) error {
	readable := GatherFrame(mem, chain)

	ack := ctrlqueue.AckOK

	hdr, err := ctrlqueue.DecodeHeader(readable)
	if err != nil {
		ack = ctrlqueue.AckErr
	} else {
		payload := readable[2:]

		switch {
		case hdr.Class == ctrlqueue.ClassMQ && hdr.Command == ctrlqueue.CmdMQVQPairsSet:
			count, derr := ctrlqueue.DecodeMQPairs(payload)
			if derr != nil || w.net.setActivePairs(ctrlqueue.Clamp(count, w.net.numPairs)) != nil {
				ack = ctrlqueue.AckErr
			}

		case hdr.Class == ctrlqueue.ClassGuestOff && hdr.Command == ctrlqueue.CmdGuestOffloadsSet:
			bits, derr := ctrlqueue.DecodeGuestOffloads(payload)
			if derr != nil || w.net.setGuestOffloads(bits) != nil {
				ack = ctrlqueue.AckErr
			}

		default:
			ack = ctrlqueue.AckErr
		}
	}

	var ackDesc *Desc

	for i := range chain {
		if chain[i].Writeable {
			ackDesc = &chain[i]
		}
	}

	if ackDesc == nil {
		return fmt.Errorf("virtio: control queue: chain has no writable descriptor for ack")
	}

	buf := mem.Bytes()
	buf[ackDesc.Addr] = ack

	w.queue.AddUsed(mem, head, 1)

	return nil
}

// setActivePairs implements VIRTIO_NET_CTRL_MQ_VQ_PAIRS_SET: the first k
// queue pairs' workers stay active, the rest are deactivated (§4.3).
func (n *Net) setActivePairs(k int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, w := range n.workers {
		if i < k {
			w.Activate()
		} else {
			w.Deactivate()
		}
	}

	return nil
}

// setGuestOffloads reprograms every TAP's kernel offload bits from the
// VIRTIO_NET_CTRL_GUEST_OFFLOADS_SET parameter (§4.3).
func (n *Net) setGuestOffloads(bits uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	o := tap.FromGuestOffloads(
		bits&FeatureGuestCSUM != 0,
		bits&FeatureGuestTSO4 != 0,
		bits&FeatureGuestTSO6 != 0,
		bits&FeatureGuestECN != 0,
		bits&FeatureGuestUFO != 0,
	)

	for _, p := range n.pairs {
		if err := p.Tap.SetOffload(o); err != nil {
			return err
		}
	}

	return nil
}

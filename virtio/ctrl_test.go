package virtio

import (
	"encoding/binary"
	"testing"

	"github.com/quillhv/virtio-net/ctrlqueue"
	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/barrier"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/tap"
)

// newTestNetWithWorkers builds a Net with n bare-bones queue-pair workers,
// bypassing Activate, so ctrlWorker's pair-activation side effects can be
// exercised directly.
func newTestNetWithWorkers(t *testing.T, n int) *Net {
	t.Helper()

	net := New("test-net", make([]*tap.Tap, n))
	net.numPairs = n

	mem := guestmem.NewHandle(guestmem.NewFlat(make([]byte, 0x10000)))

	for i := 0; i < n; i++ {
		pair := &QueuePair{Index: i, RX: NewQueue(8), TX: NewQueue(8)}

		kill, _ := eventfd.New()
		pause, _ := eventfd.New()
		rxEvt, _ := eventfd.New()
		txEvt, _ := eventfd.New()

		w := NewWorker(pair, mem, kill, pause, rxEvt, txEvt, 2*i, 2*i+1, &noopInterrupt{}, barrier.New(1))
		w.SetSandboxed(false)

		net.pairs = append(net.pairs, pair)
		net.workers = append(net.workers, w)
	}

	return net
}

func TestSetActivePairsActivatesFirstK(t *testing.T) {
	t.Parallel()

	net := newTestNetWithWorkers(t, 4)

	if err := net.setActivePairs(2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, p := range net.pairs {
		want := i < 2
		if p.Active() != want {
			t.Errorf("pair %d active = %v, want %v", i, p.Active(), want)
		}
	}
}

func TestHandleCommandMQVQPairsSet(t *testing.T) {
	t.Parallel()

	net := newTestNetWithWorkers(t, 4)

	w := newCtrlWorker(net, NewQueue(8), nil, nil, nil, net.mem, &noopInterrupt{}, 8, barrier.New(1))

	mem := guestmem.NewFlat(make([]byte, 0x10000))
	buf := mem.Bytes()

	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, 2)

	readableOff := uint64(0x100)
	buf[readableOff] = ctrlqueue.ClassMQ
	buf[readableOff+1] = ctrlqueue.CmdMQVQPairsSet
	copy(buf[readableOff+2:], payload)

	ackOff := uint64(0x200)

	chain := []Desc{
		{Addr: readableOff, Len: 4, Writeable: false},
		{Addr: ackOff, Len: 1, Writeable: true},
	}

	if err := w.handleCommand(mem, 0, chain); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}

	if buf[ackOff] != ctrlqueue.AckOK {
		t.Fatalf("ack byte = %d, want AckOK", buf[ackOff])
	}

	for i, p := range net.pairs {
		want := i < 2
		if p.Active() != want {
			t.Errorf("pair %d active = %v, want %v", i, p.Active(), want)
		}
	}
}

func TestHandleCommandUnknownClassAcksError(t *testing.T) {
	t.Parallel()

	net := newTestNetWithWorkers(t, 1)
	w := newCtrlWorker(net, NewQueue(8), nil, nil, nil, net.mem, &noopInterrupt{}, 2, barrier.New(1))

	mem := guestmem.NewFlat(make([]byte, 0x1000))
	buf := mem.Bytes()
	buf[0] = 0xff // unknown class
	buf[1] = 0xff

	ackOff := uint64(0x100)
	chain := []Desc{
		{Addr: 0, Len: 2, Writeable: false},
		{Addr: ackOff, Len: 1, Writeable: true},
	}

	if err := w.handleCommand(mem, 0, chain); err != nil {
		t.Fatalf("handleCommand: %v", err)
	}

	if buf[ackOff] != ctrlqueue.AckErr {
		t.Fatalf("ack byte = %d, want AckErr", buf[ackOff])
	}
}

func TestHandleCommandNoWritableDescriptorErrors(t *testing.T) {
	t.Parallel()

	net := newTestNetWithWorkers(t, 1)
	w := newCtrlWorker(net, NewQueue(8), nil, nil, nil, net.mem, &noopInterrupt{}, 2, barrier.New(1))

	mem := guestmem.NewFlat(make([]byte, 0x1000))
	buf := mem.Bytes()
	buf[0] = ctrlqueue.ClassMQ
	buf[1] = ctrlqueue.CmdMQVQPairsSet

	chain := []Desc{{Addr: 0, Len: 2, Writeable: false}}

	if err := w.handleCommand(mem, 0, chain); err == nil {
		t.Fatal("expected error for chain with no writable descriptor")
	}
}

func TestSetGuestOffloadsReprogramsTap(t *testing.T) { // nolint:paralleltest
	taps, err := tap.Open("ctrl_test_off", nil, nil, nil, 1)
	if err != nil {
		t.Fatalf("tap.Open: %v", err)
	}

	defer taps[0].Close()

	net := newTestNetWithWorkers(t, 1)
	net.pairs[0].Tap = taps[0]

	if err := net.setGuestOffloads(FeatureGuestCSUM); err != nil {
		t.Fatalf("setGuestOffloads: %v", err)
	}
}

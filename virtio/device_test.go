package virtio

import (
	"testing"

	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/internal/eventfd"
	"github.com/quillhv/virtio-net/tap"
)

func TestNewNetDefaults(t *testing.T) {
	t.Parallel()

	n := New("net0", nil)

	if n.advertised != DefaultFeatures {
		t.Errorf("advertised = %#x, want DefaultFeatures", n.advertised)
	}

	if n.queueMaxSize != 256 {
		t.Errorf("queueMaxSize = %d, want 256", n.queueMaxSize)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()

	n := New("net0", nil, WithMAC([6]byte{2, 0, 0, 0, 0, 7}), WithMTU(1500))
	n.acked = DefaultFeatures | FeatureMQ

	snap := n.Snapshot()

	restored := New("net1", nil)
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if restored.advertised != n.advertised || restored.acked != n.acked {
		t.Fatalf("features not restored: got advertised=%#x acked=%#x", restored.advertised, restored.acked)
	}

	if restored.config.MAC != n.config.MAC {
		t.Errorf("mac not restored: got %v, want %v", restored.config.MAC, n.config.MAC)
	}

	if restored.config.MTU != n.config.MTU {
		t.Errorf("mtu not restored: got %d, want %d", restored.config.MTU, n.config.MTU)
	}
}

func TestRestoreRejectsShortConfig(t *testing.T) {
	t.Parallel()

	n := New("net0", nil)

	err := n.Restore(Snapshot{Config: []byte{1, 2, 3}})
	if err == nil {
		t.Fatal("expected error for short config")
	}
}

func TestSnapshotMigrationStateRoundTrip(t *testing.T) {
	t.Parallel()

	n := New("net0", nil, WithMAC([6]byte{2, 0, 0, 0, 0, 9}))
	n.acked = DefaultFeatures

	snap := n.Snapshot()
	ns := snap.MigrationState()

	back := SnapshotFromMigrationState(ns)

	if back.AvailFeatures != snap.AvailFeatures || back.AckedFeatures != snap.AckedFeatures {
		t.Fatalf("features lost in migration round trip: got %+v, want %+v", back, snap)
	}

	if len(back.Config) != len(snap.Config) {
		t.Fatalf("config length mismatch: got %d, want %d", len(back.Config), len(snap.Config))
	}

	if len(back.QueueSizes) != len(snap.QueueSizes) {
		t.Fatalf("queue sizes length mismatch: got %d, want %d", len(back.QueueSizes), len(snap.QueueSizes))
	}
}

// TestActivateResetWithCtrlQueue exercises the real Activate/Pause/Resume/
// Reset lifecycle end to end against live worker goroutines and a real TAP
// pair, matching §8 Scenario 1 (activate with two queue pairs plus CTRL_VQ).
func TestActivateResetWithCtrlQueue(t *testing.T) { // nolint:paralleltest
	taps, err := tap.Open("virtio_act_test", nil, nil, nil, 2)
	if err != nil {
		t.Fatalf("tap.Open: %v", err)
	}

	defer func() {
		for _, tp := range taps {
			tp.Close()
		}
	}()

	n := New("net-activate-test", taps)
	n.acked = DefaultFeatures | FeatureCtrlVQ | FeatureMQ | FeatureEventIdx
	n.testDisableSandbox()

	const numPairs = 2

	queues := make([]*Queue, 0, numPairs*2+1)
	evts := make([]*eventfd.EventFd, 0, numPairs*2+1)

	for i := 0; i < numPairs*2; i++ {
		q := NewQueue(8)
		q.SetAddrs(uint64(0x1000+i*0x100), uint64(0x2000+i*0x100), uint64(0x3000+i*0x100))
		queues = append(queues, q)

		evt, err := eventfd.New()
		if err != nil {
			t.Fatalf("eventfd.New: %v", err)
		}

		evts = append(evts, evt)
	}

	queues = append(queues, NewQueue(8)) // control queue, no ring addresses needed

	ctrlEvt, err := eventfd.New()
	if err != nil {
		t.Fatalf("eventfd.New: %v", err)
	}

	evts = append(evts, ctrlEvt)

	mem := guestmem.NewFlat(make([]byte, 0x10000))
	interrupt := &noopInterrupt{}

	if err := n.Activate(mem, interrupt, queues, evts); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if !n.active {
		t.Fatal("net should report active after Activate")
	}

	if len(n.pairs) != numPairs || len(n.workers) != numPairs {
		t.Fatalf("pairs/workers = %d/%d, want %d", len(n.pairs), len(n.workers), numPairs)
	}

	if n.ctrl == nil {
		t.Fatal("expected a control worker for an odd queue count with CTRL_VQ acked")
	}

	if err := n.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if err := n.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if err := n.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if n.active {
		t.Fatal("net should report inactive after Reset")
	}

	if n.ctrl != nil || len(n.pairs) != 0 || len(n.workers) != 0 {
		t.Fatal("Reset should clear pairs, workers and the control worker")
	}
}

package vhostusernet_test

import (
	"testing"

	"github.com/quillhv/virtio-net/guestmem"
	"github.com/quillhv/virtio-net/ratelimit"
	"github.com/quillhv/virtio-net/vhostusernet"
)

func TestNumPairsFor(t *testing.T) {
	t.Parallel()

	cases := []struct {
		numQueues int
		want      int
	}{
		{1, 1}, // rounded up to 2, /2
		{2, 1},
		{3, 2},
		{4, 2},
		{6, 3},
	}

	for _, c := range cases {
		if got := vhostusernet.NumPairsFor(c.numQueues); got != c.want {
			t.Errorf("NumPairsFor(%d) = %d, want %d", c.numQueues, got, c.want)
		}
	}
}

func newTestBackend(t *testing.T, tapName string, numQueues int) *vhostusernet.Backend {
	t.Helper()

	spec := vhostusernet.ConnSpec{
		Tap:       tapName,
		NumQueues: numQueues,
		QueueSize: 64,
		Socket:    "/tmp/vhost-user-net-test.sock",
	}

	mem := guestmem.NewFlat(make([]byte, 1<<20))

	interrupt, err := vhostusernet.NewCallFds(2*vhostusernet.NumPairsFor(numQueues) + 1)
	if err != nil {
		t.Fatalf("NewCallFds: %v", err)
	}

	b, err := vhostusernet.New(spec, mem, interrupt, ratelimit.Config{}, ratelimit.Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	return b
}

func TestQueuesPerThread(t *testing.T) { // nolint:paralleltest
	b := newTestBackend(t, "vhost_user_net_test0", 4)

	if got := b.QueuesPerThread(0); got != 0b11 {
		t.Errorf("thread 0 = %#b, want 0b11", got)
	}

	if got := b.QueuesPerThread(1); got != 0b1100 {
		t.Errorf("thread 1 = %#b, want 0b1100", got)
	}

	if got := b.QueuesPerThread(b.NumPairs()); got != 1<<4 {
		t.Errorf("ctrl thread = %#b, want %#b", got, 1<<4)
	}
}

func TestValidateVringCount(t *testing.T) { // nolint:paralleltest
	b := newTestBackend(t, "vhost_user_net_test1", 2)

	if err := b.ValidateVringCount(b.NumPairs() + 1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := b.ValidateVringCount(b.NumPairs()); err == nil {
		t.Error("expected error for mismatched vring count")
	}
}

func TestExitEvent(t *testing.T) { // nolint:paralleltest
	b := newTestBackend(t, "vhost_user_net_test2", 2)

	if _, idx, err := b.ExitEvent(0); err != nil || idx != 3 {
		t.Errorf("ExitEvent(0) = idx %d, err %v", idx, err)
	}

	if _, idx, err := b.ExitEvent(b.NumPairs()); err != nil || idx != 1 {
		t.Errorf("ExitEvent(ctrl) = idx %d, err %v", idx, err)
	}

	if _, _, err := b.ExitEvent(99); err == nil {
		t.Error("expected error for out-of-range thread index")
	}
}

func TestShutdown(t *testing.T) { // nolint:paralleltest
	b := newTestBackend(t, "vhost_user_net_test3", 2)

	if err := b.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for i := 0; i < b.NumPairs(); i++ {
		if v, err := b.Worker(i).KillFd().Read(); err != nil || v != 1 {
			t.Errorf("worker %d kill fd not signaled: v=%d err=%v", i, v, err)
		}
	}

	if v, err := b.CtrlKillFd().Read(); err != nil || v != 1 {
		t.Errorf("ctrl kill fd not signaled: v=%d err=%v", v, err)
	}
}

package ratelimit_test

import (
	"testing"
	"time"

	"github.com/quillhv/virtio-net/ratelimit"
)

func TestUnconfiguredLimiterNeverBlocks(t *testing.T) {
	t.Parallel()

	var l *ratelimit.Limiter

	if l.IsBlocked() {
		t.Fatalf("nil limiter reported blocked")
	}

	if out := l.Consume(1<<20, 1); out != ratelimit.Ok {
		t.Fatalf("nil limiter did not return Ok, got %v", out)
	}

	if l.AsRawFd() != -1 {
		t.Fatalf("nil limiter exposed a real fd")
	}
}

func TestConsumeBlocksOnExhaustedBucket(t *testing.T) {
	t.Parallel()

	l, err := ratelimit.New(ratelimit.Config{
		BytesCapacity: 100,
		BytesRefill:   time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	if out := l.Consume(100, 0); out != ratelimit.Ok {
		t.Fatalf("first consume: expected Ok, got %v", out)
	}

	if out := l.Consume(1, 0); out != ratelimit.Blocked {
		t.Fatalf("second consume: expected Blocked, got %v", out)
	}

	if !l.IsBlocked() {
		t.Fatalf("limiter did not record blocked state")
	}

	// A further Consume call while blocked must not take tokens again.
	if out := l.Consume(1, 0); out != ratelimit.Blocked {
		t.Fatalf("consume while blocked: expected Blocked, got %v", out)
	}
}

func TestEventHandlerUnblocks(t *testing.T) {
	t.Parallel()

	l, err := ratelimit.New(ratelimit.Config{OpsCapacity: 1, OpsRefill: time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer l.Close()

	l.Consume(0, 1)

	if out := l.Consume(0, 1); out != ratelimit.Blocked {
		t.Fatalf("expected Blocked, got %v", out)
	}

	if err := l.EventHandler(); err != nil {
		t.Fatalf("EventHandler: %v", err)
	}

	if l.IsBlocked() {
		t.Fatalf("limiter still blocked after EventHandler")
	}
}

// Package ratelimit provides the per-direction bandwidth/ops token-bucket
// gate used by each device worker's RX and TX paths. Token accounting is
// delegated to github.com/juju/ratelimit; this package adds the one-shot
// timerfd wake-up and the Blocked/unblock bookkeeping an epoll loop needs
// that a plain rate.Bucket doesn't expose.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/juju/ratelimit"
	"golang.org/x/sys/unix"
)

// Outcome is the result of a Consume call.
type Outcome int

const (
	// Ok means all requested tokens were taken.
	Ok Outcome = iota
	// Blocked means at least one bucket was short. The tokens were still
	// taken (that bucket is now in debt) and the limiter has armed its
	// wake-up timer.
	Blocked
)

// Limiter is a dual bucket (bytes, ops) with an epoll-pollable wake-up fd.
// A nil *Limiter is a valid "unconfigured" limiter: Consume always
// succeeds and IsBlocked is always false, matching §4.4's "optional"
// RX/TX rate limiters.
type Limiter struct {
	bytes *ratelimit.Bucket
	ops   *ratelimit.Bucket

	timer   int // timerfd, -1 if this limiter has no configured buckets
	blocked bool
}

// Config describes one direction's token-bucket rates. A zero Capacity
// disables that bucket (unlimited).
type Config struct {
	BytesCapacity int64
	BytesRefill   time.Duration // time to refill BytesCapacity tokens from empty
	OpsCapacity   int64
	OpsRefill     time.Duration
}

// New builds a Limiter from cfg. If both capacities are zero, New returns
// (nil, nil): the caller should treat this the same as "no limiter
// configured" per §4.4.
func New(cfg Config) (*Limiter, error) {
	if cfg.BytesCapacity == 0 && cfg.OpsCapacity == 0 {
		return nil, nil
	}

	l := &Limiter{timer: -1}

	if cfg.BytesCapacity > 0 {
		l.bytes = ratelimit.NewBucketWithRate(
			float64(cfg.BytesCapacity)/cfg.BytesRefill.Seconds(), cfg.BytesCapacity)
	}

	if cfg.OpsCapacity > 0 {
		l.ops = ratelimit.NewBucketWithRate(
			float64(cfg.OpsCapacity)/cfg.OpsRefill.Seconds(), cfg.OpsCapacity)
	}

	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: timerfd_create: %w", err)
	}

	l.timer = fd

	return l, nil
}

// AsRawFd exposes the wake-up timerfd for epoll registration. Returns -1
// for an unconfigured (nil) limiter.
func (l *Limiter) AsRawFd() int {
	if l == nil {
		return -1
	}

	return l.timer
}

// IsBlocked reports whether the limiter is currently withholding tokens.
func (l *Limiter) IsBlocked() bool {
	return l != nil && l.blocked
}

// Consume takes nBytes and nOps tokens. Each bucket's Take removes the
// tokens even when too few are available, leaving that bucket in debt; if
// either bucket reports a wait, Consume arms the wake-up timer for the
// longer wait and returns Blocked. While blocked, calls take nothing and
// return Blocked until EventHandler runs.
func (l *Limiter) Consume(nBytes, nOps int64) Outcome {
	if l == nil {
		return Ok
	}

	if l.blocked {
		return Blocked
	}

	var wait time.Duration

	if l.bytes != nil {
		if d := l.bytes.Take(nBytes); d > 0 {
			if d > wait {
				wait = d
			}
		}
	}

	if l.ops != nil {
		if d := l.ops.Take(nOps); d > 0 {
			if d > wait {
				wait = d
			}
		}
	}

	if wait == 0 {
		return Ok
	}

	l.blocked = true
	l.arm(wait)

	return Blocked
}

func (l *Limiter) arm(d time.Duration) {
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	_ = unix.TimerfdSettime(l.timer, 0, &spec, nil)
}

// EventHandler must be called when the wake-up fd becomes readable. It
// drains the timerfd and clears the blocked flag atomically with respect
// to the single-threaded worker that owns this limiter.
func (l *Limiter) EventHandler() error {
	if l == nil {
		return nil
	}

	var buf [8]byte
	if _, err := unix.Read(l.timer, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("ratelimit: drain timerfd: %w", err)
	}

	l.blocked = false

	return nil
}

// Close releases the timerfd.
func (l *Limiter) Close() error {
	if l == nil || l.timer < 0 {
		return nil
	}

	return unix.Close(l.timer)
}

// Package eventfd wraps Linux eventfd(2) objects used throughout the device
// worker as kick, kill and pause notifications.
package eventfd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// EventFd is a duplicable, pollable 8-byte counter.
type EventFd struct {
	fd int
}

// New creates a non-blocking eventfd with an initial counter of 0.
func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

// Clone dup(2)s the underlying fd so kill/pause notifications can be shared
// between the facade and a worker without the worker's Close tearing down
// the facade's own handle.
func (e *EventFd) Clone() (*EventFd, error) {
	fd, err := unix.Dup(e.fd)
	if err != nil {
		return nil, fmt.Errorf("eventfd: dup: %w", err)
	}

	return &EventFd{fd: fd}, nil
}

// Write latches the eventfd by adding 1 to its counter. Used for kick, kill
// (edge-triggered-once-observed) and pause notifications.
func (e *EventFd) Write() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)

	if _, err := unix.Write(e.fd, buf[:]); err != nil {
		return fmt.Errorf("eventfd: write: %w", err)
	}

	return nil
}

// Read drains the eventfd's counter back to zero. Must be called after every
// epoll-reported readability or the fd stays permanently ready.
func (e *EventFd) Read() (uint64, error) {
	var buf [8]byte

	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN {
			return 0, nil
		}

		return 0, fmt.Errorf("eventfd: read: %w", err)
	}

	if n != 8 {
		return 0, fmt.Errorf("eventfd: short read of %d bytes", n)
	}

	return binary.LittleEndian.Uint64(buf[:]), nil
}

// Fd returns the raw file descriptor for epoll registration.
func (e *EventFd) Fd() int { return e.fd }

// Close releases the fd. Safe to call once per Clone.
func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}

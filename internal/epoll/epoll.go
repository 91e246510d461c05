// Package epoll is the shared event-loop core used by every device worker:
// the per-queue-pair worker, the control-queue worker and the vhost-user-net
// backend's vring workers all multiplex fds through one of these.
//
// The cyclic relationship a naive design would hit here -- the helper needs
// to call back into the worker, and the worker owns the helper -- is avoided
// the way the teacher avoids similar cycles between pci.Device and its bus:
// the handler is passed into Run as a borrowed callback, never stored.
package epoll

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// EventID identifies a registered fd to the Handler. Values are stable
// across the lifetime of a Helper so a Handler can switch on them.
type EventID int

// Handler reacts to a ready fd. Returning an error from a kick/tap event is
// a worker-fatal (not device-fatal) condition: Run stops and returns it.
// Returning (true, nil) for KILL requests loop termination without error.
type Handler interface {
	HandleEvent(id EventID) (stop bool, err error)
}

type registration struct {
	id EventID
	fd int
}

// Helper owns one epoll fd and the EventID <-> fd bindings registered on it.
// Not safe for concurrent use; each worker owns exactly one Helper on its
// own OS thread.
type Helper struct {
	epfd int
	regs map[int]EventID // fd -> EventID, for dispatch
}

// New creates an empty epoll set.
func New() (*Helper, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll: create: %w", err)
	}

	return &Helper{epfd: epfd, regs: make(map[int]EventID)}, nil
}

// Add registers fd for EPOLLIN readiness under id. Adding an fd that is
// already registered fails (EEXIST) and leaves its existing binding as is.
func (h *Helper) Add(id EventID, fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}

	if err := unix.EpollCtl(h.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll: add fd %d: %w", fd, err)
	}

	h.regs[fd] = id

	return nil
}

// Remove deregisters fd. It is not an error to remove an fd twice.
func (h *Helper) Remove(fd int) error {
	if _, ok := h.regs[fd]; !ok {
		return nil
	}

	delete(h.regs, fd)

	if err := unix.EpollCtl(h.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll: remove fd %d: %w", fd, err)
	}

	return nil
}

// Registered reports whether fd currently has a live registration, the
// source of truth backing QueuePair.rx_tap_listening.
func (h *Helper) Registered(fd int) bool {
	_, ok := h.regs[fd]

	return ok
}

const maxEvents = 32

// Run blocks dispatching ready events to handler until handler requests
// termination or returns an error. handler is a borrowed reference: the
// caller retains ownership and Run never stores it beyond this call.
func (h *Helper) Run(handler Handler) error {
	events := make([]unix.EpollEvent, maxEvents)

	for {
		n, err := unix.EpollWait(h.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return fmt.Errorf("epoll: wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)

			id, ok := h.regs[fd]
			if !ok {
				// fd was removed between EpollWait returning and us
				// dispatching it; ignore.
				continue
			}

			if events[i].Events&unix.EPOLLIN == 0 {
				return fmt.Errorf("epoll: fd %d (event %d) ready without EPOLLIN: %w",
					fd, id, errMissingEpollin)
			}

			stop, err := handler.HandleEvent(id)
			if err != nil {
				return err
			}

			if stop {
				return nil
			}
		}
	}
}

var errMissingEpollin = fmt.Errorf("missing EPOLLIN on a kick fd")

// Close tears down the epoll fd. Registered fds are not closed by Close;
// the caller owns their lifetime.
func (h *Helper) Close() error {
	return unix.Close(h.epfd)
}

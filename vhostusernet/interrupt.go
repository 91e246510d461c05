package vhostusernet

import (
	"fmt"

	"github.com/quillhv/virtio-net/internal/eventfd"
)

// CallFds is a virtio.InterruptTrigger backed by one eventfd per
// virtqueue index, the same signalling shape a real vhost-user
// handshake hands over per vring via SET_VRING_CALL (§4.5, §6
// InterruptTrigger).
type CallFds struct {
	fds []*eventfd.EventFd
}

// NewCallFds allocates n call eventfds, one per virtqueue index.
func NewCallFds(n int) (*CallFds, error) {
	fds := make([]*eventfd.EventFd, n)

	for i := range fds {
		fd, err := eventfd.New()
		if err != nil {
			return nil, fmt.Errorf("vhostusernet: call fd %d: %w", i, err)
		}

		fds[i] = fd
	}

	return &CallFds{fds: fds}, nil
}

// Trigger implements virtio.InterruptTrigger by writing to queueIndex's
// call fd.
func (c *CallFds) Trigger(queueIndex int) error {
	if queueIndex < 0 || queueIndex >= len(c.fds) {
		return fmt.Errorf("vhostusernet: call fd: queue index %d out of range", queueIndex)
	}

	return c.fds[queueIndex].Write()
}

// Fd returns the raw fd for queueIndex, handed to the vhost-user master
// during SET_VRING_CALL negotiation.
func (c *CallFds) Fd(queueIndex int) int { return c.fds[queueIndex].Fd() }

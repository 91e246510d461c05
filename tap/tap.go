// Package tap opens and programs kernel TAP interfaces. The in-VMM
// virtio-net device and the vhost-user-net backend both hand one Tap per
// queue pair to a device worker (§3: "A TAP fd is owned by exactly one
// worker"). Non-blocking read/write and offload-bit programming are the
// two properties the worker's event loop depends on.
package tap

import (
	"fmt"
	"net"
	"syscall"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const ifNameSize = 0x10

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// Tap is one multi-queue TAP fd. All Taps opened together by Open share an
// interface name but are each an independent kernel queue.
type Tap struct {
	fd int
}

func ioctl(fd, op, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return errno
	}

	return nil
}

func fcntl(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := syscall.Syscall(syscall.SYS_FCNTL, fd, op, arg)
	if errno != 0 {
		return 0, errno
	}

	return res, nil
}

func openQueue(ifname string, multiQueue bool) (*Tap, error) {
	fd, err := syscall.Open("/dev/net/tun", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tap: open /dev/net/tun: %w", err)
	}

	flags := uint16(syscall.IFF_TAP | syscall.IFF_NO_PI)
	if multiQueue {
		flags |= unix.IFF_MULTI_QUEUE
	}

	ifr := ifReq{Flags: flags}
	copy(ifr.Name[:ifNameSize-1], ifname)

	if err := ioctl(uintptr(fd), syscall.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("tap: TUNSETIFF: %w", err)
	}

	flagsGot, err := fcntl(uintptr(fd), syscall.F_GETFL, 0)
	if err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("tap: F_GETFL: %w", err)
	}

	if _, err := fcntl(uintptr(fd), syscall.F_SETFL, flagsGot|syscall.O_NONBLOCK); err != nil {
		_ = syscall.Close(fd)

		return nil, fmt.Errorf("tap: F_SETFL: %w", err)
	}

	return &Tap{fd: fd}, nil
}

// Open opens numPairs independent multi-queue TAP fds bound to ifname (or
// a kernel-assigned name if ifname is empty) and, once the interface
// exists, programs its IPv4 address/mask and MAC via netlink and brings it
// up (§6 "TAP (kernel) interface").
func Open(ifname string, ip net.IP, mask net.IPMask, hostMAC net.HardwareAddr, numPairs int) ([]*Tap, error) {
	if numPairs < 1 {
		return nil, fmt.Errorf("tap: numPairs must be >= 1, got %d", numPairs)
	}

	taps := make([]*Tap, 0, numPairs)

	for i := 0; i < numPairs; i++ {
		t, err := openQueue(ifname, numPairs > 1)
		if err != nil {
			for _, prior := range taps {
				_ = prior.Close()
			}

			return nil, err
		}

		taps = append(taps, t)

		if ifname == "" {
			// Later queues and configureLink use the name the kernel assigned.
			var ifr ifReq
			if err := ioctl(uintptr(t.fd), unix.TUNGETIFF, uintptr(unsafe.Pointer(&ifr))); err != nil {
				for _, prior := range taps {
					_ = prior.Close()
				}

				return nil, fmt.Errorf("tap: TUNGETIFF: %w", err)
			}

			ifname = unix.ByteSliceToString(ifr.Name[:])
		}
	}

	if err := configureLink(ifname, ip, mask, hostMAC); err != nil {
		for _, t := range taps {
			_ = t.Close()
		}

		return nil, err
	}

	return taps, nil
}

func configureLink(ifname string, ip net.IP, mask net.IPMask, hostMAC net.HardwareAddr) error {
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("tap: netlink.LinkByName(%s): %w", ifname, err)
	}

	if len(hostMAC) == 6 {
		if err := netlink.LinkSetHardwareAddr(link, hostMAC); err != nil {
			return fmt.Errorf("tap: set hw addr: %w", err)
		}
	}

	if ip != nil {
		addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
		if err := netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("tap: addr add: %w", err)
		}
	}

	return netlink.LinkSetUp(link)
}

// Close releases the fd.
func (t *Tap) Close() error {
	return syscall.Close(t.fd)
}

// Write writes one full Ethernet frame. Non-blocking: on a full TAP queue
// it returns syscall.EAGAIN, which process_tx treats as "defer this
// descriptor".
func (t *Tap) Write(buf []byte) (int, error) {
	return syscall.Write(t.fd, buf)
}

// Read reads one full Ethernet frame. Non-blocking: returns syscall.EAGAIN
// when no frame is pending.
func (t *Tap) Read(buf []byte) (int, error) {
	return syscall.Read(t.fd, buf)
}

// Fd returns the raw fd for epoll registration.
func (t *Tap) Fd() int { return t.fd }

// Dup returns an independent fd referring to the same open file
// description, so a worker can close its copy on exit without affecting
// the facade's master handle (§5 "Shared resources: TAP fd").
func (t *Tap) Dup() (*Tap, error) {
	fd, err := unix.Dup(t.fd)
	if err != nil {
		return nil, fmt.Errorf("tap: dup: %w", err)
	}

	return &Tap{fd: fd}, nil
}

// Package guestmem defines the narrow view this module needs of guest
// memory. The concrete type (typically a set of mmap'd regions backing a
// KVM/MSHV guest) lives outside this module's scope per spec.md §1; only
// this interface and a small in-process implementation used by tests and
// the in-VMM device's own bookkeeping live here.
package guestmem

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Memory is the flat, guest-physical-address-indexed view a virtqueue and
// the vhost-user-fs slave handler read and write through. Bytes returns a
// short-lived view; callers must not retain it across a suspension point
// (§5 "workers obtain a short-lived view per operation").
type Memory interface {
	Bytes() []byte
	// HostAddress resolves a guest physical address to a host virtual
	// address, used only by the vhost-user-fs io() path to translate
	// addresses outside the cache window.
	HostAddress(gpa uint64) (uintptr, error)
}

// Flat is a Memory backed by a single contiguous host byte slice, the
// same model the teacher's virtio/net.go and virtio/blk.go used directly
// (v.Mem []byte indexed by desc.Addr). It is what in-process tests and a
// single-region in-VMM device use.
type Flat struct {
	buf []byte
}

// NewFlat wraps buf as a Memory.
func NewFlat(buf []byte) *Flat {
	return &Flat{buf: buf}
}

func (f *Flat) Bytes() []byte { return f.buf }

// HostAddress returns the address of f.buf[gpa], the same
// unsafe.Pointer(&slot.Buf[0])-style translation the teacher's memory
// package uses for its KVM memory slots (memory/memory.go).
func (f *Flat) HostAddress(gpa uint64) (uintptr, error) {
	if gpa >= uint64(len(f.buf)) {
		return 0, fmt.Errorf("guestmem: gpa 0x%x out of range (size 0x%x)", gpa, len(f.buf))
	}

	return uintptr(unsafe.Pointer(&f.buf[gpa])), nil
}

// Handle is an atomically-swappable Memory cell. update_memory (§4.5)
// replaces the handle readers see; a reader that already obtained a view
// via Current().Bytes() keeps using the old backing slice until it
// re-calls Current() (§5 "readers finishing an in-flight view continue
// against the old handle").
type Handle struct {
	v atomic.Value // Memory
}

// NewHandle wraps an initial Memory for atomic replacement.
func NewHandle(m Memory) *Handle {
	h := &Handle{}
	h.v.Store(m)

	return h
}

// Current returns the Memory currently installed.
func (h *Handle) Current() Memory {
	return h.v.Load().(Memory)
}

// Replace atomically swaps in a new Memory.
func (h *Handle) Replace(m Memory) {
	h.v.Store(m)
}

// Package vhostuserfs implements the vhost-user-fs slave-request handler
// (§4.6). It shares the vhost-user concurrency core with vhostusernet but
// owns a DAX-style shared-memory cache window instead of virtqueues.
package vhostuserfs

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/quillhv/virtio-net/guestmem"
)

// MaxSlaveEntries is VHOST_USER_FS_SLAVE_ENTRIES: the maximum number of
// map/unmap/sync/io tuples one slave request may carry.
const MaxSlaveEntries = 8

// unmapAll is the sentinel offset value meaning "the whole window" in an
// unmap request.
const unmapAll = ^uint64(0)

// Entry is one (cache_offset, fd_offset, len, flags) tuple from a slave
// request.
type Entry struct {
	CacheOffset uint64
	FdOffset    uint64
	Len         uint64
	Flags       uint32
}

// Handler owns one shared-memory cache window and services map/unmap/
// sync/io requests against it (§4.6).
type Handler struct {
	cacheOffset   uint64 // guest physical address of the window
	cacheSize     uint64
	mmapCacheAddr uintptr // host virtual base of the window
	mem           *guestmem.Handle
}

// New builds a Handler over a cache window already reserved at
// mmapCacheAddr (typically by an anonymous PROT_NONE mapping the caller
// made at attach time).
func New(cacheOffset, cacheSize uint64, mmapCacheAddr uintptr, mem *guestmem.Handle) *Handler {
	return &Handler{
		cacheOffset:   cacheOffset,
		cacheSize:     cacheSize,
		mmapCacheAddr: mmapCacheAddr,
		mem:           mem,
	}
}

// ErrInvalidRange is returned by any operation touching an entry failing
// valid() (§4.6, §7 "EINVAL for the whole request").
var ErrInvalidRange = errors.New("vhostuserfs: invalid cache range")

// valid reports whether [offset, offset+len) fits within the cache window
// without overflow (§4.6 "Validity predicate").
func (h *Handler) valid(offset, length uint64) bool {
	end := offset + length
	if end < offset {
		return false
	}

	return offset < h.cacheSize && end <= h.cacheSize
}

func (h *Handler) validateAll(entries []Entry, allowUnmapAll bool) error {
	for _, e := range entries {
		if e.Len == 0 {
			continue
		}

		if allowUnmapAll && e.CacheOffset == unmapAll {
			continue
		}

		if !h.valid(e.CacheOffset, e.Len) {
			return fmt.Errorf("%w: offset=0x%x len=0x%x cacheSize=0x%x",
				ErrInvalidRange, e.CacheOffset, e.Len, h.cacheSize)
		}
	}

	return nil
}

// Map places a shared file mapping at mmapCacheAddr+offset for each valid
// entry, sized len, backed by fd at fd_offset; fd is closed once every
// entry has been mapped (§4.6 "map").
func (h *Handler) Map(fd int, entries []Entry) error {
	defer unix.Close(fd)

	if err := h.validateAll(entries, false); err != nil {
		return err
	}

	for _, e := range entries {
		if e.Len == 0 {
			continue
		}

		addr := h.mmapCacheAddr + uintptr(e.CacheOffset)

		if err := mmapFixed(addr, e.Len, unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_FIXED, fd, int64(e.FdOffset)); err != nil {
			return fmt.Errorf("vhostuserfs: map offset=0x%x: %w", e.CacheOffset, err)
		}
	}

	return nil
}

// Unmap overwrites each entry's range (or the whole window, for the
// all-ones sentinel) with an anonymous private PROT_NONE mapping
// (§4.6 "unmap").
func (h *Handler) Unmap(entries []Entry) error {
	if err := h.validateAll(entries, true); err != nil {
		return err
	}

	for _, e := range entries {
		offset, length := e.CacheOffset, e.Len

		if offset == unmapAll {
			offset, length = 0, h.cacheSize
		}

		if length == 0 {
			continue
		}

		addr := h.mmapCacheAddr + uintptr(offset)

		if err := mmapFixed(addr, length, unix.PROT_NONE,
			unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED, -1, 0); err != nil {
			return fmt.Errorf("vhostuserfs: unmap offset=0x%x: %w", offset, err)
		}
	}

	return nil
}

// Sync msyncs each validated sub-range (§4.6 "sync").
func (h *Handler) Sync(entries []Entry) error {
	if err := h.validateAll(entries, false); err != nil {
		return err
	}

	for _, e := range entries {
		if e.Len == 0 {
			continue
		}

		view := unsafeByteView(h.mmapCacheAddr+uintptr(e.CacheOffset), e.Len)

		if err := unix.Msync(view, unix.MS_SYNC); err != nil {
			return fmt.Errorf("vhostuserfs: msync offset=0x%x: %w", e.CacheOffset, err)
		}
	}

	return nil
}

// IO resolves each entry's host pointer (inside the cache window, or via
// guest memory otherwise) and reads/writes fd at fd_offset until len
// bytes are transferred, looping on short transfers (§4.6 "io").
func (h *Handler) IO(fd int, entries []Entry, write bool) error {
	f := os.NewFile(uintptr(fd), "vhostuserfs-io")
	defer f.Close()

	for _, e := range entries {
		if e.Len == 0 {
			continue
		}

		hostAddr, err := h.resolve(e.CacheOffset, e.Len)
		if err != nil {
			return err
		}

		buf := unsafeByteView(hostAddr, e.Len)

		if err := h.transfer(f, int64(e.FdOffset), buf, write); err != nil {
			return fmt.Errorf("vhostuserfs: io offset=0x%x: %w", e.CacheOffset, err)
		}
	}

	return nil
}

func (h *Handler) resolve(gpa, length uint64) (uintptr, error) {
	if gpa >= h.cacheOffset && h.valid(gpa-h.cacheOffset, length) {
		return h.mmapCacheAddr + uintptr(gpa-h.cacheOffset), nil
	}

	hostAddr, err := h.mem.Current().HostAddress(gpa)
	if err != nil {
		return 0, fmt.Errorf("vhostuserfs: resolve gpa 0x%x: %w", gpa, err)
	}

	return hostAddr, nil
}

// transfer moves buf to/from f at offset, looping until done; an EOF
// before completion on a read is an error (§4.6 "EOF before completion is
// an error").
func (h *Handler) transfer(f *os.File, offset int64, buf []byte, write bool) error {
	done := 0

	for done < len(buf) {
		var (
			n   int
			err error
		)

		if write {
			n, err = f.WriteAt(buf[done:], offset+int64(done))
		} else {
			n, err = f.ReadAt(buf[done:], offset+int64(done))
		}

		done += n

		if err != nil {
			if err == io.EOF && done == len(buf) {
				break
			}

			return err
		}
	}

	return nil
}

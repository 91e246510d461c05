package vhostuserfs

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmapFixed maps length bytes at the fixed host virtual address addr.
// golang.org/x/sys/unix.Mmap never takes a caller-chosen address, so the
// raw syscall is used directly, the way the teacher's memory package
// drops to syscall.Mmap only where the stdlib/unix wrapper falls short.
func mmapFixed(addr uintptr, length uint64, prot, flags, fd int, offset int64) error {
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(length),
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return errno
	}

	return nil
}

// unsafeByteView turns a host address/length pair into a []byte without a
// copy. Callers must guarantee the backing mapping outlives the slice.
func unsafeByteView(addr uintptr, length uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length))
}

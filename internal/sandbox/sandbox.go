// Package sandbox installs the per-thread seccomp filter each device
// worker applies before entering its epoll loop (§4.1 step 4). Filter
// installation is process-local and per-thread by design: every worker
// goroutine must be locked to its OS thread (runtime.LockOSThread) before
// calling Install, or the filter will apply to the wrong kernel thread.
package sandbox

import (
	seccomp "github.com/seccomp/libseccomp-golang"
)

// allowedSyscalls is the fixed set a worker needs after activation: epoll
// wait/ctl, eventfd/timerfd read and write, non-blocking TAP read/write,
// and the handful of bookkeeping calls the Go runtime itself issues on a
// locked OS thread (futex, clock_gettime, exit).
var allowedSyscalls = []string{
	"read", "write", "readv", "writev",
	"epoll_wait", "epoll_pwait", "epoll_ctl",
	"close", "futex", "clock_gettime", "nanosleep",
	"rt_sigreturn", "exit", "exit_group", "mmap", "munmap", "mprotect",
	"sigaltstack", "getrandom", "madvise",
}

// Install builds a default-kill allow-list filter and loads it onto the
// calling thread. A worker's Run returns an Install error and exits
// without entering its loop; the device logs that error, and Activate,
// which has already returned by then, does not report it.
func Install() error {
	filter, err := seccomp.NewFilter(seccomp.ActKill)
	if err != nil {
		return err
	}
	defer filter.Release()

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return err
	}

	for _, name := range allowedSyscalls {
		call, err := seccomp.GetSyscallFromName(name)
		if err != nil {
			// Not every syscall name resolves on every kernel/arch
			// build of libseccomp; skip rather than fail the whole
			// filter over an optional entry.
			continue
		}

		if err := filter.AddRule(call, seccomp.ActAllow); err != nil {
			return err
		}
	}

	return filter.Load()
}

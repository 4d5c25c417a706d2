//go:build linux

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmlock

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Futex operations without FUTEX_PRIVATE_FLAG: the words live in file-backed
// mappings shared between processes.
const (
	futexOpWait = 0
	futexOpWake = 1
)

// futexWaitTimeout blocks until the value at addr changes from val, the
// timeout elapses, or a wake arrives. Spurious returns are allowed; callers
// re-check their condition in a loop.
func futexWaitTimeout(addr *uint32, val uint32, timeout time.Duration) error {
	// Re-check atomically before entering the syscall. This closes the
	// lost-wake race between the caller's snapshot and the futex entry.
	if atomic.LoadUint32(addr) != val {
		return nil
	}
	ts := unix.NsecToTimespec(timeout.Nanoseconds())
	_, _, errno := unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWait),
		uintptr(val),
		uintptr(unsafe.Pointer(&ts)),
		0,
		0,
	)
	switch errno {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	case unix.EFAULT:
		// The mapping moved under us (segment growth); the caller
		// re-derives its pointers and re-checks.
		return nil
	case unix.ETIMEDOUT:
		return errWaitTimeout
	default:
		return errno
	}
}

// futexWake wakes up to n waiters on addr
func futexWake(addr *uint32, n int) {
	unix.Syscall6(
		unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)),
		uintptr(futexOpWake),
		uintptr(n),
		0,
		0,
		0,
	)
}

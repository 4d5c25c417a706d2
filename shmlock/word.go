// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmlock

import "time"

// WaitWord blocks until the value at addr changes from val, a wake arrives,
// or the timeout elapses. Spurious returns are allowed; callers re-check
// their condition in a loop. Used by the event channels for reply waits.
func WaitWord(addr *uint32, val uint32, timeout time.Duration) {
	futexWaitTimeout(addr, val, timeout)
}

// WakeWord wakes all waiters on addr
func WakeWord(addr *uint32) {
	futexWake(addr, 1<<30)
}

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package shmlock implements timed multi-reader / upgradable / writer locks
// whose state lives in a shared memory mapping, so that independent
// processes attached to the same region coordinate through them. Holders are
// identified by connection ID; a holder that dies is recovered by the next
// acquirer that notices its CID is no longer alive.
package shmlock

import (
	"errors"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lf-edge/yangds/types"
)

var errWaitTimeout = errors.New("futex wait timeout")

// Mode of a lock as held by one caller
type Mode int

const (
	// ModeNone - not held
	ModeNone Mode = iota
	// ModeRead - shared reader
	ModeRead
	// ModeUpgr - read-upgradable, at most one holder plus any readers
	ModeUpgr
	// ModeWrite - exclusive
	ModeWrite
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeRead:
		return "read"
	case ModeUpgr:
		return "read-upgr"
	case ModeWrite:
		return "write"
	}
	return "mode?"
}

// AliveFn reports whether the process owning a CID is still running.
// nil means every holder is presumed alive.
type AliveFn func(cid uint32) bool

// Size is the byte size of an RWLock as placed in shared memory
const Size = 32

// RWLock is the lock word triple. It is never allocated by Go when used
// across processes; callers cast a mapped region via AtOffset. All fields
// are accessed atomically.
type RWLock struct {
	readers int32    // count of read holders
	upgr    uint32   // CID of the read-upgradable holder, 0 if none
	writer  uint32   // CID of the writer, 0 if none
	seq     uint32   // futex word, bumped on every release
	_       [16]byte // pad to Size
}

// AtOffset casts lock state inside a mapped region
func AtOffset(mem []byte, off uint32) *RWLock {
	return (*RWLock)(unsafe.Pointer(&mem[off]))
}

// Init clears the lock state. Only valid when creating the region.
func (l *RWLock) Init() {
	atomic.StoreInt32(&l.readers, 0)
	atomic.StoreUint32(&l.upgr, 0)
	atomic.StoreUint32(&l.writer, 0)
	atomic.StoreUint32(&l.seq, 0)
}

// wake releases waiters after any state change that could unblock them
func (l *RWLock) wake() {
	atomic.AddUint32(&l.seq, 1)
	futexWake(&l.seq, 1<<30)
}

// recoverDead clears holder bits owned by dead CIDs. Returns true if any
// state changed. Orphaned reader counts cannot be attributed to a CID and
// are reset when the region is re-created on attach.
func (l *RWLock) recoverDead(alive AliveFn) bool {
	if alive == nil {
		return false
	}
	changed := false
	if w := atomic.LoadUint32(&l.writer); w != 0 && !alive(w) {
		if atomic.CompareAndSwapUint32(&l.writer, w, 0) {
			changed = true
		}
	}
	if u := atomic.LoadUint32(&l.upgr); u != 0 && !alive(u) {
		if atomic.CompareAndSwapUint32(&l.upgr, u, 0) {
			changed = true
		}
	}
	if changed {
		l.wake()
	}
	return changed
}

// waitChange sleeps until the lock state may have changed or the deadline
// passes. Returns ErrTimeOut exactly at deadline expiry.
func (l *RWLock) waitChange(deadline time.Time, alive AliveFn) *types.Error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return types.Errorf(types.ErrTimeOut, "lock acquisition timed out")
	}
	// Bound each kernel wait so dead holders are probed periodically.
	slice := remaining
	if alive != nil && slice > time.Second {
		slice = time.Second
	}
	snap := atomic.LoadUint32(&l.seq)
	if err := futexWaitTimeout(&l.seq, snap, slice); err != nil {
		if !errors.Is(err, errWaitTimeout) {
			return types.SysErrorf(err, "futex wait")
		}
		l.recoverDead(alive)
	}
	return nil
}

// RLock acquires the lock in read mode
func (l *RWLock) RLock(timeout time.Duration, cid uint32, alive AliveFn) *types.Error {
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadUint32(&l.writer) == 0 {
			atomic.AddInt32(&l.readers, 1)
			// Re-check: a writer may have fenced in between
			if atomic.LoadUint32(&l.writer) == 0 {
				return nil
			}
			atomic.AddInt32(&l.readers, -1)
			l.wake()
		}
		if err := l.waitChange(deadline, alive); err != nil {
			return err
		}
	}
}

// RUnlock releases a read acquisition
func (l *RWLock) RUnlock() {
	if atomic.AddInt32(&l.readers, -1) < 0 {
		panic("shmlock: RUnlock without RLock")
	}
	l.wake()
}

// UpgrLock acquires the lock in read-upgradable mode. Readers may coexist;
// a second upgradable holder or a writer may not.
func (l *RWLock) UpgrLock(timeout time.Duration, cid uint32, alive AliveFn) *types.Error {
	if cid == 0 {
		return types.Errorf(types.ErrInvalArg, "upgradable lock requires a nonzero CID")
	}
	deadline := time.Now().Add(timeout)
	for {
		if atomic.LoadUint32(&l.writer) == 0 &&
			atomic.CompareAndSwapUint32(&l.upgr, 0, cid) {
			// Writer may have fenced in while we took the slot
			if atomic.LoadUint32(&l.writer) == 0 {
				return nil
			}
			atomic.StoreUint32(&l.upgr, 0)
			l.wake()
		}
		if err := l.waitChange(deadline, alive); err != nil {
			return err
		}
	}
}

// UpgrUnlock releases a read-upgradable acquisition
func (l *RWLock) UpgrUnlock(cid uint32) {
	if !atomic.CompareAndSwapUint32(&l.upgr, cid, 0) {
		panic("shmlock: UpgrUnlock by non-holder")
	}
	l.wake()
}

// Promote atomically upgrades a read-upgradable acquisition to write mode,
// waiting for readers to drain. On timeout the caller retains read-upgradable.
func (l *RWLock) Promote(timeout time.Duration, cid uint32, alive AliveFn) *types.Error {
	if atomic.LoadUint32(&l.upgr) != cid {
		return types.Errorf(types.ErrInternal, "promote by non-holder cid %d", cid)
	}
	// Setting writer fences out new readers while existing ones drain
	if !atomic.CompareAndSwapUint32(&l.writer, 0, cid) {
		return types.Errorf(types.ErrInternal, "promote with writer present")
	}
	deadline := time.Now().Add(timeout)
	for atomic.LoadInt32(&l.readers) != 0 {
		if err := l.waitChange(deadline, alive); err != nil {
			atomic.StoreUint32(&l.writer, 0)
			l.wake()
			return err
		}
	}
	return nil
}

// Demote downgrades write mode acquired via Promote back to read-upgradable
func (l *RWLock) Demote(cid uint32) {
	if !atomic.CompareAndSwapUint32(&l.writer, cid, 0) {
		panic("shmlock: Demote by non-holder")
	}
	l.wake()
}

// WLock acquires the lock in write mode directly
func (l *RWLock) WLock(timeout time.Duration, cid uint32, alive AliveFn) *types.Error {
	if err := l.UpgrLock(timeout, cid, alive); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		remaining = time.Millisecond
	}
	if err := l.Promote(remaining, cid, alive); err != nil {
		l.UpgrUnlock(cid)
		return err
	}
	return nil
}

// WUnlock releases a write acquisition taken with WLock
func (l *RWLock) WUnlock(cid uint32) {
	l.Demote(cid)
	l.UpgrUnlock(cid)
}

// Holders returns a snapshot of the lock state, for logging
func (l *RWLock) Holders() (readers int32, upgr uint32, writer uint32) {
	return atomic.LoadInt32(&l.readers), atomic.LoadUint32(&l.upgr),
		atomic.LoadUint32(&l.writer)
}

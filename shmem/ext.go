// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// extHeader sits after the file magic in ext.sr. The size field is what
// peers compare against their mapping length to detect growth by another
// process and remap lazily.
type extHeader struct {
	size   uint32 // current file size, written by the grower
	used   uint32 // bump pointer, mutated under lock
	wasted uint32 // bytes abandoned by array reallocation
	_      uint32
	lock   shmlock.RWLock
}

const (
	extHeaderOff = MagicSize
	extArenaOff  = extHeaderOff + 16 + shmlock.Size
	// ExtLockTimeout bounds the growth lock; it protects only pointer
	// arithmetic and remapping, never user callbacks
	ExtLockTimeout = 5 * time.Second
)

func (s *SHM) extHdr() *extHeader {
	return (*extHeader)(unsafe.Pointer(&s.ext.Mem[extHeaderOff]))
}

// ensureExtMapped remaps ext.sr when a peer has grown it. Must be called
// before deriving any pointer into the ext segment.
func (s *SHM) ensureExtMapped() *types.Error {
	size := atomic.LoadUint32(&s.extHdr().size)
	if int(size) <= len(s.ext.Mem) {
		return nil
	}
	s.log.Functionf("ensureExtMapped: remap %d -> %d", len(s.ext.Mem), size)
	return s.ext.Remap(int(size))
}

// ExtBytes returns the ext arena; valid only until the next allocation
func (s *SHM) ExtBytes() []byte {
	return s.ext.Mem
}

// extAlloc carves n bytes out of the ext arena, growing the segment when
// full. Returns the offset of the zeroed block. Holds the ext lock, which
// is ordered after every per-kind lock, so callers may hold those.
func (s *SHM) extAlloc(n uint32) (uint32, *types.Error) {
	if n == 0 {
		return 0, types.Errorf(types.ErrInvalArg, "zero-length allocation")
	}
	n = alignUp(n)
	lk := &s.extHdr().lock
	if err := lk.WLock(ExtLockTimeout, s.cid, s.AliveFn()); err != nil {
		return 0, err
	}
	shmlock.Acquired(shmlock.ClassExtShm)
	defer func() {
		// Re-derive: the header may have moved with a remap
		s.extHdr().lock.WUnlock(s.cid)
		shmlock.Released(shmlock.ClassExtShm)
	}()

	return s.extAllocLocked(n)
}

// extAllocLocked is extAlloc for callers already holding the ext write lock
func (s *SHM) extAllocLocked(n uint32) (uint32, *types.Error) {
	n = alignUp(n)
	if err := s.ensureExtMapped(); err != nil {
		return 0, err
	}
	hdr := s.extHdr()
	used := atomic.LoadUint32(&hdr.used)
	size := atomic.LoadUint32(&hdr.size)
	if used+n > size {
		newSize := NextPowerOfTwo(used + n)
		if err := s.ext.Remap(int(newSize)); err != nil {
			return 0, err
		}
		hdr = s.extHdr()
		atomic.StoreUint32(&hdr.size, newSize)
		s.log.Noticef("extAlloc: grew ext SHM to %d bytes", newSize)
	}
	atomic.StoreUint32(&hdr.used, used+n)
	return used, nil
}

// extWaste accounts a block abandoned by reallocation
func (s *SHM) extWaste(n uint32) {
	atomic.AddUint32(&s.extHdr().wasted, alignUp(n))
}

// AllocString copies str into the ext arena
func (s *SHM) AllocString(str string) (off uint32, length uint32, err *types.Error) {
	if str == "" {
		return 0, 0, nil
	}
	off, err = s.extAlloc(uint32(len(str)))
	if err != nil {
		return 0, 0, err
	}
	copy(s.ext.Mem[off:off+uint32(len(str))], str)
	return off, uint32(len(str)), nil
}

// StringAt reads a string stored by AllocString
func (s *SHM) StringAt(off uint32, length uint32) string {
	if off == 0 || length == 0 {
		return ""
	}
	return string(s.ext.Mem[off : off+length])
}

// ExtWasted returns the abandoned byte count, for observability
func (s *SHM) ExtWasted() uint32 {
	return atomic.LoadUint32(&s.extHdr().wasted)
}

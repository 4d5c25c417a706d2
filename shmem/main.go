// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/types"
)

const (
	// MainSize is the fixed size of main.sr
	MainSize = 8192
	// connSlots is the capacity of the connection table
	connSlots = 128
	// moduleBuckets is the module name hash table width
	moduleBuckets = 256
	// ExtInitSize is the initial size of ext.sr
	ExtInitSize = 64 * 1024
)

// mainHeader sits right after the file magic in main.sr
type mainHeader struct {
	gen        uint32 // read by Generation; nothing in this package advances it
	nextCID    uint32 // CID allocator, atomic
	nextEvPipe uint32 // event pipe number allocator, atomic
	_          uint32
}

// connEntry is one slot of the connection table. cid == 0 means free.
type connEntry struct {
	cid uint32
	pid uint32
}

const (
	mainHeaderOff  = MagicSize
	connTableOff   = mainHeaderOff + 16
	moduleTableOff = connTableOff + connSlots*8
	mainUsedSize   = moduleTableOff + moduleBuckets*4
)

// SHM is one process's attachment to the shared memory region
type SHM struct {
	Dir       string
	log       *base.LogObject
	main      *Segment
	ext       *Segment
	cid       uint32
	lastSweep time.Time
}

// Open attaches to (or creates) the region under dir
func Open(dir string, log *base.LogObject) (*SHM, *types.Error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, types.SysErrorf(err, "mkdir %s", dir)
	}
	main, createdMain, err := CreateOrOpenSegment(MainPath(dir), MainSize)
	if err != nil {
		return nil, err
	}
	if createdMain {
		WriteMagic(main.Mem)
	} else if err := CheckMagic(main.Mem); err != nil {
		main.Close()
		return nil, err
	}

	ext, createdExt, err := CreateOrOpenSegment(ExtPath(dir), ExtInitSize)
	if err != nil {
		main.Close()
		return nil, err
	}
	if createdExt {
		WriteMagic(ext.Mem)
		eh := (*extHeader)(unsafe.Pointer(&ext.Mem[MagicSize]))
		eh.size = ExtInitSize
		eh.used = extArenaOff
		eh.lock.Init()
	} else if err := CheckMagic(ext.Mem); err != nil {
		main.Close()
		ext.Close()
		return nil, err
	}

	s := &SHM{Dir: dir, log: log, main: main, ext: ext}
	s.sweepDeadConns()
	return s, nil
}

// Close detaches from the region. The files stay for other connections.
func (s *SHM) Close() {
	if s.cid != 0 {
		s.ReleaseConn(s.cid)
		s.cid = 0
	}
	s.main.Close()
	s.ext.Close()
}

func (s *SHM) header() *mainHeader {
	return (*mainHeader)(unsafe.Pointer(&s.main.Mem[mainHeaderOff]))
}

func (s *SHM) connTable() *[connSlots]connEntry {
	return (*[connSlots]connEntry)(unsafe.Pointer(&s.main.Mem[connTableOff]))
}

func (s *SHM) buckets() *[moduleBuckets]uint32 {
	return (*[moduleBuckets]uint32)(unsafe.Pointer(&s.main.Mem[moduleTableOff]))
}

// Generation returns the region generation counter
func (s *SHM) Generation() uint32 {
	return atomic.LoadUint32(&s.header().gen)
}

// CID returns the connection ID registered by RegisterConn, 0 before that
func (s *SHM) CID() uint32 {
	return s.cid
}

// RegisterConn allocates a host-unique CID for this process and records it
// in the connection table
func (s *SHM) RegisterConn() (uint32, *types.Error) {
	cid := atomic.AddUint32(&s.header().nextCID, 1)
	table := s.connTable()
	for i := range table {
		e := &table[i]
		if atomic.CompareAndSwapUint32(&e.cid, 0, cid) {
			atomic.StoreUint32(&e.pid, uint32(os.Getpid()))
			s.cid = cid
			s.log.Functionf("RegisterConn cid %d pid %d slot %d", cid, os.Getpid(), i)
			return cid, nil
		}
	}
	return 0, types.Errorf(types.ErrNoMemory, "connection table full")
}

// ReleaseConn frees the table slot of cid
func (s *SHM) ReleaseConn(cid uint32) {
	table := s.connTable()
	for i := range table {
		e := &table[i]
		if atomic.LoadUint32(&e.cid) == cid {
			atomic.StoreUint32(&e.pid, 0)
			atomic.StoreUint32(&e.cid, 0)
			return
		}
	}
}

// AllocEvPipeNum hands out a region-unique event pipe number
func (s *SHM) AllocEvPipeNum() uint32 {
	return atomic.AddUint32(&s.header().nextEvPipe, 1)
}

// Alive reports whether cid belongs to a live process. Unknown CIDs are
// dead: their connection slot has already been swept.
func (s *SHM) Alive(cid uint32) bool {
	if cid == 0 {
		return false
	}
	if cid == s.cid {
		return true
	}
	table := s.connTable()
	for i := range table {
		e := &table[i]
		if atomic.LoadUint32(&e.cid) != cid {
			continue
		}
		pid := atomic.LoadUint32(&e.pid)
		return pid != 0 && pidAlive(int32(pid))
	}
	return false
}

// AliveFn returns the liveness probe in the shape the lock layer wants
func (s *SHM) AliveFn() func(uint32) bool {
	return s.Alive
}

// sweepDeadConns drops connection slots whose process is gone. Runs on
// attach and opportunistically during module lookups.
func (s *SHM) sweepDeadConns() {
	table := s.connTable()
	for i := range table {
		e := &table[i]
		cid := atomic.LoadUint32(&e.cid)
		if cid == 0 || cid == s.cid {
			continue
		}
		pid := atomic.LoadUint32(&e.pid)
		if pid != 0 && pidAlive(int32(pid)) {
			continue
		}
		if atomic.CompareAndSwapUint32(&e.cid, cid, 0) {
			atomic.StoreUint32(&e.pid, 0)
			s.log.Noticef("sweepDeadConns: reaped cid %d pid %d", cid, pid)
		}
	}
}

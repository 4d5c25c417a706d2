// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"hash/fnv"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// Kind selects one of the per-module subscription lists
type Kind int

const (
	// KindChange :
	KindChange Kind = iota
	// KindOperGet :
	KindOperGet
	// KindOperPoll :
	KindOperPoll
	// KindNotif :
	KindNotif
	// KindRPC :
	KindRPC
)

func (k Kind) String() string {
	switch k {
	case KindChange:
		return "change"
	case KindOperGet:
		return "oper-get"
	case KindOperPoll:
		return "oper-poll"
	case KindNotif:
		return "notif"
	case KindRPC:
		return "rpc"
	}
	return "kind?"
}

// KindClass maps a list kind to its place in the lock acquisition order
func KindClass(k Kind) shmlock.Class {
	switch k {
	case KindChange:
		return shmlock.ClassChangeSub
	case KindOperGet:
		return shmlock.ClassOperGet
	case KindOperPoll:
		return shmlock.ClassOperPoll
	case KindNotif:
		return shmlock.ClassNotif
	default:
		return shmlock.ClassRPCExt
	}
}

// ListHead describes one subscription array in the ext arena
type ListHead struct {
	Count  uint32
	Cap    uint32
	ArrOff uint32
	_      uint32
}

// ModuleShm is the per-module record in the ext arena. Never allocated by
// Go: it is cast out of the mapped region, so all fields are fixed-size.
type ModuleShm struct {
	NameOff uint32
	NameLen uint32
	Next    uint32 // hash chain
	_       uint32

	LastChange     int64 // unix nanos of the last config mutation
	LastOper       int64 // unix nanos of the last operational mutation
	ReplayEarliest int64 // earliest stored notification, for the replay engine

	ChangeLock [types.DatastoreCount]shmlock.RWLock
	ChangeSubs [types.DatastoreCount]ListHead

	OperGetLock shmlock.RWLock
	OperGetSubs ListHead

	OperPollLock shmlock.RWLock
	OperPollSubs ListHead

	NotifLock shmlock.RWLock
	NotifSubs ListHead

	RPCLock shmlock.RWLock
	RPCSubs ListHead
}

var moduleShmSize = uint32(unsafe.Sizeof(ModuleShm{}))

// Module casts the record at off. Callers must have called ensureExtMapped
// (FindModule and FindOrCreateModule do).
func (s *SHM) Module(off uint32) *ModuleShm {
	return (*ModuleShm)(unsafe.Pointer(&s.ext.Mem[off]))
}

// ModuleName reads a module's name
func (s *SHM) ModuleName(off uint32) string {
	m := s.Module(off)
	return s.StringAt(m.NameOff, m.NameLen)
}

func moduleHash(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32() % moduleBuckets
}

// FindModule locates a module record. Runs the opportunistic dead
// connection sweep that every lookup carries.
func (s *SHM) FindModule(name string) (uint32, *types.Error) {
	s.maybeSweep()
	if err := s.ensureExtMapped(); err != nil {
		return 0, err
	}
	off := atomic.LoadUint32(&s.buckets()[moduleHash(name)])
	for off != 0 {
		m := s.Module(off)
		if s.StringAt(m.NameOff, m.NameLen) == name {
			return off, nil
		}
		off = atomic.LoadUint32(&m.Next)
	}
	return 0, types.Errorf(types.ErrNotFound, "module %q not in SHM", name)
}

// FindOrCreateModule locates a module record, creating it under the ext
// lock when absent
func (s *SHM) FindOrCreateModule(name string) (uint32, *types.Error) {
	if off, err := s.FindModule(name); err == nil {
		return off, nil
	} else if err.Code != types.ErrNotFound {
		return 0, err
	}

	lk := &s.extHdr().lock
	if err := lk.WLock(ExtLockTimeout, s.cid, s.AliveFn()); err != nil {
		return 0, err
	}
	shmlock.Acquired(shmlock.ClassExtShm)
	defer func() {
		s.extHdr().lock.WUnlock(s.cid)
		shmlock.Released(shmlock.ClassExtShm)
	}()
	if err := s.ensureExtMapped(); err != nil {
		return 0, err
	}

	// Re-check under the lock: a peer may have created it meanwhile
	bucket := &s.buckets()[moduleHash(name)]
	for off := atomic.LoadUint32(bucket); off != 0; {
		m := s.Module(off)
		if s.StringAt(m.NameOff, m.NameLen) == name {
			return off, nil
		}
		off = atomic.LoadUint32(&m.Next)
	}

	nameOff, err := s.extAllocLocked(uint32(len(name)))
	if err != nil {
		return 0, err
	}
	copy(s.ext.Mem[nameOff:nameOff+uint32(len(name))], name)
	off, err := s.extAllocLocked(moduleShmSize)
	if err != nil {
		return 0, err
	}
	m := s.Module(off)
	m.NameOff = nameOff
	m.NameLen = uint32(len(name))
	for ds := range m.ChangeLock {
		m.ChangeLock[ds].Init()
	}
	m.OperGetLock.Init()
	m.OperPollLock.Init()
	m.NotifLock.Init()
	m.RPCLock.Init()

	// Publish at the head of the chain; the record is fully built first
	bucket = &s.buckets()[moduleHash(name)]
	m.Next = atomic.LoadUint32(bucket)
	atomic.StoreUint32(bucket, off)
	s.log.Noticef("FindOrCreateModule: created %q at offset %d", name, off)
	return off, nil
}

// KindLock returns the lock guarding one subscription list. ds is only
// meaningful for KindChange.
func (s *SHM) KindLock(modOff uint32, kind Kind, ds types.Datastore) *shmlock.RWLock {
	m := s.Module(modOff)
	switch kind {
	case KindChange:
		return &m.ChangeLock[ds]
	case KindOperGet:
		return &m.OperGetLock
	case KindOperPoll:
		return &m.OperPollLock
	case KindNotif:
		return &m.NotifLock
	default:
		return &m.RPCLock
	}
}

func (s *SHM) kindHeadOff(modOff uint32, kind Kind, ds types.Datastore) uint32 {
	var rel uintptr
	switch kind {
	case KindChange:
		rel = unsafe.Offsetof(ModuleShm{}.ChangeSubs) +
			uintptr(ds)*unsafe.Sizeof(ListHead{})
	case KindOperGet:
		rel = unsafe.Offsetof(ModuleShm{}.OperGetSubs)
	case KindOperPoll:
		rel = unsafe.Offsetof(ModuleShm{}.OperPollSubs)
	case KindNotif:
		rel = unsafe.Offsetof(ModuleShm{}.NotifSubs)
	default:
		rel = unsafe.Offsetof(ModuleShm{}.RPCSubs)
	}
	return modOff + uint32(rel)
}

// TouchChange records a config mutation timestamp
func (s *SHM) TouchChange(modOff uint32, t time.Time) {
	atomic.StoreInt64(&s.Module(modOff).LastChange, t.UnixNano())
}

// TouchOper records an operational mutation timestamp
func (s *SHM) TouchOper(modOff uint32, t time.Time) {
	atomic.StoreInt64(&s.Module(modOff).LastOper, t.UnixNano())
}

// SetReplayEarliest maintains the replay window start for the external
// replay engine
func (s *SHM) SetReplayEarliest(modOff uint32, t time.Time) {
	atomic.StoreInt64(&s.Module(modOff).ReplayEarliest, t.UnixNano())
}

// sweep rate limiting
var sweepInterval = time.Second

func (s *SHM) maybeSweep() {
	now := time.Now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	s.sweepDeadConns()
}

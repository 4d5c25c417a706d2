// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"sync/atomic"
	"unsafe"

	"github.com/lf-edge/yangds/types"
)

// Subscription records as published into the ext arena. One record per
// registry entry; publishers in other processes discover subscribers by
// enumerating these. All fields fixed-size, strings by (offset, length).

// ChangeSubShm is a change subscription record
type ChangeSubShm struct {
	SubID     uint32
	CID       uint32
	Priority  uint32
	Flags     types.SubFlags
	Suspended uint32 // atomic
	EvPipe    uint32
	XPathOff  uint32
	XPathLen  uint32
}

// OperGetSubShm is an operational get subscription record
type OperGetSubShm struct {
	SubID     uint32
	CID       uint32
	Priority  uint32
	Suspended uint32 // atomic
	EvPipe    uint32
	PathOff   uint32
	PathLen   uint32
	ChanHash  uint32 // hash(path, priority), names the per-subscription channel
}

// OperPollSubShm is an operational poll subscription record
type OperPollSubShm struct {
	SubID   uint32
	CID     uint32
	ValidMs uint32
	Flags   types.SubFlags
	PathOff uint32
	PathLen uint32
	_       [2]uint32
}

// NotifSubShm is a notification subscription record
type NotifSubShm struct {
	SubID     uint32
	CID       uint32
	Suspended uint32 // atomic
	EvPipe    uint32
}

// RPCSubShm is an RPC/action subscription record
type RPCSubShm struct {
	SubID     uint32
	CID       uint32
	Priority  uint32
	Suspended uint32 // atomic
	EvPipe    uint32
	IsExt     uint32
	PathOff   uint32
	PathLen   uint32
	XPathOff  uint32
	XPathLen  uint32
}

var (
	changeSubSize   = uint32(unsafe.Sizeof(ChangeSubShm{}))
	operGetSubSize  = uint32(unsafe.Sizeof(OperGetSubShm{}))
	operPollSubSize = uint32(unsafe.Sizeof(OperPollSubShm{}))
	notifSubSize    = uint32(unsafe.Sizeof(NotifSubShm{}))
	rpcSubSize      = uint32(unsafe.Sizeof(RPCSubShm{}))
)

func (s *SHM) listHead(headOff uint32) *ListHead {
	return (*ListHead)(unsafe.Pointer(&s.ext.Mem[headOff]))
}

func (s *SHM) listElem(headOff, elemSize, idx uint32) unsafe.Pointer {
	h := s.listHead(headOff)
	return unsafe.Pointer(&s.ext.Mem[h.ArrOff+idx*elemSize])
}

// listAdd appends the element at src. Caller holds the owning kind lock in
// write mode. Amortized-doubling growth; old arrays become arena waste.
func (s *SHM) listAdd(headOff, elemSize uint32, src unsafe.Pointer) *types.Error {
	h := s.listHead(headOff)
	if h.Count == h.Cap {
		newCap := h.Cap * 2
		if newCap == 0 {
			newCap = 4
		}
		newOff, err := s.extAlloc(newCap * elemSize)
		if err != nil {
			return err
		}
		// extAlloc may have remapped: re-derive the head
		h = s.listHead(headOff)
		if h.ArrOff != 0 {
			copy(s.ext.Mem[newOff:newOff+h.Count*elemSize],
				s.ext.Mem[h.ArrOff:h.ArrOff+h.Count*elemSize])
			s.extWaste(h.Cap * elemSize)
		}
		h.ArrOff = newOff
		h.Cap = newCap
	}
	dst := s.ext.Mem[h.ArrOff+h.Count*elemSize:]
	copy(dst[:elemSize], unsafe.Slice((*byte)(src), elemSize))
	// Publish the element before the count so concurrent readers never
	// see a half-written record
	atomic.AddUint32(&h.Count, 1)
	return nil
}

// listDel removes index idx by swapping the last element in
func (s *SHM) listDel(headOff, elemSize, idx uint32) {
	h := s.listHead(headOff)
	last := h.Count - 1
	if idx != last {
		dst := s.ext.Mem[h.ArrOff+idx*elemSize:]
		src := s.ext.Mem[h.ArrOff+last*elemSize:]
		copy(dst[:elemSize], src[:elemSize])
	}
	atomic.StoreUint32(&h.Count, last)
}

// Per-kind typed operations. All Add/Del callers hold the owning kind lock
// in write mode; Snapshot callers hold it in at least read mode.

// AddChangeSub publishes a change subscription record
func (s *SHM) AddChangeSub(modOff uint32, ds types.Datastore, rec *ChangeSubShm, xpath string) *types.Error {
	off, length, err := s.AllocString(xpath)
	if err != nil {
		return err
	}
	rec.XPathOff, rec.XPathLen = off, length
	return s.listAdd(s.kindHeadOff(modOff, KindChange, ds), changeSubSize, unsafe.Pointer(rec))
}

// DelChangeSub removes a change subscription record
func (s *SHM) DelChangeSub(modOff uint32, ds types.Datastore, subID uint32) bool {
	headOff := s.kindHeadOff(modOff, KindChange, ds)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		rec := (*ChangeSubShm)(s.listElem(headOff, changeSubSize, i))
		if rec.SubID == subID {
			s.extWaste(rec.XPathLen)
			s.listDel(headOff, changeSubSize, i)
			return true
		}
	}
	return false
}

// ChangeSubs copies out the change subscription list
func (s *SHM) ChangeSubs(modOff uint32, ds types.Datastore) []ChangeSubShm {
	headOff := s.kindHeadOff(modOff, KindChange, ds)
	h := s.listHead(headOff)
	count := atomic.LoadUint32(&h.Count)
	out := make([]ChangeSubShm, count)
	for i := uint32(0); i < count; i++ {
		out[i] = *(*ChangeSubShm)(s.listElem(headOff, changeSubSize, i))
	}
	return out
}

// AddOperGetSub publishes an oper-get record; rejects a duplicate
// (path, priority) hash with EXISTS
func (s *SHM) AddOperGetSub(modOff uint32, rec *OperGetSubShm, path string) *types.Error {
	headOff := s.kindHeadOff(modOff, KindOperGet, 0)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		existing := (*OperGetSubShm)(s.listElem(headOff, operGetSubSize, i))
		if existing.ChanHash == rec.ChanHash {
			return types.Errorf(types.ErrExists,
				"oper-get subscription for %q priority %d already exists",
				path, rec.Priority)
		}
	}
	off, length, err := s.AllocString(path)
	if err != nil {
		return err
	}
	rec.PathOff, rec.PathLen = off, length
	return s.listAdd(s.kindHeadOff(modOff, KindOperGet, 0), operGetSubSize, unsafe.Pointer(rec))
}

// DelOperGetSub removes an oper-get record
func (s *SHM) DelOperGetSub(modOff uint32, subID uint32) bool {
	headOff := s.kindHeadOff(modOff, KindOperGet, 0)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		rec := (*OperGetSubShm)(s.listElem(headOff, operGetSubSize, i))
		if rec.SubID == subID {
			s.extWaste(rec.PathLen)
			s.listDel(headOff, operGetSubSize, i)
			return true
		}
	}
	return false
}

// OperGetSubs copies out the oper-get subscription list
func (s *SHM) OperGetSubs(modOff uint32) []OperGetSubShm {
	headOff := s.kindHeadOff(modOff, KindOperGet, 0)
	h := s.listHead(headOff)
	count := atomic.LoadUint32(&h.Count)
	out := make([]OperGetSubShm, count)
	for i := uint32(0); i < count; i++ {
		out[i] = *(*OperGetSubShm)(s.listElem(headOff, operGetSubSize, i))
	}
	return out
}

// AddOperPollSub publishes an oper-poll record
func (s *SHM) AddOperPollSub(modOff uint32, rec *OperPollSubShm, path string) *types.Error {
	off, length, err := s.AllocString(path)
	if err != nil {
		return err
	}
	rec.PathOff, rec.PathLen = off, length
	return s.listAdd(s.kindHeadOff(modOff, KindOperPoll, 0), operPollSubSize, unsafe.Pointer(rec))
}

// DelOperPollSub removes an oper-poll record
func (s *SHM) DelOperPollSub(modOff uint32, subID uint32) bool {
	headOff := s.kindHeadOff(modOff, KindOperPoll, 0)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		rec := (*OperPollSubShm)(s.listElem(headOff, operPollSubSize, i))
		if rec.SubID == subID {
			s.extWaste(rec.PathLen)
			s.listDel(headOff, operPollSubSize, i)
			return true
		}
	}
	return false
}

// AddNotifSub publishes a notification record
func (s *SHM) AddNotifSub(modOff uint32, rec *NotifSubShm) *types.Error {
	return s.listAdd(s.kindHeadOff(modOff, KindNotif, 0), notifSubSize, unsafe.Pointer(rec))
}

// DelNotifSub removes a notification record
func (s *SHM) DelNotifSub(modOff uint32, subID uint32) bool {
	headOff := s.kindHeadOff(modOff, KindNotif, 0)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		rec := (*NotifSubShm)(s.listElem(headOff, notifSubSize, i))
		if rec.SubID == subID {
			s.listDel(headOff, notifSubSize, i)
			return true
		}
	}
	return false
}

// NotifSubs copies out the notification subscription list
func (s *SHM) NotifSubs(modOff uint32) []NotifSubShm {
	headOff := s.kindHeadOff(modOff, KindNotif, 0)
	h := s.listHead(headOff)
	count := atomic.LoadUint32(&h.Count)
	out := make([]NotifSubShm, count)
	for i := uint32(0); i < count; i++ {
		out[i] = *(*NotifSubShm)(s.listElem(headOff, notifSubSize, i))
	}
	return out
}

// AddRPCSub publishes an RPC/action record
func (s *SHM) AddRPCSub(modOff uint32, rec *RPCSubShm, path, xpath string) *types.Error {
	pOff, pLen, err := s.AllocString(path)
	if err != nil {
		return err
	}
	xOff, xLen, err := s.AllocString(xpath)
	if err != nil {
		return err
	}
	rec.PathOff, rec.PathLen = pOff, pLen
	rec.XPathOff, rec.XPathLen = xOff, xLen
	return s.listAdd(s.kindHeadOff(modOff, KindRPC, 0), rpcSubSize, unsafe.Pointer(rec))
}

// DelRPCSub removes an RPC record
func (s *SHM) DelRPCSub(modOff uint32, subID uint32) bool {
	headOff := s.kindHeadOff(modOff, KindRPC, 0)
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; i++ {
		rec := (*RPCSubShm)(s.listElem(headOff, rpcSubSize, i))
		if rec.SubID == subID {
			s.extWaste(rec.PathLen + rec.XPathLen)
			s.listDel(headOff, rpcSubSize, i)
			return true
		}
	}
	return false
}

// RPCSubs copies out the RPC subscription list for one operation path
func (s *SHM) RPCSubs(modOff uint32, path string) []RPCSubShm {
	headOff := s.kindHeadOff(modOff, KindRPC, 0)
	h := s.listHead(headOff)
	count := atomic.LoadUint32(&h.Count)
	var out []RPCSubShm
	for i := uint32(0); i < count; i++ {
		rec := *(*RPCSubShm)(s.listElem(headOff, rpcSubSize, i))
		if s.StringAt(rec.PathOff, rec.PathLen) == path {
			out = append(out, rec)
		}
	}
	return out
}

// SetSuspended flips the suspended flag of a record in place. Works for
// every kind whose record carries the flag; for any other kind it returns
// UNSUPPORTED when the list has entries and NOT_FOUND when it is empty.
func (s *SHM) SetSuspended(modOff uint32, kind Kind, ds types.Datastore,
	subID uint32, suspended bool) *types.Error {
	var val uint32
	if suspended {
		val = 1
	}
	headOff := s.kindHeadOff(modOff, kind, ds)
	h := s.listHead(headOff)
	count := atomic.LoadUint32(&h.Count)
	for i := uint32(0); i < count; i++ {
		switch kind {
		case KindChange:
			rec := (*ChangeSubShm)(s.listElem(headOff, changeSubSize, i))
			if rec.SubID == subID {
				atomic.StoreUint32(&rec.Suspended, val)
				return nil
			}
		case KindOperGet:
			rec := (*OperGetSubShm)(s.listElem(headOff, operGetSubSize, i))
			if rec.SubID == subID {
				atomic.StoreUint32(&rec.Suspended, val)
				return nil
			}
		case KindNotif:
			rec := (*NotifSubShm)(s.listElem(headOff, notifSubSize, i))
			if rec.SubID == subID {
				atomic.StoreUint32(&rec.Suspended, val)
				return nil
			}
		case KindRPC:
			rec := (*RPCSubShm)(s.listElem(headOff, rpcSubSize, i))
			if rec.SubID == subID {
				atomic.StoreUint32(&rec.Suspended, val)
				return nil
			}
		default:
			return types.Errorf(types.ErrUnsupported, "kind %s cannot be suspended", kind)
		}
	}
	return types.Errorf(types.ErrNotFound, "subscription %d not in SHM", subID)
}

// ReapDeadSubs removes records owned by dead connections from one list.
// Caller holds the kind lock in write mode. Returns the subscription IDs
// of the reaped records so the caller can unlink their channels.
func (s *SHM) ReapDeadSubs(modOff uint32, kind Kind, ds types.Datastore) []uint32 {
	headOff := s.kindHeadOff(modOff, kind, ds)
	elemSize := map[Kind]uint32{
		KindChange: changeSubSize, KindOperGet: operGetSubSize,
		KindOperPoll: operPollSubSize, KindNotif: notifSubSize,
		KindRPC: rpcSubSize,
	}[kind]
	var reaped []uint32
	h := s.listHead(headOff)
	for i := uint32(0); i < h.Count; {
		// CID is the second field of every record type
		rec := (*[2]uint32)(s.listElem(headOff, elemSize, i))
		if s.Alive(rec[1]) {
			i++
			continue
		}
		s.log.Noticef("ReapDeadSubs: module %s kind %s sub %d cid %d",
			s.ModuleName(modOff), kind, rec[0], rec[1])
		reaped = append(reaped, rec[0])
		s.listDel(headOff, elemSize, i)
	}
	return reaped
}

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package evchan implements the per-topic event channels: memory-mapped
// files carrying one in-flight event, its payload, and the subscribers'
// reply slots. A channel's event_kind header cell is the commit state
// machine the dispatch engine drives.
package evchan

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

const (
	headerOff = shmem.MagicSize
	// ReplySlots is the fixed number of reply slots per channel
	ReplySlots = 32
	replySize  = 128
	replyMsg   = replySize - 12
	repliesOff = headerOff + 48
	// PayloadOff is where the payload area starts
	PayloadOff = repliesOff + ReplySlots*replySize
	// InitSize gives a fresh channel a 4 KiB payload area
	InitSize = PayloadOff + 4096
)

// EventHeader is the channel header. Cast out of the mapping; all accesses
// atomic.
type EventHeader struct {
	eventKind  uint32
	requestID  uint32
	priority   uint32
	errCode    uint32
	payloadLen uint32
	origCID    uint32
	origSID    uint32
	replySeq   uint32 // futex word bumped on every reply
	expected   uint32 // replies the publisher waits for
	ignored    uint32 // stale event flag
	_          [2]uint32
}

// Reply is one subscriber's answer to the in-flight event
type Reply struct {
	SubID   uint32
	Code    types.ErrorCode
	Message string
}

type replySlot struct {
	subID  uint32
	code   uint32
	msgLen uint32
	msg    [replyMsg]byte
}

// Channel is one process's handle on a channel file
type Channel struct {
	Path string
	seg  *shmem.Segment
}

// Open maps the channel file at path, creating it when absent
func Open(path string) (*Channel, *types.Error) {
	seg, created, err := shmem.CreateOrOpenSegment(path, InitSize)
	if err != nil {
		return nil, err
	}
	if created {
		shmem.WriteMagic(seg.Mem)
	} else if err := shmem.CheckMagic(seg.Mem); err != nil {
		seg.Close()
		return nil, err
	}
	return &Channel{Path: path, seg: seg}, nil
}

// Close unmaps the channel; the file stays for other processes
func (c *Channel) Close() {
	c.seg.Close()
}

// Unlink removes the channel file. Mapped peers keep working until they
// close; new opens fail.
func (c *Channel) Unlink() {
	os.Remove(c.Path)
}

func (c *Channel) hdr() *EventHeader {
	return (*EventHeader)(unsafe.Pointer(&c.seg.Mem[headerOff]))
}

func (c *Channel) slot(i uint32) *replySlot {
	return (*replySlot)(unsafe.Pointer(&c.seg.Mem[repliesOff+i*replySize]))
}

// ensureMapped remaps when a peer grew the payload area
func (c *Channel) ensureMapped() *types.Error {
	info, err := c.seg.File.Stat()
	if err != nil {
		return types.SysErrorf(err, "stat %s", c.Path)
	}
	if int(info.Size()) > len(c.seg.Mem) {
		return c.seg.Remap(int(info.Size()))
	}
	return nil
}

// Kind returns the current event kind with acquire semantics
func (c *Channel) Kind() types.EventType {
	return types.EventType(atomic.LoadUint32(&c.hdr().eventKind))
}

// SetKind transitions the state machine cell with release semantics and
// wakes anyone waiting for the transition
func (c *Channel) SetKind(ev types.EventType) {
	h := c.hdr()
	atomic.StoreUint32(&h.eventKind, uint32(ev))
	atomic.AddUint32(&h.replySeq, 1)
	shmlock.WakeWord(&h.replySeq)
}

// WaitIdle blocks until the channel state machine is back at none, so a
// new commit can claim it. The caller re-acquires the kind write lock
// before claiming; WaitIdle itself holds no locks.
func (c *Channel) WaitIdle(deadline time.Time) *types.Error {
	h := c.hdr()
	for {
		snap := atomic.LoadUint32(&h.replySeq)
		if c.Kind() == types.EvNone {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return types.Errorf(types.ErrTimeOut, "channel %s busy", filepath.Base(c.Path))
		}
		shmlock.WaitWord(&h.replySeq, snap, remaining)
	}
}

// RequestID returns the in-flight request identifier
func (c *Channel) RequestID() uint32 {
	return atomic.LoadUint32(&c.hdr().requestID)
}

// Priority returns the wave priority of the in-flight event
func (c *Channel) Priority() uint32 {
	return atomic.LoadUint32(&c.hdr().priority)
}

// Origin returns the publisher's connection and session IDs
func (c *Channel) Origin() (cid, sid uint32) {
	h := c.hdr()
	return atomic.LoadUint32(&h.origCID), atomic.LoadUint32(&h.origSID)
}

// ErrCode returns the aggregated error code of the in-flight event
func (c *Channel) ErrCode() types.ErrorCode {
	return types.ErrorCode(atomic.LoadUint32(&c.hdr().errCode))
}

// SetErrCode stores the aggregated error code
func (c *Channel) SetErrCode(code types.ErrorCode) {
	atomic.StoreUint32(&c.hdr().errCode, uint32(code))
}

// Ignored reports whether the in-flight event was flagged stale
func (c *Channel) Ignored() bool {
	return atomic.LoadUint32(&c.hdr().ignored) != 0
}

// MarkIgnored flags a stale unprocessed event before channel reuse
func (c *Channel) MarkIgnored() {
	atomic.StoreUint32(&c.hdr().ignored, 1)
}

// Expected returns how many replies the publisher waits for
func (c *Channel) Expected() uint32 {
	return atomic.LoadUint32(&c.hdr().expected)
}

// WriteEvent publishes an event into the channel. Caller holds the module
// kind lock in write mode. Grows the payload area by powers of two.
func (c *Channel) WriteEvent(ev types.EventType, reqID, priority, origCID, origSID uint32,
	payload []byte) *types.Error {
	if err := c.ensureMapped(); err != nil {
		return err
	}
	need := PayloadOff + len(payload)
	if need > len(c.seg.Mem) {
		newSize := int(shmem.NextPowerOfTwo(uint32(need)))
		if err := c.seg.Remap(newSize); err != nil {
			return err
		}
	}
	h := c.hdr()
	copy(c.seg.Mem[PayloadOff:], payload)
	atomic.StoreUint32(&h.payloadLen, uint32(len(payload)))
	atomic.StoreUint32(&h.origCID, origCID)
	atomic.StoreUint32(&h.origSID, origSID)
	atomic.StoreUint32(&h.priority, priority)
	atomic.StoreUint32(&h.errCode, uint32(types.ErrOK))
	atomic.StoreUint32(&h.ignored, 0)
	atomic.StoreUint32(&h.requestID, reqID)
	// The kind store publishes the event
	c.SetKind(ev)
	return nil
}

// Payload copies out the in-flight payload
func (c *Channel) Payload() ([]byte, *types.Error) {
	if err := c.ensureMapped(); err != nil {
		return nil, err
	}
	n := atomic.LoadUint32(&c.hdr().payloadLen)
	out := make([]byte, n)
	copy(out, c.seg.Mem[PayloadOff:PayloadOff+int(n)])
	return out, nil
}

// SetPayload replaces the in-flight payload without touching the rest of
// the header. Used by subscribers answering oper-get and RPC requests and
// by update-phase diff edits. Caller holds the kind lock in write mode.
func (c *Channel) SetPayload(payload []byte) *types.Error {
	if err := c.ensureMapped(); err != nil {
		return err
	}
	need := PayloadOff + len(payload)
	if need > len(c.seg.Mem) {
		newSize := int(shmem.NextPowerOfTwo(uint32(need)))
		if err := c.seg.Remap(newSize); err != nil {
			return err
		}
	}
	copy(c.seg.Mem[PayloadOff:], payload)
	atomic.StoreUint32(&c.hdr().payloadLen, uint32(len(payload)))
	return nil
}

// ResetReplies clears the reply slots and arms the publisher wait
func (c *Channel) ResetReplies(expected uint32) {
	for i := uint32(0); i < ReplySlots; i++ {
		s := c.slot(i)
		atomic.StoreUint32(&s.code, 0)
		atomic.StoreUint32(&s.msgLen, 0)
		atomic.StoreUint32(&s.subID, 0)
	}
	atomic.StoreUint32(&c.hdr().expected, expected)
}

// Reply files a subscriber's answer and wakes the publisher
func (c *Channel) Reply(subID uint32, code types.ErrorCode, msg string) *types.Error {
	if len(msg) > replyMsg {
		msg = msg[:replyMsg]
	}
	for i := uint32(0); i < ReplySlots; i++ {
		s := c.slot(i)
		if !atomic.CompareAndSwapUint32(&s.subID, 0, subID) {
			continue
		}
		copy(s.msg[:], msg)
		atomic.StoreUint32(&s.msgLen, uint32(len(msg)))
		atomic.StoreUint32(&s.code, uint32(code))
		h := c.hdr()
		atomic.AddUint32(&h.replySeq, 1)
		shmlock.WakeWord(&h.replySeq)
		return nil
	}
	return types.Errorf(types.ErrNoMemory, "no free reply slot in %s", c.Path)
}

// Replies copies out all filed replies
func (c *Channel) Replies() []Reply {
	var out []Reply
	for i := uint32(0); i < ReplySlots; i++ {
		s := c.slot(i)
		subID := atomic.LoadUint32(&s.subID)
		if subID == 0 {
			continue
		}
		code := atomic.LoadUint32(&s.code)
		n := atomic.LoadUint32(&s.msgLen)
		out = append(out, Reply{
			SubID:   subID,
			Code:    types.ErrorCode(code),
			Message: string(s.msg[:n]),
		})
	}
	return out
}

// AwaitReplies blocks until expected replies are filed or the deadline
// passes. Returns the replies present either way, plus TIME_OUT on expiry.
func (c *Channel) AwaitReplies(expected int, deadline time.Time) ([]Reply, *types.Error) {
	h := c.hdr()
	for {
		snap := atomic.LoadUint32(&h.replySeq)
		replies := c.Replies()
		if len(replies) >= expected {
			return replies, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return replies, types.Errorf(types.ErrTimeOut,
				"%d of %d replies on %s", len(replies), expected, filepath.Base(c.Path))
		}
		shmlock.WaitWord(&h.replySeq, snap, remaining)
	}
}

// Channel naming scheme under the run directory

// ChangeChanPath names a change channel
func ChangeChanPath(dir, module string, ds types.Datastore) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.sub", module, ds))
}

// OperChanPath names an oper-get channel
func OperChanPath(dir, module string, hash uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.oper.%08x.sub", module, hash))
}

// NotifChanPath names a notification channel
func NotifChanPath(dir, module string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.notif.sub", module))
}

// RPCChanPath names an RPC channel
func RPCChanPath(dir, module string, hash uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%s.rpc.%08x.sub", module, hash))
}

// PathHash keys oper-get channels by (path, priority) and RPC channels by
// (path, 0)
func PathHash(path string, priority uint32) uint32 {
	h := fnv.New32a()
	h.Write([]byte(path))
	var b [4]byte
	b[0] = byte(priority)
	b[1] = byte(priority >> 8)
	b[2] = byte(priority >> 16)
	b[3] = byte(priority >> 24)
	h.Write(b[:])
	return h.Sum32()
}

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package subs implements the subscription context: the process-local
// registry of live subscriptions grouped by kind, kept in lock-step with
// the records this process publishes into shared memory. A subscription
// appears in SHM iff it appears here; the two sides are transitioned
// together under the owning module's per-kind lock.
package subs

import (
	"sync/atomic"
	"time"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// Session identifies the originator of a subscription. Implemented by the
// connection layer; the registry only needs identity and the current
// datastore selector.
type Session interface {
	SID() uint32
	CID() uint32
	Datastore() types.Datastore
}

// ChangeCallback validates or applies a configuration change. For an
// update event the returned diff, when non-nil, replaces the pending one.
type ChangeCallback func(sess Session, subID uint32, module, xpath string,
	event types.EventType, requestID uint32, diff []byte) ([]byte, types.ErrorCode)

// OperGetCallback provides operational data for a subscribed path
type OperGetCallback func(sess Session, subID uint32, module, path,
	requestXPath string, requestID uint32) ([]byte, types.ErrorCode)

// RPCCallback executes an RPC/action. The returned payload is the output
// tree of this wave.
type RPCCallback func(sess Session, subID uint32, path string,
	event types.EventType, requestID uint32, input []byte) ([]byte, types.ErrorCode)

// NotifCallback receives notifications, including the synthetic kinds
type NotifCallback func(sess Session, subID uint32, nt types.NotifType,
	payload []byte, ts time.Time)

type changeKey struct {
	module string
	ds     types.Datastore
}

// ChangeSub is one change subscription
type ChangeSub struct {
	SubID    uint32
	XPath    string
	Priority uint32
	Flags    types.SubFlags
	Callback ChangeCallback
	Data     interface{}
	Sess     Session

	suspended bool
	lastReq   uint32
	lastEvent types.EventType
}

type changeGroup struct {
	module string
	ds     types.Datastore
	modOff uint32
	ch     *evchan.Channel
	subs   []*ChangeSub
}

// OperGetSub is one operational get subscription; it owns a dedicated
// channel keyed by hash(path, priority)
type OperGetSub struct {
	SubID    uint32
	Path     string
	Priority uint32
	Callback OperGetCallback
	Data     interface{}
	Sess     Session

	chanHash  uint32
	ch        *evchan.Channel
	suspended bool
	lastReq   uint32
}

type operGetGroup struct {
	module string
	modOff uint32
	subs   []*OperGetSub
}

// OperPollSub is one operational poll subscription; pull-only on a timer
type OperPollSub struct {
	SubID   uint32
	Path    string
	ValidMs uint32
	Flags   types.SubFlags
	Sess    Session
}

type operPollGroup struct {
	module string
	modOff uint32
	subs   []*OperPollSub
}

// NotifSub is one notification subscription
type NotifSub struct {
	SubID        uint32
	XPath        string
	StartMono    time.Time
	StartReal    time.Time
	ReplayStart  time.Time // zero when no replay requested
	Stop         time.Time // zero when unbounded
	Callback     NotifCallback
	TreeCallback NotifCallback
	Data         interface{}
	Sess         Session

	suspended bool
	lastReq   uint32
	stopTimer *time.Timer
}

type notifGroup struct {
	module string
	modOff uint32
	ch     *evchan.Channel
	subs   []*NotifSub
}

// RPCSub is one RPC/action subscription
type RPCSub struct {
	SubID    uint32
	XPath    string
	Priority uint32
	Callback RPCCallback
	Data     interface{}
	Sess     Session

	suspended bool
	lastReq   uint32
	lastEvent types.EventType
}

type rpcGroup struct {
	path   string
	module string
	modOff uint32
	isExt  bool
	ch     *evchan.Channel
	subs   []*RPCSub
}

// Context groups the subscriptions sharing one event loop. All mutation
// happens under its subs_lock; the per-kind SHM locks nest inside it.
type Context struct {
	log         *base.LogObject
	shm         *shmem.SHM
	dir         string
	cid         uint32
	lockTimeout time.Duration

	// subs_lock. The lock state lives in ordinary process memory; the
	// same primitive serves because futex words work on any mapping.
	lock shmlock.RWLock

	lastSubID uint32 // atomic

	change   map[changeKey]*changeGroup
	operGet  map[string]*operGetGroup
	operPoll map[string]*operPollGroup
	notif    map[string]*notifGroup
	rpc      map[string]*rpcGroup

	pipe *evchan.EventPipe

	// DropOperCache, when set by the connection, drops the operational
	// cache entry of a deleted oper-poll subscription
	DropOperCache func(subID uint32)
	// SessionEmptied, when set, detaches this context from a session
	// whose last subscription here was removed
	SessionEmptied func(sess Session)
}

// NewContext creates a subscription context backed by shm, with its event
// pipe already created so publishers can wake it
func NewContext(shm *shmem.SHM, dir string, lockTimeout time.Duration,
	log *base.LogObject) (*Context, *types.Error) {
	pipe, err := evchan.CreatePipe(dir, shm.AllocEvPipeNum())
	if err != nil {
		return nil, err
	}
	c := &Context{
		log:         log,
		shm:         shm,
		dir:         dir,
		cid:         shm.CID(),
		lockTimeout: lockTimeout,
		change:      make(map[changeKey]*changeGroup),
		operGet:     make(map[string]*operGetGroup),
		operPoll:    make(map[string]*operPollGroup),
		notif:       make(map[string]*notifGroup),
		rpc:         make(map[string]*rpcGroup),
		pipe:        pipe,
	}
	c.lock.Init()
	return c, nil
}

// EventPipeFd exposes the context's wake descriptor for external event loops
func (c *Context) EventPipeFd() int {
	return c.pipe.Fd()
}

// EventPipeNum returns the pipe number published in this context's SHM
// records
func (c *Context) EventPipeNum() uint32 {
	return c.pipe.Num
}

// NextSubID allocates the next subscription ID for this context
func (c *Context) NextSubID() uint32 {
	return atomic.AddUint32(&c.lastSubID, 1)
}

// LastSubID returns the highest subscription ID handed out
func (c *Context) LastSubID() uint32 {
	return atomic.LoadUint32(&c.lastSubID)
}

// Close releases every subscription and the event pipe
func (c *Context) Close() {
	if err := c.Unsubscribe(0); err != nil {
		c.log.Warnf("Context.Close: unsubscribe all: %v", err)
	}
	c.pipe.Close()
}

// lockSubs acquires the subs_lock in the given mode
func (c *Context) lockSubs(mode shmlock.Mode) *types.Error {
	var err *types.Error
	switch mode {
	case shmlock.ModeRead:
		err = c.lock.RLock(c.lockTimeout, c.cid, nil)
	case shmlock.ModeUpgr:
		err = c.lock.UpgrLock(c.lockTimeout, c.cid, nil)
	case shmlock.ModeWrite:
		err = c.lock.WLock(c.lockTimeout, c.cid, nil)
	}
	if err == nil {
		shmlock.Acquired(shmlock.ClassSubs)
	}
	return err
}

// unlockSubs releases the subs_lock from the given mode
func (c *Context) unlockSubs(mode shmlock.Mode) {
	switch mode {
	case shmlock.ModeRead:
		c.lock.RUnlock()
	case shmlock.ModeUpgr:
		c.lock.UpgrUnlock(c.cid)
	case shmlock.ModeWrite:
		c.lock.WUnlock(c.cid)
	}
	shmlock.Released(shmlock.ClassSubs)
}

// lockKind acquires a per-kind SHM lock nested inside the subs_lock
func (c *Context) lockKind(modOff uint32, kind shmem.Kind, ds types.Datastore,
	mode shmlock.Mode) *types.Error {
	lk := c.shm.KindLock(modOff, kind, ds)
	var err *types.Error
	switch mode {
	case shmlock.ModeRead:
		err = lk.RLock(c.lockTimeout, c.cid, c.shm.AliveFn())
	case shmlock.ModeWrite:
		err = lk.WLock(c.lockTimeout, c.cid, c.shm.AliveFn())
	}
	if err == nil {
		shmlock.Acquired(shmem.KindClass(kind))
	}
	return err
}

func (c *Context) unlockKind(modOff uint32, kind shmem.Kind, ds types.Datastore,
	mode shmlock.Mode) {
	lk := c.shm.KindLock(modOff, kind, ds)
	switch mode {
	case shmlock.ModeRead:
		lk.RUnlock()
	case shmlock.ModeWrite:
		lk.WUnlock(c.cid)
	}
	shmlock.Released(shmem.KindClass(kind))
}

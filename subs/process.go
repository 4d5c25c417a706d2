// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package subs

import (
	"time"

	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// ProcessEvents drains the event pipe and walks every channel this context
// subscribes to, dispatching pending events to the user callbacks and
// filing replies. When timeout is nonzero and nothing is pending, it first
// waits up to timeout for a wake.
func (c *Context) ProcessEvents(timeout time.Duration) *types.Error {
	if timeout > 0 {
		c.pipe.Wait(int(timeout / time.Millisecond))
	}
	c.pipe.Drain()

	if err := c.lockSubs(shmlock.ModeRead); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeRead)

	for key, group := range c.change {
		c.processChangeGroup(key, group)
	}
	for _, group := range c.operGet {
		c.processOperGetGroup(group)
	}
	for _, group := range c.notif {
		c.processNotifGroup(group)
	}
	for _, group := range c.rpc {
		c.processRPCGroup(group)
	}
	return nil
}

// processChangeGroup handles one pending change-protocol event. Only the
// subscribers whose priority matches the in-flight wave participate.
func (c *Context) processChangeGroup(key changeKey, group *changeGroup) {
	if err := c.lockKind(group.modOff, shmem.KindChange, key.ds, shmlock.ModeRead); err != nil {
		c.log.Warnf("processChange %s.%s: %v", key.module, key.ds, err)
		return
	}
	kind := group.ch.Kind()
	reqID := group.ch.RequestID()
	prio := group.ch.Priority()
	var payload []byte
	if kind == types.EvUpdate || kind == types.EvChange {
		payload, _ = group.ch.Payload()
	}
	c.unlockKind(group.modOff, shmem.KindChange, key.ds, shmlock.ModeRead)

	switch kind {
	case types.EvUpdate, types.EvChange, types.EvDone, types.EvAbort:
	default:
		return
	}

	for _, sub := range group.subs {
		if sub.suspended || sub.Priority != prio {
			continue
		}
		if sub.lastReq == reqID && sub.lastEvent == kind {
			continue // exactly once per (request, phase)
		}
		if sub.Flags.Has(types.SubFlagDoneOnly) &&
			(kind == types.EvUpdate || kind == types.EvChange) {
			continue
		}
		if kind == types.EvUpdate && !sub.Flags.Has(types.SubFlagUpdate) {
			continue // UPDATE goes only to subscribers that opted in
		}
		newDiff, code := sub.Callback(sub.Sess, sub.SubID, key.module, sub.XPath,
			kind, reqID, payload)
		if code == types.ErrCallbackShelve {
			// Keep the event pending for this subscriber: lastReq is
			// not advanced, so the next wake retries. The publisher
			// sees the shelve reply and moves on with the wave.
			c.replyLocked(group.modOff, shmem.KindChange, key.ds, group, sub.SubID,
				code, "", nil)
			continue
		}
		sub.lastReq = reqID
		sub.lastEvent = kind
		var msg string
		if code != types.ErrOK {
			msg = code.String()
		}
		var updated []byte
		if kind == types.EvUpdate && code == types.ErrOK {
			updated = newDiff
		}
		c.replyLocked(group.modOff, shmem.KindChange, key.ds, group, sub.SubID,
			code, msg, updated)
	}
}

// replyLocked files one reply under the kind write lock, optionally
// replacing the channel payload first (update events editing the diff)
func (c *Context) replyLocked(modOff uint32, kind shmem.Kind, ds types.Datastore,
	group *changeGroup, subID uint32, code types.ErrorCode, msg string,
	newPayload []byte) {
	if err := c.lockKind(modOff, kind, ds, shmlock.ModeWrite); err != nil {
		c.log.Warnf("reply sub %d: %v", subID, err)
		return
	}
	defer c.unlockKind(modOff, kind, ds, shmlock.ModeWrite)
	if newPayload != nil {
		if err := group.ch.SetPayload(newPayload); err != nil {
			c.log.Warnf("reply sub %d: payload: %v", subID, err)
			code = types.ErrNoMemory
		}
	}
	if err := group.ch.Reply(subID, code, msg); err != nil {
		c.log.Warnf("reply sub %d: %v", subID, err)
	}
}

// processOperGetGroup answers pending operational get requests on the
// per-subscription channels
func (c *Context) processOperGetGroup(group *operGetGroup) {
	for _, sub := range group.subs {
		if sub.suspended {
			continue
		}
		if sub.ch.Kind() != types.EvOper {
			continue
		}
		reqID := sub.ch.RequestID()
		if sub.lastReq == reqID {
			continue
		}
		reqXPath, _ := sub.ch.Payload()
		data, code := sub.Callback(sub.Sess, sub.SubID, group.module, sub.Path,
			string(reqXPath), reqID)
		if code == types.ErrCallbackShelve {
			continue
		}
		sub.lastReq = reqID
		if err := c.lockKind(group.modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err != nil {
			c.log.Warnf("oper reply sub %d: %v", sub.SubID, err)
			continue
		}
		if code == types.ErrOK {
			if err := sub.ch.SetPayload(data); err != nil {
				c.log.Warnf("oper reply sub %d: payload: %v", sub.SubID, err)
				code = types.ErrNoMemory
			}
		}
		var msg string
		if code != types.ErrOK {
			msg = code.String()
		}
		if err := sub.ch.Reply(sub.SubID, code, msg); err != nil {
			c.log.Warnf("oper reply sub %d: %v", sub.SubID, err)
		}
		c.unlockKind(group.modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)
	}
}

// processNotifGroup delivers a pending notification broadcast exactly once
// per request ID per subscriber
func (c *Context) processNotifGroup(group *notifGroup) {
	if group.ch.Kind() != types.EvNotif || group.ch.Ignored() {
		return
	}
	reqID := group.ch.RequestID()
	raw, _ := group.ch.Payload()
	ts, payload := evchan.DecodeNotif(raw)
	if ts.IsZero() {
		ts = time.Now()
	}
	for _, sub := range group.subs {
		if sub.suspended || sub.lastReq == reqID {
			continue
		}
		sub.lastReq = reqID
		c.deliverNotif(sub, types.NotifRealtime, payload, ts)
	}
}

// deliverNotif invokes whichever notification callback the subscription
// carries. Runs without the subs write lock held.
func (c *Context) deliverNotif(sub *NotifSub, nt types.NotifType,
	payload []byte, ts time.Time) {
	cb := sub.Callback
	if cb == nil {
		cb = sub.TreeCallback
	}
	if cb == nil {
		return
	}
	cb(sub.Sess, sub.SubID, nt, payload, ts)
}

// processRPCGroup handles pending RPC/abort waves on one operation path
func (c *Context) processRPCGroup(group *rpcGroup) {
	kind := group.ch.Kind()
	if kind != types.EvRPC && kind != types.EvRPCAbort {
		return
	}
	reqID := group.ch.RequestID()
	prio := group.ch.Priority()
	input, _ := group.ch.Payload()

	for _, sub := range group.subs {
		if sub.suspended || sub.Priority != prio {
			continue
		}
		if sub.lastReq == reqID && sub.lastEvent == kind {
			continue
		}
		output, code := sub.Callback(sub.Sess, sub.SubID, group.path, kind, reqID, input)
		if code == types.ErrCallbackShelve {
			if err := c.lockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err == nil {
				group.ch.Reply(sub.SubID, code, "")
				c.unlockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite)
			}
			continue
		}
		sub.lastReq = reqID
		sub.lastEvent = kind
		if err := c.lockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err != nil {
			c.log.Warnf("rpc reply sub %d: %v", sub.SubID, err)
			continue
		}
		if kind == types.EvRPC && code == types.ErrOK && output != nil {
			if err := group.ch.SetPayload(output); err != nil {
				c.log.Warnf("rpc reply sub %d: payload: %v", sub.SubID, err)
				code = types.ErrNoMemory
			}
		}
		var msg string
		if code != types.ErrOK {
			msg = code.String()
		}
		if err := group.ch.Reply(sub.SubID, code, msg); err != nil {
			c.log.Warnf("rpc reply sub %d: %v", sub.SubID, err)
		}
		c.unlockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite)
	}
}

// Suspend marks a subscription suspended: the dispatch engine skips it but
// the registration stays
func (c *Context) Suspend(subID uint32) *types.Error {
	return c.setSuspended(subID, true)
}

// Resume clears the suspended flag
func (c *Context) Resume(subID uint32) *types.Error {
	return c.setSuspended(subID, false)
}

// IsSuspended reports the suspended flag
func (c *Context) IsSuspended(subID uint32) (bool, *types.Error) {
	if err := c.lockSubs(shmlock.ModeRead); err != nil {
		return false, err
	}
	defer c.unlockSubs(shmlock.ModeRead)
	for _, g := range c.change {
		for _, s := range g.subs {
			if s.SubID == subID {
				return s.suspended, nil
			}
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			if s.SubID == subID {
				return s.suspended, nil
			}
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			if s.SubID == subID {
				return s.suspended, nil
			}
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			if s.SubID == subID {
				return s.suspended, nil
			}
		}
	}
	return false, types.Errorf(types.ErrNotFound, "subscription %d", subID)
}

func (c *Context) setSuspended(subID uint32, suspended bool) *types.Error {
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	apply := func(modOff uint32, kind shmem.Kind, ds types.Datastore) *types.Error {
		if err := c.lockKind(modOff, kind, ds, shmlock.ModeWrite); err != nil {
			return err
		}
		defer c.unlockKind(modOff, kind, ds, shmlock.ModeWrite)
		return c.shm.SetSuspended(modOff, kind, ds, subID, suspended)
	}

	for key, g := range c.change {
		for _, s := range g.subs {
			if s.SubID != subID {
				continue
			}
			if s.suspended == suspended {
				return types.Errorf(types.ErrInvalArg,
					"subscription %d already in that state", subID)
			}
			if err := apply(g.modOff, shmem.KindChange, key.ds); err != nil {
				return err
			}
			s.suspended = suspended
			return nil
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			if s.SubID != subID {
				continue
			}
			if s.suspended == suspended {
				return types.Errorf(types.ErrInvalArg,
					"subscription %d already in that state", subID)
			}
			if err := apply(g.modOff, shmem.KindOperGet, 0); err != nil {
				return err
			}
			s.suspended = suspended
			return nil
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			if s.SubID != subID {
				continue
			}
			if s.suspended == suspended {
				return types.Errorf(types.ErrInvalArg,
					"subscription %d already in that state", subID)
			}
			if err := apply(g.modOff, shmem.KindNotif, 0); err != nil {
				return err
			}
			s.suspended = suspended
			// Notification subscribers hear about their own state
			nt := types.NotifSuspended
			if !suspended {
				nt = types.NotifResumed
			}
			c.lock.Demote(c.cid)
			c.deliverNotif(s, nt, nil, time.Now())
			for {
				if err := c.lock.Promote(c.lockTimeout, c.cid, nil); err == nil {
					break
				}
			}
			return nil
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			if s.SubID != subID {
				continue
			}
			if s.suspended == suspended {
				return types.Errorf(types.ErrInvalArg,
					"subscription %d already in that state", subID)
			}
			if err := apply(g.modOff, shmem.KindRPC, 0); err != nil {
				return err
			}
			s.suspended = suspended
			return nil
		}
	}
	return types.Errorf(types.ErrNotFound, "subscription %d", subID)
}

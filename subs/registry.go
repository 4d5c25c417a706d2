// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package subs

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// ModuleOfPath extracts the owning module from an operation path like
// "/mod:rpc" or "/mod:container/action"
func ModuleOfPath(path string) (string, *types.Error) {
	p := strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(p, ':')
	if idx <= 0 {
		return "", types.Errorf(types.ErrInvalArg, "path %q has no module prefix", path)
	}
	return p[:idx], nil
}

// AddChange registers a change subscription for (module, ds). The group's
// event channel is opened when the group is created. On any failure the
// partially-built state is rolled back before returning.
func (c *Context) AddChange(subID uint32, sess Session, ds types.Datastore,
	module, xpath string, cb ChangeCallback, data interface{},
	priority uint32, flags types.SubFlags) *types.Error {
	if cb == nil {
		return types.Errorf(types.ErrInvalArg, "change subscription requires a callback")
	}
	if !ds.Valid() {
		return types.Errorf(types.ErrInvalArg, "invalid datastore %d", ds)
	}
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)
	return c.addChangeLocked(subID, sess, ds, module, xpath, cb, data, priority, flags)
}

// addChangeLocked requires subs_lock in write mode
func (c *Context) addChangeLocked(subID uint32, sess Session, ds types.Datastore,
	module, xpath string, cb ChangeCallback, data interface{},
	priority uint32, flags types.SubFlags) *types.Error {
	modOff, err := c.shm.FindOrCreateModule(module)
	if err != nil {
		return err
	}
	key := changeKey{module: module, ds: ds}
	group := c.change[key]
	createdGroup := false
	if group == nil {
		ch, err := evchan.Open(evchan.ChangeChanPath(c.dir, module, ds))
		if err != nil {
			return err
		}
		group = &changeGroup{module: module, ds: ds, modOff: modOff, ch: ch}
		c.change[key] = group
		createdGroup = true
	}
	rollback := func() {
		if createdGroup {
			group.ch.Close()
			delete(c.change, key)
		}
	}

	if err := c.lockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite); err != nil {
		rollback()
		return err
	}
	rec := shmem.ChangeSubShm{
		SubID:    subID,
		CID:      c.cid,
		Priority: priority,
		Flags:    flags,
		EvPipe:   c.pipe.Num,
	}
	err = c.shm.AddChangeSub(modOff, ds, &rec, xpath)
	c.unlockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite)
	if err != nil {
		rollback()
		return err
	}

	group.subs = append(group.subs, &ChangeSub{
		SubID:    subID,
		XPath:    xpath,
		Priority: priority,
		Flags:    flags,
		Callback: cb,
		Data:     data,
		Sess:     sess,
	})
	c.storeLastSubID(subID)
	c.log.Functionf("AddChange: sub %d module %s ds %s prio %d", subID, module, ds, priority)
	return nil
}

// AddOperGet registers an operational get subscription. Always allocates a
// per-subscription channel keyed by hash(path, priority); a duplicate key
// is rejected with EXISTS.
func (c *Context) AddOperGet(subID uint32, sess Session, module, path string,
	cb OperGetCallback, data interface{}, priority uint32) *types.Error {
	if cb == nil {
		return types.Errorf(types.ErrInvalArg, "oper-get subscription requires a callback")
	}
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	modOff, err := c.shm.FindOrCreateModule(module)
	if err != nil {
		return err
	}
	hash := evchan.PathHash(path, priority)
	ch, err := evchan.Open(evchan.OperChanPath(c.dir, module, hash))
	if err != nil {
		return err
	}

	if err := c.lockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err != nil {
		ch.Close()
		return err
	}
	rec := shmem.OperGetSubShm{
		SubID:    subID,
		CID:      c.cid,
		Priority: priority,
		EvPipe:   c.pipe.Num,
		ChanHash: hash,
	}
	err = c.shm.AddOperGetSub(modOff, &rec, path)
	c.unlockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)
	if err != nil {
		ch.Close()
		if err.Code != types.ErrExists {
			ch.Unlink()
		}
		return err
	}

	group := c.operGet[module]
	if group == nil {
		group = &operGetGroup{module: module, modOff: modOff}
		c.operGet[module] = group
	}
	group.subs = append(group.subs, &OperGetSub{
		SubID:    subID,
		Path:     path,
		Priority: priority,
		Callback: cb,
		Data:     data,
		Sess:     sess,
		chanHash: hash,
		ch:       ch,
	})
	c.storeLastSubID(subID)
	c.log.Functionf("AddOperGet: sub %d module %s path %s prio %d", subID, module, path, priority)
	return nil
}

// AddOperPoll registers an operational poll subscription; pull-only, no
// channel
func (c *Context) AddOperPoll(subID uint32, sess Session, module, path string,
	validMs uint32, flags types.SubFlags) *types.Error {
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	modOff, err := c.shm.FindOrCreateModule(module)
	if err != nil {
		return err
	}
	if err := c.lockKind(modOff, shmem.KindOperPoll, 0, shmlock.ModeWrite); err != nil {
		return err
	}
	rec := shmem.OperPollSubShm{
		SubID:   subID,
		CID:     c.cid,
		ValidMs: validMs,
		Flags:   flags,
	}
	err = c.shm.AddOperPollSub(modOff, &rec, path)
	c.unlockKind(modOff, shmem.KindOperPoll, 0, shmlock.ModeWrite)
	if err != nil {
		return err
	}

	group := c.operPoll[module]
	if group == nil {
		group = &operPollGroup{module: module, modOff: modOff}
		c.operPoll[module] = group
	}
	group.subs = append(group.subs, &OperPollSub{
		SubID:   subID,
		Path:    path,
		ValidMs: validMs,
		Flags:   flags,
		Sess:    sess,
	})
	c.storeLastSubID(subID)
	c.log.Functionf("AddOperPoll: sub %d module %s path %s valid %dms", subID, module, path, validMs)
	return nil
}

// AddNotif registers a notification subscription; one channel per module.
// Exactly one of cb and treeCb must be given. A nonzero stop time arms the
// auto-termination timer.
func (c *Context) AddNotif(subID uint32, sess Session, module, xpath string,
	sinceMono, sinceReal time.Time, replayStart, stop time.Time,
	cb, treeCb NotifCallback, data interface{}) *types.Error {
	if (cb == nil) == (treeCb == nil) {
		return types.Errorf(types.ErrInvalArg,
			"notification subscription requires exactly one callback")
	}
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	modOff, err := c.shm.FindOrCreateModule(module)
	if err != nil {
		return err
	}
	group := c.notif[module]
	createdGroup := false
	if group == nil {
		ch, err := evchan.Open(evchan.NotifChanPath(c.dir, module))
		if err != nil {
			return err
		}
		group = &notifGroup{module: module, modOff: modOff, ch: ch}
		c.notif[module] = group
		createdGroup = true
	}
	rollback := func() {
		if createdGroup {
			group.ch.Close()
			delete(c.notif, module)
		}
	}

	if err := c.lockKind(modOff, shmem.KindNotif, 0, shmlock.ModeWrite); err != nil {
		rollback()
		return err
	}
	rec := shmem.NotifSubShm{
		SubID:  subID,
		CID:    c.cid,
		EvPipe: c.pipe.Num,
	}
	err = c.shm.AddNotifSub(modOff, &rec)
	c.unlockKind(modOff, shmem.KindNotif, 0, shmlock.ModeWrite)
	if err != nil {
		rollback()
		return err
	}

	sub := &NotifSub{
		SubID:        subID,
		XPath:        xpath,
		StartMono:    sinceMono,
		StartReal:    sinceReal,
		ReplayStart:  replayStart,
		Stop:         stop,
		Callback:     cb,
		TreeCallback: treeCb,
		Data:         data,
		Sess:         sess,
	}
	if !stop.IsZero() {
		d := time.Until(stop)
		if d < 0 {
			d = 0
		}
		sub.stopTimer = time.AfterFunc(d, func() {
			if err := c.Unsubscribe(subID); err != nil {
				c.log.Warnf("notif stop timer: unsubscribe %d: %v", subID, err)
			}
		})
	}
	group.subs = append(group.subs, sub)
	c.storeLastSubID(subID)
	c.log.Functionf("AddNotif: sub %d module %s", subID, module)
	return nil
}

// AddRPC registers an RPC/action subscription; one channel per operation
// path
func (c *Context) AddRPC(subID uint32, sess Session, path string, isExt bool,
	xpath string, cb RPCCallback, data interface{}, priority uint32) *types.Error {
	if cb == nil {
		return types.Errorf(types.ErrInvalArg, "RPC subscription requires a callback")
	}
	module, err := ModuleOfPath(path)
	if err != nil {
		return err
	}
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	modOff, err := c.shm.FindOrCreateModule(module)
	if err != nil {
		return err
	}
	group := c.rpc[path]
	createdGroup := false
	if group == nil {
		ch, err := evchan.Open(evchan.RPCChanPath(c.dir, module, evchan.PathHash(path, 0)))
		if err != nil {
			return err
		}
		group = &rpcGroup{path: path, module: module, modOff: modOff, isExt: isExt, ch: ch}
		c.rpc[path] = group
		createdGroup = true
	}
	rollback := func() {
		if createdGroup {
			group.ch.Close()
			delete(c.rpc, path)
		}
	}

	if err := c.lockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err != nil {
		rollback()
		return err
	}
	rec := shmem.RPCSubShm{
		SubID:    subID,
		CID:      c.cid,
		Priority: priority,
		EvPipe:   c.pipe.Num,
	}
	if isExt {
		rec.IsExt = 1
	}
	serr := c.shm.AddRPCSub(modOff, &rec, path, xpath)
	c.unlockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite)
	if serr != nil {
		rollback()
		return serr
	}

	group.subs = append(group.subs, &RPCSub{
		SubID:    subID,
		XPath:    xpath,
		Priority: priority,
		Callback: cb,
		Data:     data,
		Sess:     sess,
	})
	c.storeLastSubID(subID)
	c.log.Functionf("AddRPC: sub %d path %s prio %d", subID, path, priority)
	return nil
}

func (c *Context) storeLastSubID(subID uint32) {
	for {
		cur := atomic.LoadUint32(&c.lastSubID)
		if subID <= cur || atomic.CompareAndSwapUint32(&c.lastSubID, cur, subID) {
			return
		}
	}
}

// delChangeLocked removes one change subscription. Requires subs_lock in
// write mode. Swap-with-last inside the group; the group and its channel
// go when the last subscription goes.
func (c *Context) delChangeLocked(subID uint32) bool {
	for key, group := range c.change {
		for i, sub := range group.subs {
			if sub.SubID != subID {
				continue
			}
			if err := c.lockKind(group.modOff, shmem.KindChange, key.ds, shmlock.ModeWrite); err != nil {
				// Open question (a): cleanup-path lock failures are
				// logged, the registry side is removed regardless,
				// and liveness collects the stale record
				c.log.Warnf("delChange: SHM lock: %v", err)
			} else {
				c.shm.DelChangeSub(group.modOff, key.ds, subID)
				empty := len(c.shm.ChangeSubs(group.modOff, key.ds)) == 0
				c.unlockKind(group.modOff, shmem.KindChange, key.ds, shmlock.ModeWrite)
				if empty && len(group.subs) == 1 {
					group.ch.Unlink()
				}
			}
			group.subs[i] = group.subs[len(group.subs)-1]
			group.subs = group.subs[:len(group.subs)-1]
			if len(group.subs) == 0 {
				group.ch.Close()
				delete(c.change, key)
			}
			c.sessionMaybeEmptied(sub.Sess)
			return true
		}
	}
	return false
}

func (c *Context) delOperGetLocked(subID uint32) bool {
	for module, group := range c.operGet {
		for i, sub := range group.subs {
			if sub.SubID != subID {
				continue
			}
			if err := c.lockKind(group.modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err != nil {
				c.log.Warnf("delOperGet: SHM lock: %v", err)
			} else {
				c.shm.DelOperGetSub(group.modOff, subID)
				c.unlockKind(group.modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)
			}
			// The channel is exclusively this subscription's
			sub.ch.Close()
			sub.ch.Unlink()
			group.subs[i] = group.subs[len(group.subs)-1]
			group.subs = group.subs[:len(group.subs)-1]
			if len(group.subs) == 0 {
				delete(c.operGet, module)
			}
			c.sessionMaybeEmptied(sub.Sess)
			return true
		}
	}
	return false
}

func (c *Context) delOperPollLocked(subID uint32) bool {
	for module, group := range c.operPoll {
		for i, sub := range group.subs {
			if sub.SubID != subID {
				continue
			}
			if err := c.lockKind(group.modOff, shmem.KindOperPoll, 0, shmlock.ModeWrite); err != nil {
				c.log.Warnf("delOperPoll: SHM lock: %v", err)
			} else {
				c.shm.DelOperPollSub(group.modOff, subID)
				c.unlockKind(group.modOff, shmem.KindOperPoll, 0, shmlock.ModeWrite)
			}
			if c.DropOperCache != nil {
				c.DropOperCache(subID)
			}
			group.subs[i] = group.subs[len(group.subs)-1]
			group.subs = group.subs[:len(group.subs)-1]
			if len(group.subs) == 0 {
				delete(c.operPoll, module)
			}
			c.sessionMaybeEmptied(sub.Sess)
			return true
		}
	}
	return false
}

// delNotifLocked removes one notification subscription. Requires subs_lock
// in write mode; the caller got there via WLock, and the synthetic
// TERMINATED callback runs after a downgrade to read-upgradable so the
// callback can take read locks without deadlocking.
func (c *Context) delNotifLocked(subID uint32) bool {
	for module, group := range c.notif {
		for i, sub := range group.subs {
			if sub.SubID != subID {
				continue
			}
			if sub.stopTimer != nil {
				sub.stopTimer.Stop()
			}
			if err := c.lockKind(group.modOff, shmem.KindNotif, 0, shmlock.ModeWrite); err != nil {
				c.log.Warnf("delNotif: SHM lock: %v", err)
			} else {
				// An unprocessed event aimed at this subscriber is
				// flagged so the publisher reuses the channel cleanly
				if group.ch.Kind() == types.EvNotif &&
					group.ch.RequestID() != sub.lastReq {
					group.ch.MarkIgnored()
				}
				c.shm.DelNotifSub(group.modOff, subID)
				empty := len(c.shm.NotifSubs(group.modOff)) == 0
				c.unlockKind(group.modOff, shmem.KindNotif, 0, shmlock.ModeWrite)
				if empty && len(group.subs) == 1 {
					group.ch.Unlink()
				}
			}
			group.subs[i] = group.subs[len(group.subs)-1]
			group.subs = group.subs[:len(group.subs)-1]
			if len(group.subs) == 0 {
				group.ch.Close()
				delete(c.notif, module)
			}

			// Synthetic TERMINATED outside the write lock
			c.lock.Demote(c.cid)
			c.deliverNotif(sub, types.NotifTerminated, nil, time.Now())
			for {
				// The caller's unlock path needs write mode back;
				// readers drain, so retry until they have
				err := c.lock.Promote(c.lockTimeout, c.cid, nil)
				if err == nil {
					break
				}
				c.log.Warnf("delNotif: relock: %v", err)
			}
			c.sessionMaybeEmptied(sub.Sess)
			return true
		}
	}
	return false
}

func (c *Context) delRPCLocked(subID uint32) bool {
	for path, group := range c.rpc {
		for i, sub := range group.subs {
			if sub.SubID != subID {
				continue
			}
			if err := c.lockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err != nil {
				c.log.Warnf("delRPC: SHM lock: %v", err)
			} else {
				c.shm.DelRPCSub(group.modOff, subID)
				empty := len(c.shm.RPCSubs(group.modOff, path)) == 0
				c.unlockKind(group.modOff, shmem.KindRPC, 0, shmlock.ModeWrite)
				if empty && len(group.subs) == 1 {
					group.ch.Unlink()
				}
			}
			group.subs[i] = group.subs[len(group.subs)-1]
			group.subs = group.subs[:len(group.subs)-1]
			if len(group.subs) == 0 {
				group.ch.Close()
				delete(c.rpc, path)
			}
			c.sessionMaybeEmptied(sub.Sess)
			return true
		}
	}
	return false
}

func (c *Context) delAnyLocked(subID uint32) bool {
	return c.delChangeLocked(subID) ||
		c.delOperGetLocked(subID) ||
		c.delOperPollLocked(subID) ||
		c.delNotifLocked(subID) ||
		c.delRPCLocked(subID)
}

// Unsubscribe removes the subscription subID, or every subscription in the
// context when subID is zero
func (c *Context) Unsubscribe(subID uint32) *types.Error {
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	if subID != 0 {
		if !c.delAnyLocked(subID) {
			return types.Errorf(types.ErrNotFound, "subscription %d", subID)
		}
		return nil
	}
	for _, id := range c.allSubIDsLocked() {
		c.delAnyLocked(id)
	}
	return nil
}

func (c *Context) allSubIDsLocked() []uint32 {
	var ids []uint32
	for _, g := range c.change {
		for _, s := range g.subs {
			ids = append(ids, s.SubID)
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			ids = append(ids, s.SubID)
		}
	}
	for _, g := range c.operPoll {
		for _, s := range g.subs {
			ids = append(ids, s.SubID)
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			ids = append(ids, s.SubID)
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			ids = append(ids, s.SubID)
		}
	}
	return ids
}

// CountForSession returns the number of subscriptions sess originated in
// this context
func (c *Context) CountForSession(sess Session) int {
	if err := c.lockSubs(shmlock.ModeRead); err != nil {
		c.log.Warnf("CountForSession: %v", err)
		return 0
	}
	defer c.unlockSubs(shmlock.ModeRead)
	count := 0
	for _, g := range c.change {
		for _, s := range g.subs {
			if s.Sess == sess {
				count++
			}
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			if s.Sess == sess {
				count++
			}
		}
	}
	for _, g := range c.operPoll {
		for _, s := range g.subs {
			if s.Sess == sess {
				count++
			}
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			if s.Sess == sess {
				count++
			}
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			if s.Sess == sess {
				count++
			}
		}
	}
	return count
}

// DelSession removes every subscription sess originated, interleaving the
// SHM side effects. Used during session teardown.
func (c *Context) DelSession(sess Session) *types.Error {
	if err := c.lockSubs(shmlock.ModeWrite); err != nil {
		return err
	}
	defer c.unlockSubs(shmlock.ModeWrite)

	var ids []uint32
	appendFor := func(subSess Session, id uint32) {
		if subSess == sess {
			ids = append(ids, id)
		}
	}
	for _, g := range c.change {
		for _, s := range g.subs {
			appendFor(s.Sess, s.SubID)
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			appendFor(s.Sess, s.SubID)
		}
	}
	for _, g := range c.operPoll {
		for _, s := range g.subs {
			appendFor(s.Sess, s.SubID)
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			appendFor(s.Sess, s.SubID)
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			appendFor(s.Sess, s.SubID)
		}
	}
	for _, id := range ids {
		c.delAnyLocked(id)
	}
	return nil
}

func (c *Context) sessionMaybeEmptied(sess Session) {
	if c.SessionEmptied == nil || sess == nil {
		return
	}
	for _, g := range c.change {
		for _, s := range g.subs {
			if s.Sess == sess {
				return
			}
		}
	}
	for _, g := range c.operGet {
		for _, s := range g.subs {
			if s.Sess == sess {
				return
			}
		}
	}
	for _, g := range c.operPoll {
		for _, s := range g.subs {
			if s.Sess == sess {
				return
			}
		}
	}
	for _, g := range c.notif {
		for _, s := range g.subs {
			if s.Sess == sess {
				return
			}
		}
	}
	for _, g := range c.rpc {
		for _, s := range g.subs {
			if s.Sess == sess {
				return
			}
		}
	}
	c.SessionEmptied(sess)
}

// FindOperPoll returns the poll subscription covering (module, path), if
// any. Used by the connection's operational cache.
func (c *Context) FindOperPoll(module, path string) (uint32, bool) {
	if err := c.lockSubs(shmlock.ModeRead); err != nil {
		c.log.Warnf("FindOperPoll: %v", err)
		return 0, false
	}
	defer c.unlockSubs(shmlock.ModeRead)
	group := c.operPoll[module]
	if group == nil {
		return 0, false
	}
	for _, s := range group.subs {
		if s.Path == path {
			return s.SubID, true
		}
	}
	return 0, false
}

// FindSub locates a subscription by ID, taking the subs_lock in read
// mode, so the caller must not hold it in write mode. Returns its
// kind, the owning module name (or operation path for RPC), and whether it
// exists.
func (c *Context) FindSub(subID uint32) (kind shmem.Kind, owner string, found bool) {
	if err := c.lockSubs(shmlock.ModeRead); err != nil {
		c.log.Warnf("FindSub: %v", err)
		return 0, "", false
	}
	defer c.unlockSubs(shmlock.ModeRead)
	return c.findSubLocked(subID)
}

func (c *Context) findSubLocked(subID uint32) (shmem.Kind, string, bool) {
	for key, g := range c.change {
		for _, s := range g.subs {
			if s.SubID == subID {
				return shmem.KindChange, key.module, true
			}
		}
	}
	for module, g := range c.operGet {
		for _, s := range g.subs {
			if s.SubID == subID {
				return shmem.KindOperGet, module, true
			}
		}
	}
	for module, g := range c.operPoll {
		for _, s := range g.subs {
			if s.SubID == subID {
				return shmem.KindOperPoll, module, true
			}
		}
	}
	for module, g := range c.notif {
		for _, s := range g.subs {
			if s.SubID == subID {
				return shmem.KindNotif, module, true
			}
		}
	}
	for path, g := range c.rpc {
		for _, s := range g.subs {
			if s.SubID == subID {
				return shmem.KindRPC, path, true
			}
		}
	}
	return 0, "", false
}

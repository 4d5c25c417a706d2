// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"time"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// XPathMatcher decides whether a subscription's xpath covers the changed
// subtree. XPath evaluation belongs to the schema engine; the default
// matcher treats every subscriber of the module as interested.
type XPathMatcher func(xpath string, diff []byte) bool

// Publisher drives the commit protocol for one session
type Publisher struct {
	shm     *shmem.SHM
	dir     string
	log     *base.LogObject
	sid     uint32
	timeout time.Duration
	matcher XPathMatcher
}

// NewPublisher returns an engine bound to shm. timeout bounds every wave
// wait (the apply-timeout).
func NewPublisher(shm *shmem.SHM, dir string, sid uint32, timeout time.Duration,
	log *base.LogObject) *Publisher {
	return &Publisher{
		shm:     shm,
		dir:     dir,
		log:     log,
		sid:     sid,
		timeout: timeout,
		matcher: func(string, []byte) bool { return true },
	}
}

// SetMatcher installs the schema engine's xpath coverage test
func (p *Publisher) SetMatcher(m XPathMatcher) {
	if m != nil {
		p.matcher = m
	}
}

// lockKind acquires one per-kind SHM lock with the engine's identity
func (p *Publisher) lockKind(modOff uint32, kind shmem.Kind, ds types.Datastore,
	mode shmlock.Mode) *types.Error {
	lk := p.shm.KindLock(modOff, kind, ds)
	var err *types.Error
	switch mode {
	case shmlock.ModeRead:
		err = lk.RLock(p.timeout, p.shm.CID(), p.shm.AliveFn())
	case shmlock.ModeWrite:
		err = lk.WLock(p.timeout, p.shm.CID(), p.shm.AliveFn())
	}
	if err == nil {
		shmlock.Acquired(shmem.KindClass(kind))
	}
	return err
}

func (p *Publisher) unlockKind(modOff uint32, kind shmem.Kind, ds types.Datastore,
	mode shmlock.Mode) {
	lk := p.shm.KindLock(modOff, kind, ds)
	switch mode {
	case shmlock.ModeRead:
		lk.RUnlock()
	case shmlock.ModeWrite:
		lk.WUnlock(p.shm.CID())
	}
	shmlock.Released(shmem.KindClass(kind))
}

// reapKind drops dead subscribers' records from one list, under the kind
// write lock the caller holds
func (p *Publisher) reapKind(modOff uint32, kind shmem.Kind, ds types.Datastore) {
	if reaped := p.shm.ReapDeadSubs(modOff, kind, ds); len(reaped) > 0 {
		p.log.Noticef("reaped %d dead %s subscriber(s)", len(reaped), kind)
	}
}

// wakeAll kicks each distinct event pipe once
func (p *Publisher) wakeAll(pipes []uint32) {
	seen := make(map[uint32]bool)
	for _, num := range pipes {
		if num == 0 || seen[num] {
			continue
		}
		seen[num] = true
		evchan.NotifyPipe(p.dir, num)
	}
}

// collectWaveErrors turns the replies of one wave into structured errors.
// Shelved replies are not errors; passive subscribers' errors are
// dropped. missing lists the subscribers that never answered.
func collectWaveErrors(replies []evchan.Reply, expected map[uint32]types.SubFlags) (
	errs []*types.Error, missing []uint32) {
	answered := make(map[uint32]bool)
	for _, r := range replies {
		answered[r.SubID] = true
		if r.Code == types.ErrOK || r.Code == types.ErrCallbackShelve {
			continue
		}
		if expected[r.SubID].Has(types.SubFlagPassive) {
			continue
		}
		errs = append(errs, &types.Error{Code: r.Code, Message: r.Message})
	}
	for subID := range expected {
		if !answered[subID] {
			missing = append(missing, subID)
		}
	}
	return errs, missing
}

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// ApplyChanges drives one commit for (module, ds): the optional UPDATE
// phase, CHANGE waves in descending priority, then DONE or ABORT. The
// channel stays claimed from the first event until the final transition
// back to idle, so commits on one module+datastore never interleave.
func (p *Publisher) ApplyChanges(ctx context.Context, module string,
	ds types.Datastore, diff []byte) *types.ErrorList {
	errList := &types.ErrorList{}

	modOff, err := p.shm.FindModule(module)
	if err != nil {
		if err.Code == types.ErrNotFound {
			return nil // no module record means no subscribers
		}
		errList.Append(err)
		return errList
	}

	// Snapshot the subscriber set, reaping dead entries first
	if err := p.lockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite); err != nil {
		errList.Append(err)
		return errList
	}
	p.reapKind(modOff, shmem.KindChange, ds)
	recs := p.shm.ChangeSubs(modOff, ds)
	p.unlockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite)

	interested := recs[:0:0]
	for _, rec := range recs {
		if rec.Suspended != 0 {
			continue
		}
		xpath := p.shm.StringAt(rec.XPathOff, rec.XPathLen)
		if !p.matcher(xpath, diff) {
			continue
		}
		interested = append(interested, rec)
	}
	if len(interested) == 0 {
		p.shm.TouchChange(modOff, time.Now())
		return nil
	}

	ch, err := evchan.Open(evchan.ChangeChanPath(p.dir, module, ds))
	if err != nil {
		errList.Append(err)
		return errList
	}
	defer ch.Close()

	deadline := time.Now().Add(p.timeout)
	if err := ch.WaitIdle(deadline); err != nil {
		errList.Append(err)
		return errList
	}
	reqID := ch.RequestID() + 1
	waves := buildChangeWaves(interested)

	// UPDATE goes out once, before any CHANGE, only to subscribers that
	// opted in. They may rewrite the pending diff; a failure aborts the
	// whole commit before it started.
	updDiff, err := p.updatePhase(ctx, modOff, ds, ch, waves, reqID, diff)
	if err != nil {
		errList.Append(err)
		p.finishCommit(modOff, ds, ch)
		return errList
	}
	diff = updDiff

	// CHANGE wave by wave; the first failing wave stops the walk
	var visited []changeWave
	failed := false
	for _, wv := range waves {
		expected := p.changeWaveExpected(wv, types.SubFlagDoneOnly)
		if len(expected) == 0 {
			visited = append(visited, wv)
			continue
		}
		waveErrs, missing := p.runChangeWave(modOff, ds, ch, wv, types.EvChange,
			reqID, diff, expected)
		for _, e := range waveErrs {
			errList.Append(e)
		}
		p.noteMissing(module, missing, errList)
		if len(errList.Errors) > 0 {
			failed = true
			break
		}
		visited = append(visited, wv)
		if ctx.Err() != nil {
			// Cancellation: the current wave completed; unwind
			errList.Append(types.Errorf(types.ErrOperationFailed,
				"commit canceled: %v", ctx.Err()))
			failed = true
			break
		}
	}

	if failed {
		// Every previously-visited wave saw CHANGE succeed and gets
		// exactly one ABORT; the failing wave gets nothing
		for _, wv := range visited {
			expected := p.changeWaveExpected(wv, 0)
			if len(expected) == 0 {
				continue
			}
			aErrs, missing := p.runChangeWave(modOff, ds, ch, wv, types.EvAbort,
				reqID, nil, expected)
			for _, e := range aErrs {
				p.log.Warnf("abort wave prio %d: %v", wv.prio, e)
			}
			p.noteMissing(module, missing, nil)
		}
		p.finishCommit(modOff, ds, ch)
		return errList
	}

	// DONE to every wave that processed CHANGE
	for _, wv := range visited {
		expected := p.changeWaveExpected(wv, 0)
		if len(expected) == 0 {
			continue
		}
		dErrs, missing := p.runChangeWave(modOff, ds, ch, wv, types.EvDone,
			reqID, nil, expected)
		for _, e := range dErrs {
			p.log.Warnf("done wave prio %d: %v", wv.prio, e)
		}
		p.noteMissing(module, missing, nil)
	}
	p.finishCommit(modOff, ds, ch)
	p.shm.TouchChange(modOff, time.Now())
	return nil
}

// updatePhase runs the UPDATE event for opted-in subscribers and returns
// the (possibly rewritten) diff
func (p *Publisher) updatePhase(ctx context.Context, modOff uint32, ds types.Datastore,
	ch *evchan.Channel, waves []changeWave, reqID uint32, diff []byte) ([]byte, *types.Error) {
	for _, wv := range waves {
		expected := make(map[uint32]types.SubFlags)
		var pipes []uint32
		for _, rec := range wv.subs {
			if rec.Flags.Has(types.SubFlagUpdate) {
				expected[rec.SubID] = rec.Flags
				pipes = append(pipes, rec.EvPipe)
			}
		}
		if len(expected) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return diff, types.Errorf(types.ErrOperationFailed,
				"commit canceled: %v", ctx.Err())
		}
		replies, werr := p.deliver(modOff, shmem.KindChange, ds, ch,
			types.EvUpdate, reqID, wv.prio, diff, expected, pipes)
		errs, missing := collectWaveErrors(replies, expected)
		if len(missing) > 0 {
			p.log.Warnf("update wave prio %d: %d subscriber(s) timed out", wv.prio, len(missing))
			return diff, types.Errorf(types.ErrCallbackFailed,
				"update subscriber did not respond")
		}
		if len(errs) > 0 {
			return diff, errs[0]
		}
		if werr != nil {
			return diff, werr
		}
		// Adopt the edited diff
		edited, perr := ch.Payload()
		if perr != nil {
			return diff, perr
		}
		diff = edited
	}
	return diff, nil
}

// changeWaveExpected returns the wave's expected repliers keyed by subID.
// skip masks subscribers whose flags exclude them from this phase.
func (p *Publisher) changeWaveExpected(wv changeWave, skip types.SubFlags) map[uint32]types.SubFlags {
	expected := make(map[uint32]types.SubFlags)
	for _, rec := range wv.subs {
		if skip != 0 && rec.Flags.Has(skip) {
			continue
		}
		expected[rec.SubID] = rec.Flags
	}
	return expected
}

// runChangeWave delivers one event to one wave and gathers the outcome
func (p *Publisher) runChangeWave(modOff uint32, ds types.Datastore, ch *evchan.Channel,
	wv changeWave, ev types.EventType, reqID uint32, payload []byte,
	expected map[uint32]types.SubFlags) ([]*types.Error, []uint32) {
	var pipes []uint32
	for _, rec := range wv.subs {
		if _, ok := expected[rec.SubID]; ok {
			pipes = append(pipes, rec.EvPipe)
		}
	}
	replies, werr := p.deliver(modOff, shmem.KindChange, ds, ch, ev, reqID,
		wv.prio, payload, expected, pipes)
	errs, missing := collectWaveErrors(replies, expected)
	if werr != nil && werr.Code != types.ErrTimeOut {
		errs = append(errs, werr)
	}
	return errs, missing
}

// deliver writes one event under the kind write lock, wakes the wave, and
// waits for its replies
func (p *Publisher) deliver(modOff uint32, kind shmem.Kind, ds types.Datastore,
	ch *evchan.Channel, ev types.EventType, reqID, prio uint32, payload []byte,
	expected map[uint32]types.SubFlags, pipes []uint32) ([]evchan.Reply, *types.Error) {
	if err := p.lockKind(modOff, kind, ds, shmlock.ModeWrite); err != nil {
		return nil, err
	}
	ch.ResetReplies(uint32(len(expected)))
	werr := ch.WriteEvent(ev, reqID, prio, p.shm.CID(), p.sid, payload)
	p.unlockKind(modOff, kind, ds, shmlock.ModeWrite)
	if werr != nil {
		return nil, werr
	}
	p.wakeAll(pipes)
	return ch.AwaitReplies(len(expected), time.Now().Add(p.timeout))
}

// noteMissing records non-responders: they count as CALLBACK_FAILED for
// the commit and are left to the liveness pass
func (p *Publisher) noteMissing(module string, missing []uint32, errList *types.ErrorList) {
	for _, subID := range missing {
		p.log.Warnf("module %s: subscriber %d did not reply in time", module, subID)
		if errList != nil {
			errList.Append(types.Errorf(types.ErrCallbackFailed,
				"subscriber %d timed out", subID))
		}
	}
}

// finishCommit returns the channel state machine to idle
func (p *Publisher) finishCommit(modOff uint32, ds types.Datastore, ch *evchan.Channel) {
	if err := p.lockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite); err != nil {
		p.log.Warnf("finishCommit: %v", err)
		ch.SetKind(types.EvNone)
		return
	}
	ch.SetKind(types.EvNone)
	p.unlockKind(modOff, shmem.KindChange, ds, shmlock.ModeWrite)
}

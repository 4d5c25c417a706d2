// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"sort"
	"time"

	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/types"
)

// OperGet asks the owner of path for its operational data. Single-wave
// request/reply: the highest-priority live subscriber of the path answers.
func (p *Publisher) OperGet(ctx context.Context, module, path string,
	requestXPath string) ([]byte, *types.Error) {
	modOff, err := p.shm.FindModule(module)
	if err != nil {
		return nil, err
	}

	if err := p.lockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err != nil {
		return nil, err
	}
	p.reapKind(modOff, shmem.KindOperGet, 0)
	recs := p.shm.OperGetSubs(modOff)
	p.unlockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)

	var owners []shmem.OperGetSubShm
	for _, rec := range recs {
		if rec.Suspended != 0 {
			continue
		}
		if p.shm.StringAt(rec.PathOff, rec.PathLen) == path {
			owners = append(owners, rec)
		}
	}
	if len(owners) == 0 {
		return nil, types.Errorf(types.ErrNotFound,
			"no operational data provider for %s", path)
	}
	sort.SliceStable(owners, func(i, j int) bool {
		return owners[i].Priority > owners[j].Priority
	})
	owner := owners[0]

	if ctx.Err() != nil {
		return nil, types.Errorf(types.ErrOperationFailed, "canceled: %v", ctx.Err())
	}

	ch, err := evchan.Open(evchan.OperChanPath(p.dir, module, owner.ChanHash))
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	if err := p.lockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err != nil {
		return nil, err
	}
	// A stale event left by a crashed or timed-out exchange is flagged
	// before the channel is reused
	if ch.Kind() != types.EvNone && ch.RequestID() != 0 {
		ch.MarkIgnored()
	}
	reqID := ch.RequestID() + 1
	ch.ResetReplies(1)
	werr := ch.WriteEvent(types.EvOper, reqID, owner.Priority, p.shm.CID(), p.sid,
		[]byte(requestXPath))
	p.unlockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)
	if werr != nil {
		return nil, werr
	}
	evchan.NotifyPipe(p.dir, owner.EvPipe)

	replies, werr := ch.AwaitReplies(1, time.Now().Add(p.timeout))
	if werr != nil {
		p.log.Warnf("OperGet %s: subscriber %d: %v", path, owner.SubID, werr)
		return nil, werr
	}
	reply := replies[0]
	if reply.Code != types.ErrOK {
		return nil, &types.Error{Code: reply.Code, Message: reply.Message}
	}
	tree, perr := ch.Payload()
	if perr != nil {
		return nil, perr
	}

	if err := p.lockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite); err == nil {
		ch.SetKind(types.EvNone)
		p.unlockKind(modOff, shmem.KindOperGet, 0, shmlock.ModeWrite)
	} else {
		ch.SetKind(types.EvNone)
	}
	p.shm.TouchOper(modOff, time.Now())
	return tree, nil
}

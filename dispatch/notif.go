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

// SendNotif broadcasts one notification on a module. Delivery collects no
// application errors; each live subscriber processes the event exactly
// once per request ID. Notifications on one module are totally ordered by
// the request ID minted under the notif write lock.
func (p *Publisher) SendNotif(ctx context.Context, module string, payload []byte,
	ts time.Time) *types.Error {
	if ctx.Err() != nil {
		return types.Errorf(types.ErrOperationFailed, "canceled: %v", ctx.Err())
	}
	modOff, err := p.shm.FindModule(module)
	if err != nil {
		if err.Code == types.ErrNotFound {
			return nil // nobody listening
		}
		return err
	}

	ch, err := evchan.Open(evchan.NotifChanPath(p.dir, module))
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := p.lockKind(modOff, shmem.KindNotif, 0, shmlock.ModeWrite); err != nil {
		return err
	}
	p.reapKind(modOff, shmem.KindNotif, 0)
	recs := p.shm.NotifSubs(modOff)

	var pipes []uint32
	for _, rec := range recs {
		if rec.Suspended == 0 {
			pipes = append(pipes, rec.EvPipe)
		}
	}
	if len(pipes) == 0 {
		p.unlockKind(modOff, shmem.KindNotif, 0, shmlock.ModeWrite)
		return nil
	}

	reqID := ch.RequestID() + 1
	ch.ResetReplies(0)
	werr := ch.WriteEvent(types.EvNotif, reqID, 0, p.shm.CID(), p.sid,
		evchan.EncodeNotif(ts, payload))
	if werr == nil && p.shm.Module(modOff).ReplayEarliest == 0 {
		p.shm.SetReplayEarliest(modOff, ts)
	}
	p.unlockKind(modOff, shmem.KindNotif, 0, shmlock.ModeWrite)
	if werr != nil {
		return werr
	}

	p.wakeAll(pipes)
	return nil
}

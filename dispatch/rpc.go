// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"time"

	"github.com/lf-edge/yangds/evchan"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/shmlock"
	"github.com/lf-edge/yangds/subs"
	"github.com/lf-edge/yangds/types"
)

// SendRPC invokes the subscribers of an RPC/action path in descending
// priority waves. Each wave may transform the input tree; the output
// captured after the highest successful priority is what the invoker
// receives. A failing wave generates ABORT for every earlier (higher)
// priority that saw RPC succeed, never for the failer.
func (p *Publisher) SendRPC(ctx context.Context, path string, input []byte) ([]byte, *types.Error) {
	module, err := subs.ModuleOfPath(path)
	if err != nil {
		return nil, err
	}
	modOff, err := p.shm.FindModule(module)
	if err != nil {
		if err.Code == types.ErrNotFound {
			return nil, types.Errorf(types.ErrNotFound,
				"no subscriber for RPC %s", path)
		}
		return nil, err
	}

	if err := p.lockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err != nil {
		return nil, err
	}
	p.reapKind(modOff, shmem.KindRPC, 0)
	recs := p.shm.RPCSubs(modOff, path)
	p.unlockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite)

	live := recs[:0:0]
	for _, rec := range recs {
		if rec.Suspended == 0 {
			live = append(live, rec)
		}
	}
	if len(live) == 0 {
		return nil, types.Errorf(types.ErrNotFound, "no subscriber for RPC %s", path)
	}

	ch, err := evchan.Open(evchan.RPCChanPath(p.dir, module, evchan.PathHash(path, 0)))
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	deadline := time.Now().Add(p.timeout)
	if err := ch.WaitIdle(deadline); err != nil {
		return nil, err
	}
	reqID := ch.RequestID() + 1
	waves := buildRPCWaves(live)

	var visited []rpcWave
	var output []byte
	payload := input
	var failure *types.Error
	for _, wv := range waves {
		expected := make(map[uint32]types.SubFlags)
		var pipes []uint32
		for _, rec := range wv.subs {
			expected[rec.SubID] = 0
			pipes = append(pipes, rec.EvPipe)
		}
		replies, werr := p.deliver(modOff, shmem.KindRPC, 0, ch, types.EvRPC,
			reqID, wv.prio, payload, expected, pipes)
		errs, missing := collectWaveErrors(replies, expected)
		if len(missing) > 0 {
			p.noteMissing(module, missing, nil)
			errs = append(errs, types.Errorf(types.ErrCallbackFailed,
				"RPC subscriber timed out"))
		}
		if werr != nil && len(errs) == 0 {
			errs = append(errs, werr)
		}
		if len(errs) > 0 {
			failure = errs[0]
			break
		}
		// The wave's output becomes the next wave's input
		out, perr := ch.Payload()
		if perr != nil {
			failure = perr
			break
		}
		payload = out
		if output == nil {
			output = out
		}
		visited = append(visited, wv)
		if ctx.Err() != nil {
			failure = types.Errorf(types.ErrOperationFailed,
				"RPC canceled: %v", ctx.Err())
			break
		}
	}

	if failure != nil {
		for _, wv := range visited {
			expected := make(map[uint32]types.SubFlags)
			var pipes []uint32
			for _, rec := range wv.subs {
				expected[rec.SubID] = 0
				pipes = append(pipes, rec.EvPipe)
			}
			_, werr := p.deliver(modOff, shmem.KindRPC, 0, ch, types.EvRPCAbort,
				reqID, wv.prio, nil, expected, pipes)
			if werr != nil {
				p.log.Warnf("RPC abort wave prio %d: %v", wv.prio, werr)
			}
		}
		p.finishRPC(modOff, ch)
		return nil, failure
	}
	p.finishRPC(modOff, ch)
	return output, nil
}

func (p *Publisher) finishRPC(modOff uint32, ch *evchan.Channel) {
	if err := p.lockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite); err != nil {
		p.log.Warnf("finishRPC: %v", err)
		ch.SetKind(types.EvNone)
		return
	}
	ch.SetKind(types.EvNone)
	p.unlockKind(modOff, shmem.KindRPC, 0, shmlock.ModeWrite)
}

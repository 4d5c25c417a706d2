// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package dispatch implements the commit protocol engine run inside the
// publisher's process: priority-ordered wave delivery over the change,
// operational, RPC and notification channels, with abort propagation,
// bounded waits and opportunistic liveness recovery.
package dispatch

import (
	"sort"

	"github.com/lf-edge/yangds/shmem"
)

// changeWave groups the change subscribers sharing one priority. Waves are
// visited in strictly descending priority; insertion order inside a wave
// is preserved (stable sort), which gives subscribers the documented
// (priority desc, insertion asc) visit order.
type changeWave struct {
	prio uint32
	subs []shmem.ChangeSubShm
}

func buildChangeWaves(recs []shmem.ChangeSubShm) []changeWave {
	sorted := make([]shmem.ChangeSubShm, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	var waves []changeWave
	for _, rec := range sorted {
		if n := len(waves); n > 0 && waves[n-1].prio == rec.Priority {
			waves[n-1].subs = append(waves[n-1].subs, rec)
			continue
		}
		waves = append(waves, changeWave{prio: rec.Priority, subs: []shmem.ChangeSubShm{rec}})
	}
	return waves
}

type rpcWave struct {
	prio uint32
	subs []shmem.RPCSubShm
}

func buildRPCWaves(recs []shmem.RPCSubShm) []rpcWave {
	sorted := make([]shmem.RPCSubShm, len(recs))
	copy(sorted, recs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})
	var waves []rpcWave
	for _, rec := range sorted {
		if n := len(waves); n > 0 && waves[n-1].prio == rec.Priority {
			waves[n-1].subs = append(waves[n-1].subs, rec)
			continue
		}
		waves = append(waves, rpcWave{prio: rec.Priority, subs: []shmem.RPCSubShm{rec}})
	}
	return waves
}

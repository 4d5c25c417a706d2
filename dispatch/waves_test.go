// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lf-edge/yangds/shmem"
)

func TestBuildChangeWaves(t *testing.T) {
	recs := []shmem.ChangeSubShm{
		{SubID: 1, Priority: 5},
		{SubID: 2, Priority: 20},
		{SubID: 3, Priority: 10},
		{SubID: 4, Priority: 20},
		{SubID: 5, Priority: 5},
	}
	waves := buildChangeWaves(recs)
	require.Len(t, waves, 3)
	assert.Equal(t, uint32(20), waves[0].prio)
	assert.Equal(t, uint32(10), waves[1].prio)
	assert.Equal(t, uint32(5), waves[2].prio)

	// Ties keep insertion order (stable)
	require.Len(t, waves[0].subs, 2)
	assert.Equal(t, uint32(2), waves[0].subs[0].SubID)
	assert.Equal(t, uint32(4), waves[0].subs[1].SubID)
	require.Len(t, waves[2].subs, 2)
	assert.Equal(t, uint32(1), waves[2].subs[0].SubID)
	assert.Equal(t, uint32(5), waves[2].subs[1].SubID)

	// The input slice is not disturbed
	assert.Equal(t, uint32(1), recs[0].SubID)

	assert.Empty(t, buildChangeWaves(nil))
}

func TestBuildRPCWaves(t *testing.T) {
	recs := []shmem.RPCSubShm{
		{SubID: 1, Priority: 10},
		{SubID: 2, Priority: 20},
	}
	waves := buildRPCWaves(recs)
	require.Len(t, waves, 2)
	assert.Equal(t, uint32(20), waves[0].prio)
	assert.Equal(t, uint32(10), waves[1].prio)
}

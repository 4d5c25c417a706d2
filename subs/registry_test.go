// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package subs

import (
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/types"
)

type fakeSession struct {
	sid uint32
	cid uint32
	ds  types.Datastore
}

func (s *fakeSession) SID() uint32                { return s.sid }
func (s *fakeSession) CID() uint32                { return s.cid }
func (s *fakeSession) Datastore() types.Datastore { return s.ds }

type testEnv struct {
	shm *shmem.SHM
	ctx *Context
	dir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	log := base.NewSourceLogObject(logger, "subs_test", os.Getpid())

	dir := t.TempDir()
	shm, err := shmem.Open(dir, log)
	require.Nil(t, err)
	_, err = shm.RegisterConn()
	require.Nil(t, err)
	ctx, err := NewContext(shm, dir, 2*time.Second, log)
	require.Nil(t, err)
	t.Cleanup(func() {
		ctx.Close()
		shm.Close()
	})
	return &testEnv{shm: shm, ctx: ctx, dir: dir}
}

func (e *testEnv) sess(sid uint32) *fakeSession {
	return &fakeSession{sid: sid, cid: e.shm.CID(), ds: types.DatastoreRunning}
}

func noopChange(Session, uint32, string, string, types.EventType, uint32, []byte) ([]byte, types.ErrorCode) {
	return nil, types.ErrOK
}

func noopOperGet(Session, uint32, string, string, string, uint32) ([]byte, types.ErrorCode) {
	return nil, types.ErrOK
}

func noopRPC(Session, uint32, string, types.EventType, uint32, []byte) ([]byte, types.ErrorCode) {
	return nil, types.ErrOK
}

func TestSubIDsUniqueAndMonotonic(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	seen := map[uint32]bool{}
	for i := 0; i < 10; i++ {
		subID := e.ctx.NextSubID()
		assert.False(t, seen[subID])
		seen[subID] = true
		require.Nil(t, e.ctx.AddChange(subID, sess, types.DatastoreRunning,
			"m", "", noopChange, nil, uint32(i), 0))
		assert.GreaterOrEqual(t, e.ctx.LastSubID(), subID)
	}
}

func TestRegistryShmParity(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	id1 := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddChange(id1, sess, types.DatastoreRunning, "m", "/m:a",
		noopChange, nil, 10, 0))
	id2 := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddChange(id2, sess, types.DatastoreRunning, "m", "/m:b",
		noopChange, nil, 5, 0))

	modOff, err := e.shm.FindModule("m")
	require.Nil(t, err)
	recs := e.shm.ChangeSubs(modOff, types.DatastoreRunning)
	ids := map[uint32]bool{}
	for _, rec := range recs {
		ids[rec.SubID] = true
		assert.Equal(t, e.shm.CID(), rec.CID)
	}
	if diff := cmp.Diff(map[uint32]bool{id1: true, id2: true}, ids); diff != "" {
		t.Fatalf("registry/SHM mismatch: %s", diff)
	}

	// Deleting keeps the two sides in step
	require.Nil(t, e.ctx.Unsubscribe(id1))
	recs = e.shm.ChangeSubs(modOff, types.DatastoreRunning)
	require.Len(t, recs, 1)
	assert.Equal(t, id2, recs[0].SubID)
	_, _, found := e.ctx.FindSub(id1)
	assert.False(t, found)

	require.Nil(t, e.ctx.Unsubscribe(id2))
	assert.Empty(t, e.shm.ChangeSubs(modOff, types.DatastoreRunning))
}

func TestOperGetDuplicateRejected(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	id1 := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddOperGet(id1, sess, "m", "/m:state", noopOperGet, nil, 5))

	id2 := e.ctx.NextSubID()
	err := e.ctx.AddOperGet(id2, sess, "m", "/m:state", noopOperGet, nil, 5)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrExists, err.Code)

	// A different priority is a different channel and is fine
	require.Nil(t, e.ctx.AddOperGet(id2, sess, "m", "/m:state", noopOperGet, nil, 6))
}

func TestCallbackValidation(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	err := e.ctx.AddChange(e.ctx.NextSubID(), sess, types.DatastoreRunning,
		"m", "", nil, nil, 0, 0)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrInvalArg, err.Code)

	cb := func(Session, uint32, types.NotifType, []byte, time.Time) {}
	// Both callbacks: rejected
	err = e.ctx.AddNotif(e.ctx.NextSubID(), sess, "m", "", time.Now(), time.Now(),
		time.Time{}, time.Time{}, cb, cb, nil)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrInvalArg, err.Code)
	// Neither: rejected
	err = e.ctx.AddNotif(e.ctx.NextSubID(), sess, "m", "", time.Now(), time.Now(),
		time.Time{}, time.Time{}, nil, nil, nil)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrInvalArg, err.Code)
}

func TestDelNotifDeliversTerminated(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	var got []types.NotifType
	var gotTS time.Time
	cb := func(_ Session, _ uint32, nt types.NotifType, _ []byte, ts time.Time) {
		got = append(got, nt)
		gotTS = ts
	}
	before := time.Now()
	subID := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddNotif(subID, sess, "m", "", time.Now(), time.Now(),
		time.Time{}, time.Time{}, cb, nil, nil))

	require.Nil(t, e.ctx.Unsubscribe(subID))
	require.Equal(t, []types.NotifType{types.NotifTerminated}, got)
	assert.False(t, gotTS.Before(before))

	modOff, err := e.shm.FindModule("m")
	require.Nil(t, err)
	assert.Empty(t, e.shm.NotifSubs(modOff))
}

func TestDelSessionAndCount(t *testing.T) {
	e := newTestEnv(t)
	s1 := e.sess(1)
	s2 := e.sess(2)

	require.Nil(t, e.ctx.AddChange(e.ctx.NextSubID(), s1, types.DatastoreRunning,
		"m", "", noopChange, nil, 0, 0))
	require.Nil(t, e.ctx.AddOperGet(e.ctx.NextSubID(), s1, "m", "/m:s", noopOperGet, nil, 0))
	require.Nil(t, e.ctx.AddRPC(e.ctx.NextSubID(), s2, "/m:ping", false, "",
		noopRPC, nil, 0))

	assert.Equal(t, 2, e.ctx.CountForSession(s1))
	assert.Equal(t, 1, e.ctx.CountForSession(s2))

	require.Nil(t, e.ctx.DelSession(s1))
	assert.Equal(t, 0, e.ctx.CountForSession(s1))
	assert.Equal(t, 1, e.ctx.CountForSession(s2))

	kind, owner, found := e.ctx.FindSub(3)
	require.True(t, found)
	assert.Equal(t, shmem.KindRPC, kind)
	assert.Equal(t, "/m:ping", owner)
}

func TestUnsubscribeAll(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	require.Nil(t, e.ctx.AddChange(e.ctx.NextSubID(), sess, types.DatastoreRunning,
		"m", "", noopChange, nil, 0, 0))
	require.Nil(t, e.ctx.AddOperPoll(e.ctx.NextSubID(), sess, "m", "/m:s", 1000, 0))
	require.Nil(t, e.ctx.AddRPC(e.ctx.NextSubID(), sess, "/m:ping", false, "",
		noopRPC, nil, 0))

	require.Nil(t, e.ctx.Unsubscribe(0))
	assert.Equal(t, 0, e.ctx.CountForSession(sess))

	modOff, err := e.shm.FindModule("m")
	require.Nil(t, err)
	assert.Empty(t, e.shm.ChangeSubs(modOff, types.DatastoreRunning))
	assert.Empty(t, e.shm.RPCSubs(modOff, "/m:ping"))
}

func TestUnsubscribeUnknown(t *testing.T) {
	e := newTestEnv(t)
	err := e.ctx.Unsubscribe(77)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrNotFound, err.Code)
}

func TestSuspendResume(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)
	subID := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddChange(subID, sess, types.DatastoreRunning, "m", "",
		noopChange, nil, 0, 0))

	suspended, err := e.ctx.IsSuspended(subID)
	require.Nil(t, err)
	assert.False(t, suspended)

	require.Nil(t, e.ctx.Suspend(subID))
	suspended, err = e.ctx.IsSuspended(subID)
	require.Nil(t, err)
	assert.True(t, suspended)

	// The SHM record carries the flag for publishers
	modOff, ferr := e.shm.FindModule("m")
	require.Nil(t, ferr)
	recs := e.shm.ChangeSubs(modOff, types.DatastoreRunning)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(1), recs[0].Suspended)

	// Suspending twice is an error
	serr := e.ctx.Suspend(subID)
	require.NotNil(t, serr)
	assert.Equal(t, types.ErrInvalArg, serr.Code)

	require.Nil(t, e.ctx.Resume(subID))
	suspended, err = e.ctx.IsSuspended(subID)
	require.Nil(t, err)
	assert.False(t, suspended)
}

func TestNotifStopAutoTerminates(t *testing.T) {
	e := newTestEnv(t)
	sess := e.sess(1)

	done := make(chan types.NotifType, 1)
	cb := func(_ Session, _ uint32, nt types.NotifType, _ []byte, _ time.Time) {
		done <- nt
	}
	subID := e.ctx.NextSubID()
	require.Nil(t, e.ctx.AddNotif(subID, sess, "m", "", time.Now(), time.Now(),
		time.Time{}, time.Now().Add(100*time.Millisecond), cb, nil, nil))

	select {
	case nt := <-done:
		assert.Equal(t, types.NotifTerminated, nt)
	case <-time.After(3 * time.Second):
		t.Fatal("no TERMINATED delivery after stop time")
	}
	_, _, found := e.ctx.FindSub(subID)
	assert.False(t, found)
}

func TestModuleOfPath(t *testing.T) {
	m, err := ModuleOfPath("/mod:ping")
	require.Nil(t, err)
	assert.Equal(t, "mod", m)

	m, err = ModuleOfPath("/mod:cont/act")
	require.Nil(t, err)
	assert.Equal(t, "mod", m)

	_, err = ModuleOfPath("/noprefix")
	require.NotNil(t, err)
	assert.Equal(t, types.ErrInvalArg, err.Code)
}

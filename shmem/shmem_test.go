// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/types"
)

func testLog() *base.LogObject {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return base.NewSourceLogObject(logger, "shmem_test", os.Getpid())
}

func testSHM(t *testing.T) *SHM {
	t.Helper()
	s, err := Open(t.TempDir(), testLog())
	require.Nil(t, err)
	t.Cleanup(s.Close)
	_, rerr := s.RegisterConn()
	require.Nil(t, rerr)
	return s
}

func TestOpenCreatesAndReattaches(t *testing.T) {
	dir := t.TempDir()
	log := testLog()

	s1, err := Open(dir, log)
	require.Nil(t, err)
	cid1, err := s1.RegisterConn()
	require.Nil(t, err)
	assert.NotZero(t, cid1)

	// A second attachment sees the same region
	s2, err := Open(dir, log)
	require.Nil(t, err)
	cid2, err := s2.RegisterConn()
	require.Nil(t, err)
	assert.NotEqual(t, cid1, cid2)
	assert.True(t, s2.Alive(cid1))

	s1.Close()
	s2.Close()
}

func TestBadMagicFailsAttach(t *testing.T) {
	dir := t.TempDir()
	log := testLog()
	s, err := Open(dir, log)
	require.Nil(t, err)
	s.Close()

	// Corrupt the magic and re-attach
	f, oserr := os.OpenFile(MainPath(dir), os.O_RDWR, 0)
	require.NoError(t, oserr)
	_, oserr = f.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, oserr)
	f.Close()

	_, err = Open(dir, log)
	require.NotNil(t, err)
	assert.Equal(t, types.ErrUnsupported, err.Code)
}

func TestConnLiveness(t *testing.T) {
	s := testSHM(t)
	cid := s.CID()
	assert.True(t, s.Alive(cid))
	assert.False(t, s.Alive(0))
	assert.False(t, s.Alive(cid+100))

	// A released connection is dead to peers
	other, err := Open(s.Dir, testLog())
	require.Nil(t, err)
	otherCID, err := other.RegisterConn()
	require.Nil(t, err)
	assert.True(t, s.Alive(otherCID))
	other.Close()
	assert.False(t, s.Alive(otherCID))
}

func TestFindOrCreateModule(t *testing.T) {
	s := testSHM(t)

	_, err := s.FindModule("ietf-interfaces")
	require.NotNil(t, err)
	assert.Equal(t, types.ErrNotFound, err.Code)

	off, err := s.FindOrCreateModule("ietf-interfaces")
	require.Nil(t, err)
	assert.Equal(t, "ietf-interfaces", s.ModuleName(off))

	// Idempotent
	off2, err := s.FindOrCreateModule("ietf-interfaces")
	require.Nil(t, err)
	assert.Equal(t, off, off2)

	found, err := s.FindModule("ietf-interfaces")
	require.Nil(t, err)
	assert.Equal(t, off, found)

	// A second module hashes independently
	off3, err := s.FindOrCreateModule("ietf-system")
	require.Nil(t, err)
	assert.NotEqual(t, off, off3)
}

func TestStringRoundTrip(t *testing.T) {
	s := testSHM(t)
	off, length, err := s.AllocString("/ietf-interfaces:interfaces//.")
	require.Nil(t, err)
	assert.Equal(t, "/ietf-interfaces:interfaces//.", s.StringAt(off, length))

	off, length, err = s.AllocString("")
	require.Nil(t, err)
	assert.Zero(t, off)
	assert.Equal(t, "", s.StringAt(off, length))
}

func TestExtGrowth(t *testing.T) {
	s := testSHM(t)
	// Allocate past the initial segment size; the arena must grow and
	// earlier strings stay readable
	first, flen, err := s.AllocString("survivor")
	require.Nil(t, err)
	for i := 0; i < 40; i++ {
		_, aerr := s.extAlloc(4096)
		require.Nil(t, aerr)
	}
	assert.Equal(t, "survivor", s.StringAt(first, flen))
	assert.GreaterOrEqual(t, len(s.ext.Mem), 128*1024)
}

func addChangeRec(t *testing.T, s *SHM, modOff uint32, ds types.Datastore,
	subID, cid, prio uint32) {
	t.Helper()
	rec := ChangeSubShm{SubID: subID, CID: cid, Priority: prio}
	require.Nil(t, s.AddChangeSub(modOff, ds, &rec, "/m:cfg"))
}

func TestChangeSubListSwapWithLast(t *testing.T) {
	s := testSHM(t)
	modOff, err := s.FindOrCreateModule("m")
	require.Nil(t, err)
	cid := s.CID()

	for i := uint32(1); i <= 5; i++ {
		addChangeRec(t, s, modOff, types.DatastoreRunning, i, cid, i*10)
	}
	subs := s.ChangeSubs(modOff, types.DatastoreRunning)
	require.Len(t, subs, 5)

	// Removing the middle element keeps the multiset minus the removed one
	assert.True(t, s.DelChangeSub(modOff, types.DatastoreRunning, 3))
	subs = s.ChangeSubs(modOff, types.DatastoreRunning)
	require.Len(t, subs, 4)
	seen := map[uint32]bool{}
	for _, rec := range subs {
		seen[rec.SubID] = true
	}
	assert.Equal(t, map[uint32]bool{1: true, 2: true, 4: true, 5: true}, seen)

	assert.False(t, s.DelChangeSub(modOff, types.DatastoreRunning, 3))

	// Other datastores are untouched
	assert.Empty(t, s.ChangeSubs(modOff, types.DatastoreStartup))
}

func TestOperGetDuplicateHashRejected(t *testing.T) {
	s := testSHM(t)
	modOff, err := s.FindOrCreateModule("m")
	require.Nil(t, err)

	rec := OperGetSubShm{SubID: 1, CID: s.CID(), Priority: 5, ChanHash: 0xabcd}
	require.Nil(t, s.AddOperGetSub(modOff, &rec, "/m:state"))

	dup := OperGetSubShm{SubID: 2, CID: s.CID(), Priority: 5, ChanHash: 0xabcd}
	err = s.AddOperGetSub(modOff, &dup, "/m:state")
	require.NotNil(t, err)
	assert.Equal(t, types.ErrExists, err.Code)
	assert.Len(t, s.OperGetSubs(modOff), 1)
}

func TestReapDeadSubs(t *testing.T) {
	s := testSHM(t)
	modOff, err := s.FindOrCreateModule("m")
	require.Nil(t, err)

	// A record owned by a connection that is no longer registered
	other, oerr := Open(s.Dir, testLog())
	require.Nil(t, oerr)
	deadCID, oerr := other.RegisterConn()
	require.Nil(t, oerr)

	addChangeRec(t, s, modOff, types.DatastoreRunning, 1, s.CID(), 0)
	addChangeRec(t, s, modOff, types.DatastoreRunning, 2, deadCID, 0)
	other.Close() // deadCID's slot is released

	reaped := s.ReapDeadSubs(modOff, KindChange, types.DatastoreRunning)
	assert.Equal(t, []uint32{2}, reaped)
	subs := s.ChangeSubs(modOff, types.DatastoreRunning)
	require.Len(t, subs, 1)
	assert.Equal(t, uint32(1), subs[0].SubID)
}

func TestSetSuspended(t *testing.T) {
	s := testSHM(t)
	modOff, err := s.FindOrCreateModule("m")
	require.Nil(t, err)
	addChangeRec(t, s, modOff, types.DatastoreRunning, 1, s.CID(), 0)

	require.Nil(t, s.SetSuspended(modOff, KindChange, types.DatastoreRunning, 1, true))
	subs := s.ChangeSubs(modOff, types.DatastoreRunning)
	assert.Equal(t, uint32(1), subs[0].Suspended)

	require.Nil(t, s.SetSuspended(modOff, KindChange, types.DatastoreRunning, 1, false))
	subs = s.ChangeSubs(modOff, types.DatastoreRunning)
	assert.Zero(t, subs[0].Suspended)

	serr := s.SetSuspended(modOff, KindChange, types.DatastoreRunning, 99, true)
	require.NotNil(t, serr)
	assert.Equal(t, types.ErrNotFound, serr.Code)
}

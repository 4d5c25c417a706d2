// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package evchan

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lf-edge/yangds/types"
)

func TestEventRoundTrip(t *testing.T) {
	path := ChangeChanPath(t.TempDir(), "m", types.DatastoreRunning)
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	assert.Equal(t, types.EvNone, ch.Kind())

	payload := []byte("<cfg><a>1</a></cfg>")
	require.Nil(t, ch.WriteEvent(types.EvChange, 1, 10, 7, 3, payload))

	// A second mapping of the same file sees the event
	ch2, err := Open(path)
	require.Nil(t, err)
	defer ch2.Close()
	assert.Equal(t, types.EvChange, ch2.Kind())
	assert.Equal(t, uint32(1), ch2.RequestID())
	assert.Equal(t, uint32(10), ch2.Priority())
	cid, sid := ch2.Origin()
	assert.Equal(t, uint32(7), cid)
	assert.Equal(t, uint32(3), sid)
	got, perr := ch2.Payload()
	require.Nil(t, perr)
	assert.Equal(t, payload, got)
}

func TestPayloadGrowth(t *testing.T) {
	path := ChangeChanPath(t.TempDir(), "m", types.DatastoreRunning)
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	big := make([]byte, 64*1024)
	for i := range big {
		big[i] = byte(i)
	}
	require.Nil(t, ch.WriteEvent(types.EvChange, 1, 0, 1, 1, big))
	got, perr := ch.Payload()
	require.Nil(t, perr)
	assert.Equal(t, big, got)

	// A reader mapped before the growth remaps lazily
	ch2, err := Open(path)
	require.Nil(t, err)
	defer ch2.Close()
	got2, perr := ch2.Payload()
	require.Nil(t, perr)
	assert.Equal(t, big, got2)
}

func TestRepliesAndAwait(t *testing.T) {
	path := RPCChanPath(t.TempDir(), "m", PathHash("/m:ping", 0))
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	ch.ResetReplies(2)
	require.Nil(t, ch.WriteEvent(types.EvRPC, 1, 20, 1, 1, []byte("in")))

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.Reply(5, types.ErrOK, "")
		ch.Reply(6, types.ErrCallbackFailed, "refused")
	}()

	replies, werr := ch.AwaitReplies(2, time.Now().Add(2*time.Second))
	require.Nil(t, werr)
	require.Len(t, replies, 2)
	byID := map[uint32]Reply{}
	for _, r := range replies {
		byID[r.SubID] = r
	}
	assert.Equal(t, types.ErrOK, byID[5].Code)
	assert.Equal(t, types.ErrCallbackFailed, byID[6].Code)
	assert.Equal(t, "refused", byID[6].Message)
}

func TestAwaitRepliesTimeout(t *testing.T) {
	path := NotifChanPath(t.TempDir(), "m")
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	ch.ResetReplies(1)
	replies, werr := ch.AwaitReplies(1, time.Now().Add(50*time.Millisecond))
	assert.Empty(t, replies)
	require.NotNil(t, werr)
	assert.Equal(t, types.ErrTimeOut, werr.Code)
}

func TestWaitIdle(t *testing.T) {
	path := ChangeChanPath(t.TempDir(), "m", types.DatastoreCandidate)
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	assert.Nil(t, ch.WaitIdle(time.Now().Add(time.Second)))

	require.Nil(t, ch.WriteEvent(types.EvChange, 1, 0, 1, 1, nil))
	werr := ch.WaitIdle(time.Now().Add(50 * time.Millisecond))
	require.NotNil(t, werr)
	assert.Equal(t, types.ErrTimeOut, werr.Code)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ch.SetKind(types.EvNone)
	}()
	assert.Nil(t, ch.WaitIdle(time.Now().Add(2*time.Second)))
}

func TestMarkIgnored(t *testing.T) {
	path := OperChanPath(t.TempDir(), "m", PathHash("/m:state", 5))
	ch, err := Open(path)
	require.Nil(t, err)
	defer ch.Close()

	require.Nil(t, ch.WriteEvent(types.EvOper, 3, 5, 1, 1, []byte("/m:state")))
	assert.False(t, ch.Ignored())
	ch.MarkIgnored()
	assert.True(t, ch.Ignored())

	// The next event clears the flag
	require.Nil(t, ch.WriteEvent(types.EvOper, 4, 5, 1, 1, []byte("/m:state")))
	assert.False(t, ch.Ignored())
}

func TestChannelNaming(t *testing.T) {
	dir := "/run/x"
	assert.Equal(t, "/run/x/mod.running.sub",
		ChangeChanPath(dir, "mod", types.DatastoreRunning))
	assert.Equal(t, "mod.notif.sub", filepath.Base(NotifChanPath(dir, "mod")))

	operName := filepath.Base(OperChanPath(dir, "mod", PathHash("/mod:state", 1)))
	assert.Contains(t, operName, "mod.oper.")
	assert.Contains(t, operName, ".sub")

	// Same path, different priority: distinct channels
	assert.NotEqual(t, PathHash("/mod:state", 1), PathHash("/mod:state", 2))
}

func TestNotifEncoding(t *testing.T) {
	ts := time.Unix(1712000000, 123456789)
	buf := EncodeNotif(ts, []byte("<ev/>"))
	got, payload := DecodeNotif(buf)
	assert.True(t, ts.Equal(got))
	assert.Equal(t, []byte("<ev/>"), payload)

	zero, short := DecodeNotif([]byte("abc"))
	assert.True(t, zero.IsZero())
	assert.Equal(t, []byte("abc"), short)
}

func TestEventPipe(t *testing.T) {
	dir := t.TempDir()
	pipe, err := CreatePipe(dir, 42)
	require.Nil(t, err)
	defer pipe.Close()

	assert.False(t, pipe.Wait(10))

	NotifyPipe(dir, 42)
	assert.True(t, pipe.Wait(1000))
	pipe.Drain()
	assert.False(t, pipe.Wait(10))

	// Waking a pipe nobody owns must not fail
	NotifyPipe(dir, 4242)
}

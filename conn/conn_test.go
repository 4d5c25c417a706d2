// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lf-edge/yangds/subs"
	"github.com/lf-edge/yangds/types"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "yangds.yml")
	content := []byte("run_dir: /tmp/ydstest\napply_timeout_ms: 1500\n")
	require.NoError(t, os.WriteFile(path, content, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/ydstest", cfg.RunDir)
	assert.Equal(t, 1500*time.Millisecond, cfg.ApplyTimeout())
	// Unset fields keep their defaults
	assert.Equal(t, DefaultConfig().OperTimeout(), cfg.OperTimeout())

	_, err = LoadConfig(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
	assert.Equal(t, types.ErrSys, types.CodeOf(err))

	require.NoError(t, os.WriteFile(path, []byte(":\tnot yaml"), 0644))
	_, err = LoadConfig(path)
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalArg, types.CodeOf(err))
}

func TestConnectCreatesRegion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunDir = t.TempDir()
	cfg.NoWatcher = true
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	c, err := Connect(cfg, logger)
	require.NoError(t, err)
	assert.NotZero(t, c.CID())

	_, err = os.Stat(filepath.Join(cfg.RunDir, "main.sr"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.RunDir, "ext.sr"))
	assert.NoError(t, err)

	// A second connection on the same run dir gets its own CID
	c2, err := Connect(cfg, logger)
	require.NoError(t, err)
	assert.NotEqual(t, c.CID(), c2.CID())
	c2.Disconnect()
	c.Disconnect()
}

func TestSessionStopReleasesSubscriptions(t *testing.T) {
	c := testConn(t)
	sess, err := c.NewSession(types.DatastoreRunning)
	require.NoError(t, err)

	cb := func(subs.Session, uint32, string, string, types.EventType, uint32,
		[]byte) ([]byte, types.ErrorCode) {
		return nil, types.ErrOK
	}
	sc, _, err := sess.SubscribeChange(nil, "m", "", cb, nil, 0, 0)
	require.NoError(t, err)
	_, _, err = sess.SubscribeChange(sc, "m2", "", cb, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, sc.CountForSession(sess))

	sess.Stop()
	assert.Equal(t, 0, sc.CountForSession(sess))
}

func TestEnabledEventDuringSubscribe(t *testing.T) {
	c := testConn(t)
	c.EnabledData = func(module, xpath string) []byte {
		return []byte("current")
	}
	sess, err := c.NewSession(types.DatastoreRunning)
	require.NoError(t, err)

	var enabledData []byte
	okCb := func(_ subs.Session, _ uint32, _, _ string, ev types.EventType,
		_ uint32, diff []byte) ([]byte, types.ErrorCode) {
		if ev == types.EvEnabled {
			enabledData = diff
		}
		return nil, types.ErrOK
	}
	sc, _, err := sess.SubscribeChange(nil, "m", "", okCb, nil, 0, types.SubFlagEnabled)
	require.NoError(t, err)
	assert.Equal(t, []byte("current"), enabledData)

	// A failing enabled callback aborts the subscribe
	failCb := func(_ subs.Session, _ uint32, _, _ string, ev types.EventType,
		_ uint32, _ []byte) ([]byte, types.ErrorCode) {
		if ev == types.EvEnabled {
			return nil, types.ErrOperationFailed
		}
		return nil, types.ErrOK
	}
	_, badID, err := sess.SubscribeChange(sc, "m", "", failCb, nil, 1, types.SubFlagEnabled)
	require.Error(t, err)
	assert.Equal(t, types.ErrCallbackFailed, types.CodeOf(err))
	assert.Zero(t, badID)
	assert.Equal(t, 1, sc.CountForSession(sess))
}

func TestOperPollCache(t *testing.T) {
	c := testConn(t)
	provider, err := c.NewSession(types.DatastoreOperational)
	require.NoError(t, err)
	client, err := c.NewSession(types.DatastoreOperational)
	require.NoError(t, err)

	var calls int32
	cb := func(_ subs.Session, _ uint32, _, _, _ string, _ uint32) ([]byte, types.ErrorCode) {
		atomic.AddInt32(&calls, 1)
		return []byte("<s/>"), types.ErrOK
	}
	sc, _, err := provider.SubscribeOperGet(nil, "m", "/m:state", cb, nil, 0)
	require.NoError(t, err)
	runEventLoop(t, sc)

	// The poll subscription routes GetData through the connection cache
	_, pollID, err := client.SubscribeOperPoll(nil, "m", "/m:state", 60000, 0)
	require.NoError(t, err)

	got, err := client.GetData(context.Background(), "m", "/m:state")
	require.NoError(t, err)
	assert.Equal(t, []byte("<s/>"), got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	got, err = client.GetData(context.Background(), "m", "/m:state")
	require.NoError(t, err)
	assert.Equal(t, []byte("<s/>"), got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "second read must hit the cache")

	// Dropping the poll subscription drops the cache entry
	_, ok := c.CachedOper(pollID)
	assert.True(t, ok)
	found := false
	for _, ctx := range c.contexts {
		if _, _, ok := ctx.FindSub(pollID); ok {
			require.Nil(t, ctx.Unsubscribe(pollID))
			found = true
		}
	}
	require.True(t, found)
	_, ok = c.CachedOper(pollID)
	assert.False(t, ok)
}

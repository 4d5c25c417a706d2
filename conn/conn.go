// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package conn is the top of the library: connections attached to the
// shared memory region, sessions scoped to a datastore, and the subscribe
// and publish entry points higher layers consume.
package conn

import (
	"os"
	"sync"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/flextimer"
	"github.com/lf-edge/yangds/shmem"
	"github.com/lf-edge/yangds/subs"
	"github.com/lf-edge/yangds/types"
)

// EnabledDataFn supplies the current configuration of a module for the
// synchronous enabled event delivered during subscribe. Installed by the
// schema engine adapter; nil means enabled events carry no data.
type EnabledDataFn func(module, xpath string) []byte

// Connection is one endpoint attached to the region
type Connection struct {
	UUID uuid.UUID

	cfg    Config
	logger *logrus.Logger
	log    *base.LogObject
	shm    *shmem.SHM
	cid    uint32

	mu       sync.Mutex
	sessions map[uint32]*Session
	contexts []*subs.Context
	nextSID  uint32

	cacheMu    sync.Mutex
	operCache  map[uint32][]byte
	pollTimers map[uint32]flextimer.FlexTickerHandle
	pollStop   map[uint32]chan struct{}

	monitor *monitor

	// EnabledData, when set, feeds the enabled event payloads
	EnabledData EnabledDataFn
}

// Connect attaches to the region under cfg.RunDir, allocating a CID
func Connect(cfg Config, logger *logrus.Logger) (*Connection, error) {
	cfg = cfg.withDefaults()
	log := base.NewSourceLogObject(logger, "yangds", os.Getpid())
	shm, err := shmem.Open(cfg.RunDir, log)
	if err != nil {
		return nil, err
	}
	cid, err := shm.RegisterConn()
	if err != nil {
		shm.Close()
		return nil, err
	}
	connUUID, uerr := uuid.NewV4()
	if uerr != nil {
		shm.Close()
		return nil, types.SysErrorf(uerr, "uuid")
	}
	c := &Connection{
		UUID:       connUUID,
		cfg:        cfg,
		logger:     logger,
		log:        log,
		shm:        shm,
		cid:        cid,
		sessions:   make(map[uint32]*Session),
		operCache:  make(map[uint32][]byte),
		pollTimers: make(map[uint32]flextimer.FlexTickerHandle),
		pollStop:   make(map[uint32]chan struct{}),
	}
	if !cfg.NoWatcher {
		mon, merr := startMonitor(cfg.RunDir, log)
		if merr != nil {
			log.Warnf("Connect: run dir watcher: %v", merr)
		} else {
			c.monitor = mon
		}
	}
	log.Noticef("Connect: cid %d uuid %s dir %s", cid, c.UUID, cfg.RunDir)
	return c, nil
}

// CID returns the connection identifier
func (c *Connection) CID() uint32 {
	return c.cid
}

// Disconnect stops the sessions, releases every subscription and detaches
func (c *Connection) Disconnect() {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	contexts := c.contexts
	c.contexts = nil
	c.mu.Unlock()

	for _, s := range sessions {
		s.Stop()
	}
	for _, sc := range contexts {
		sc.Close()
	}
	c.cacheMu.Lock()
	for subID, t := range c.pollTimers {
		t.StopTicker()
		close(c.pollStop[subID])
	}
	c.pollTimers = make(map[uint32]flextimer.FlexTickerHandle)
	c.pollStop = make(map[uint32]chan struct{})
	c.cacheMu.Unlock()
	if c.monitor != nil {
		c.monitor.stop()
	}
	c.shm.Close()
	c.log.Noticef("Disconnect: cid %d", c.cid)
}

// NewSession opens a session scoped to ds
func (c *Connection) NewSession(ds types.Datastore) (*Session, error) {
	if !ds.Valid() {
		return nil, types.Errorf(types.ErrInvalArg, "invalid datastore %d", ds)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSID++
	s := newSession(c, c.nextSID, ds)
	c.sessions[s.sid] = s
	c.log.Functionf("NewSession: sid %d ds %s", s.sid, ds)
	return s, nil
}

// NewContext creates a subscription context on this connection
func (c *Connection) NewContext() (*subs.Context, error) {
	c.mu.Lock()
	ctxIndex := uint32(len(c.contexts) + 1)
	c.mu.Unlock()
	ctxLog := base.EnsureLogObject(c.logger, base.SubscriptionLogType, "",
		c.UUID, base.LogKey(base.SubscriptionLogType, c.cid, ctxIndex))
	sc, err := subs.NewContext(c.shm, c.cfg.RunDir, c.cfg.LockTimeout(), ctxLog)
	if err != nil {
		return nil, err
	}
	sc.DropOperCache = c.dropOperPoll
	sc.SessionEmptied = func(sess subs.Session) {
		if s, ok := sess.(*Session); ok {
			s.detachContext(sc)
		}
	}
	c.mu.Lock()
	c.contexts = append(c.contexts, sc)
	c.mu.Unlock()
	return sc, nil
}

// CachedOper returns the operational cache entry of a poll subscription
func (c *Connection) CachedOper(subID uint32) ([]byte, bool) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	data, ok := c.operCache[subID]
	return data, ok
}

// storeOper fills the cache of a poll subscription
func (c *Connection) storeOper(subID uint32, data []byte) {
	c.cacheMu.Lock()
	c.operCache[subID] = data
	c.cacheMu.Unlock()
}

// startPollTimer arms the cache invalidation ticker of one poll
// subscription
func (c *Connection) startPollTimer(subID uint32, validMs uint32) {
	valid := c.cfg.OperTimeout()
	if validMs > 0 {
		valid = timeMs(validMs)
	}
	ticker := flextimer.NewRangeTicker(valid, valid)
	stop := make(chan struct{})
	c.cacheMu.Lock()
	c.pollTimers[subID] = ticker
	c.pollStop[subID] = stop
	c.cacheMu.Unlock()
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.cacheMu.Lock()
				delete(c.operCache, subID)
				c.cacheMu.Unlock()
			}
		}
	}()
}

// dropOperPoll tears down the cache and timer of a removed poll
// subscription. Wired into every context as DropOperCache.
func (c *Connection) dropOperPoll(subID uint32) {
	c.cacheMu.Lock()
	delete(c.operCache, subID)
	if t, ok := c.pollTimers[subID]; ok {
		t.StopTicker()
		close(c.pollStop[subID])
		delete(c.pollTimers, subID)
		delete(c.pollStop, subID)
	}
	c.cacheMu.Unlock()
}

func (c *Connection) dropSession(sid uint32) {
	c.mu.Lock()
	delete(c.sessions, sid)
	c.mu.Unlock()
}

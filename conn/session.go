// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"context"
	"sync"
	"time"

	"github.com/lf-edge/yangds/dispatch"
	"github.com/lf-edge/yangds/subs"
	"github.com/lf-edge/yangds/types"
)

func timeMs(ms uint32) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Session is a scoped handle on a connection: a datastore selector, an
// accumulated edit, and a back-list of the subscription contexts it
// originated subscriptions in
type Session struct {
	conn *Connection
	sid  uint32

	mu       sync.Mutex
	ds       types.Datastore
	edit     []byte
	contexts []*subs.Context
	errors   types.ErrorList

	pub *dispatch.Publisher
}

func newSession(c *Connection, sid uint32, ds types.Datastore) *Session {
	return &Session{
		conn: c,
		sid:  sid,
		ds:   ds,
		pub:  dispatch.NewPublisher(c.shm, c.cfg.RunDir, sid, c.cfg.ApplyTimeout(), c.log),
	}
}

// SID returns the session identifier
func (s *Session) SID() uint32 {
	return s.sid
}

// CID returns the owning connection's identifier
func (s *Session) CID() uint32 {
	return s.conn.cid
}

// Datastore returns the current datastore selector
func (s *Session) Datastore() types.Datastore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ds
}

// SwitchDatastore changes the selector for subsequent operations
func (s *Session) SwitchDatastore(ds types.Datastore) error {
	if !ds.Valid() {
		return types.Errorf(types.ErrInvalArg, "invalid datastore %d", ds)
	}
	s.mu.Lock()
	s.ds = ds
	s.mu.Unlock()
	return nil
}

// PushEdit appends to the accumulated edit. The bytes are an opaque diff
// produced by the schema engine.
func (s *Session) PushEdit(diff []byte) {
	s.mu.Lock()
	s.edit = append(s.edit, diff...)
	s.mu.Unlock()
}

// DiscardChanges drops the accumulated edit
func (s *Session) DiscardChanges() {
	s.mu.Lock()
	s.edit = nil
	s.mu.Unlock()
}

// Errors returns the errors accumulated by the session's last operations
func (s *Session) Errors() *types.ErrorList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &s.errors
}

// ApplyChanges commits the accumulated edit on module in the session's
// datastore, driving the full change protocol. On success the edit is
// consumed.
func (s *Session) ApplyChanges(ctx context.Context, module string) error {
	s.mu.Lock()
	diff := s.edit
	ds := s.ds
	s.mu.Unlock()

	errList := s.pub.ApplyChanges(ctx, module, ds, diff)
	if err := errList.Err(); err != nil {
		s.mu.Lock()
		s.errors.Merge(errList)
		s.mu.Unlock()
		return err
	}
	s.DiscardChanges()
	return nil
}

// GetData fetches operational data for path from its provider, going
// through the connection's operational cache when a poll subscription
// covers the path
func (s *Session) GetData(ctx context.Context, module, path string) ([]byte, error) {
	var pollSubID uint32
	var havePoll bool
	s.mu.Lock()
	contexts := s.contexts
	s.mu.Unlock()
	for _, sc := range contexts {
		if subID, ok := sc.FindOperPoll(module, path); ok {
			pollSubID, havePoll = subID, true
			break
		}
	}
	if havePoll {
		if data, ok := s.conn.CachedOper(pollSubID); ok {
			return data, nil
		}
	}
	data, err := s.pub.OperGet(ctx, module, path, path)
	if err != nil {
		return nil, err
	}
	if havePoll {
		s.conn.storeOper(pollSubID, data)
	}
	return data, nil
}

// SendRPC invokes the RPC/action at path
func (s *Session) SendRPC(ctx context.Context, path string, input []byte) ([]byte, error) {
	out, err := s.pub.SendRPC(ctx, path, input)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SendNotif broadcasts a notification on module
func (s *Session) SendNotif(ctx context.Context, module string, payload []byte) error {
	if err := s.pub.SendNotif(ctx, module, payload, time.Now()); err != nil {
		return err
	}
	return nil
}

// SubscribeChange registers a change subscription in sc for (module, the
// session's datastore). A nil sc allocates a fresh context, returned for
// further subscriptions and event processing.
func (s *Session) SubscribeChange(sc *subs.Context, module, xpath string,
	cb subs.ChangeCallback, data interface{}, priority uint32,
	flags types.SubFlags) (*subs.Context, uint32, error) {
	sc, err := s.ensureContext(sc)
	if err != nil {
		return nil, 0, err
	}
	subID := sc.NextSubID()
	if err := sc.AddChange(subID, s, s.Datastore(), module, xpath, cb, data,
		priority, flags); err != nil {
		return sc, 0, err
	}
	s.attachContext(sc)

	if flags.Has(types.SubFlagEnabled) {
		// Synchronous enabled event with the current data; a failure
		// aborts the subscribe
		var current []byte
		if s.conn.EnabledData != nil {
			current = s.conn.EnabledData(module, xpath)
		}
		if _, code := cb(s, subID, module, xpath, types.EvEnabled, 0, current); code != types.ErrOK {
			if uerr := sc.Unsubscribe(subID); uerr != nil {
				s.conn.log.Warnf("SubscribeChange: enabled rollback: %v", uerr)
			}
			return sc, 0, types.Errorf(types.ErrCallbackFailed,
				"enabled event rejected: %s", code)
		}
	}
	return sc, subID, nil
}

// SubscribeOperGet registers an operational data provider for path
func (s *Session) SubscribeOperGet(sc *subs.Context, module, path string,
	cb subs.OperGetCallback, data interface{}, priority uint32) (*subs.Context, uint32, error) {
	sc, err := s.ensureContext(sc)
	if err != nil {
		return nil, 0, err
	}
	subID := sc.NextSubID()
	if err := sc.AddOperGet(subID, s, module, path, cb, data, priority); err != nil {
		return sc, 0, err
	}
	s.attachContext(sc)
	return sc, subID, nil
}

// SubscribeOperPoll registers a poll subscription feeding the connection's
// operational cache
func (s *Session) SubscribeOperPoll(sc *subs.Context, module, path string,
	validMs uint32, flags types.SubFlags) (*subs.Context, uint32, error) {
	sc, err := s.ensureContext(sc)
	if err != nil {
		return nil, 0, err
	}
	subID := sc.NextSubID()
	if err := sc.AddOperPoll(subID, s, module, path, validMs, flags); err != nil {
		return sc, 0, err
	}
	s.conn.startPollTimer(subID, validMs)
	s.attachContext(sc)
	return sc, subID, nil
}

// SubscribeNotif registers a notification subscription. Exactly one of cb
// and treeCb must be given; a nonzero stop arms auto-termination.
func (s *Session) SubscribeNotif(sc *subs.Context, module, xpath string,
	replayStart, stop time.Time, cb, treeCb subs.NotifCallback,
	data interface{}) (*subs.Context, uint32, error) {
	sc, err := s.ensureContext(sc)
	if err != nil {
		return nil, 0, err
	}
	subID := sc.NextSubID()
	now := time.Now()
	if err := sc.AddNotif(subID, s, module, xpath, now, now, replayStart, stop,
		cb, treeCb, data); err != nil {
		return sc, 0, err
	}
	s.attachContext(sc)
	return sc, subID, nil
}

// SubscribeRPC registers an RPC/action handler at path
func (s *Session) SubscribeRPC(sc *subs.Context, path string, isExt bool,
	xpath string, cb subs.RPCCallback, data interface{},
	priority uint32) (*subs.Context, uint32, error) {
	sc, err := s.ensureContext(sc)
	if err != nil {
		return nil, 0, err
	}
	subID := sc.NextSubID()
	if err := sc.AddRPC(subID, s, path, isExt, xpath, cb, data, priority); err != nil {
		return sc, 0, err
	}
	s.attachContext(sc)
	return sc, subID, nil
}

// Stop removes every subscription the session originated and closes it
func (s *Session) Stop() {
	s.mu.Lock()
	contexts := s.contexts
	s.contexts = nil
	s.mu.Unlock()
	for _, sc := range contexts {
		if err := sc.DelSession(s); err != nil {
			s.conn.log.Warnf("Session.Stop: %v", err)
		}
	}
	s.conn.dropSession(s.sid)
	s.conn.log.Functionf("Session %d stopped", s.sid)
}

func (s *Session) ensureContext(sc *subs.Context) (*subs.Context, error) {
	if sc != nil {
		return sc, nil
	}
	return s.conn.NewContext()
}

func (s *Session) attachContext(sc *subs.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.contexts {
		if have == sc {
			return
		}
	}
	s.contexts = append(s.contexts, sc)
}

// detachContext drops sc from the back-list once the session's last
// subscription in it is gone
func (s *Session) detachContext(sc *subs.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, have := range s.contexts {
		if have == sc {
			s.contexts[i] = s.contexts[len(s.contexts)-1]
			s.contexts = s.contexts[:len(s.contexts)-1]
			return
		}
	}
}

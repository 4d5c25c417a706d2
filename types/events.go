// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package types

import "fmt"

// EventType is the state-machine cell stored in an event channel header.
// Values are wire-stable.
type EventType uint32

const (
	// EvNone - channel idle
	EvNone EventType = iota
	// EvUpdate - subscriber may modify the pending diff
	EvUpdate
	// EvChange - verify phase of a commit
	EvChange
	// EvDone - commit succeeded
	EvDone
	// EvAbort - commit failed, roll back
	EvAbort
	// EvEnabled - synchronous initial-data event during subscribe
	EvEnabled
	// EvOper - operational get request
	EvOper
	// EvRPC - RPC/action invocation
	EvRPC
	// EvRPCAbort - roll back an RPC already seen by a higher priority
	EvRPCAbort
	// EvNotif - notification broadcast
	EvNotif
	// evTypeCount :
	evTypeCount
)

var eventTypeNames = [evTypeCount]string{
	"none",
	"update",
	"change",
	"done",
	"abort",
	"enabled",
	"oper",
	"rpc",
	"rpc-abort",
	"notif",
}

func (ev EventType) String() string {
	if ev < evTypeCount {
		return eventTypeNames[ev]
	}
	return fmt.Sprintf("event(%d)", uint32(ev))
}

// Valid reports whether ev is inside the enum range. An out-of-range value
// read from a channel header means the channel is corrupted.
func (ev EventType) Valid() bool {
	return ev < evTypeCount
}

// NotifType distinguishes deliveries to a notification callback
type NotifType uint32

const (
	// NotifRealtime - a notification generated now
	NotifRealtime NotifType = iota
	// NotifReplay - a stored notification being replayed
	NotifReplay
	// NotifReplayComplete - replay finished, realtime follows
	NotifReplayComplete
	// NotifTerminated - the subscription was terminated; always the last
	// delivery a notification subscriber sees
	NotifTerminated
	// NotifSuspended - the subscription was suspended
	NotifSuspended
	// NotifResumed - the subscription was resumed
	NotifResumed
	notifTypeCount
)

var notifTypeNames = [notifTypeCount]string{
	"realtime",
	"replay",
	"replay-complete",
	"terminated",
	"suspended",
	"resumed",
}

func (nt NotifType) String() string {
	if nt < notifTypeCount {
		return notifTypeNames[nt]
	}
	return fmt.Sprintf("notif(%d)", uint32(nt))
}

// SubFlags modify subscription behavior. Stored in the SHM record so
// publishers see them.
type SubFlags uint32

const (
	// SubFlagDefault - no modifiers
	SubFlagDefault SubFlags = 0
	// SubFlagDoneOnly - change subscriber only wants DONE/ABORT, never
	// UPDATE or CHANGE
	SubFlagDoneOnly SubFlags = 1 << iota
	// SubFlagEnabled - deliver current data synchronously during subscribe
	SubFlagEnabled
	// SubFlagUpdate - subscriber participates in the UPDATE phase and may
	// modify the pending diff
	SubFlagUpdate
	// SubFlagPassive - subscriber does not count towards mandatory
	// verification; its CHANGE errors are ignored
	SubFlagPassive
	// SubFlagOperMerge - defined bit; nothing in this library reads it, and
	// an oper-get request is answered by the highest-priority provider alone
	SubFlagOperMerge
)

// Has reports whether all bits of want are set
func (f SubFlags) Has(want SubFlags) bool {
	return f&want == want
}

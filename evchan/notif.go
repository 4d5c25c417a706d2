// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package evchan

import (
	"encoding/binary"
	"time"
)

// Notification payloads carry their wall-clock timestamp in the first
// eight bytes so subscribers see the time the publisher generated the
// notification, not the time they processed it.

// EncodeNotif prepends ts to a notification payload
func EncodeNotif(ts time.Time, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint64(buf, uint64(ts.UnixNano()))
	copy(buf[8:], payload)
	return buf
}

// DecodeNotif splits a notification payload back into timestamp and body.
// A short buffer yields a zero time and the buffer unchanged.
func DecodeNotif(buf []byte) (time.Time, []byte) {
	if len(buf) < 8 {
		return time.Time{}, buf
	}
	ns := int64(binary.LittleEndian.Uint64(buf))
	return time.Unix(0, ns), buf[8:]
}

// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package shmem

import (
	"github.com/shirou/gopsutil/process"
)

// pidAlive is the host-OS process probe behind every CID liveness check
func pidAlive(pid int32) bool {
	alive, err := process.PidExists(pid)
	if err != nil {
		// Probe failure: presume alive. A false positive only delays
		// recovery until the next enumeration.
		return true
	}
	return alive
}

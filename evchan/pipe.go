// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package evchan

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/lf-edge/yangds/types"
)

// EventPipe is the one-shot wake descriptor of a subscription context: a
// named FIFO under the run directory. The publisher writes a byte to wake
// the subscriber; the subscriber drains and walks its channels. The name
// (the pipe number) travels in the SHM subscription records so any
// publisher process can open it.
type EventPipe struct {
	Num  uint32
	path string
	r    *os.File
}

// PipePath names the FIFO of pipe num under dir
func PipePath(dir string, num uint32) string {
	return filepath.Join(dir, fmt.Sprintf("evpipe.%d", num))
}

// CreatePipe makes the FIFO and opens the subscriber end. Opening RDWR
// keeps the FIFO writable for publishers even between subscriber reads.
func CreatePipe(dir string, num uint32) (*EventPipe, *types.Error) {
	path := PipePath(dir, num)
	if err := unix.Mkfifo(path, 0600); err != nil && err != unix.EEXIST {
		return nil, types.SysErrorf(err, "mkfifo %s", path)
	}
	r, err := os.OpenFile(path, os.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		os.Remove(path)
		return nil, types.SysErrorf(err, "open %s", path)
	}
	return &EventPipe{Num: num, path: path, r: r}, nil
}

// Fd exposes the descriptor for integration with external event loops
func (p *EventPipe) Fd() int {
	return int(p.r.Fd())
}

// Drain consumes pending wake bytes without blocking
func (p *EventPipe) Drain() {
	// Fd puts the descriptor in blocking mode; read it raw in non-blocking
	// mode so an empty FIFO returns at once
	fd := int(p.r.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if err != nil || n < len(buf) {
			return
		}
	}
}

// Wait blocks until a wake byte arrives or timeoutMs elapses. Returns true
// when woken.
func (p *EventPipe) Wait(timeoutMs int) bool {
	fds := []unix.PollFd{{Fd: int32(p.r.Fd()), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, timeoutMs)
	return err == nil && n > 0
}

// Close destroys the FIFO
func (p *EventPipe) Close() {
	p.r.Close()
	os.Remove(p.path)
}

// NotifyPipe wakes the subscriber owning pipe num. A missing FIFO means
// the subscriber is gone; a full FIFO means a wake is already pending.
// Both are fine.
func NotifyPipe(dir string, num uint32) {
	path := PipePath(dir, num)
	w, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return
	}
	defer w.Close()
	w.Write([]byte{1})
}

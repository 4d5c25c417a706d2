// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/lf-edge/yangds/base"
	"github.com/lf-edge/yangds/types"
)

// monitor watches the run directory. Channels and pipes vanish when a
// peer cleans up or an operator removes them by hand; the watcher surfaces
// that instead of letting the next publish fail silently.
type monitor struct {
	watcher *fsnotify.Watcher
	log     *base.LogObject
	done    chan struct{}
}

func startMonitor(dir string, log *base.LogObject) (*monitor, *types.Error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, types.SysErrorf(err, "fsnotify")
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, types.SysErrorf(err, "watch %s", dir)
	}
	m := &monitor{watcher: watcher, log: log, done: make(chan struct{})}
	go m.run()
	return m, nil
}

func (m *monitor) run() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Remove == 0 {
				continue
			}
			name := filepath.Base(ev.Name)
			switch {
			case name == "main.sr" || name == "ext.sr":
				m.log.Errorf("monitor: region file %s removed; attach is broken", name)
			case strings.HasSuffix(name, ".sub"):
				m.log.Noticef("monitor: channel %s unlinked", name)
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.log.Warnf("monitor: %v", err)
		}
	}
}

func (m *monitor) stop() {
	close(m.done)
	m.watcher.Close()
}

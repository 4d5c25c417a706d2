// Copyright (c) 2025 Zededa, Inc.
// SPDX-License-Identifier: Apache-2.0

package conn

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/lf-edge/yangds/types"
)

// Config carries the connection-level settings. Loaded from YAML when a
// config file is given; every zero field falls back to its default.
type Config struct {
	// RunDir holds the shared memory region, the channels and the pipes
	RunDir string `yaml:"run_dir"`
	// ApplyTimeoutMs bounds every commit wave wait
	ApplyTimeoutMs uint32 `yaml:"apply_timeout_ms"`
	// OperTimeoutMs bounds operational get round trips
	OperTimeoutMs uint32 `yaml:"oper_timeout_ms"`
	// LockTimeoutMs bounds every SHM lock acquisition
	LockTimeoutMs uint32 `yaml:"lock_timeout_ms"`
	// NoWatcher disables the run directory watcher
	NoWatcher bool `yaml:"no_watcher"`
}

// DefaultConfig returns the settings used when nothing is configured
func DefaultConfig() Config {
	return Config{
		RunDir:         "/var/run/yangds",
		ApplyTimeoutMs: 10000,
		OperTimeoutMs:  5000,
		LockTimeoutMs:  5000,
	}
}

// LoadConfig reads a YAML config file over the defaults
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, types.SysErrorf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, types.Errorf(types.ErrInvalArg, "parse config %s: %v", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.RunDir == "" {
		c.RunDir = def.RunDir
	}
	if c.ApplyTimeoutMs == 0 {
		c.ApplyTimeoutMs = def.ApplyTimeoutMs
	}
	if c.OperTimeoutMs == 0 {
		c.OperTimeoutMs = def.OperTimeoutMs
	}
	if c.LockTimeoutMs == 0 {
		c.LockTimeoutMs = def.LockTimeoutMs
	}
	return c
}

// ApplyTimeout :
func (c Config) ApplyTimeout() time.Duration {
	return time.Duration(c.ApplyTimeoutMs) * time.Millisecond
}

// OperTimeout :
func (c Config) OperTimeout() time.Duration {
	return time.Duration(c.OperTimeoutMs) * time.Millisecond
}

// LockTimeout :
func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMs) * time.Millisecond
}

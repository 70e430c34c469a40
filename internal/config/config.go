// Copyright 2025 Baton Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads and validates the daemon configuration.
package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hfield/baton/pkg/errors"
)

// Config is the daemon configuration.
type Config struct {
	DataDir     string        `yaml:"data_dir,omitempty"`
	MetricsAddr string        `yaml:"metrics_addr,omitempty"`
	Storage     StorageConfig `yaml:"storage,omitempty"`
	Engine      EngineConfig  `yaml:"engine,omitempty"`
	Pool        PoolConfig    `yaml:"pool,omitempty"`
	Watch       WatchConfig   `yaml:"watch,omitempty"`
	Schedules   []Schedule    `yaml:"schedules,omitempty"`
}

// StorageConfig selects and configures the execution-record backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend,omitempty"`
	// Path is the sqlite database file. Defaults to <data_dir>/baton.db.
	Path string `yaml:"path,omitempty"`
	WAL  bool   `yaml:"wal,omitempty"`
}

// EngineConfig tunes the scheduler.
type EngineConfig struct {
	RetentionAge  time.Duration `yaml:"retention_age,omitempty"`
	RetentionCap  int           `yaml:"retention_cap,omitempty"`
	DrainTimeout  time.Duration `yaml:"drain_timeout,omitempty"`
	MaxConcurrent int           `yaml:"max_concurrent,omitempty"`
}

// PoolConfig tunes the worker process pool.
type PoolConfig struct {
	MaxProcs       int           `yaml:"max_procs,omitempty"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout,omitempty"`
}

// WatchConfig configures the file-watcher trigger source.
type WatchConfig struct {
	Dirs           []string      `yaml:"dirs,omitempty"`
	DebounceWindow time.Duration `yaml:"debounce_window,omitempty"`
	EventsPerSec   float64       `yaml:"events_per_sec,omitempty"`
}

// Schedule declares one cron-triggered workflow.
type Schedule struct {
	Name     string         `yaml:"name"`
	Spec     string         `yaml:"spec"`
	Workflow string         `yaml:"workflow"`
	Params   map[string]any `yaml:"params,omitempty"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		DataDir:     defaultDataDir(),
		MetricsAddr: "127.0.0.1:9090",
		Storage:     StorageConfig{Backend: "sqlite", WAL: true},
	}
}

// Load reads a YAML config file, applies defaults, and validates. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = defaultDataDir()
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "sqlite"
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "baton.db")
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "sqlite":
	default:
		return &errors.ValidationError{
			Field:      "storage.backend",
			Message:    "unknown backend " + c.Storage.Backend,
			Suggestion: "use memory or sqlite",
		}
	}

	for _, s := range c.Schedules {
		if s.Name == "" || s.Spec == "" || s.Workflow == "" {
			return &errors.ValidationError{
				Field:      "schedules",
				Message:    "schedule entries need name, spec, and workflow",
				Suggestion: "fill in the missing field or remove the entry",
			}
		}
	}
	return nil
}

func defaultDataDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".baton")
	}
	return ".baton"
}

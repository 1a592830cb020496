// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the device configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// RemoteConfig points the device at the hosted log store.
type RemoteConfig struct {
	// BaseURL is the API root of the remote store.
	BaseURL string `yaml:"baseUrl" validate:"required,url"`

	// APIToken authenticates the device. Optional for on-prem stores.
	APIToken string `yaml:"apiToken"`

	// Timeout bounds each remote request.
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig tunes the reconciliation engine.
type SyncConfig struct {
	// DrainInterval is the periodic drain trigger.
	DrainInterval time.Duration `yaml:"drainInterval"`

	// BatchSize bounds items per drain cycle.
	BatchSize int `yaml:"batchSize" validate:"gte=0"`

	// BatchWindow bounds wall time per drain cycle.
	BatchWindow time.Duration `yaml:"batchWindow"`

	// Parallelism is the number of target keys drained concurrently.
	Parallelism int `yaml:"parallelism" validate:"gte=0"`

	// WritesPerSecond paces remote writes.
	WritesPerSecond float64 `yaml:"writesPerSecond" validate:"gte=0"`

	// DelayedAttemptThreshold is the attempt count at which the sync
	// indicator reports Delayed.
	DelayedAttemptThreshold int `yaml:"delayedAttemptThreshold" validate:"gte=0"`
}

// BackoffConfig tunes retry scheduling.
type BackoffConfig struct {
	Base            time.Duration `yaml:"base"`
	Cap             time.Duration `yaml:"cap"`
	Factor          float64       `yaml:"factor" validate:"gte=0"`
	Jitter          float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	QuotaMultiplier float64       `yaml:"quotaMultiplier" validate:"gte=0"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir enables file logging when set.
	Dir string `yaml:"dir"`

	// JSON switches stderr output to JSON.
	JSON bool `yaml:"json"`
}

// Config is the full device configuration.
type Config struct {
	// DataDir holds the local BadgerDB store.
	DataDir string `yaml:"dataDir" validate:"required"`

	// DeviceID identifies this device in logical timestamps. Must be
	// stable across restarts and unique across the fleet.
	DeviceID string `yaml:"deviceId" validate:"required"`

	// ListenAddr is the local API address for the UI shell.
	ListenAddr string `yaml:"listenAddr"`

	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Backoff BackoffConfig `yaml:"backoff"`
	Log     LogConfig     `yaml:"log"`
}

// Default returns the configuration used when a field is absent from
// the file.
func Default() Config {
	return Config{
		DataDir:    "~/.thermalog/data",
		ListenAddr: "127.0.0.1:8787",
		Remote: RemoteConfig{
			Timeout: 15 * time.Second,
		},
		Sync: SyncConfig{
			DrainInterval:           30 * time.Second,
			BatchSize:               50,
			BatchWindow:             10 * time.Second,
			Parallelism:             4,
			WritesPerSecond:         10,
			DelayedAttemptThreshold: 5,
		},
		Backoff: BackoffConfig{
			Base:            1 * time.Second,
			Cap:             60 * time.Second,
			Factor:          2.0,
			Jitter:          0.2,
			QuotaMultiplier: 4,
		},
		Log: LogConfig{Level: "info"},
	}
}

var validate = validator.New()

// Load reads a YAML config file over the defaults and validates the
// result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.Log.Dir = expandPath(cfg.Log.Dir)
	return cfg, nil
}

// expandPath expands a leading ~ to the user's home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Backoff.Base > c.Backoff.Cap {
		return fmt.Errorf("invalid config: backoff base %v exceeds cap %v", c.Backoff.Base, c.Backoff.Cap)
	}
	return nil
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package config loads the settings of the framelink command-line tool.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the settings shared by the host and render commands.
type Config struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`

	// Frames is the number of frames to exchange before exiting. Zero means
	// no limit.
	Frames int `yaml:"frames"`

	// FrameInterval is the minimum delay between rendered frames.
	FrameInterval time.Duration `yaml:"frame_interval"`

	// SyncAcquire selects synchronous frame acquisition on the host.
	SyncAcquire bool `yaml:"sync_acquire"`

	// AcquireTimeout bounds a single acquire on the stream.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`

	// PollInterval is how often a shared-memory stream checks for a frame.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Snapshot, if set, is the path of a PNG file the host writes with the
	// last frame it received, scaled by SnapshotScale.
	Snapshot      string  `yaml:"snapshot"`
	SnapshotScale float64 `yaml:"snapshot_scale"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Width:          800,
		Height:         600,
		Frames:         60,
		FrameInterval:  16 * time.Millisecond,
		AcquireTimeout: 500 * time.Millisecond,
		PollInterval:   time.Millisecond,
		SnapshotScale:  1,
	}
}

// Load reads the configuration from the YAML file at path, on top of the
// defaults. If path is empty or the file does not exist, Load returns the
// defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	} else if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Check reports an error if c has invalid settings.
func (c *Config) Check() error {
	switch {
	case c.Width <= 0 || c.Height <= 0:
		return fmt.Errorf("invalid frame size %dx%d", c.Width, c.Height)
	case c.Frames < 0:
		return fmt.Errorf("invalid frame count %d", c.Frames)
	case c.FrameInterval < 0 || c.PollInterval < 0:
		return errors.New("intervals must not be negative")
	case c.SnapshotScale <= 0 || c.SnapshotScale > 1:
		return fmt.Errorf("snapshot scale %g out of range (0, 1]", c.SnapshotScale)
	}
	return nil
}

// Encode renders c as YAML.
func (c *Config) Encode() ([]byte, error) { return yaml.Marshal(c) }

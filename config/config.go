// Package config loads the TOML-driven per-topic allocator defaults a
// demo façade uses to stand up publishers and subscribers.
package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config is the top-level document: one TopicConfig per topic name.
type Config struct {
	Topics map[string]TopicConfig `toml:"topics"`
}

// TopicConfig describes the allocator a demo endpoint should create
// for a topic, and the history depth it registers with.
type TopicConfig struct {
	Enabled bool   `toml:"enabled"`
	Domain  string `toml:"domain"` // "host" or "cuda"
	// HistoryDepth is how many messages this endpoint's registration
	// requests the topic retain.
	HistoryDepth int `toml:"history_depth"`
	// ItemSize is the fixed payload size its allocator's ring slots hold.
	ItemSize int64 `toml:"item_size"`
	// Capacity is the number of ring slots its allocator reserves.
	Capacity int `toml:"capacity"`
	// DevGranularity is the device allocation alignment; ignored for
	// domain = "host".
	DevGranularity int `toml:"dev_granularity"`
}

// Load reads and parses a TOML config file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &c, nil
}

// Package config loads blipctl's runtime settings from a YAML file,
// grounded on nexctl/pkg/config.Load (default-then-overlay parsing, with
// the same world-readable permission warning for files that might carry
// secrets — here, none do, but the shape is kept for consistency with the
// rest of the pack).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables spec §6 calls out as implementation-defined:
// heartbeat cadence, ack threshold, frame/message size ceilings, and the
// address blipctl listens on or dials.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	AckThreshold      uint64        `yaml:"ack_threshold"`
	MaxFrameSize      int           `yaml:"max_frame_size"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
}

// DefaultPath returns ~/.blipctl/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".blipctl", "config.yaml")
	}
	return filepath.Join(home, ".blipctl", "config.yaml")
}

// Load reads path, overlaying it onto the protocol's spec-mandated
// defaults. A missing file is not an error — blipctl runs fine unconfigured.
func Load(path string) (*Config, error) {
	cfg := &Config{
		ListenAddr:        ":4984",
		HeartbeatInterval: 300 * time.Second,
		AckThreshold:      50000,
		MaxFrameSize:      16 * 1024,
		MaxMessageSize:    128 << 20,
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o — expected 0600.\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

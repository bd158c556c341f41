// Package config resolves runtime settings from defaults, an optional
// govern.yaml profile in the governance root, and environment variables,
// in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// Environment variable names.
const (
	EnvRoot              = "GOVERN_ROOT"
	EnvStrict            = "GOVERN_STRICT"
	EnvHeartbeatInterval = "GOVERN_HEARTBEAT_INTERVAL"
	EnvStallThreshold    = "GOVERN_STALL_THRESHOLD"
	EnvPreflightTimeout  = "GOVERN_PREFLIGHT_TIMEOUT"
	EnvLogBackend        = "GOVERN_LOG_BACKEND"
)

// ProfileFileName is the optional YAML profile in the governance root.
const ProfileFileName = "govern.yaml"

// Log backends.
const (
	LogBackendFile   = "file"
	LogBackendSQLite = "sqlite"
)

// Defaults.
const (
	DefaultHeartbeatInterval = 600 * time.Second
	DefaultStallThreshold    = 1800 * time.Second
	DefaultPreflightTimeout  = 3600 * time.Second
	DefaultMaxReviewCycles   = 3
)

// Config is the resolved runtime configuration.
type Config struct {
	Root              string
	Strict            bool
	HeartbeatInterval time.Duration
	StallThreshold    time.Duration
	PreflightTimeout  time.Duration
	MaxReviewCycles   int
	LogBackend        string
	LogHashChain      bool
}

// profile is the YAML shape of govern.yaml. Durations are in seconds.
type profile struct {
	Strict            *bool   `yaml:"strict"`
	HeartbeatInterval *int    `yaml:"heartbeat_interval_seconds"`
	StallThreshold    *int    `yaml:"stall_threshold_seconds"`
	PreflightTimeout  *int    `yaml:"preflight_timeout_seconds"`
	MaxReviewCycles   *int    `yaml:"max_review_cycles"`
	LogBackend        *string `yaml:"log_backend"`
	LogHashChain      *bool   `yaml:"log_hash_chain"`
}

// Load resolves the configuration for a governance root. An empty root
// argument falls back to GOVERN_ROOT, then the working directory.
func Load(root string) (*Config, error) {
	if root == "" {
		root = os.Getenv(EnvRoot)
	}
	if root == "" {
		root = "."
	}

	cfg := &Config{
		Root:              root,
		HeartbeatInterval: DefaultHeartbeatInterval,
		StallThreshold:    DefaultStallThreshold,
		PreflightTimeout:  DefaultPreflightTimeout,
		MaxReviewCycles:   DefaultMaxReviewCycles,
		LogBackend:        LogBackendFile,
	}

	if err := cfg.applyProfile(filepath.Join(root, ProfileFileName)); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.LogBackend != LogBackendFile && cfg.LogBackend != LogBackendSQLite {
		return nil, errcode.New(errcode.Usage, "", "unknown log backend %q", cfg.LogBackend)
	}
	return cfg, nil
}

func (c *Config) applyProfile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("read profile %s: %w", path, err))
	}
	var p profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return errcode.Wrap(errcode.SchemaInvalid, "", fmt.Errorf("parse profile %s: %w", path, err))
	}
	if p.Strict != nil {
		c.Strict = *p.Strict
	}
	if p.HeartbeatInterval != nil {
		c.HeartbeatInterval = time.Duration(*p.HeartbeatInterval) * time.Second
	}
	if p.StallThreshold != nil {
		c.StallThreshold = time.Duration(*p.StallThreshold) * time.Second
	}
	if p.PreflightTimeout != nil {
		c.PreflightTimeout = time.Duration(*p.PreflightTimeout) * time.Second
	}
	if p.MaxReviewCycles != nil {
		c.MaxReviewCycles = *p.MaxReviewCycles
	}
	if p.LogBackend != nil {
		c.LogBackend = *p.LogBackend
	}
	if p.LogHashChain != nil {
		c.LogHashChain = *p.LogHashChain
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(EnvStrict); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errcode.New(errcode.Usage, "", "%s=%q is not a boolean", EnvStrict, v)
		}
		c.Strict = b
	}
	for _, e := range []struct {
		name string
		dst  *time.Duration
	}{
		{EnvHeartbeatInterval, &c.HeartbeatInterval},
		{EnvStallThreshold, &c.StallThreshold},
		{EnvPreflightTimeout, &c.PreflightTimeout},
	} {
		v := os.Getenv(e.name)
		if v == "" {
			continue
		}
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return errcode.New(errcode.Usage, "", "%s=%q is not a positive second count", e.name, v)
		}
		*e.dst = time.Duration(secs) * time.Second
	}
	if v := os.Getenv(EnvLogBackend); v != "" {
		c.LogBackend = v
	}
	return nil
}

// StallWindow is the staleness bound for one packet: the larger of the
// configured threshold and twice the packet's own heartbeat interval.
func (c *Config) StallWindow(packetIntervalSeconds int) time.Duration {
	w := c.StallThreshold
	if packetIntervalSeconds > 0 {
		pw := 2 * time.Duration(packetIntervalSeconds) * time.Second
		if pw > w {
			w = pw
		}
	}
	return w
}

// Package config loads the gcslink TOML file over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/gcslink/internal/link"
	"github.com/danmuck/gcslink/internal/protocol/engine"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved runtime configuration for `gcslink serve`.
type Config struct {
	Engine     engine.Config
	Registry   link.Config
	HTTP       HTTPConfig
	Supervisor SupervisorConfig
	Links      []LinkConfig
}

type HTTPConfig struct {
	Enabled     bool
	Addr        string
	CORSOrigins []string
}

type SupervisorConfig struct {
	Enabled bool
	link.SupervisorConfig
}

func DefaultConfig() Config {
	return Config{
		Engine:   engine.DefaultConfig(),
		Registry: link.DefaultConfig(),
		HTTP: HTTPConfig{
			Enabled:     true,
			Addr:        ":9550",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		Supervisor: SupervisorConfig{Enabled: true, SupervisorConfig: link.DefaultSupervisorConfig()},
	}
}

// file mirrors the on-disk layout. Only keys present in the file override
// defaults.
type file struct {
	SystemID    uint8 `toml:"system_id"`
	ComponentID uint8 `toml:"component_id"`

	Heartbeat struct {
		Enabled bool    `toml:"enabled"`
		RateHz  float64 `toml:"rate_hz"`
	} `toml:"heartbeat"`

	PacketLog struct {
		Enabled    bool   `toml:"enabled"`
		Path       string `toml:"path"`
		MaxSizeMB  int    `toml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days"`
		Compress   bool   `toml:"compress"`
	} `toml:"packetlog"`

	Tracker struct {
		MaxGap        int    `toml:"max_gap"`
		RatioInterval uint64 `toml:"ratio_interval"`
	} `toml:"tracker"`

	Registry struct {
		PollInterval string `toml:"poll_interval"`
		CloseWait    string `toml:"close_wait"`
		MaxLinks     int    `toml:"max_links"`
	} `toml:"registry"`

	HTTP struct {
		Enabled     bool     `toml:"enabled"`
		Addr        string   `toml:"addr"`
		CORSOrigins []string `toml:"cors_origins"`
	} `toml:"http"`

	Supervisor struct {
		Enabled       bool    `toml:"enabled"`
		CheckInterval string  `toml:"check_interval"`
		InitialDelay  string  `toml:"initial_delay"`
		MaxDelay      string  `toml:"max_delay"`
		Multiplier    float64 `toml:"multiplier"`
		Jitter        bool    `toml:"jitter"`
		MaxAttempts   int     `toml:"max_attempts"`
	} `toml:"supervisor"`

	Links []LinkConfig `toml:"links"`
}

// Load reads path and overlays it on DefaultConfig.
func Load(path string) (Config, error) {
	var raw file
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load gcslink config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, fmt.Errorf("load gcslink config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load gcslink config: %w", err)
	}
	return cfg, nil
}

// Parse is Load for in-memory documents.
func Parse(doc string) (Config, error) {
	var raw file
	meta, err := toml.Decode(doc, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse gcslink config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q", ErrInvalid, undecoded[0].String())
	}
	cfg, err := overlay(DefaultConfig(), raw, meta)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func overlay(cfg Config, raw file, meta toml.MetaData) (Config, error) {
	if meta.IsDefined("system_id") {
		cfg.Engine.SystemID = raw.SystemID
	}
	if meta.IsDefined("component_id") {
		cfg.Engine.ComponentID = raw.ComponentID
	}

	if meta.IsDefined("heartbeat", "enabled") {
		cfg.Engine.HeartbeatsEnabled = raw.Heartbeat.Enabled
	}
	if meta.IsDefined("heartbeat", "rate_hz") {
		cfg.Engine.HeartbeatRate = raw.Heartbeat.RateHz
	}

	if meta.IsDefined("packetlog", "enabled") {
		cfg.Engine.LoggingEnabled = raw.PacketLog.Enabled
	}
	if meta.IsDefined("packetlog", "path") {
		cfg.Engine.Log.Path = strings.TrimSpace(raw.PacketLog.Path)
	}
	if meta.IsDefined("packetlog", "max_size_mb") {
		cfg.Engine.Log.MaxSizeMB = raw.PacketLog.MaxSizeMB
	}
	if meta.IsDefined("packetlog", "max_backups") {
		cfg.Engine.Log.MaxBackups = raw.PacketLog.MaxBackups
	}
	if meta.IsDefined("packetlog", "max_age_days") {
		cfg.Engine.Log.MaxAgeDays = raw.PacketLog.MaxAgeDays
	}
	if meta.IsDefined("packetlog", "compress") {
		cfg.Engine.Log.Compress = raw.PacketLog.Compress
	}

	if meta.IsDefined("tracker", "max_gap") {
		cfg.Engine.Tracker.MaxGap = raw.Tracker.MaxGap
	}
	if meta.IsDefined("tracker", "ratio_interval") {
		cfg.Engine.Tracker.RatioInterval = raw.Tracker.RatioInterval
	}

	var err error
	if meta.IsDefined("registry", "poll_interval") {
		if cfg.Registry.PollInterval, err = duration("registry.poll_interval", raw.Registry.PollInterval); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("registry", "close_wait") {
		if cfg.Registry.CloseWait, err = duration("registry.close_wait", raw.Registry.CloseWait); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("registry", "max_links") {
		cfg.Registry.MaxLinks = raw.Registry.MaxLinks
	}

	if meta.IsDefined("http", "enabled") {
		cfg.HTTP.Enabled = raw.HTTP.Enabled
	}
	if meta.IsDefined("http", "addr") {
		cfg.HTTP.Addr = strings.TrimSpace(raw.HTTP.Addr)
	}
	if meta.IsDefined("http", "cors_origins") {
		cfg.HTTP.CORSOrigins = raw.HTTP.CORSOrigins
	}

	sup := &cfg.Supervisor
	if meta.IsDefined("supervisor", "enabled") {
		sup.Enabled = raw.Supervisor.Enabled
	}
	if meta.IsDefined("supervisor", "check_interval") {
		if sup.CheckInterval, err = duration("supervisor.check_interval", raw.Supervisor.CheckInterval); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("supervisor", "initial_delay") {
		if sup.Backoff.InitialDelay, err = duration("supervisor.initial_delay", raw.Supervisor.InitialDelay); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("supervisor", "max_delay") {
		if sup.Backoff.MaxDelay, err = duration("supervisor.max_delay", raw.Supervisor.MaxDelay); err != nil {
			return cfg, err
		}
	}
	if meta.IsDefined("supervisor", "multiplier") {
		sup.Backoff.Multiplier = raw.Supervisor.Multiplier
	}
	if meta.IsDefined("supervisor", "jitter") {
		sup.Backoff.Jitter = raw.Supervisor.Jitter
	}
	if meta.IsDefined("supervisor", "max_attempts") {
		sup.MaxAttempts = raw.Supervisor.MaxAttempts
	}

	cfg.Links = raw.Links
	return cfg, nil
}

func duration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	return d, nil
}

func (c Config) Validate() error {
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("%w: engine: %w", ErrInvalid, err)
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("%w: http.addr is required when http is enabled", ErrInvalid)
	}
	if c.Supervisor.Enabled && c.Supervisor.CheckInterval <= 0 {
		return fmt.Errorf("%w: supervisor.check_interval must be positive", ErrInvalid)
	}
	if c.Registry.MaxLinks > 0 && len(c.Links) > c.Registry.MaxLinks {
		return fmt.Errorf("%w: %d links exceed registry.max_links=%d", ErrInvalid, len(c.Links), c.Registry.MaxLinks)
	}
	for i, l := range c.Links {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("%w: links[%d]: %w", ErrInvalid, i, err)
		}
	}
	return nil
}

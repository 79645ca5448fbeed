// Package config resolves the control plane's runtime configuration from
// defaults and ZEROCLAW_-prefixed environment variables, clamping the
// supervisor interval and the default message TTL to their hard bounds.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds every tunable the control plane's components read at startup.
// FromEnv clamps SupervisorInterval to [1s, 30s] and DefaultMessageTTL to
// [5m, 24h], and holds DeliveryWorkers to at least 1 and DefaultMaxRetries
// to at least 0; out-of-range values are clamped rather than rejected. The
// other durations are not read from the environment and are not
// range-checked.
type Config struct {
	BaseDir string

	SupervisorInterval time.Duration // default 5s, bounded [1s, 30s]
	LockTimeout        time.Duration // default 2s
	DeliveryDeadline   time.Duration // default 10s
	StopGraceful       time.Duration // default 10s
	StopKillConfirm    time.Duration // default 1s
	LeaseDuration      time.Duration // default 30s
	TTLSweepInterval   time.Duration // default 30s
	DeliveryWorkers    int           // default 4

	DefaultMessageTTL time.Duration // default 1h, clamp [5m, 24h]
	DefaultMaxRetries int           // default 5

	HTTPAddr string // default 127.0.0.1:7780

	LogJSON  bool
	LogLevel string
}

const (
	MinMessageTTL = 5 * time.Minute
	MaxMessageTTL = 24 * time.Hour

	minSupervisorInterval = 1 * time.Second
	maxSupervisorInterval = 30 * time.Second
)

// Default returns the configuration with every documented default applied,
// before flags/env are layered on top.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		BaseDir:            filepath.Join(home, ".zeroclaw", "cp"),
		SupervisorInterval: 5 * time.Second,
		LockTimeout:        2 * time.Second,
		DeliveryDeadline:   10 * time.Second,
		StopGraceful:       10 * time.Second,
		StopKillConfirm:    1 * time.Second,
		LeaseDuration:      30 * time.Second,
		TTLSweepInterval:   30 * time.Second,
		DeliveryWorkers:    4,
		DefaultMessageTTL:  1 * time.Hour,
		DefaultMaxRetries:  5,
		HTTPAddr:           "127.0.0.1:7780",
		LogJSON:            true,
		LogLevel:           "info",
	}
}

// FromEnv layers ZEROCLAW_-prefixed environment variables on top of cfg and
// returns the clamped result. Unrecognized or malformed values are ignored;
// bad config that should abort startup (exit code 2) is surfaced separately
// by the caller validating the final Config with Validate.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("ZEROCLAW_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("ZEROCLAW_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("ZEROCLAW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ZEROCLAW_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LogJSON = b
		}
	}
	if v := os.Getenv("ZEROCLAW_SUPERVISOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SupervisorInterval = d
		}
	}
	if v := os.Getenv("ZEROCLAW_DELIVERY_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeliveryWorkers = n
		}
	}
	return clamp(cfg)
}

func clamp(cfg Config) Config {
	cfg.SupervisorInterval = clampDuration(cfg.SupervisorInterval, minSupervisorInterval, maxSupervisorInterval)
	cfg.DefaultMessageTTL = clampDuration(cfg.DefaultMessageTTL, MinMessageTTL, MaxMessageTTL)
	if cfg.DeliveryWorkers < 1 {
		cfg.DeliveryWorkers = 1
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	}
	return cfg
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// Validate reports a configuration error that should abort startup with
// exit code 2, per the external interface contract.
func (c Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("config: base_dir must not be empty")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("config: http_addr must not be empty")
	}
	return nil
}

// RegistryPath, SecretKeyPath, InstancesDir resolve the filesystem layout
// fixed by the external interfaces section.
func (c Config) RegistryPath() string  { return filepath.Join(c.BaseDir, "registry.db") }
func (c Config) SecretKeyPath() string { return filepath.Join(c.BaseDir, "secret.key") }
func (c Config) InstancesDir() string  { return filepath.Join(c.BaseDir, "instances") }

func (c Config) InstanceDir(id string) string {
	return filepath.Join(c.InstancesDir(), id)
}

func (c Config) InstanceWorkspace(id string) string {
	return filepath.Join(c.InstanceDir(id), "workspace")
}

func (c Config) InstancePIDFile(id string) string {
	return filepath.Join(c.InstanceDir(id), "daemon.pid")
}

func (c Config) InstanceLockFile(id string) string {
	return filepath.Join(c.InstanceDir(id), "daemon.lock")
}

func (c Config) InstanceConfigPath(id string) string {
	return filepath.Join(c.InstanceDir(id), "config.toml")
}

func (c Config) InstanceLogDir(id string) string {
	return filepath.Join(c.InstanceDir(id), "logs")
}

func (c Config) InstanceCurrentLog(id string) string {
	return filepath.Join(c.InstanceLogDir(id), "current.log")
}

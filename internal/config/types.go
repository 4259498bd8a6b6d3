package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the dispatchd service configuration. Field names use json tags
// because YAML input is coerced to JSON before strict decoding (see decode.go).
//
// Durations are strings ("15m", "2h30m") parsed during Validate, so config
// files stay readable and errors carry the field path.
type Config struct {
	Log      LogConfig             `json:"log"`
	Manifest ManifestConfig        `json:"manifest"`
	Dispatch DispatchConfig        `json:"dispatch"`
	Ledger   LedgerConfig          `json:"ledger"`
	Pools    map[string]PoolConfig `json:"pools"`
	Alert    AlertConfig           `json:"alert"`
}

type LogConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type ManifestConfig struct {
	Path string `json:"path"`
}

type DispatchConfig struct {
	Workers        int    `json:"workers"`
	QueueSize      int    `json:"queue_size"`
	DefaultTimeout string `json:"default_timeout"`

	defaultTimeout time.Duration
}

// DefaultTimeoutD returns the parsed default invocation timeout.
func (d DispatchConfig) DefaultTimeoutD() time.Duration { return d.defaultTimeout }

type LedgerConfig struct {
	// Driver: "sqlite" (default when Path is set), "postgres", or "memory".
	Driver         string `json:"driver"`
	Path           string `json:"path"` // sqlite file
	DSN            string `json:"dsn"`  // postgres connection string
	BusyTimeout    string `json:"busy_timeout"`
	MaxRunDuration string `json:"max_run_duration"`

	busyTimeout    time.Duration
	maxRunDuration time.Duration
}

func (l LedgerConfig) BusyTimeoutD() time.Duration { return l.busyTimeout }

// MaxRunDurationD bounds how long an in-flight marker is plausible; the
// startup recovery sweep clears anything older.
func (l LedgerConfig) MaxRunDurationD() time.Duration { return l.maxRunDuration }

type PoolConfig struct {
	BaseURL        string  `json:"base_url"`
	RequestTimeout string  `json:"request_timeout"`
	MaxInFlight    int     `json:"max_in_flight"`
	RatePerSec     float64 `json:"rate_per_sec"`

	requestTimeout time.Duration
}

func (p PoolConfig) RequestTimeoutD() time.Duration { return p.requestTimeout }

type AlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token"`
	ChatID     int64  `json:"chat_id"`
	RatePerMin int    `json:"rate_per_min"`
}

// Validate parses duration fields, applies defaults, and rejects impossible
// combinations. It mutates the receiver (derived fields) and must be called
// before the config is committed.
func (c *Config) Validate() error {
	var err error

	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.QueueSize <= 0 {
		c.Dispatch.QueueSize = 256
	}
	c.Dispatch.defaultTimeout, err = ParseDurationOrDefault("dispatch.default_timeout", c.Dispatch.DefaultTimeout, 10*time.Minute)
	if err != nil {
		return err
	}

	c.Ledger.busyTimeout, err = ParseDurationOrDefault("ledger.busy_timeout", c.Ledger.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	c.Ledger.maxRunDuration, err = ParseDurationOrDefault("ledger.max_run_duration", c.Ledger.MaxRunDuration, 6*time.Hour)
	if err != nil {
		return err
	}
	driver := strings.ToLower(strings.TrimSpace(c.Ledger.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Ledger.Path) == "" && driver != "" {
			return errors.New("ledger.path is required for the sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			return errors.New("ledger.dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}

	if len(c.Pools) == 0 {
		return errors.New("pools: at least one execution pool is required")
	}
	for name, p := range c.Pools {
		if strings.TrimSpace(p.BaseURL) == "" {
			return fmt.Errorf("pools.%s.base_url is required", name)
		}
		p.requestTimeout, err = ParseDurationOrDefault("pools."+name+".request_timeout", p.RequestTimeout, 5*time.Minute)
		if err != nil {
			return err
		}
		if p.MaxInFlight <= 0 {
			p.MaxInFlight = 8
		}
		c.Pools[name] = p
	}

	if strings.TrimSpace(c.Manifest.Path) == "" {
		return errors.New("manifest.path is required")
	}

	if c.Alert.Enabled {
		if strings.TrimSpace(c.Alert.Token) == "" || c.Alert.ChatID == 0 {
			return errors.New("alert: token and chat_id are required when enabled")
		}
		if c.Alert.RatePerMin <= 0 {
			c.Alert.RatePerMin = 6
		}
	}
	return nil
}

// PoolNames returns the configured pool names; the registry validates manifest
// targets against this set.
func (c *Config) PoolNames() map[string]bool {
	out := make(map[string]bool, len(c.Pools))
	for name := range c.Pools {
		out[name] = true
	}
	return out
}

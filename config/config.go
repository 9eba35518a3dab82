// Package config loads the process configuration: defaults, then a YAML
// file, then XPOS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/trickstertwo/xpos/adapter/memory"
	"github.com/trickstertwo/xpos/adapter/redisstream"
	"github.com/trickstertwo/xpos/dispatch"
	"github.com/trickstertwo/xpos/inventory"
	"github.com/trickstertwo/xpos/persist"
)

type Config struct {
	Store       Store                `yaml:"store"`
	Coordinator Coordinator          `yaml:"coordinator"`
	Transport   Transport            `yaml:"transport"`
	Bus         Bus                  `yaml:"bus"`
	Dispatch    Dispatch             `yaml:"dispatch"`
	Database    persist.Config       `yaml:"database"`
	HTTP        HTTP                 `yaml:"http"`
	Log         Log                  `yaml:"log"`
	Bank        Bank                 `yaml:"bank"`
	Products    []inventory.SeedItem `yaml:"products"`
}

type Store struct {
	ID        int   `yaml:"id"`
	Desks     []int `yaml:"desks"`
	ItemLimit int   `yaml:"item_limit"`
}

type Coordinator struct {
	Window int     `yaml:"window"`
	Ratio  float64 `yaml:"ratio"`
}

// Transport names a registered transport; Options go to its ConfigFromMap.
type Transport struct {
	Name    string         `yaml:"name"`
	Options map[string]any `yaml:"options"`
}

type Bus struct {
	AckTimeout      time.Duration `yaml:"ack_timeout"`
	ObserverWorkers int           `yaml:"observer_workers"`
	ObserverBuffer  int           `yaml:"observer_buffer"`
	// HandlerTimeout bounds one handler attempt; 0 disables it.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// RetryAttempts counts every attempt of a retryable failure, the first
	// one included.
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
}

type Dispatch struct {
	// FailurePolicy is "rollback" or "commit".
	FailurePolicy string `yaml:"failure_policy"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Log struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

type Bank struct {
	Accounts []Account `yaml:"accounts"`
}

type Account struct {
	Card    string          `yaml:"card"`
	PIN     int             `yaml:"pin"`
	Balance decimal.Decimal `yaml:"balance"`
}

// Defaults is a single store with two desks on the memory transport and a
// local SQLite file. Database tuning is filled in by Load once the driver is
// final.
func Defaults() Config {
	return Config{
		Store:       Store{ID: 1, Desks: []int{1, 2}, ItemLimit: 8},
		Coordinator: Coordinator{Window: 10, Ratio: 0.5},
		Transport: Transport{
			Name: memory.TransportName,
			Options: map[string]any{
				"buffer_size":      1024,
				"redelivery_delay": "100ms",
				"max_redeliveries": 3,
				"assign_ids":       true,
			},
		},
		Bus: Bus{
			AckTimeout:      5 * time.Second,
			ObserverWorkers: 2,
			ObserverBuffer:  1024,
			HandlerTimeout:  10 * time.Second,
			RetryAttempts:   3,
			RetryBackoff:    50 * time.Millisecond,
		},
		Dispatch: Dispatch{FailurePolicy: dispatch.RollbackOnFailure.String()},
		Database: persist.Config{Driver: persist.DriverSQLite},
		HTTP: HTTP{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: Log{Level: "info", Console: true},
	}
}

// Load reads path (when not empty) over the defaults, applies the
// environment and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.Database = cfg.Database.Defaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from XPOS_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	num("XPOS_STORE_ID", &c.Store.ID)
	if v, ok := lookup("XPOS_DESKS"); ok {
		desks, err := parseDesks(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: XPOS_DESKS: %w", err))
		} else {
			c.Store.Desks = desks
		}
	}
	str("XPOS_TRANSPORT", &c.Transport.Name)
	if v, ok := lookup("XPOS_REDIS_ADDR"); ok {
		if c.Transport.Options == nil {
			c.Transport.Options = map[string]any{}
		}
		c.Transport.Options["addr"] = v
	}
	str("XPOS_FAILURE_POLICY", &c.Dispatch.FailurePolicy)
	str("XPOS_DB_DRIVER", &c.Database.Driver)
	str("XPOS_DB_DSN", &c.Database.DSN)
	str("XPOS_HTTP_ADDR", &c.HTTP.Addr)
	str("XPOS_LOG_LEVEL", &c.Log.Level)
	if v, ok := lookup("XPOS_LOG_CONSOLE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: XPOS_LOG_CONSOLE: %w", err))
		} else {
			c.Log.Console = b
		}
	}
	return errors.Join(errs...)
}

func parseDesks(s string) ([]int, error) {
	var desks []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		desks = append(desks, n)
	}
	return desks, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error
	if c.Store.ID <= 0 {
		errs = append(errs, errors.New("store.id must be positive"))
	}
	if len(c.Store.Desks) == 0 {
		errs = append(errs, errors.New("store.desks must not be empty"))
	}
	seen := make(map[int]bool, len(c.Store.Desks))
	for _, d := range c.Store.Desks {
		if d <= 0 || seen[d] {
			errs = append(errs, fmt.Errorf("store.desks: invalid or duplicate desk %d", d))
		}
		seen[d] = true
	}
	if c.Coordinator.Ratio < 0 || c.Coordinator.Ratio > 1 {
		errs = append(errs, fmt.Errorf("coordinator.ratio %v outside [0,1]", c.Coordinator.Ratio))
	}
	switch c.Transport.Name {
	case memory.TransportName, redisstream.TransportName:
	default:
		errs = append(errs, fmt.Errorf("transport.name %q unknown", c.Transport.Name))
	}
	if c.Bus.HandlerTimeout < 0 || c.Bus.RetryBackoff < 0 {
		errs = append(errs, errors.New("bus: durations must not be negative"))
	}
	if c.Bus.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("bus.retry_attempts %d must be at least 1", c.Bus.RetryAttempts))
	}
	if _, err := dispatch.ParsePolicy(c.Dispatch.FailurePolicy); err != nil {
		errs = append(errs, err)
	}
	if err := c.Database.Defaults().Validate(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	for _, a := range c.Bank.Accounts {
		if a.Card == "" {
			errs = append(errs, errors.New("bank.accounts: card is required"))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

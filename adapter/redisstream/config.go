package redisstream

import (
	"fmt"
	"os"
	"time"
)

// Config for Redis Streams transport.
type Config struct {
	// Connection
	Addr          string
	Username      string
	Password      string
	DB            int
	TLS           bool
	TLSServerName string

	// Consumer
	Consumer    string
	Concurrency int
	BatchSize   int
	Block       time.Duration
	AutoCreate  bool

	// Stream management
	AutoDeleteOnAck bool
	DeadLetter      string
	MaxLenApprox    int64

	// Pending entry recovery. Nacked messages without a dead-letter stream
	// stay pending and come back through this loop.
	ClaimMinIdle  time.Duration
	ClaimBatch    int
	ClaimInterval time.Duration
}

// Defaults returns a Config with production-safe defaults.
func Defaults() Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "xpos"
	}

	return Config{
		Addr:          "127.0.0.1:6379",
		Consumer:      fmt.Sprintf("xpos-%s-%d", hostname, os.Getpid()),
		Concurrency:   8,
		BatchSize:     128,
		Block:         5 * time.Second,
		AutoCreate:    true,
		ClaimMinIdle:  30 * time.Second,
		ClaimBatch:    128,
		ClaimInterval: 15 * time.Second,
	}
}

// Validate checks Config for production readiness.
func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr required")
	}
	if c.Consumer == "" {
		return fmt.Errorf("config: consumer required")
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("config: concurrency must be >= 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.Block <= 0 {
		return fmt.Errorf("config: block must be > 0, got %v", c.Block)
	}
	if c.ClaimMinIdle > 0 && c.ClaimInterval <= 0 {
		return fmt.Errorf("config: claim_interval must be > 0 if claim_min_idle is set")
	}
	return nil
}

// ToMap converts Config to the generic map for the transport factory.
func (c Config) ToMap() map[string]any {
	return map[string]any{
		"addr":               c.Addr,
		"username":           c.Username,
		"password":           c.Password,
		"db":                 c.DB,
		"tls":                c.TLS,
		"tls_server_name":    c.TLSServerName,
		"consumer":           c.Consumer,
		"concurrency":        c.Concurrency,
		"batch_size":         c.BatchSize,
		"block":              c.Block,
		"auto_create":        c.AutoCreate,
		"auto_delete_on_ack": c.AutoDeleteOnAck,
		"dead_letter":        c.DeadLetter,
		"max_len_approx":     c.MaxLenApprox,
		"claim_min_idle":     c.ClaimMinIdle,
		"claim_batch":        c.ClaimBatch,
		"claim_interval":     c.ClaimInterval,
	}
}

// ConfigFromMap converts a generic map to Config on top of Defaults. Numbers
// may arrive as any integer or float type and durations as strings, which is
// what YAML and env decoding produce.
func ConfigFromMap(m map[string]any) Config {
	c := Defaults()

	getString := func(k string, d string) string {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
		return d
	}
	getInt64 := func(k string, d int64) int64 {
		switch v := m[k].(type) {
		case int:
			return int64(v)
		case int32:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return d
	}
	getInt := func(k string, d int) int { return int(getInt64(k, int64(d))) }
	getBool := func(k string, d bool) bool {
		if v, ok := m[k].(bool); ok {
			return v
		}
		return d
	}
	getDur := func(k string, d time.Duration) time.Duration {
		switch v := m[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		}
		return d
	}

	c.Addr = getString("addr", c.Addr)
	c.Username = getString("username", c.Username)
	c.Password = getString("password", c.Password)
	c.DB = getInt("db", c.DB)
	c.TLS = getBool("tls", c.TLS)
	c.TLSServerName = getString("tls_server_name", c.TLSServerName)
	c.Consumer = getString("consumer", c.Consumer)
	if v := getInt("concurrency", c.Concurrency); v > 0 {
		c.Concurrency = v
	}
	if v := getInt("batch_size", c.BatchSize); v > 0 {
		c.BatchSize = v
	}
	if v := getDur("block", c.Block); v > 0 {
		c.Block = v
	}
	c.AutoCreate = getBool("auto_create", c.AutoCreate)
	c.AutoDeleteOnAck = getBool("auto_delete_on_ack", c.AutoDeleteOnAck)
	c.DeadLetter = getString("dead_letter", c.DeadLetter)
	if v := getInt64("max_len_approx", c.MaxLenApprox); v > 0 {
		c.MaxLenApprox = v
	}
	c.ClaimMinIdle = getDur("claim_min_idle", c.ClaimMinIdle)
	if v := getInt("claim_batch", c.ClaimBatch); v > 0 {
		c.ClaimBatch = v
	}
	if v := getDur("claim_interval", c.ClaimInterval); v > 0 {
		c.ClaimInterval = v
	}

	return c
}

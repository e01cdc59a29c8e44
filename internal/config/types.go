package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/l0p7/governor/internal/expr"
	"github.com/l0p7/governor/internal/ratelimit"
)

// Config holds every option of a governor session host.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	NetQuality NetQualityConfig `koanf:"netQuality"`
	Avatar     AvatarConfig     `koanf:"avatar"`
	Media      MediaConfig      `koanf:"media"`
	RateLimit  RateLimitConfig  `koanf:"rateLimit"`
}

// ServerConfig collects the diagnostics listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NetQualityConfig tunes the connection quality monitor. SlowWhen is a CEL
// expression over effectiveType, downlink, saveData and rttMs.
type NetQualityConfig struct {
	TTL      time.Duration `koanf:"ttl"`
	SlowWhen string        `koanf:"slowWhen"`
}

type AvatarConfig struct {
	Timeout       time.Duration `koanf:"timeout"`
	RetryDelay    time.Duration `koanf:"retryDelay"`
	BatchSize     int           `koanf:"batchSize"`
	SlowBatchSize int           `koanf:"slowBatchSize"`
	// SlowBatchDelay pauses between slow-connection batches; 0 disables it.
	SlowBatchDelay time.Duration `koanf:"slowBatchDelay"`
	Store          StoreConfig   `koanf:"store"`
}

// StoreConfig selects the durable avatar store.
type StoreConfig struct {
	Backend string      `koanf:"backend"`
	Redis   RedisConfig `koanf:"redis"`
}

type RedisConfig struct {
	Address   string         `koanf:"address"`
	Username  string         `koanf:"username"`
	Password  string         `koanf:"password"`
	DB        int            `koanf:"db"`
	TLS       RedisTLSConfig `koanf:"tls"`
	Prefix    string         `koanf:"prefix"`
	Retention time.Duration  `koanf:"retention"`
}

type RedisTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

type MediaConfig struct {
	VideoCapacity    int           `koanf:"videoCapacity"`
	ImageCapacity    int           `koanf:"imageCapacity"`
	HighCount        int           `koanf:"highCount"`
	SlowHighCount    int           `koanf:"slowHighCount"`
	LowCount         int           `koanf:"lowCount"` // 0 disables the low tier
	VideoTimeout     time.Duration `koanf:"videoTimeout"`
	SlowVideoTimeout time.Duration `koanf:"slowVideoTimeout"`
	ImageTimeout     time.Duration `koanf:"imageTimeout"`
	SlowImageTimeout time.Duration `koanf:"slowImageTimeout"`
	MaxBytes         int64         `koanf:"maxBytes"`
}

// RateLimitConfig carries per-action quota overrides keyed by action name.
type RateLimitConfig struct {
	Actions map[string]QuotaConfig `koanf:"actions"`
}

type QuotaConfig struct {
	MaxRequests   int           `koanf:"maxRequests"`
	Window        time.Duration `koanf:"window"`
	BlockDuration time.Duration `koanf:"blockDuration"`
}

// Table merges the configured overrides over the built-in quotas.
func (c RateLimitConfig) Table() ratelimit.Table {
	table := ratelimit.DefaultTable()
	for name, q := range c.Actions {
		table[ratelimit.Action(name)] = ratelimit.Quota{
			MaxRequests:   q.MaxRequests,
			Window:        q.Window,
			BlockDuration: q.BlockDuration,
		}
	}
	return table
}

// Validate enforces invariants that keep the session predictable before it starts.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if c.NetQuality.TTL <= 0 {
		return fmt.Errorf("config: netQuality.ttl invalid: %s", c.NetQuality.TTL)
	}
	if strings.TrimSpace(c.NetQuality.SlowWhen) == "" {
		return errors.New("config: netQuality.slowWhen required")
	}
	if _, err := expr.NewQualityClassifier(c.NetQuality.SlowWhen, nil); err != nil {
		return fmt.Errorf("config: netQuality.slowWhen: %w", err)
	}

	if c.Avatar.Timeout <= 0 {
		return fmt.Errorf("config: avatar.timeout invalid: %s", c.Avatar.Timeout)
	}
	if c.Avatar.RetryDelay < 0 {
		return fmt.Errorf("config: avatar.retryDelay invalid: %s", c.Avatar.RetryDelay)
	}
	if c.Avatar.BatchSize <= 0 || c.Avatar.SlowBatchSize <= 0 {
		return fmt.Errorf("config: avatar batch sizes must be positive: %d/%d", c.Avatar.BatchSize, c.Avatar.SlowBatchSize)
	}
	if c.Avatar.SlowBatchDelay < 0 {
		return fmt.Errorf("config: avatar.slowBatchDelay invalid: %s", c.Avatar.SlowBatchDelay)
	}
	backend := strings.TrimSpace(strings.ToLower(c.Avatar.Store.Backend))
	switch backend {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(c.Avatar.Store.Redis.Address) == "" {
			return errors.New("config: avatar.store.redis.address required for redis backend")
		}
		if c.Avatar.Store.Redis.Retention < 0 {
			return fmt.Errorf("config: avatar.store.redis.retention invalid: %s", c.Avatar.Store.Redis.Retention)
		}
	default:
		return fmt.Errorf("config: avatar.store.backend unsupported: %s", c.Avatar.Store.Backend)
	}

	m := c.Media
	if m.VideoCapacity <= 0 || m.ImageCapacity <= 0 {
		return fmt.Errorf("config: media capacities must be positive: %d/%d", m.VideoCapacity, m.ImageCapacity)
	}
	if m.HighCount <= 0 || m.SlowHighCount <= 0 || m.LowCount < 0 {
		return fmt.Errorf("config: media tier counts invalid: high=%d slowHigh=%d low=%d", m.HighCount, m.SlowHighCount, m.LowCount)
	}
	for name, d := range map[string]time.Duration{
		"videoTimeout":     m.VideoTimeout,
		"slowVideoTimeout": m.SlowVideoTimeout,
		"imageTimeout":     m.ImageTimeout,
		"slowImageTimeout": m.SlowImageTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: media.%s invalid: %s", name, d)
		}
	}
	if m.MaxBytes <= 0 {
		return fmt.Errorf("config: media.maxBytes invalid: %d", m.MaxBytes)
	}

	names := make([]string, 0, len(c.RateLimit.Actions))
	for name := range c.RateLimit.Actions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q := c.RateLimit.Actions[name]
		if !ratelimit.Known(ratelimit.Action(name)) {
			return fmt.Errorf("config: rateLimit.actions.%s unknown action", name)
		}
		if q.MaxRequests <= 0 {
			return fmt.Errorf("config: rateLimit.actions.%s.maxRequests invalid: %d", name, q.MaxRequests)
		}
		if q.Window <= 0 {
			return fmt.Errorf("config: rateLimit.actions.%s.window invalid: %s", name, q.Window)
		}
		if q.BlockDuration < 0 {
			return fmt.Errorf("config: rateLimit.actions.%s.blockDuration invalid: %s", name, q.BlockDuration)
		}
	}
	return nil
}

// DefaultConfig returns the baseline values.
func DefaultConfig() Config {
	actions := make(map[string]QuotaConfig)
	for action, q := range ratelimit.DefaultTable() {
		actions[string(action)] = QuotaConfig{MaxRequests: q.MaxRequests, Window: q.Window, BlockDuration: q.BlockDuration}
	}
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "127.0.0.1",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		NetQuality: NetQualityConfig{
			TTL:      5 * time.Second,
			SlowWhen: expr.DefaultSlowWhen,
		},
		Avatar: AvatarConfig{
			Timeout:        5 * time.Second,
			RetryDelay:     time.Second,
			BatchSize:      10,
			SlowBatchSize:  3,
			SlowBatchDelay: 100 * time.Millisecond,
			Store: StoreConfig{
				Backend: "memory",
				Redis: RedisConfig{
					Prefix: "governor:avatar:",
				},
			},
		},
		Media: MediaConfig{
			VideoCapacity:    15,
			ImageCapacity:    50,
			HighCount:        3,
			SlowHighCount:    1,
			LowCount:         3,
			VideoTimeout:     15 * time.Second,
			SlowVideoTimeout: 5 * time.Second,
			ImageTimeout:     8 * time.Second,
			SlowImageTimeout: 3 * time.Second,
			MaxBytes:         8 << 20,
		},
		RateLimit: RateLimitConfig{Actions: actions},
	}
}

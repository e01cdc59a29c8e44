package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Files returns the configured file paths.
func (l *Loader) Files() []string {
	out := make([]string, 0, len(l.files))
	for _, path := range l.files {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load assembles and validates the effective configuration.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(DefaultConfig()), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	// Env keys arrive flattened and lowercase; map them back onto the
	// camelCase keys the defaults declare.
	canonical := make(map[string]string)
	for _, key := range k.Keys() {
		canonical[envKey(key)] = key
	}

	for _, path := range l.Files() {
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		parser, err := parserFor(path)
		if err != nil {
			return Config{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			if mapped, ok := canonical[envKey(key)]; ok {
				return mapped
			}
			return strings.ToLower(strings.ReplaceAll(key, "_", ""))
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey folds a key so AVATAR__STORE__REDIS__TLS__CA_FILE and
// rateLimit.actions.like-action.maxRequests compare equal to their env forms.
func envKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported config file extension %s", ext)
	}
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	actions := make(map[string]any, len(cfg.RateLimit.Actions))
	for name, q := range cfg.RateLimit.Actions {
		actions[name] = map[string]any{
			"maxRequests":   q.MaxRequests,
			"window":        q.Window.String(),
			"blockDuration": q.BlockDuration.String(),
		}
	}
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"netQuality": map[string]any{
			"ttl":      cfg.NetQuality.TTL.String(),
			"slowWhen": cfg.NetQuality.SlowWhen,
		},
		"avatar": map[string]any{
			"timeout":        cfg.Avatar.Timeout.String(),
			"retryDelay":     cfg.Avatar.RetryDelay.String(),
			"batchSize":      cfg.Avatar.BatchSize,
			"slowBatchSize":  cfg.Avatar.SlowBatchSize,
			"slowBatchDelay": cfg.Avatar.SlowBatchDelay.String(),
			"store": map[string]any{
				"backend": cfg.Avatar.Store.Backend,
				"redis": map[string]any{
					"address":   cfg.Avatar.Store.Redis.Address,
					"username":  cfg.Avatar.Store.Redis.Username,
					"password":  cfg.Avatar.Store.Redis.Password,
					"db":        cfg.Avatar.Store.Redis.DB,
					"prefix":    cfg.Avatar.Store.Redis.Prefix,
					"retention": cfg.Avatar.Store.Redis.Retention.String(),
					"tls": map[string]any{
						"enabled": cfg.Avatar.Store.Redis.TLS.Enabled,
						"caFile":  cfg.Avatar.Store.Redis.TLS.CAFile,
					},
				},
			},
		},
		"media": map[string]any{
			"videoCapacity":    cfg.Media.VideoCapacity,
			"imageCapacity":    cfg.Media.ImageCapacity,
			"highCount":        cfg.Media.HighCount,
			"slowHighCount":    cfg.Media.SlowHighCount,
			"lowCount":         cfg.Media.LowCount,
			"videoTimeout":     cfg.Media.VideoTimeout.String(),
			"slowVideoTimeout": cfg.Media.SlowVideoTimeout.String(),
			"imageTimeout":     cfg.Media.ImageTimeout.String(),
			"slowImageTimeout": cfg.Media.SlowImageTimeout.String(),
			"maxBytes":         cfg.Media.MaxBytes,
		},
		"rateLimit": map[string]any{
			"actions": actions,
		},
	}
}

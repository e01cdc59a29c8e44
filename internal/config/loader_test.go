package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoader(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(t *testing.T) []string
		wantErr bool
		assert  func(t *testing.T, cfg Config)
	}{
		{
			name:  "returns defaults when no overrides",
			setup: func(t *testing.T) []string { return nil },
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 8080, cfg.Server.Listen.Port)
				require.Equal(t, 5*time.Second, cfg.NetQuality.TTL)
				require.Equal(t, 100*time.Millisecond, cfg.Avatar.SlowBatchDelay)
				require.Equal(t, 15, cfg.Media.VideoCapacity)
				require.Equal(t, ratelimit.DefaultTable(), cfg.RateLimit.Table())
			},
		},
		{
			name: "merges yaml overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.yaml", "server:\n  listen:\n    port: 9090\nmedia:\n  videoCapacity: 5\n  slowVideoTimeout: 2s\nrateLimit:\n  actions:\n    like-action:\n      maxRequests: 10\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9090, cfg.Server.Listen.Port)
				require.Equal(t, 5, cfg.Media.VideoCapacity)
				require.Equal(t, 2*time.Second, cfg.Media.SlowVideoTimeout)
				like := cfg.RateLimit.Table()[ratelimit.ActionLike]
				require.Equal(t, 10, like.MaxRequests)
				require.Equal(t, time.Minute, like.Window, "unset fields keep their defaults")
			},
		},
		{
			name: "merges json overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.json", `{"avatar":{"timeout":"2s","store":{"backend":"redis","redis":{"address":"127.0.0.1:6379"}}}}`)}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 2*time.Second, cfg.Avatar.Timeout)
				require.Equal(t, "redis", cfg.Avatar.Store.Backend)
				require.Equal(t, "governor:avatar:", cfg.Avatar.Store.Redis.Prefix)
			},
		},
		{
			name: "merges toml overrides",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.toml", "[netQuality]\nttl = \"1s\"\nslowWhen = \"rttMs > 300\"\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, time.Second, cfg.NetQuality.TTL)
				require.Equal(t, "rttMs > 300", cfg.NetQuality.SlowWhen)
			},
		},
		{
			name: "prefers env overrides",
			setup: func(t *testing.T) []string {
				t.Setenv("GOVERNOR_SERVER__LISTEN__PORT", "9091")
				t.Setenv("GOVERNOR_AVATAR__STORE__REDIS__TLS__CA_FILE", "/etc/ca.pem")
				t.Setenv("GOVERNOR_MEDIA__SLOW_HIGH_COUNT", "2")
				t.Setenv("GOVERNOR_RATELIMIT__ACTIONS__AI_REQUEST__BLOCKDURATION", "2m")
				return []string{writeFile(t, "governor.yaml", "server:\n  listen:\n    port: 9090\n")}
			},
			assert: func(t *testing.T, cfg Config) {
				require.Equal(t, 9091, cfg.Server.Listen.Port)
				require.Equal(t, "/etc/ca.pem", cfg.Avatar.Store.Redis.TLS.CAFile)
				require.Equal(t, 2, cfg.Media.SlowHighCount)
				require.Equal(t, 2*time.Minute, cfg.RateLimit.Table()[ratelimit.ActionAIRequest].BlockDuration)
			},
		},
		{
			name: "fails when file missing",
			setup: func(t *testing.T) []string {
				return []string{filepath.Join(t.TempDir(), "missing.yaml")}
			},
			wantErr: true,
		},
		{
			name: "fails on unsupported extension",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.ini", "port=1\n")}
			},
			wantErr: true,
		},
		{
			name: "rejects unknown rate limit action",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.yaml", "rateLimit:\n  actions:\n    teleport:\n      maxRequests: 1\n      window: 1s\n")}
			},
			wantErr: true,
		},
		{
			name: "rejects invalid quality policy",
			setup: func(t *testing.T) []string {
				return []string{writeFile(t, "governor.yaml", "netQuality:\n  slowWhen: \"downlink +\"\n")}
			},
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			args := tc.setup(t)
			loader := NewLoader("GOVERNOR", args...)

			cfg, err := loader.Load(ctx)
			if tc.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			tc.assert(t, cfg)
		})
	}
}

func TestLoaderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loader := NewLoader("GOVERNOR", writeFile(t, "governor.yaml", "server: {}\n"))
	_, err := loader.Load(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

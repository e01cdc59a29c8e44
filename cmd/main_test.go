package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/governor/internal/config"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/l0p7/governor/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestBuildStore(t *testing.T) {
	tests := []struct {
		name   string
		cfg    func(t *testing.T) config.StoreConfig
		verify func(t *testing.T, st store.Store)
	}{
		{
			name: "defaults to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{}
			},
			verify: func(t *testing.T, st store.Store) {
				require.NotNil(t, st, "expected store to be constructed")
			},
		},
		{
			name: "unknown backend falls back to memory",
			cfg: func(t *testing.T) config.StoreConfig {
				return config.StoreConfig{Backend: "etcd"}
			},
			verify: func(t *testing.T, st store.Store) {
				require.NotNil(t, st)
			},
		},
		{
			name: "constructs redis store",
			cfg: func(t *testing.T) config.StoreConfig {
				server, err := miniredis.Run()
				if err != nil {
					if strings.Contains(err.Error(), "operation not permitted") {
						t.Skip("miniredis unavailable in sandbox")
					}
					require.NoError(t, err)
				}
				t.Cleanup(server.Close)
				return config.StoreConfig{
					Backend: "redis",
					Redis: config.RedisConfig{
						Address: server.Addr(),
						Prefix:  "governor:test:",
					},
				}
			},
			verify: func(t *testing.T, st store.Store) {
				ctx := context.Background()
				record := store.Record{Key: "cdn.example.com/a.png", URL: "https://cdn.example.com/a.png", Value: "https://cdn.example.com/a.png", Timestamp: time.Now().UTC()}
				require.NoError(t, st.Put(ctx, record))
				got, ok, err := st.Get(ctx, record.Key)
				require.NoError(t, err)
				require.True(t, ok, "expected lookup to succeed")
				require.Equal(t, record.Value, got.Value)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg(t)
			st := buildStore(newTestLogger(), cfg)
			t.Cleanup(func() {
				require.NoError(t, st.Close(context.Background()))
			})

			tc.verify(t, st)
		})
	}
}

func TestBuildSessionRejectsBadPolicy(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NetQuality.SlowWhen = "downlink +"
	_, err := buildSession(cfg, newTestLogger(), metrics.NewRecorder(nil), store.NewMemory())
	require.Error(t, err)
}

func TestBuildSessionUsesConfiguredQuotas(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RateLimit.Actions["search"] = config.QuotaConfig{MaxRequests: 1, Window: time.Minute}
	sess, err := buildSession(cfg, newTestLogger(), metrics.NewRecorder(nil), store.NewMemory())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close(context.Background()) })

	require.True(t, sess.CheckRateLimit(ratelimit.ActionSearch, "").Allowed)
	require.False(t, sess.CheckRateLimit(ratelimit.ActionSearch, "").Allowed)
}

func TestComponentOptionsTreatZeroAsDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	require.Equal(t, 100*time.Millisecond, avatarOptions(cfg.Avatar, nil).SlowBatchDelay)
	require.Equal(t, 3, mediaOptions(cfg.Media).LowCount)

	cfg.Avatar.SlowBatchDelay = 0
	cfg.Media.LowCount = 0
	require.Equal(t, time.Duration(-1), avatarOptions(cfg.Avatar, nil).SlowBatchDelay)
	require.Equal(t, -1, mediaOptions(cfg.Media).LowCount)
}

func TestRunLoaderError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{loadErr: errors.New("boom")}
	})

	err := run(context.Background(), "GOVERNOR", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "load configuration")
}

func TestRunServerConstructorError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return nil, errors.New("construct failed")
	})

	err := run(context.Background(), "GOVERNOR", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "construct failed")
}

func TestRunServerRunError(t *testing.T) {
	overrideConfigLoader(t, func(_, _ string) configLoader {
		return &fakeLoader{cfg: config.DefaultConfig()}
	})

	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{err: errors.New("run failed")}, nil
	})

	err := run(context.Background(), "GOVERNOR", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "run failed")
}

func TestRunWiresRouterAndReload(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.Logging.Level = "error"
	stopped := false
	loader := &fakeLoader{cfg: cfg, stopped: &stopped}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })

	srv := &stubServer{}
	srv.serve = func(handler http.Handler) {
		e := httpexpect.WithConfig(httpexpect.Config{
			BaseURL:  "http://governor.test",
			Reporter: httpexpect.NewRequireReporter(t),
			Client:   &http.Client{Transport: httpexpect.NewBinder(handler)},
		})
		e.GET("/healthz").Expect().Status(http.StatusOK)
		e.GET("/ratelimit/search").Expect().Status(http.StatusOK).
			JSON().Object().Value("remaining").Number().IsEqual(60)

		next := config.DefaultConfig()
		next.RateLimit.Actions["search"] = config.QuotaConfig{MaxRequests: 7, Window: time.Minute}
		loader.onChange(next)

		e.GET("/ratelimit/search").Expect().Status(http.StatusOK).
			JSON().Object().Value("remaining").Number().IsEqual(7)
		e.GET("/metrics").Expect().Status(http.StatusOK)
	}
	overrideHTTPServer(t, func(_ config.Config, _ *slog.Logger, handler http.Handler) (runnableServer, error) {
		srv.handler = handler
		return srv, nil
	})

	require.NoError(t, run(context.Background(), "GOVERNOR", "governor.yaml"))
	require.True(t, loader.watchSeen)
	require.True(t, stopped, "expected watcher to be stopped on shutdown")
}

func TestRunSkipsWatchWithoutConfigFile(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig()}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "GOVERNOR", ""))
	require.False(t, loader.watchSeen)
}

func TestRunToleratesWatchError(t *testing.T) {
	loader := &fakeLoader{cfg: config.DefaultConfig(), watchErr: errors.New("inotify exhausted")}
	overrideConfigLoader(t, func(_, _ string) configLoader { return loader })
	overrideHTTPServer(t, func(config.Config, *slog.Logger, http.Handler) (runnableServer, error) {
		return &stubServer{}, nil
	})

	require.NoError(t, run(context.Background(), "GOVERNOR", "governor.yaml"))
	require.True(t, loader.watchSeen)
}

func overrideConfigLoader(t *testing.T, fn func(string, string) configLoader) {
	original := newConfigLoader
	newConfigLoader = fn
	t.Cleanup(func() { newConfigLoader = original })
}

func overrideHTTPServer(t *testing.T, fn func(config.Config, *slog.Logger, http.Handler) (runnableServer, error)) {
	original := newHTTPServer
	newHTTPServer = fn
	t.Cleanup(func() { newHTTPServer = original })
}

type fakeLoader struct {
	cfg       config.Config
	loadErr   error
	watchErr  error
	stopped   *bool
	watchSeen bool
	onChange  func(config.Config)
}

func (f *fakeLoader) Load(context.Context) (config.Config, error) {
	if f.loadErr != nil {
		return config.Config{}, f.loadErr
	}
	return f.cfg, nil
}

func (f *fakeLoader) Watch(_ context.Context, onChange func(config.Config), _ func(error)) (configWatcher, error) {
	f.watchSeen = true
	if f.watchErr != nil {
		return nil, f.watchErr
	}
	f.onChange = onChange
	return &noOpWatcher{stopped: f.stopped}, nil
}

type noOpWatcher struct {
	stopped *bool
}

func (n *noOpWatcher) Stop() {
	if n.stopped != nil {
		*n.stopped = true
	}
}

type stubServer struct {
	err     error
	handler http.Handler
	serve   func(http.Handler)
}

func (s *stubServer) Run(context.Context) error {
	if s.serve != nil {
		s.serve(s.handler)
	}
	return s.err
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/l0p7/governor/internal/avatar"
	"github.com/l0p7/governor/internal/config"
	"github.com/l0p7/governor/internal/expr"
	"github.com/l0p7/governor/internal/logging"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/preload"
	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/l0p7/governor/internal/report"
	"github.com/l0p7/governor/internal/server"
	"github.com/l0p7/governor/internal/session"
	"github.com/l0p7/governor/internal/store"
	"github.com/prometheus/client_golang/prometheus"
)

type configLoader interface {
	Load(context.Context) (config.Config, error)
	Watch(context.Context, func(config.Config), func(error)) (configWatcher, error)
}

type configWatcher interface {
	Stop()
}

type runnableServer interface {
	Run(context.Context) error
}

type fileLoader struct {
	*config.Loader
}

func (l fileLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	w, err := l.Loader.Watch(ctx, onChange, onError)
	if err != nil {
		return nil, err
	}
	return w, nil
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		if configFile == "" {
			return fileLoader{config.NewLoader(envPrefix)}
		}
		return fileLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
	httpClient = &http.Client{}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to governor configuration file")
		envPrefix  = flag.String("env-prefix", "GOVERNOR", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		log.Printf("governor: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	durable := buildStore(logger.With(slog.String("component", "store_factory")), cfg.Avatar.Store)

	sess, err := buildSession(cfg, logger, recorder, durable)
	if err != nil {
		_ = durable.Close(context.Background())
		return fmt.Errorf("build session: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sess.Close(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", slog.Any("error", err))
		}
	}()

	if configFile != "" {
		watcher, err := loader.Watch(ctx, func(next config.Config) {
			sess.ApplyRateLimits(next.RateLimit.Table())
		}, func(err error) {
			if err != nil {
				logger.Error("config watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("config watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	renderer, err := report.New("")
	if err != nil {
		return fmt.Errorf("status report: %w", err)
	}
	handler := server.NewRouter(sess, server.RouterOptions{
		Metrics:  recorder.Handler(),
		Renderer: renderer,
		Logger:   logger,
	})

	srv, err := newHTTPServer(cfg, logger, handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("governor shutdown complete")
	return nil
}

func buildSession(cfg config.Config, logger *slog.Logger, recorder *metrics.Recorder, durable store.Store) (*session.Session, error) {
	classifier, err := expr.NewQualityClassifier(cfg.NetQuality.SlowWhen, logger)
	if err != nil {
		return nil, err
	}

	return session.New(session.Options{
		Logger:  logger,
		Metrics: recorder,
		Monitor: netquality.Options{
			TTL:        cfg.NetQuality.TTL,
			Classifier: classifier,
		},
		Avatar:    avatarOptions(cfg.Avatar, durable),
		Media:     mediaOptions(cfg.Media),
		RateLimit: ratelimit.Options{Table: cfg.RateLimit.Table()},
	})
}

// disabledIfZero maps an explicit zero in config to the component's "off"
// value; the components read zero as "use the default".
func disabledIfZero[T ~int | ~int64](v T) T {
	if v == 0 {
		return -1
	}
	return v
}

func avatarOptions(cfg config.AvatarConfig, durable store.Store) avatar.Options {
	return avatar.Options{
		Store:          durable,
		Resolver:       avatar.NewHTTPResolver(httpClient),
		Timeout:        cfg.Timeout,
		RetryDelay:     cfg.RetryDelay,
		BatchSize:      cfg.BatchSize,
		SlowBatchSize:  cfg.SlowBatchSize,
		SlowBatchDelay: disabledIfZero(cfg.SlowBatchDelay),
	}
}

func mediaOptions(cfg config.MediaConfig) preload.Options {
	return preload.Options{
		Fetcher:          preload.NewHTTPFetcher(httpClient, cfg.MaxBytes),
		VideoCapacity:    cfg.VideoCapacity,
		ImageCapacity:    cfg.ImageCapacity,
		HighCount:        cfg.HighCount,
		SlowHighCount:    cfg.SlowHighCount,
		LowCount:         disabledIfZero(cfg.LowCount),
		VideoTimeout:     cfg.VideoTimeout,
		SlowVideoTimeout: cfg.SlowVideoTimeout,
		ImageTimeout:     cfg.ImageTimeout,
		SlowImageTimeout: cfg.SlowImageTimeout,
	}
}

func buildStore(logger *slog.Logger, cfg config.StoreConfig) store.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory avatar store")
		}
		return store.NewMemory()
	case "redis":
		redisStore, err := store.NewRedis(store.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: store.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
			Prefix:    cfg.Redis.Prefix,
			Retention: cfg.Redis.Retention,
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis avatar store", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return store.NewMemory()
	}
}

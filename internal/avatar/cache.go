package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/l0p7/governor/internal/cachekey"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout        = 5 * time.Second
	DefaultRetryDelay     = time.Second
	DefaultBatchSize      = 10
	DefaultSlowBatchSize  = 3
	DefaultSlowBatchDelay = 100 * time.Millisecond
)

// State tracks an entry through unseen -> loading -> loaded|failed.
type State string

const (
	StateLoading State = "loading"
	StateLoaded  State = "loaded"
	StateFailed  State = "failed"
)

// Entry is the in-memory record for one cache key.
type Entry struct {
	Key       string
	URL       string
	Value     string
	State     State
	Attempts  int
	UpdatedAt time.Time
}

// Stats summarises the entries currently held.
type Stats struct {
	Loaded   int `json:"loaded"`
	Failed   int `json:"failed"`
	InFlight int `json:"inFlight"`
}

// Options configures a Cache. Zero durations and sizes fall back to the
// package defaults.
type Options struct {
	Store          store.Store
	Resolver       Resolver
	Quality        netquality.Source
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
	Timeout        time.Duration
	RetryDelay     time.Duration
	BatchSize      int
	SlowBatchSize  int
	SlowBatchDelay time.Duration
	Clock          func() time.Time
}

// Cache resolves avatar URLs into ready-to-render values. Concurrent
// requests for the same key share one load, failures are retried once and
// then remembered, and successful values are mirrored into a durable store
// that answers while offline.
type Cache struct {
	store    store.Store
	resolver Resolver
	quality  netquality.Source
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time

	timeout        time.Duration
	retryDelay     time.Duration
	batchSize      int
	slowBatchSize  int
	slowBatchDelay time.Duration

	// Loads run on ctx, never on a caller's context.
	ctx    context.Context
	cancel context.CancelFunc
	group  singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry
	failed  map[string]struct{}
	epoch   uint64
}

var errCleared = errors.New("avatar: cache cleared during load")

// New builds a Cache around opts.Resolver. A nil Store selects an in-memory
// one. SlowBatchDelay of zero selects the default pause; a negative value
// disables it.
func New(opts Options) (*Cache, error) {
	if opts.Resolver == nil {
		return nil, errors.New("avatar: resolver required")
	}
	if opts.Store == nil {
		opts.Store = store.NewMemory()
	}
	if opts.Quality == nil {
		opts.Quality = netquality.Fixed(netquality.QualityFast)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.SlowBatchSize <= 0 {
		opts.SlowBatchSize = DefaultSlowBatchSize
	}
	if opts.SlowBatchDelay < 0 {
		opts.SlowBatchDelay = 0
	} else if opts.SlowBatchDelay == 0 {
		opts.SlowBatchDelay = DefaultSlowBatchDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		store:          opts.Store,
		resolver:       opts.Resolver,
		quality:        opts.Quality,
		logger:         logger.With(slog.String("component", "avatar")),
		metrics:        opts.Metrics,
		now:            opts.Clock,
		timeout:        opts.Timeout,
		retryDelay:     opts.RetryDelay,
		batchSize:      opts.BatchSize,
		slowBatchSize:  opts.SlowBatchSize,
		slowBatchDelay: opts.SlowBatchDelay,
		ctx:            ctx,
		cancel:         cancel,
		entries:        make(map[string]*Entry),
		failed:         make(map[string]struct{}),
	}, nil
}

// Preload returns the ready-to-render value for url, loading it when needed.
// The original url is returned whenever no value can be produced: after a
// terminal failure, offline without a durable copy, or when ctx ends first.
func (c *Cache) Preload(ctx context.Context, url string) string {
	url = strings.TrimSpace(url)
	if url == "" {
		return url
	}
	key := cachekey.Normalize(url)

	c.mu.RLock()
	entry, ok := c.entries[key]
	if ok && entry.State == StateLoaded {
		value := entry.Value
		c.mu.RUnlock()
		c.metrics.ObserveAvatarResolution(metrics.AvatarSourceMemory)
		return value
	}
	_, failed := c.failed[key]
	epoch := c.epoch
	c.mu.RUnlock()

	if failed {
		c.metrics.ObserveAvatarResolution(metrics.AvatarSourceFallback)
		return url
	}

	if c.quality.Quality() == netquality.QualityOffline {
		return c.resolveOffline(ctx, key, url, epoch)
	}

	ch := c.group.DoChan(key, func() (any, error) {
		return c.load(key, url, epoch)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return url
		}
		return res.Val.(string)
	case <-ctx.Done():
		c.logger.Debug("caller gave up waiting for avatar", slog.String("key", key), slog.Any("error", ctx.Err()))
		c.metrics.ObserveAvatarResolution(metrics.AvatarSourceFallback)
		return url
	}
}

func (c *Cache) resolveOffline(ctx context.Context, key, url string, epoch uint64) string {
	record, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("durable avatar lookup failed", slog.String("key", key), slog.Any("error", err))
	}
	if err != nil || !ok || record.Value == "" {
		c.metrics.ObserveAvatarResolution(metrics.AvatarSourceFallback)
		return url
	}

	c.mu.Lock()
	if c.epoch == epoch {
		if _, exists := c.entries[key]; !exists {
			c.entries[key] = &Entry{Key: key, URL: url, Value: record.Value, State: StateLoaded, UpdatedAt: c.now()}
		}
	}
	c.mu.Unlock()
	c.metrics.ObserveAvatarResolution(metrics.AvatarSourceDurable)
	return record.Value
}

// load runs inside the single-flight group for key.
func (c *Cache) load(key, url string, epoch uint64) (any, error) {
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return nil, errCleared
	}
	entry, ok := c.entries[key]
	if ok && entry.State == StateLoaded {
		// A previous flight finished between the caller's lookup and now.
		value := entry.Value
		c.mu.Unlock()
		return value, nil
	}
	if _, failed := c.failed[key]; failed {
		c.mu.Unlock()
		return nil, fmt.Errorf("avatar: %s marked failed", key)
	}
	if !ok {
		entry = &Entry{Key: key, URL: url}
		c.entries[key] = entry
	}
	entry.State = StateLoading
	entry.UpdatedAt = c.now()
	c.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.retryDelay)
			select {
			case <-timer.C:
			case <-c.ctx.Done():
				timer.Stop()
				return nil, c.ctx.Err()
			}
		}

		value, err := c.attempt(key, url)
		if err == nil {
			return c.settleLoaded(key, url, value, epoch, attempt)
		}
		lastErr = err
		c.logger.Debug("avatar load attempt failed", slog.String("key", key), slog.Int("attempt", attempt), slog.Any("error", err))
	}
	return nil, c.settleFailed(key, epoch, lastErr)
}

func (c *Cache) attempt(key, url string) (string, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		entry.Attempts++
	}
	c.mu.Unlock()

	value, err := c.resolver.Resolve(ctx, url)
	switch {
	case err == nil && value == "":
		err = fmt.Errorf("avatar: resolver returned empty value for %s", key)
		c.metrics.ObserveAvatarAttempt(metrics.LoadFailure)
	case err == nil:
		c.metrics.ObserveAvatarAttempt(metrics.LoadSuccess)
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.metrics.ObserveAvatarAttempt(metrics.LoadTimeout)
	default:
		c.metrics.ObserveAvatarAttempt(metrics.LoadFailure)
	}
	return value, err
}

func (c *Cache) settleLoaded(key, url, value string, epoch uint64, attempts int) (any, error) {
	now := c.now()
	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		return value, nil
	}
	entry, ok := c.entries[key]
	if !ok {
		entry = &Entry{Key: key, URL: url}
		c.entries[key] = entry
	}
	entry.Value = value
	entry.State = StateLoaded
	entry.UpdatedAt = now
	c.mu.Unlock()

	if err := c.store.Put(c.ctx, store.Record{Key: key, URL: url, Value: value, Timestamp: now}); err != nil {
		c.logger.Warn("durable avatar write failed", slog.String("key", key), slog.Any("error", err))
	}
	c.metrics.ObserveAvatarResolution(metrics.AvatarSourceNetwork)
	c.logger.Debug("avatar loaded", slog.String("key", key), slog.Int("attempts", attempts))
	return value, nil
}

func (c *Cache) settleFailed(key string, epoch uint64, cause error) error {
	c.mu.Lock()
	if c.epoch == epoch {
		if entry, ok := c.entries[key]; ok {
			entry.State = StateFailed
			entry.UpdatedAt = c.now()
		}
		c.failed[key] = struct{}{}
	}
	c.mu.Unlock()

	c.metrics.ObserveAvatarResolution(metrics.AvatarSourceFallback)
	c.logger.Warn("avatar load failed", slog.String("key", key), slog.Any("error", cause))
	return fmt.Errorf("avatar: load %s: %w", key, cause)
}

// GetCached returns the loaded value for url without blocking.
func (c *Cache) GetCached(url string) (string, bool) {
	key := cachekey.Normalize(url)
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || entry.State != StateLoaded {
		return "", false
	}
	return entry.Value, true
}

// IsPreloaded reports whether url has a loaded value.
func (c *Cache) IsPreloaded(url string) bool {
	_, ok := c.GetCached(url)
	return ok
}

// Entry returns a copy of the entry tracked for url.
func (c *Cache) Entry(url string) (Entry, bool) {
	key := cachekey.Normalize(url)
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// PreloadMany preloads urls in batches. Slow connections use smaller batches
// separated by a short pause. Only ctx cancellation is reported.
func (c *Cache) PreloadMany(ctx context.Context, urls []string) error {
	size := c.batchSize
	slow := c.quality.Quality() == netquality.QualitySlow
	if slow {
		size = c.slowBatchSize
	}

	for start := 0; start < len(urls); start += size {
		end := min(start+size, len(urls))
		g := new(errgroup.Group)
		g.SetLimit(size)
		for _, url := range urls[start:end] {
			g.Go(func() error {
				c.Preload(ctx, url)
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return err
		}
		if slow && end < len(urls) {
			timer := time.NewTimer(c.slowBatchDelay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
	return nil
}

// Retry forgets a terminal failure for url and preloads it again.
func (c *Cache) Retry(ctx context.Context, url string) string {
	key := cachekey.Normalize(strings.TrimSpace(url))
	c.mu.Lock()
	if _, failed := c.failed[key]; failed {
		delete(c.failed, key)
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return c.Preload(ctx, url)
}

// Clear drops every entry, failure mark and in-flight registration. Loads
// still running finish but their results are discarded. The durable store is
// left untouched.
func (c *Cache) Clear() {
	c.mu.Lock()
	for key := range c.entries {
		c.group.Forget(key)
	}
	c.entries = make(map[string]*Entry)
	c.failed = make(map[string]struct{})
	c.epoch++
	c.mu.Unlock()
	c.logger.Debug("avatar cache cleared")
}

func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var stats Stats
	for _, entry := range c.entries {
		switch entry.State {
		case StateLoaded:
			stats.Loaded++
		case StateLoading:
			stats.InFlight++
		}
	}
	stats.Failed = len(c.failed)
	return stats
}

// Close clears the cache, aborts in-flight loads and closes the durable store.
func (c *Cache) Close(ctx context.Context) error {
	c.Clear()
	c.cancel()
	if err := c.store.Close(ctx); err != nil {
		return fmt.Errorf("avatar: close store: %w", err)
	}
	return nil
}

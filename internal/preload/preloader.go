package preload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/l0p7/governor/internal/cachekey"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/netquality"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultVideoCapacity = 15
	DefaultImageCapacity = 50

	DefaultHighCount     = 3
	DefaultSlowHighCount = 1
	DefaultLowCount      = 3

	DefaultVideoTimeout     = 15 * time.Second
	DefaultSlowVideoTimeout = 5 * time.Second
	DefaultImageTimeout     = 8 * time.Second
	DefaultSlowImageTimeout = 3 * time.Second
)

// Options configures a Preloader. Zero values pick the package defaults.
type Options struct {
	Fetcher Fetcher
	Quality netquality.Source
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time

	VideoCapacity int
	ImageCapacity int

	// HighCount and LowCount size the two batch tiers on a fast connection.
	// A slow connection uses SlowHighCount and no low tier.
	HighCount     int
	SlowHighCount int
	LowCount      int

	VideoTimeout     time.Duration
	SlowVideoTimeout time.Duration
	ImageTimeout     time.Duration
	SlowImageTimeout time.Duration
}

func (o *Options) setDefaults() {
	if o.Quality == nil {
		o.Quality = netquality.Fixed(netquality.QualityFast)
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.VideoCapacity <= 0 {
		o.VideoCapacity = DefaultVideoCapacity
	}
	if o.ImageCapacity <= 0 {
		o.ImageCapacity = DefaultImageCapacity
	}
	if o.HighCount <= 0 {
		o.HighCount = DefaultHighCount
	}
	if o.SlowHighCount <= 0 {
		o.SlowHighCount = DefaultSlowHighCount
	}
	if o.LowCount < 0 {
		o.LowCount = 0
	} else if o.LowCount == 0 {
		o.LowCount = DefaultLowCount
	}
	if o.VideoTimeout <= 0 {
		o.VideoTimeout = DefaultVideoTimeout
	}
	if o.SlowVideoTimeout <= 0 {
		o.SlowVideoTimeout = DefaultSlowVideoTimeout
	}
	if o.ImageTimeout <= 0 {
		o.ImageTimeout = DefaultImageTimeout
	}
	if o.SlowImageTimeout <= 0 {
		o.SlowImageTimeout = DefaultSlowImageTimeout
	}
}

// Stats reports cache occupancy.
type Stats struct {
	Videos  int `json:"videos"`
	Images  int `json:"images"`
	Pending int `json:"pending"`
}

// Preloader warms video and image resources ahead of use. Both caches are
// bounded and evict the oldest insertion first.
type Preloader struct {
	fetcher Fetcher
	quality netquality.Source
	logger  *slog.Logger
	metrics *metrics.Recorder
	now     func() time.Time
	opts    Options

	mu      sync.Mutex
	videos  *simplelru.LRU[string, *Element]
	images  *simplelru.LRU[string, *Element]
	pending map[string]struct{}
	purging bool
	epoch   uint64

	// Background low-priority fetches run on ctx; Close cancels it.
	ctx        context.Context
	cancel     context.CancelFunc
	background sync.WaitGroup
}

// New builds a Preloader with bounded video and image caches. A Fetcher is
// required; every other option has a default.
func New(opts Options) (*Preloader, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("preload: fetcher required")
	}
	opts.setDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preloader{
		ctx:     ctx,
		cancel:  cancel,
		fetcher: opts.Fetcher,
		quality: opts.Quality,
		logger:  logger.With(slog.String("component", "preload")),
		metrics: opts.Metrics,
		now:     opts.Clock,
		opts:    opts,
		pending: make(map[string]struct{}),
	}

	var err error
	p.videos, err = simplelru.NewLRU(opts.VideoCapacity, p.onEvict(KindVideo))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("preload: video cache: %w", err)
	}
	p.images, err = simplelru.NewLRU(opts.ImageCapacity, p.onEvict(KindImage))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("preload: image cache: %w", err)
	}
	return p, nil
}

// onEvict runs with p.mu held, from Add or Purge.
func (p *Preloader) onEvict(kind Kind) simplelru.EvictCallback[string, *Element] {
	return func(key string, el *Element) {
		el.Release()
		if p.purging {
			return
		}
		p.metrics.ObserveMediaEviction(string(kind))
		p.logger.Debug("media evicted", slog.String("kind", string(kind)), slog.String("key", key))
	}
}

func (p *Preloader) cacheFor(kind Kind) *simplelru.LRU[string, *Element] {
	if kind == KindImage {
		return p.images
	}
	return p.videos
}

// PreloadVideo warms a video and returns once it settled. Failures are
// absorbed.
func (p *Preloader) PreloadVideo(ctx context.Context, url string, priority Priority) {
	p.preload(ctx, url, KindVideo, priority)
}

// PreloadImage warms an image. A high-priority image is loaded eagerly and
// the call returns once it settled. A low-priority image is lazy: it is queued
// as background work on the preloader's own context and the call returns at
// once. Use Wait to join lazy loads.
func (p *Preloader) PreloadImage(ctx context.Context, url string, priority Priority) {
	if priority == PriorityHigh {
		p.preload(ctx, url, KindImage, priority)
		return
	}
	p.later(url, KindImage)
}

// later runs a low-priority preload in the background unless Close was called.
func (p *Preloader) later(url string, kind Kind) {
	if p.ctx.Err() != nil {
		return
	}
	p.background.Add(1)
	go func() {
		defer p.background.Done()
		p.preload(p.ctx, url, kind, PriorityLow)
	}()
}

func (p *Preloader) preload(ctx context.Context, url string, kind Kind, priority Priority) {
	url = strings.TrimSpace(url)
	if url == "" {
		return
	}
	quality := p.quality.Quality()
	if quality == netquality.QualityOffline {
		return
	}
	if quality == netquality.QualitySlow && priority != PriorityHigh {
		return
	}

	key := cachekey.Normalize(url)
	pendingKey := string(kind) + ":" + key
	cache := p.cacheFor(kind)

	p.mu.Lock()
	if cache.Contains(key) {
		p.mu.Unlock()
		return
	}
	if _, inFlight := p.pending[pendingKey]; inFlight {
		p.mu.Unlock()
		return
	}
	p.pending[pendingKey] = struct{}{}
	epoch := p.epoch
	p.mu.Unlock()

	mode, timeout := p.plan(kind, quality)
	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	el, err := p.fetcher.Fetch(fetchCtx, Request{URL: url, Kind: kind, Mode: mode, Priority: priority})
	timedOut := errors.Is(fetchCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err == nil && el == nil {
		err = fmt.Errorf("preload: fetcher returned no element for %s", key)
	}

	p.mu.Lock()
	stale := p.epoch != epoch
	if !stale {
		delete(p.pending, pendingKey)
	}
	if err == nil && !stale {
		el.LoadedAt = p.now()
		cache.Add(key, el)
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		if stale {
			el.Release()
		}
		p.metrics.ObserveMediaPreload(string(kind), metrics.LoadSuccess)
		p.logger.Debug("media preloaded", slog.String("kind", string(kind)), slog.String("key", key), slog.String("mode", string(mode)))
	case timedOut:
		p.metrics.ObserveMediaPreload(string(kind), metrics.LoadTimeout)
		p.logger.Debug("media preload timed out", slog.String("kind", string(kind)), slog.String("key", key), slog.Duration("timeout", timeout))
	default:
		p.metrics.ObserveMediaPreload(string(kind), metrics.LoadFailure)
		p.logger.Debug("media preload failed", slog.String("kind", string(kind)), slog.String("key", key), slog.Any("error", err))
	}
}

func (p *Preloader) plan(kind Kind, quality netquality.Quality) (Mode, time.Duration) {
	slow := quality == netquality.QualitySlow
	switch {
	case kind == KindImage && slow:
		return ModeMetadata, p.opts.SlowImageTimeout
	case kind == KindImage:
		return ModeFull, p.opts.ImageTimeout
	case slow:
		return ModeMetadata, p.opts.SlowVideoTimeout
	default:
		return ModeFull, p.opts.VideoTimeout
	}
}

// PreloadBatch warms the videos following startIndex. The high tier is
// awaited; the low tier is started in the background on fast connections
// only. Use Wait to join background work.
func (p *Preloader) PreloadBatch(ctx context.Context, urls []string, startIndex int) {
	p.batch(ctx, urls, startIndex, KindVideo)
}

// PreloadImageBatch is PreloadBatch for images.
func (p *Preloader) PreloadImageBatch(ctx context.Context, urls []string, startIndex int) {
	p.batch(ctx, urls, startIndex, KindImage)
}

func (p *Preloader) batch(ctx context.Context, urls []string, start int, kind Kind) {
	quality := p.quality.Quality()
	if quality == netquality.QualityOffline {
		return
	}
	high, low := p.opts.HighCount, p.opts.LowCount
	if quality == netquality.QualitySlow {
		high, low = p.opts.SlowHighCount, 0
	}
	start = max(start, 0)
	if start >= len(urls) {
		return
	}
	highEnd := min(start+high, len(urls))
	lowEnd := min(highEnd+low, len(urls))

	g := new(errgroup.Group)
	for _, url := range urls[start:highEnd] {
		g.Go(func() error {
			p.preload(ctx, url, kind, PriorityHigh)
			return nil
		})
	}
	_ = g.Wait()

	if highEnd == lowEnd || p.ctx.Err() != nil || p.quality.Quality() != netquality.QualityFast {
		return
	}
	for _, url := range urls[highEnd:lowEnd] {
		p.later(url, kind)
	}
}

// Wait blocks until background low-priority work has settled.
func (p *Preloader) Wait() {
	p.background.Wait()
}

// WaitContext is Wait bounded by ctx.
func (p *Preloader) WaitContext(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close aborts background fetches. They settle as failures shortly after;
// join them with Wait or WaitContext. Foreground preloads are unaffected.
func (p *Preloader) Close() {
	p.cancel()
}

// GetCachedVideo returns the warmed element for url, if any.
func (p *Preloader) GetCachedVideo(url string) (*Element, bool) {
	return p.cached(url, KindVideo)
}

// GetCachedImage returns the warmed element for url, if any.
func (p *Preloader) GetCachedImage(url string) (*Element, bool) {
	return p.cached(url, KindImage)
}

func (p *Preloader) cached(url string, kind Kind) (*Element, bool) {
	key := cachekey.Normalize(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	// Peek keeps insertion order intact.
	return p.cacheFor(kind).Peek(key)
}

// Clear purges both caches and releases their buffers. Fetches still in
// flight are discarded when they settle.
func (p *Preloader) Clear() {
	p.mu.Lock()
	p.purging = true
	p.videos.Purge()
	p.images.Purge()
	p.purging = false
	p.pending = make(map[string]struct{})
	p.epoch++
	p.mu.Unlock()
	p.logger.Debug("media caches cleared")
}

func (p *Preloader) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Videos: p.videos.Len(), Images: p.images.Len(), Pending: len(p.pending)}
}

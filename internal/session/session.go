package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/l0p7/governor/internal/avatar"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/preload"
	"github.com/l0p7/governor/internal/ratelimit"
)

// ErrSignalsReadOnly is returned by ReportNetwork when the session was built
// on a signal source that cannot be pushed to.
var ErrSignalsReadOnly = errors.New("session: network signals are read-only")

// SignalSink is the push side of a platform signal source.
type SignalSink interface {
	SetOnline(online bool)
	SetInfo(info netquality.NetworkInfo)
	ClearInfo()
}

// Options assembles a Session. Logger, Metrics and the quality monitor are
// shared with every component, overriding whatever the per-component
// options carry.
type Options struct {
	Signals netquality.Signals
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	Clock   func() time.Time

	Monitor   netquality.Options
	Avatar    avatar.Options
	Media     preload.Options
	RateLimit ratelimit.Options
}

// Session owns one user session's governance components. The components do
// not know about each other; the session only hands them the same monitor.
type Session struct {
	id        uuid.UUID
	startedAt time.Time
	logger    *slog.Logger
	signals   netquality.Signals

	monitor *netquality.Monitor
	avatars *avatar.Cache
	media   *preload.Preloader
	limiter *ratelimit.Limiter
}

// Snapshot is the diagnostic view of a session.
type Snapshot struct {
	ID         string                      `json:"id"`
	StartedAt  time.Time                   `json:"startedAt"`
	Network    netquality.Sample           `json:"network"`
	Avatars    avatar.Stats                `json:"avatars"`
	Media      preload.Stats               `json:"media"`
	RateLimits map[string]ratelimit.Status `json:"rateLimits"`
}

// New composes a session from its components. The avatar Resolver and media
// Fetcher are required; Signals default to ManualSignals.
func New(opts Options) (*Session, error) {
	if opts.Signals == nil {
		opts.Signals = netquality.NewManualSignals()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	id := uuid.New()
	logger = logger.With(slog.String("session", id.String()))

	monOpts := opts.Monitor
	monOpts.Logger, monOpts.Metrics = logger, opts.Metrics
	if monOpts.Clock == nil {
		monOpts.Clock = opts.Clock
	}
	monitor := netquality.NewMonitor(opts.Signals, monOpts)

	avOpts := opts.Avatar
	avOpts.Quality, avOpts.Logger, avOpts.Metrics = monitor, logger, opts.Metrics
	if avOpts.Clock == nil {
		avOpts.Clock = opts.Clock
	}
	avatars, err := avatar.New(avOpts)
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	mediaOpts := opts.Media
	mediaOpts.Quality, mediaOpts.Logger, mediaOpts.Metrics = monitor, logger, opts.Metrics
	if mediaOpts.Clock == nil {
		mediaOpts.Clock = opts.Clock
	}
	media, err := preload.New(mediaOpts)
	if err != nil {
		_ = avatars.Close(context.Background())
		return nil, fmt.Errorf("session: %w", err)
	}

	rlOpts := opts.RateLimit
	rlOpts.Logger, rlOpts.Metrics = logger, opts.Metrics
	if rlOpts.Clock == nil {
		rlOpts.Clock = opts.Clock
	}

	s := &Session{
		id:        id,
		startedAt: opts.Clock(),
		logger:    logger,
		signals:   opts.Signals,
		monitor:   monitor,
		avatars:   avatars,
		media:     media,
		limiter:   ratelimit.New(rlOpts),
	}
	monitor.Subscribe(func(q netquality.Quality) {
		s.logger.Info("session network quality", slog.String("quality", string(q)))
	})
	s.logger.Info("session started", slog.String("quality", string(monitor.Quality())))
	return s, nil
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) Monitor() *netquality.Monitor { return s.monitor }

func (s *Session) Limiter() *ratelimit.Limiter { return s.limiter }

// ReportNetwork pushes platform signals into the session. A nil info clears
// the capability report.
func (s *Session) ReportNetwork(online bool, info *netquality.NetworkInfo) error {
	sink, ok := s.signals.(SignalSink)
	if !ok {
		return ErrSignalsReadOnly
	}
	if info != nil {
		sink.SetInfo(*info)
	} else {
		sink.ClearInfo()
	}
	sink.SetOnline(online)
	return nil
}

func (s *Session) PreloadAvatar(ctx context.Context, url string) string {
	return s.avatars.Preload(ctx, url)
}

func (s *Session) GetCachedAvatar(url string) (string, bool) {
	return s.avatars.GetCached(url)
}

func (s *Session) IsAvatarPreloaded(url string) bool {
	return s.avatars.IsPreloaded(url)
}

func (s *Session) PreloadAvatars(ctx context.Context, urls []string) error {
	return s.avatars.PreloadMany(ctx, urls)
}

// RetryAvatar clears a terminal failure for url and loads it again.
func (s *Session) RetryAvatar(ctx context.Context, url string) string {
	return s.avatars.Retry(ctx, url)
}

func (s *Session) ClearAvatarCache() {
	s.avatars.Clear()
}

func (s *Session) PreloadVideo(ctx context.Context, url string, priority preload.Priority) {
	s.media.PreloadVideo(ctx, url, priority)
}

func (s *Session) PreloadImage(ctx context.Context, url string, priority preload.Priority) {
	s.media.PreloadImage(ctx, url, priority)
}

func (s *Session) GetCachedVideo(url string) (*preload.Element, bool) {
	return s.media.GetCachedVideo(url)
}

func (s *Session) PreloadVideos(ctx context.Context, urls []string, startIndex int) {
	s.media.PreloadBatch(ctx, urls, startIndex)
}

func (s *Session) PreloadImages(ctx context.Context, urls []string, startIndex int) {
	s.media.PreloadImageBatch(ctx, urls, startIndex)
}

func (s *Session) ClearVideoCache() {
	s.media.Clear()
}

func (s *Session) CheckRateLimit(action ratelimit.Action, scope string) ratelimit.Decision {
	return s.limiter.Check(action, scope)
}

// GuardRateLimit runs fn under the action's quota.
func (s *Session) GuardRateLimit(action ratelimit.Action, scope string, fn func() error) error {
	return s.limiter.Guard(action, scope, fn)
}

func (s *Session) ClearRateLimit(action ratelimit.Action, scope string) {
	s.limiter.Clear(action, scope)
}

// RateLimitStatusFor reports one counter without counting a call.
func (s *Session) RateLimitStatusFor(action ratelimit.Action, scope string) ratelimit.Status {
	return s.limiter.Status(action, scope)
}

func (s *Session) RateLimitStatus() map[string]ratelimit.Status {
	return s.limiter.Snapshot()
}

// ApplyRateLimits swaps the quota table, typically after a config reload.
func (s *Session) ApplyRateLimits(table ratelimit.Table) {
	s.limiter.Reconfigure(table)
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:         s.ID(),
		StartedAt:  s.startedAt,
		Network:    s.monitor.Sample(),
		Avatars:    s.avatars.Stats(),
		Media:      s.media.Stats(),
		RateLimits: s.limiter.Snapshot(),
	}
}

// Logout drops the avatar and media caches. Rate-limit counters survive so a
// logout cannot be used to reset a quota.
func (s *Session) Logout() {
	s.avatars.Clear()
	s.media.Clear()
	s.logger.Info("session caches cleared")
}

// Close tears the session down and closes the durable store. Background media
// fetches are cancelled; if they have not settled when ctx ends, Close stops
// waiting and reports ctx's error alongside any store error.
func (s *Session) Close(ctx context.Context) error {
	s.Logout()
	s.media.Close()
	var errs []error
	if err := s.media.WaitContext(ctx); err != nil {
		s.logger.Warn("media fetches still running at close", slog.Any("error", err))
		errs = append(errs, fmt.Errorf("session: media: %w", err))
	}
	if err := s.avatars.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("session closed")
	return nil
}

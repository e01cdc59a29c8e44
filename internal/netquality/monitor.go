package netquality

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/governor/internal/metrics"
)

// DefaultTTL bounds how long a computed sample is reused during bursts.
const DefaultTTL = 5 * time.Second

// Options tunes a Monitor. Zero values pick the defaults.
type Options struct {
	TTL        time.Duration
	Classifier Classifier
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Clock      func() time.Time
}

// Monitor classifies connection quality from platform signals and memoises
// the answer for a short TTL. Push events from a Notifier source invalidate
// the memo immediately.
type Monitor struct {
	signals    Signals
	classifier Classifier
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Recorder

	mu          sync.Mutex
	sample      Sample
	valid       bool
	subscribers []func(Quality)
}

func NewMonitor(signals Signals, opts Options) *Monitor {
	if signals == nil {
		signals = NewManualSignals()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Classifier == nil {
		opts.Classifier = DefaultClassifier
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m := &Monitor{
		signals:    signals,
		classifier: opts.Classifier,
		ttl:        opts.TTL,
		now:        opts.Clock,
		logger:     logger.With(slog.String("component", "netquality")),
		metrics:    opts.Metrics,
	}
	if notifier, ok := signals.(Notifier); ok {
		notifier.OnChange(m.Notify)
	}
	return m
}

// Quality returns the memoised class, recomputing it once the TTL elapsed.
func (m *Monitor) Quality() Quality {
	return m.Sample().Quality
}

// Sample returns the memoised measurement, recomputing it when stale.
func (m *Monitor) Sample() Sample {
	m.mu.Lock()
	now := m.now()
	if m.valid && now.Sub(m.sample.MeasuredAt) <= m.ttl {
		sample := m.sample
		m.mu.Unlock()
		return sample
	}
	prev, hadPrev := m.sample.Quality, m.valid
	sample := m.measureLocked(now)
	m.mu.Unlock()

	if !hadPrev || prev != sample.Quality {
		m.metrics.SetNetworkQuality(string(sample.Quality))
	}
	return sample
}

// Notify applies a platform push event. The memo is dropped and recomputed
// right away so callers never observe a stale online/offline state.
func (m *Monitor) Notify(ev Event) {
	m.mu.Lock()
	prev, hadPrev := m.sample.Quality, m.valid
	sample := m.measureLocked(m.now())
	subscribers := make([]func(Quality), len(m.subscribers))
	copy(subscribers, m.subscribers)
	m.mu.Unlock()

	m.logger.Debug("network event", slog.String("event", ev.String()), slog.String("quality", string(sample.Quality)))
	if hadPrev && prev == sample.Quality {
		return
	}
	m.metrics.SetNetworkQuality(string(sample.Quality))
	if hadPrev {
		m.logger.Info("network quality changed", slog.String("from", string(prev)), slog.String("to", string(sample.Quality)))
	}
	for _, fn := range subscribers {
		fn(sample.Quality)
	}
}

// Invalidate drops the memo without recomputing.
func (m *Monitor) Invalidate() {
	m.mu.Lock()
	m.valid = false
	m.mu.Unlock()
}

// Subscribe registers fn for quality transitions caused by push events.
func (m *Monitor) Subscribe(fn func(Quality)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// measureLocked must be called with m.mu held.
func (m *Monitor) measureLocked(now time.Time) Sample {
	quality := m.classify()
	m.sample = Sample{Quality: quality, MeasuredAt: now}
	m.valid = true
	return m.sample
}

func (m *Monitor) classify() Quality {
	if !m.signals.Online() {
		return QualityOffline
	}
	info, ok := m.signals.Info()
	if !ok {
		return QualityFast
	}
	q := m.classifier.Classify(info)
	if q != QualitySlow {
		// Classifiers only separate fast from slow; offline comes from Online().
		return QualityFast
	}
	return q
}

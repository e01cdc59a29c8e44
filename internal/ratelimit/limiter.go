package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/l0p7/governor/internal/metrics"
)

// Unlimited is the Remaining value reported for actions without a quota.
const Unlimited = -1

// Action names come from callers, so only configured ones become metric labels.
const unconfiguredLabel = "unconfigured"

// Decision is the outcome of a Check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetIn    time.Duration `json:"resetIn"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Status is a read-only view of one counter.
type Status struct {
	Count     int           `json:"count"`
	Remaining int           `json:"remaining"`
	ResetIn   time.Duration `json:"resetIn"`
	Blocked   bool          `json:"blocked"`
}

type entry struct {
	action       Action
	scope        string
	count        int
	windowStart  time.Time
	blocked      bool
	blockedUntil time.Time
}

// Options configures a Limiter. A nil Table selects DefaultTable.
type Options struct {
	Table   Table
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Limiter enforces per-action, per-scope quotas over a rolling window.
// Entries are created lazily and never swept; a stale entry is simply
// replaced by the next call.
type Limiter struct {
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu      sync.Mutex
	table   Table
	entries map[string]*entry
}

// New builds a Limiter over a copy of opts.Table.
func New(opts Options) *Limiter {
	table := opts.Table
	if table == nil {
		table = DefaultTable()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Limiter{
		now:     opts.Clock,
		logger:  logger.With(slog.String("component", "ratelimit")),
		metrics: opts.Metrics,
		table:   table.Clone(),
		entries: make(map[string]*entry),
	}
}

func entryKey(action Action, scope string) string {
	if scope == "" {
		return string(action)
	}
	return string(action) + ":" + scope
}

// Check counts one call against action/scope and reports whether it may
// proceed. Checks never block.
func (l *Limiter) Check(action Action, scope string) Decision {
	l.mu.Lock()
	decision, result := l.checkLocked(action, scope, l.now())
	l.mu.Unlock()

	label := string(action)
	if result == metrics.RateLimitUnlimited {
		label = unconfiguredLabel
	}
	l.metrics.ObserveRateLimit(label, result)
	return decision
}

func (l *Limiter) checkLocked(action Action, scope string, now time.Time) (Decision, metrics.RateLimitResult) {
	quota, ok := l.table[action]
	if !ok || quota.MaxRequests <= 0 {
		return Decision{Allowed: true, Remaining: Unlimited}, metrics.RateLimitUnlimited
	}

	key := entryKey(action, scope)
	e := l.entries[key]
	if e != nil && e.blocked {
		if now.Before(e.blockedUntil) {
			wait := e.blockedUntil.Sub(now)
			return Decision{Allowed: false, Remaining: 0, ResetIn: wait, RetryAfter: wait}, metrics.RateLimitBlocked
		}
		e = nil
	}

	if e == nil || now.Sub(e.windowStart) >= quota.Window {
		l.entries[key] = &entry{action: action, scope: scope, count: 1, windowStart: now}
		return Decision{Allowed: true, Remaining: quota.MaxRequests - 1, ResetIn: quota.Window}, metrics.RateLimitAllowed
	}

	resetIn := quota.Window - now.Sub(e.windowStart)
	if e.count < quota.MaxRequests {
		e.count++
		return Decision{Allowed: true, Remaining: quota.MaxRequests - e.count, ResetIn: resetIn}, metrics.RateLimitAllowed
	}

	retryAfter := resetIn
	if quota.BlockDuration > 0 {
		e.blocked = true
		e.blockedUntil = now.Add(quota.BlockDuration)
		retryAfter = quota.BlockDuration
		l.logger.Warn("rate limit block engaged",
			slog.String("action", string(action)),
			slog.String("scope", scope),
			slog.Duration("block", quota.BlockDuration),
		)
	}
	return Decision{Allowed: false, Remaining: 0, ResetIn: resetIn, RetryAfter: retryAfter}, metrics.RateLimitDenied
}

// Status reports the counter for action/scope without counting a call.
func (l *Limiter) Status(action Action, scope string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statusLocked(action, l.entries[entryKey(action, scope)], l.now())
}

func (l *Limiter) statusLocked(action Action, e *entry, now time.Time) Status {
	quota, ok := l.table[action]
	if !ok || quota.MaxRequests <= 0 {
		return Status{Remaining: Unlimited}
	}
	if e == nil {
		return Status{Remaining: quota.MaxRequests}
	}
	if e.blocked {
		if now.Before(e.blockedUntil) {
			return Status{Count: e.count, Remaining: 0, ResetIn: e.blockedUntil.Sub(now), Blocked: true}
		}
		return Status{Remaining: quota.MaxRequests}
	}
	elapsed := now.Sub(e.windowStart)
	if elapsed >= quota.Window {
		return Status{Remaining: quota.MaxRequests}
	}
	return Status{
		Count:     e.count,
		Remaining: max(quota.MaxRequests-e.count, 0),
		ResetIn:   quota.Window - elapsed,
	}
}

// Snapshot returns the status of every tracked counter keyed by
// "action" or "action:scope".
func (l *Limiter) Snapshot() map[string]Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make(map[string]Status, len(l.entries))
	for key, e := range l.entries {
		out[key] = l.statusLocked(e.action, e, now)
	}
	return out
}

// Clear forgets the counter for action/scope.
func (l *Limiter) Clear(action Action, scope string) {
	l.mu.Lock()
	delete(l.entries, entryKey(action, scope))
	l.mu.Unlock()
}

// ClearAll forgets every counter.
func (l *Limiter) ClearAll() {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.mu.Unlock()
}

// Reconfigure swaps the quota table. Existing counters are kept and judged
// against the new quotas from the next call on.
func (l *Limiter) Reconfigure(table Table) {
	if table == nil {
		table = DefaultTable()
	}
	l.mu.Lock()
	l.table = table.Clone()
	l.mu.Unlock()
	l.logger.Info("rate limit table reloaded", slog.Int("actions", len(table)))
}

// Table returns a copy of the active quotas.
func (l *Limiter) Table() Table {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Clone()
}

// Guard runs fn when action/scope is allowed and returns a *RateLimitError
// otherwise.
func (l *Limiter) Guard(action Action, scope string, fn func() error) error {
	if d := l.Check(action, scope); !d.Allowed {
		return &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
	}
	return fn()
}

// WithLimit wraps fn so every invocation is checked first. Denied calls
// return the zero R and a *RateLimitError without invoking fn.
func WithLimit[A, R any](l *Limiter, action Action, scope string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		if d := l.Check(action, scope); !d.Allowed {
			var zero R
			return zero, &RateLimitError{Action: action, RetryAfter: d.RetryAfter}
		}
		return fn(ctx, arg)
	}
}

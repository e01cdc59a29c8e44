package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AvatarSource identifies where an avatar resolution was served from.
type AvatarSource string

const (
	// AvatarSourceMemory indicates the in-memory session cache answered.
	AvatarSourceMemory AvatarSource = "memory"
	// AvatarSourceNetwork indicates a fresh load succeeded.
	AvatarSourceNetwork AvatarSource = "network"
	// AvatarSourceDurable indicates the durable store answered while offline.
	AvatarSourceDurable AvatarSource = "durable"
	// AvatarSourceFallback indicates the original URL was handed back.
	AvatarSourceFallback AvatarSource = "fallback"
)

// LoadResult captures the outcome of a single network attempt.
type LoadResult string

const (
	LoadSuccess LoadResult = "success"
	LoadFailure LoadResult = "failure"
	LoadTimeout LoadResult = "timeout"
)

// RateLimitResult captures a limiter decision.
type RateLimitResult string

const (
	RateLimitAllowed   RateLimitResult = "allowed"
	RateLimitDenied    RateLimitResult = "denied"
	RateLimitBlocked   RateLimitResult = "blocked"
	RateLimitUnlimited RateLimitResult = "unlimited"
)

var qualityLabels = []string{"fast", "slow", "offline"}

// Recorder publishes Prometheus metrics for the governance layer.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	avatarResolutions *prometheus.CounterVec
	avatarAttempts    *prometheus.CounterVec

	mediaPreloads *prometheus.CounterVec
	mediaEvicted  *prometheus.CounterVec

	rateLimitDecisions *prometheus.CounterVec

	networkQuality *prometheus.GaugeVec
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	avatarResolutions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "avatar",
		Name:      "resolutions_total",
		Help:      "Avatar preload calls by the source that answered them.",
	}, []string{"source"})

	avatarAttempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "avatar",
		Name:      "load_attempts_total",
		Help:      "Network load attempts issued by the avatar cache.",
	}, []string{"result"})

	mediaPreloads := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "media",
		Name:      "preloads_total",
		Help:      "Media preload fetches by kind and result.",
	}, []string{"kind", "result"})

	mediaEvicted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "media",
		Name:      "evictions_total",
		Help:      "Entries evicted from the bounded media caches.",
	}, []string{"kind"})

	rateLimitDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "governor",
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limiter decisions per action.",
	}, []string{"action", "result"})

	networkQuality := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "governor",
		Subsystem: "network",
		Name:      "quality",
		Help:      "Current connection quality; the active class is set to 1.",
	}, []string{"quality"})

	reg.MustRegister(avatarResolutions, avatarAttempts, mediaPreloads, mediaEvicted, rateLimitDecisions, networkQuality)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:           reg,
		handler:            handler,
		avatarResolutions:  avatarResolutions,
		avatarAttempts:     avatarAttempts,
		mediaPreloads:      mediaPreloads,
		mediaEvicted:       mediaEvicted,
		rateLimitDecisions: rateLimitDecisions,
		networkQuality:     networkQuality,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveAvatarResolution records which source answered an avatar preload.
func (r *Recorder) ObserveAvatarResolution(source AvatarSource) {
	if r == nil {
		return
	}
	label := string(source)
	if label == "" {
		label = string(AvatarSourceFallback)
	}
	r.avatarResolutions.WithLabelValues(label).Inc()
}

// ObserveAvatarAttempt records one network attempt.
func (r *Recorder) ObserveAvatarAttempt(result LoadResult) {
	if r == nil {
		return
	}
	r.avatarAttempts.WithLabelValues(loadLabel(result)).Inc()
}

// ObserveMediaPreload records a settled media fetch.
func (r *Recorder) ObserveMediaPreload(kind string, result LoadResult) {
	if r == nil {
		return
	}
	r.mediaPreloads.WithLabelValues(normalizeLabel(kind), loadLabel(result)).Inc()
}

// ObserveMediaEviction records a capacity eviction.
func (r *Recorder) ObserveMediaEviction(kind string) {
	if r == nil {
		return
	}
	r.mediaEvicted.WithLabelValues(normalizeLabel(kind)).Inc()
}

// ObserveRateLimit records a limiter decision.
func (r *Recorder) ObserveRateLimit(action string, result RateLimitResult) {
	if r == nil {
		return
	}
	label := string(result)
	if label == "" {
		label = string(RateLimitAllowed)
	}
	r.rateLimitDecisions.WithLabelValues(normalizeLabel(action), label).Inc()
}

// SetNetworkQuality flips the quality gauge so exactly one class reads 1.
func (r *Recorder) SetNetworkQuality(quality string) {
	if r == nil {
		return
	}
	for _, label := range qualityLabels {
		value := 0.0
		if label == quality {
			value = 1
		}
		r.networkQuality.WithLabelValues(label).Set(value)
	}
}

func loadLabel(result LoadResult) string {
	if result == "" {
		return string(LoadFailure)
	}
	return string(result)
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}

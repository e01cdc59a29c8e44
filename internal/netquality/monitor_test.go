package netquality

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingSignals struct {
	online bool
	info   NetworkInfo
	has    bool
	reads  int
}

func (s *countingSignals) Online() bool {
	s.reads++
	return s.online
}

func (s *countingSignals) Info() (NetworkInfo, bool) { return s.info, s.has }

func TestDefaultClassifier(t *testing.T) {
	tests := []struct {
		name string
		info NetworkInfo
		want Quality
	}{
		{name: "save data", info: NetworkInfo{EffectiveType: "4g", Downlink: 10, SaveData: true}, want: QualitySlow},
		{name: "2g", info: NetworkInfo{EffectiveType: "2g", Downlink: 10}, want: QualitySlow},
		{name: "slow-2g", info: NetworkInfo{EffectiveType: "slow-2g"}, want: QualitySlow},
		{name: "3g", info: NetworkInfo{EffectiveType: "3G"}, want: QualitySlow},
		{name: "low downlink", info: NetworkInfo{EffectiveType: "4g", Downlink: 1.5}, want: QualitySlow},
		{name: "4g", info: NetworkInfo{EffectiveType: "4g", Downlink: 9.7}, want: QualityFast},
		{name: "unknown downlink", info: NetworkInfo{EffectiveType: "4g"}, want: QualityFast},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, DefaultClassifier.Classify(tt.info))
		})
	}
}

func TestMonitorDefaultsToFastWithoutCapability(t *testing.T) {
	m := NewMonitor(NewManualSignals(), Options{})
	require.Equal(t, QualityFast, m.Quality())
}

func TestMonitorOfflineWinsOverInfo(t *testing.T) {
	signals := NewManualSignals()
	signals.SetInfo(NetworkInfo{EffectiveType: "4g", Downlink: 20})
	signals.SetOnline(false)
	m := NewMonitor(signals, Options{})
	require.Equal(t, QualityOffline, m.Quality())
}

func TestMonitorMemoisesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	signals := &countingSignals{online: true}
	m := NewMonitor(signals, Options{Clock: clock.Now})

	require.Equal(t, QualityFast, m.Quality())
	require.Equal(t, 1, signals.reads)

	signals.online = false
	clock.Advance(4 * time.Second)
	require.Equal(t, QualityFast, m.Quality(), "memo should hide changes inside the ttl")
	require.Equal(t, 1, signals.reads)

	clock.Advance(2 * time.Second)
	require.Equal(t, QualityOffline, m.Quality())
	require.Equal(t, 2, signals.reads)
}

func TestMonitorPushEventsBypassTTL(t *testing.T) {
	clock := newFakeClock()
	signals := NewManualSignals()
	m := NewMonitor(signals, Options{Clock: clock.Now})

	var seen []Quality
	m.Subscribe(func(q Quality) { seen = append(seen, q) })

	require.Equal(t, QualityFast, m.Quality())

	signals.SetOnline(false)
	require.Equal(t, QualityOffline, m.Quality())

	signals.SetOnline(true)
	require.Equal(t, QualityFast, m.Quality())

	signals.SetInfo(NetworkInfo{EffectiveType: "3g"})
	require.Equal(t, QualitySlow, m.Quality())

	require.Equal(t, []Quality{QualityOffline, QualityFast, QualitySlow}, seen)
}

func TestMonitorCustomClassifierCannotReportOffline(t *testing.T) {
	signals := NewManualSignals()
	signals.SetInfo(NetworkInfo{})
	m := NewMonitor(signals, Options{Classifier: ClassifierFunc(func(NetworkInfo) Quality { return QualityOffline })})
	require.Equal(t, QualityFast, m.Quality())
}

func TestMonitorInvalidate(t *testing.T) {
	clock := newFakeClock()
	signals := &countingSignals{online: true}
	m := NewMonitor(signals, Options{Clock: clock.Now})
	m.Quality()
	signals.online = false
	m.Invalidate()
	require.Equal(t, QualityOffline, m.Quality())
}

func TestQualityValid(t *testing.T) {
	require.True(t, QualityFast.Valid())
	require.True(t, QualityOffline.Valid())
	require.False(t, Quality("medium").Valid())
}

package report

import (
	"strings"
	"testing"
	"time"

	"github.com/l0p7/governor/internal/avatar"
	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/preload"
	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/l0p7/governor/internal/session"
	"github.com/stretchr/testify/require"
)

func TestDefaultTemplateRendersSnapshot(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	out, err := r.Render(session.Snapshot{
		ID:        "4b0c2a6e-1111-2222-3333-444455556666",
		StartedAt: at,
		Network:   netquality.Sample{Quality: netquality.QualitySlow, MeasuredAt: at},
		Avatars:   avatar.Stats{Loaded: 4, Failed: 1},
		Media:     preload.Stats{Videos: 3, Images: 7, Pending: 1},
		RateLimits: map[string]ratelimit.Status{
			"upload:user1":       {Count: 2, Remaining: 18, ResetIn: 30 * time.Second},
			"auth-attempt:user1": {Count: 5, ResetIn: 10 * time.Minute, Blocked: true},
		},
	})
	require.NoError(t, err)
	require.Contains(t, out, "session 4b0c2a6e-1111-2222-3333-444455556666 up since 2025-03-01T10:30:00Z")
	require.Contains(t, out, "network: SLOW")
	require.Contains(t, out, "avatars: loaded=4 failed=1 in-flight=0")
	require.Contains(t, out, "media: videos=3 images=7 pending=1")
	require.Contains(t, out, "remaining=18 reset=30s")
	require.Contains(t, out, "BLOCKED")
	require.Less(t, strings.Index(out, "auth-attempt:user1"), strings.Index(out, "upload:user1"))
}

func TestDefaultTemplateWithoutRateLimits(t *testing.T) {
	r, err := New("")
	require.NoError(t, err)
	out, err := r.Render(session.Snapshot{ID: "x", StartedAt: time.Now()})
	require.NoError(t, err)
	require.Contains(t, out, "rate limits:\n  none")
}

func TestCustomTemplateUsesSprig(t *testing.T) {
	r, err := New(`{{ .name | title }} {{ list 1 2 3 | len }}`)
	require.NoError(t, err)
	out, err := r.Render(map[string]any{"name": "governor"})
	require.NoError(t, err)
	require.Equal(t, "Governor 3", out)
}

func TestEnvironmentHelpersRemoved(t *testing.T) {
	_, err := New(`{{ env "HOME" }}`)
	require.Error(t, err)
	_, err = New(`{{ readFile "/etc/passwd" }}`)
	require.Error(t, err)
}

func TestCompileError(t *testing.T) {
	_, err := New(`{{ .Broken `)
	require.Error(t, err)
}

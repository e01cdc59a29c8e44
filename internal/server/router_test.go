package server

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/l0p7/governor/internal/avatar"
	"github.com/l0p7/governor/internal/metrics"
	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/preload"
	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/l0p7/governor/internal/report"
	"github.com/l0p7/governor/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

type readOnlySignals struct{}

func (readOnlySignals) Online() bool { return true }

func (readOnlySignals) Info() (netquality.NetworkInfo, bool) { return netquality.NetworkInfo{}, false }

func newTestSession(t *testing.T, signals netquality.Signals, rec *metrics.Recorder) *session.Session {
	t.Helper()
	s, err := session.New(session.Options{
		Signals: signals,
		Metrics: rec,
		Logger:  newTestLogger(),
		Avatar: avatar.Options{Resolver: avatar.ResolverFunc(func(_ context.Context, url string) (string, error) {
			return url, nil
		})},
		Media: preload.Options{Fetcher: preload.FetcherFunc(func(context.Context, preload.Request) (*preload.Element, error) {
			return nil, errors.New("offline test fetcher")
		})},
		RateLimit: ratelimit.Options{Table: ratelimit.Table{
			ratelimit.ActionSearch: {MaxRequests: 2, Window: time.Minute},
		}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newExpect(t *testing.T, handler http.Handler) *httpexpect.Expect {
	t.Helper()
	return httpexpect.WithConfig(httpexpect.Config{
		BaseURL:  "http://governor.test",
		Reporter: httpexpect.NewRequireReporter(t),
		Client:   &http.Client{Transport: httpexpect.NewBinder(handler)},
	})
}

func TestRouterHealth(t *testing.T) {
	s := newTestSession(t, nil, nil)
	e := newExpect(t, NewRouter(s, RouterOptions{}))

	obj := e.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("status").String().IsEqual("ok")
	obj.Value("session").String().IsEqual(s.ID())
	obj.Value("quality").String().IsEqual("fast")
}

func TestRouterNetworkReportChangesQuality(t *testing.T) {
	s := newTestSession(t, nil, nil)
	e := newExpect(t, NewRouter(s, RouterOptions{}))

	e.POST("/network").WithJSON(map[string]any{"online": true, "effectiveType": "3g"}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("quality").String().IsEqual("slow")
	require.Equal(t, netquality.QualitySlow, s.Monitor().Quality())

	e.POST("/network").WithJSON(map[string]any{"online": true, "downlink": 10.0, "rttMs": 40}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("quality").String().IsEqual("fast")

	e.POST("/network").WithJSON(map[string]any{"online": false}).
		Expect().Status(http.StatusOK).
		JSON().Object().Value("quality").String().IsEqual("offline")

	e.POST("/network").WithText("not json").Expect().Status(http.StatusBadRequest)
	e.POST("/network").WithJSON(map[string]any{"online": true, "bogus": 1}).Expect().Status(http.StatusBadRequest)
}

func TestRouterNetworkReadOnlySignals(t *testing.T) {
	s := newTestSession(t, readOnlySignals{}, nil)
	e := newExpect(t, NewRouter(s, RouterOptions{}))

	e.POST("/network").WithJSON(map[string]any{"online": false}).
		Expect().Status(http.StatusConflict).
		JSON().Object().Value("error").String().Contains("read-only")
}

func TestRouterRateLimit(t *testing.T) {
	s := newTestSession(t, nil, nil)
	e := newExpect(t, NewRouter(s, RouterOptions{}))

	s.CheckRateLimit(ratelimit.ActionSearch, "u1")
	s.CheckRateLimit(ratelimit.ActionSearch, "u1")
	require.False(t, s.CheckRateLimit(ratelimit.ActionSearch, "u1").Allowed)

	obj := e.GET("/ratelimit/search").WithQuery("scope", "u1").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("limited").Boolean().IsTrue()
	obj.Value("count").Number().IsEqual(2)
	obj.Value("remaining").Number().IsEqual(0)

	e.GET("/ratelimit/like").Expect().Status(http.StatusOK).
		JSON().Object().Value("remaining").Number().IsEqual(ratelimit.Unlimited)

	e.DELETE("/ratelimit/search").WithQuery("scope", "u1").Expect().Status(http.StatusNoContent)
	require.True(t, s.CheckRateLimit(ratelimit.ActionSearch, "u1").Allowed)
}

func TestRouterStatus(t *testing.T) {
	s := newTestSession(t, nil, nil)
	renderer, err := report.New("")
	require.NoError(t, err)
	e := newExpect(t, NewRouter(s, RouterOptions{Renderer: renderer}))

	s.PreloadAvatar(context.Background(), "https://cdn.example.com/a.png")
	s.CheckRateLimit(ratelimit.ActionSearch, "")

	obj := e.GET("/status").Expect().Status(http.StatusOK).JSON().Object()
	obj.Value("id").String().IsEqual(s.ID())
	obj.Value("avatars").Object().Value("loaded").Number().IsEqual(1)
	obj.Value("rateLimits").Object().ContainsKey("search")

	text := e.GET("/status").WithQuery("format", "text").Expect().Status(http.StatusOK)
	text.Header("Content-Type").Contains("text/plain")
	text.Body().Contains("network: FAST").Contains("avatars: loaded=1")

	bare := newExpect(t, NewRouter(s, RouterOptions{}))
	bare.GET("/status").WithQuery("format", "text").Expect().Status(http.StatusNotImplemented)
}

func TestRouterMetrics(t *testing.T) {
	rec := metrics.NewRecorder(prometheus.NewRegistry())
	s := newTestSession(t, nil, rec)
	e := newExpect(t, NewRouter(s, RouterOptions{Metrics: rec.Handler()}))

	s.CheckRateLimit(ratelimit.ActionSearch, "")
	e.GET("/metrics").Expect().Status(http.StatusOK).Body().Contains("search")

	e = newExpect(t, NewRouter(s, RouterOptions{}))
	e.GET("/metrics").Expect().Status(http.StatusNotFound)
}

func TestRouterWithoutSession(t *testing.T) {
	e := newExpect(t, NewRouter(nil, RouterOptions{}))
	e.GET("/healthz").Expect().Status(http.StatusServiceUnavailable)
}

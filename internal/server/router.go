package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/l0p7/governor/internal/netquality"
	"github.com/l0p7/governor/internal/ratelimit"
	"github.com/l0p7/governor/internal/report"
	"github.com/l0p7/governor/internal/session"
)

// SessionHTTP defines the minimal surface the diagnostics router needs from a
// governed session.
type SessionHTTP interface {
	Snapshot() session.Snapshot
	ReportNetwork(online bool, info *netquality.NetworkInfo) error
	RateLimitStatusFor(action ratelimit.Action, scope string) ratelimit.Status
	ClearRateLimit(action ratelimit.Action, scope string)
}

// RouterOptions wires the optional collaborators of the diagnostics router.
type RouterOptions struct {
	Metrics  http.Handler
	Renderer *report.Renderer
	Logger   *slog.Logger
}

// NetworkReport is the body accepted by POST /network. A report without
// effectiveType, downlink, saveData or rttMs clears the capability report.
type NetworkReport struct {
	Online        bool    `json:"online"`
	EffectiveType string  `json:"effectiveType,omitempty"`
	Downlink      float64 `json:"downlink,omitempty"`
	SaveData      bool    `json:"saveData,omitempty"`
	RTTMillis     int     `json:"rttMs,omitempty"`
}

func (n NetworkReport) info() *netquality.NetworkInfo {
	if n.EffectiveType == "" && n.Downlink == 0 && !n.SaveData && n.RTTMillis == 0 {
		return nil
	}
	return &netquality.NetworkInfo{
		EffectiveType: n.EffectiveType,
		Downlink:      n.Downlink,
		SaveData:      n.SaveData,
		RTT:           time.Duration(n.RTTMillis) * time.Millisecond,
	}
}

type rateLimitView struct {
	Action    string `json:"action"`
	Scope     string `json:"scope,omitempty"`
	Limited   bool   `json:"limited"`
	Count     int    `json:"count"`
	Remaining int    `json:"remaining"`
	ResetInMs int64  `json:"resetInMs"`
	Blocked   bool   `json:"blocked"`
}

// NewRouter exposes the session's diagnostics over HTTP.
func NewRouter(s SessionHTTP, opts RouterOptions) http.Handler {
	if s == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "session unavailable", http.StatusServiceUnavailable)
		})
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rt := &router{session: s, renderer: opts.Renderer, logger: logger.With(slog.String("component", "router"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.health)
	mux.HandleFunc("GET /status", rt.status)
	mux.HandleFunc("POST /network", rt.network)
	mux.HandleFunc("GET /ratelimit/{action}", rt.rateLimit)
	mux.HandleFunc("DELETE /ratelimit/{action}", rt.clearRateLimit)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}
	return mux
}

type router struct {
	session  SessionHTTP
	renderer *report.Renderer
	logger   *slog.Logger
}

func (rt *router) health(w http.ResponseWriter, r *http.Request) {
	snap := rt.session.Snapshot()
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"session": snap.ID,
		"quality": string(snap.Network.Quality),
	})
}

func (rt *router) status(w http.ResponseWriter, r *http.Request) {
	snap := rt.session.Snapshot()
	if r.URL.Query().Get("format") != "text" {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if rt.renderer == nil {
		writeError(w, http.StatusNotImplemented, "text report not configured")
		return
	}
	body, err := rt.renderer.Render(snap)
	if err != nil {
		rt.logger.Error("status render failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "render failed")
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (rt *router) network(w http.ResponseWriter, r *http.Request) {
	var body NetworkReport
	dec := json.NewDecoder(io.LimitReader(r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid network report: %v", err))
		return
	}
	if err := rt.session.ReportNetwork(body.Online, body.info()); err != nil {
		if errors.Is(err, session.ErrSignalsReadOnly) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	rt.logger.Debug("network report applied",
		slog.Bool("online", body.Online),
		slog.String("effective_type", body.EffectiveType),
	)
	writeJSON(w, http.StatusOK, rt.session.Snapshot().Network)
}

func (rt *router) rateLimit(w http.ResponseWriter, r *http.Request) {
	action := ratelimit.Action(r.PathValue("action"))
	scope := r.URL.Query().Get("scope")
	st := rt.session.RateLimitStatusFor(action, scope)
	view := rateLimitView{
		Action:    string(action),
		Scope:     scope,
		Limited:   st.Remaining != ratelimit.Unlimited,
		Count:     st.Count,
		Remaining: st.Remaining,
		ResetInMs: st.ResetIn.Milliseconds(),
		Blocked:   st.Blocked,
	}
	writeJSON(w, http.StatusOK, view)
}

func (rt *router) clearRateLimit(w http.ResponseWriter, r *http.Request) {
	action := ratelimit.Action(r.PathValue("action"))
	scope := r.URL.Query().Get("scope")
	rt.session.ClearRateLimit(action, scope)
	rt.logger.Info("rate limit counter cleared", slog.String("action", string(action)), slog.String("scope", scope))
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

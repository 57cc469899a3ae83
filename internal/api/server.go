// Package api provides the HTTP API for observing and steering the colony.
// Reads are public. Control endpoints take POST with the admin bearer
// token.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/mars-colony/internal/clock"
	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/engine"
)

const (
	maxSSEConns    = 4
	catchUpEvents  = 50
	heartbeatEvery = 15 * time.Second
	streamRetry    = 5 * time.Second
)

var (
	errAdminDisabled = errors.New("admin endpoints disabled (no COLONYSIM_ADMIN_KEY set)")
	errUnauthorized  = errors.New("unauthorized")
)

// Server serves the colony over HTTP.
type Server struct {
	Sim      *engine.Simulation
	Clock    *engine.MasterClock
	Port     int
	AdminKey string // Bearer token for POST endpoints. Empty = POST disabled.
	Logger   *slog.Logger

	// CORSOrigins are browser origins allowed besides the local dev servers.
	CORSOrigins []string

	// WallClock drives rate limiting. Defaults to clock.Real().
	WallClock clock.Clock

	// Active SSE connection count (atomic).
	sseConns atomic.Int32

	limiter *RateLimiter
}

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	if s.limiter == nil {
		s.limiter = NewRateLimiter(60, time.Minute, s.WallClock)
	}

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/settlements", s.handleSettlements)
	mux.HandleFunc("/api/v1/settlement/", s.handleSettlementDetail)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.HandleFunc("/api/v1/stats", s.handleStats)
	mux.HandleFunc("/api/v1/weather", s.handleWeather)
	mux.HandleFunc("/api/v1/stream", RateLimitMiddleware(s.limiter, s.handleStream))

	// Control endpoints. speed and pause also report their setting on GET.
	mux.HandleFunc("/api/v1/speed", RateLimitMiddleware(s.limiter, s.control(true, s.handleSpeed)))
	mux.HandleFunc("/api/v1/pause", RateLimitMiddleware(s.limiter, s.control(true, s.handlePause)))
	mux.HandleFunc("/api/v1/save", RateLimitMiddleware(s.limiter, s.control(false, s.handleSave)))

	return allowOrigins(s.CORSOrigins, mux)
}

// Start serves the API until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := fmt.Sprintf(":%d", s.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log().Info("HTTP API starting", "addr", addr, "admin_auth", s.AdminKey != "")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("HTTP server error", "error", err)
		}
	}()

	go func() {
		cleanup := time.NewTicker(time.Hour)
		defer cleanup.Stop()
		for {
			select {
			case <-cleanup.C:
				s.limiter.Cleanup()
			case <-ctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
				return
			}
		}
	}()
}

// allowOrigins tags responses for known browser origins and answers
// preflight requests. Local dev servers are always allowed.
func allowOrigins(extra []string, next http.Handler) http.Handler {
	origins := map[string]struct{}{
		"http://localhost:5173": {},
		"http://localhost:3000": {},
	}
	for _, o := range extra {
		if o = strings.TrimSpace(o); o != "" {
			origins[o] = struct{}{}
		}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := origins[r.Header.Get("Origin")]; ok {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", r.Header.Get("Origin"))
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorize checks the admin bearer token in constant time.
func (s *Server) authorize(r *http.Request) error {
	if s.AdminKey == "" {
		return errAdminDisabled
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.AdminKey)) != 1 {
		return errUnauthorized
	}
	return nil
}

// control guards a control endpoint. POST needs the admin token, GET is
// served only when readable, and every other method gets 405.
func (s *Server) control(readable bool, next http.HandlerFunc) http.HandlerFunc {
	allow := http.MethodPost
	if readable {
		allow = http.MethodGet + ", " + http.MethodPost
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			if err := s.authorize(r); err != nil {
				s.log().Warn("control request rejected", "path", r.URL.Path, "client", clientIP(r), "error", err)
				code := http.StatusUnauthorized
				if errors.Is(err, errAdminDisabled) {
					code = http.StatusForbidden
				}
				writeError(w, code, err.Error())
				return
			}
		case r.Method == http.MethodGet && readable:
		default:
			w.Header().Set("Allow", allow)
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	d := s.Clock.Diagnostics()
	status := map[string]any{
		"name":        "Mars Colony",
		"session_id":  s.Sim.SessionID,
		"state":       d.State.String(),
		"paused":      s.Clock.IsPaused(),
		"mars_time":   d.MarsTime.String(),
		"sol":         d.MarsTime.Sol(),
		"date":        d.MarsTime.Date(),
		"earth_time":  d.EarthTime,
		"diagnostics": d,
		"uptime":      engine.FormatUptime(d.Uptime),
		"stats":       s.Sim.Stats(),
	}
	if s.Sim.Weather != nil {
		status["weather"] = s.Sim.Weather.Conditions().Description
	}
	writeJSON(w, status)
}

func (s *Server) handleSettlements(w http.ResponseWriter, r *http.Request) {
	result := make([]colony.Summary, 0, len(s.Sim.Settlements))
	for _, st := range s.Sim.Settlements {
		result = append(result, st.Summary())
	}
	writeJSON(w, result)
}

// handleSettlementDetail serves GET /api/v1/settlement/:id.
func (s *Server) handleSettlementDetail(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/v1/settlement/")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid settlement id")
		return
	}
	st, ok := s.Sim.Settlement(colony.SettlementID(id))
	if !ok {
		writeError(w, http.StatusNotFound, "settlement not found")
		return
	}
	writeJSON(w, st.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	events := s.Sim.Events(0)

	// Optional filters: category, and settlement name appearing in the text.
	category := r.URL.Query().Get("category")
	settlement := r.URL.Query().Get("settlement")
	if category != "" || settlement != "" {
		filtered := make([]engine.Event, 0, len(events))
		for _, e := range events {
			if category != "" && e.Category != category {
				continue
			}
			if settlement != "" && !strings.Contains(e.Description, settlement) {
				continue
			}
			filtered = append(filtered, e)
		}
		events = filtered
	}

	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	writeJSON(w, events[start:])
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Sim.Stats())
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	if s.Sim.Weather == nil {
		writeError(w, http.StatusNotFound, "weather not simulated")
		return
	}
	c := s.Sim.Weather.Conditions()
	writeJSON(w, map[string]any{
		"conditions": c,
		"modifiers":  s.Sim.Weather.Modifiers(),
	})
}

// handleSpeed reports or changes the time ratio. POST accepts either an
// explicit power-of-two ratio or a relative "faster"/"slower" action.
func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			TimeRatio uint64 `json:"time_ratio"`
			Action    string `json:"action"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}

		var ok bool
		switch {
		case req.Action == "faster":
			ok = s.Clock.IncreaseSpeed()
		case req.Action == "slower":
			ok = s.Clock.DecreaseSpeed()
		case req.Action == "" && req.TimeRatio != 0:
			ok = s.Clock.SetTimeRatio(req.TimeRatio)
		default:
			writeError(w, http.StatusBadRequest, "expected time_ratio or action")
			return
		}
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("time ratio must be a power of two in [%d, %d]",
				engine.MinTimeRatio, engine.MaxTimeRatio))
			return
		}
	}

	writeJSON(w, map[string]uint64{"time_ratio": s.Clock.TimeRatio()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var req struct {
			Paused *bool `json:"paused"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Paused == nil {
			writeError(w, http.StatusBadRequest, "expected {\"paused\": bool}")
			return
		}
		s.Clock.Pause(*req.Paused)
	}

	writeJSON(w, map[string]bool{"paused": s.Clock.IsPaused()})
}

// handleSave queues a save; the clock performs it between dispatches.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	s.Clock.RequestSave(engine.SaveDefault)
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "save requested"})
}

// handleStream sends recent events, then live ones, as server-sent
// events until the client goes away.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	if s.sseConns.Add(1) > maxSSEConns {
		s.sseConns.Add(-1)
		writeError(w, http.StatusServiceUnavailable, "too many event streams")
		return
	}
	defer s.sseConns.Add(-1)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")

	// Subscribe before the catch-up so nothing emitted in between is lost.
	subID, live := s.Sim.Subscribe()
	defer s.Sim.Unsubscribe(subID)

	out := eventStream{w: w, flusher: flusher}
	out.retry(streamRetry)
	backlog := s.Sim.Events(catchUpEvents)
	for _, e := range backlog {
		out.event(e)
	}
	out.flush()

	logger := s.log().With("sub_id", subID, "client", clientIP(r))
	logger.Info("event stream opened", "catch_up", len(backlog))

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Info("event stream closed")
			return
		case e, open := <-live:
			if !open {
				return
			}
			out.event(e)
			out.flush()
		case <-heartbeat.C:
			out.comment("heartbeat")
			out.flush()
		}
	}
}

// eventStream writes the text/event-stream framing.
type eventStream struct {
	w       io.Writer
	flusher http.Flusher
}

func (es eventStream) event(e engine.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(es.w, "id: %d\nevent: %s\ndata: %s\n\n", e.PulseID, e.Category, data)
}

func (es eventStream) retry(d time.Duration) {
	fmt.Fprintf(es.w, "retry: %d\n\n", d.Milliseconds())
}

func (es eventStream) comment(text string) { fmt.Fprintf(es.w, ": %s\n\n", text) }

func (es eventStream) flush() { es.flusher.Flush() }

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONStatus(w, code, map[string]string{"error": msg})
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/mars-colony/internal/clock"
	"github.com/talgya/mars-colony/internal/colony"
	"github.com/talgya/mars-colony/internal/engine"
	"github.com/talgya/mars-colony/internal/weather"
)

var quiet = slog.New(slog.DiscardHandler)

func newTestServer(t *testing.T, adminKey string) (*Server, http.Handler) {
	t.Helper()
	w := weather.New(weather.Config{Seed: 1}, quiet)
	outpost := colony.NewOutpost(colony.OutpostConfig{ID: 1, Name: "Jezero", Seed: 1, People: 4, Robots: 1, Projects: 1}, w)
	sim := engine.NewSimulation(engine.SimulationConfig{
		SessionID:   "api-test",
		Settlements: []*colony.Settlement{outpost},
		Weather:     w,
		Logger:      quiet,
	})
	mc, err := engine.NewMasterClock(engine.DefaultConfig(), engine.WithContext(sim), engine.WithLogger(quiet),
		engine.WithClock(clock.Fake(time.Unix(0, 0))))
	require.NoError(t, err)
	sim.Register(mc)
	t.Cleanup(mc.Dispatcher().Shutdown)

	s := &Server{Sim: sim, Clock: mc, AdminKey: adminKey, Logger: quiet, WallClock: clock.Fake(time.Unix(0, 0))}
	return s, s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStatus(t *testing.T) {
	_, h := newTestServer(t, "")
	rec := do(t, h, http.MethodGet, "/api/v1/status", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "api-test", status["session_id"])
	assert.Equal(t, "idle", status["state"])
	assert.Equal(t, false, status["paused"])
	assert.Contains(t, status, "diagnostics")
}

func TestSettlements(t *testing.T) {
	_, h := newTestServer(t, "")

	rec := do(t, h, http.MethodGet, "/api/v1/settlements", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []colony.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Jezero", list[0].Name)
	assert.Equal(t, 4, list[0].People)

	rec = do(t, h, http.MethodGet, "/api/v1/settlement/1", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st colony.SettlementState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Len(t, st.Colonists, 5)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/settlement/9", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/settlement/x", "", "").Code)
}

func TestEventsFilterAndLimit(t *testing.T) {
	s, h := newTestServer(t, "")
	s.Sim.EmitEvent(engine.Event{Sol: 1, Description: "Jezero short of water", Category: "supply"})
	s.Sim.EmitEvent(engine.Event{Sol: 1, Description: "Dust storm rolls in", Category: "weather"})
	s.Sim.EmitEvent(engine.Event{Sol: 2, Description: "Jezero completes Hab Dome", Category: "construction"})

	var events []engine.Event
	rec := do(t, h, http.MethodGet, "/api/v1/events?limit=2", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, "weather", events[0].Category)

	rec = do(t, h, http.MethodGet, "/api/v1/events?settlement=Jezero", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	rec = do(t, h, http.MethodGet, "/api/v1/events?category=weather", "", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, "Dust storm rolls in", events[0].Description)
}

func TestAdminAuth(t *testing.T) {
	_, disabled := newTestServer(t, "")
	assert.Equal(t, http.StatusForbidden, do(t, disabled, http.MethodPost, "/api/v1/pause", `{"paused":true}`, "x").Code)

	_, h := newTestServer(t, "secret")
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/pause", `{"paused":true}`, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodPost, "/api/v1/pause", `{"paused":true}`, "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/pause", "", "").Code, "GET is public")
}

func TestPauseAndSpeed(t *testing.T) {
	s, h := newTestServer(t, "secret")

	rec := do(t, h, http.MethodPost, "/api/v1/pause", `{"paused":true}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"paused":true}`, rec.Body.String())
	assert.True(t, s.Clock.IsPaused())
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/pause", `{}`, "secret").Code)

	rec = do(t, h, http.MethodPost, "/api/v1/speed", `{"time_ratio":1024}`, "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"time_ratio":1024}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/speed", `{"action":"slower"}`, "secret")
	assert.JSONEq(t, `{"time_ratio":512}`, rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/speed", `{"time_ratio":1000}`, "secret").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/speed", `{}`, "secret").Code)
	assert.Equal(t, uint64(512), s.Clock.TimeRatio())
}

func TestSaveRequested(t *testing.T) {
	_, h := newTestServer(t, "secret")
	rec := do(t, h, http.MethodPost, "/api/v1/save", "", "secret")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/v1/save", "", "").Code)
}

func TestControlMethods(t *testing.T) {
	_, h := newTestServer(t, "secret")

	rec := do(t, h, http.MethodGet, "/api/v1/save", "", "secret")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))

	rec = do(t, h, http.MethodPut, "/api/v1/speed", `{"time_ratio":64}`, "secret")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, POST", rec.Header().Get("Allow"))

	rec = do(t, h, http.MethodPost, "/api/v1/save", "", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
}

func TestAdminRateLimited(t *testing.T) {
	s, h := newTestServer(t, "secret")
	s.limiter = NewRateLimiter(2, time.Minute, s.WallClock)
	h = s.Handler()

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/speed", "", "").Code)
	}
	rec := do(t, h, http.MethodGet, "/api/v1/speed", "", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Two per minute refills one token every 30s.
	retry, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.InDelta(t, 30, retry, 1)
}

func TestCORS(t *testing.T) {
	_, h := newTestServer(t, "")
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	s, _ := newTestServer(t, "")
	s.CORSOrigins = []string{" https://colony.example "}
	h = s.Handler()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.Header.Set("Origin", "https://colony.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://colony.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://elsewhere.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestStreamCatchUpAndLive(t *testing.T) {
	s, h := newTestServer(t, "")
	s.Sim.EmitEvent(engine.Event{Sol: 1, Description: "First light", Category: "sol"})

	srv := httptest.NewServer(h)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	next := func() engine.Event {
		for lines.Scan() {
			if data, ok := strings.CutPrefix(lines.Text(), "data: "); ok {
				var e engine.Event
				require.NoError(t, json.Unmarshal([]byte(data), &e))
				return e
			}
		}
		t.Fatal("stream ended")
		return engine.Event{}
	}

	assert.Equal(t, "First light", next().Description)

	// The subscription precedes the catch-up, so this is delivered live.
	s.Sim.EmitEvent(engine.Event{Sol: 1, Description: "Storm warning", Category: "weather"})
	assert.Equal(t, "Storm warning", next().Description)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "10.0.0.7", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestRateLimiterWindow(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	rl := NewRateLimiter(1, time.Minute, fake)
	ok, _ := rl.Reserve("a")
	assert.True(t, ok)
	ok, wait := rl.Reserve("a")
	assert.False(t, ok)
	assert.InDelta(t, time.Minute, wait, float64(time.Millisecond))
	ok, _ = rl.Reserve("b")
	assert.True(t, ok)

	fake.Advance(61 * time.Second)
	ok, _ = rl.Reserve("a")
	assert.True(t, ok)
	assert.Equal(t, 2, rl.Len())

	fake.Advance(3 * time.Minute)
	rl.Cleanup()
	assert.Zero(t, rl.Len())
}

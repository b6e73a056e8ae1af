package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perpflow/scanner/internal/broadcast"
	"github.com/perpflow/scanner/internal/config"
	"github.com/perpflow/scanner/internal/exchange"
	"github.com/perpflow/scanner/internal/manip"
	"github.com/perpflow/scanner/internal/model"
	"github.com/perpflow/scanner/internal/rules"
	"github.com/perpflow/scanner/internal/scanner"
	"github.com/perpflow/scanner/internal/signal"
)

type fixture struct {
	server *Server
	scan   *scanner.Scanner
	bus    *broadcast.Broadcast
	rules  *rules.Engine
}

func newFixture(t *testing.T, adminToken string) *fixture {
	t.Helper()

	src := exchange.NewMockSource()
	src.SeedLiquidSymbol("BTCUSDT", 50000)
	adapter := exchange.NewAdapter(src, exchange.AdapterConfig{
		Timeout:     time.Second,
		MaxFailures: 5,
		Cooldown:    time.Second,
		Concurrency: 4,
		Retry:       exchange.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	}, zerolog.Nop())

	bus := broadcast.New(zerolog.Nop())
	engine := rules.NewEngine(zerolog.Nop())
	signals := signal.NewBus(zerolog.Nop())
	t.Cleanup(func() {
		bus.Close()
		signals.Close()
	})

	cfg := &config.Config{
		Scan: config.ScanConfig{
			Exchange: "mock", Symbols: []string{"BTCUSDT"},
			IntervalSec: 20, Concurrency: 4, TopByQvol: 80, TopNDefault: 25,
			NotionalTest: 10000,
		},
		Filters: config.FilterConfig{MinQvolUSDT: 25_000_000, MaxSpreadBps: 12},
		Scoring: config.ScoringConfig{ProfileDefault: "scalp", IncludeCarry: true},
		SLA:     config.SLAConfig{WarnMultiplier: 1.5, CriticalMultiplier: 3},
	}
	scan := scanner.New(cfg, scanner.Deps{
		Adapter:  adapter,
		Detector: manip.NewDetector(10000, zerolog.Nop()),
		Bus:      bus,
		Rules:    engine,
		Signals:  signals,
	}, zerolog.Nop())

	srv := NewServer(Config{Host: "127.0.0.1", Port: 0, AdminToken: adminToken},
		scan, bus, engine, nil, zerolog.Nop())
	return &fixture{server: srv, scan: scan, bus: bus, rules: engine}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	f.server.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	// An open manual breaker degrades the reported status but not the code.
	f.scan.Control().SetManualBreaker(scanner.BreakerOpen, "ops", "incident")
	w = f.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

// An allow-listed universe keeps cycles succeeding even when the venue is
// dark: symbols just drop and the failure streak stays zero. The open
// adapter circuit alone must still degrade /health.
func TestHealthDegradedWhenAdapterCircuitOpen(t *testing.T) {
	src := exchange.NewMockSource()
	adapter := exchange.NewAdapter(src, exchange.AdapterConfig{
		Timeout:     time.Second,
		MaxFailures: 1,
		Cooldown:    time.Minute,
		Concurrency: 4,
		Retry:       exchange.RetryConfig{MaxAttempts: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	}, zerolog.Nop())

	bus := broadcast.New(zerolog.Nop())
	engine := rules.NewEngine(zerolog.Nop())
	signals := signal.NewBus(zerolog.Nop())
	t.Cleanup(func() {
		bus.Close()
		signals.Close()
	})

	cfg := &config.Config{
		Scan: config.ScanConfig{
			Exchange: "mock", Symbols: []string{"DARKUSDT"}, // never seeded
			IntervalSec: 20, Concurrency: 4, TopByQvol: 80, TopNDefault: 25,
			NotionalTest: 10000,
		},
		Filters: config.FilterConfig{MinQvolUSDT: 25_000_000, MaxSpreadBps: 12},
		Scoring: config.ScoringConfig{ProfileDefault: "scalp"},
		SLA:     config.SLAConfig{WarnMultiplier: 1.5, CriticalMultiplier: 3},
	}
	scan := scanner.New(cfg, scanner.Deps{
		Adapter:  adapter,
		Detector: manip.NewDetector(10000, zerolog.Nop()),
		Bus:      bus,
		Rules:    engine,
		Signals:  signals,
	}, zerolog.Nop())
	srv := NewServer(Config{Host: "127.0.0.1", Port: 0}, scan, bus, engine, nil, zerolog.Nop())

	_, report, err := scan.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Errors)
	require.Equal(t, exchange.StateOpen, report.AdapterState)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body["status"])
}

func TestLatestRankingsNotFoundThenOK(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodGet, "/rankings/latest", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.bus.Publish(model.RankingFrame{
		TS:      time.Now().UTC(),
		Profile: "scalp",
		Items:   []model.RankedItem{{Rank: 1, Snapshot: model.Snapshot{Symbol: "BTCUSDT"}}},
	})

	w = f.do(t, http.MethodGet, "/rankings/latest", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var frame model.RankingFrame
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &frame))
	assert.Equal(t, "scalp", frame.Profile)
	require.Len(t, frame.Items, 1)
}

func TestAdminTokenRequired(t *testing.T) {
	f := newFixture(t, "sekrit")

	w := f.do(t, http.MethodPost, "/control/pause", "", controlRequest{Actor: "ops"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/control/pause", "wrong", controlRequest{Actor: "ops"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(t, http.MethodPost, "/control/pause", "sekrit", controlRequest{Actor: "ops"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.scan.Control().Paused())

	// Reads behind the same group are gated too.
	w = f.do(t, http.MethodGet, "/control/state", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPauseResumeForceScan(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/control/pause", "", controlRequest{Actor: "ops", Reason: "hold"})
	require.Equal(t, http.StatusOK, w.Code)

	// Force-scan refuses while paused.
	w = f.do(t, http.MethodPost, "/control/force-scan", "", controlRequest{Actor: "ops"})
	assert.Equal(t, http.StatusConflict, w.Code)
	var resp scanner.ControlResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Queued)
	assert.Equal(t, "paused", resp.Reason)

	w = f.do(t, http.MethodPost, "/control/resume", "", controlRequest{Actor: "ops"})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.do(t, http.MethodPost, "/control/force-scan", "", controlRequest{Actor: "ops"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
}

func TestBreakerEndpoint(t *testing.T) {
	f := newFixture(t, "")

	// Missing state: binding rejects.
	w := f.do(t, http.MethodPost, "/control/breaker", "", map[string]string{"actor": "ops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/control/breaker", "",
		breakerRequest{State: "half-open", Actor: "ops"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/control/breaker", "",
		breakerRequest{State: "open", Actor: "ops", Reason: "incident"})
	require.Equal(t, http.StatusOK, w.Code)
	var st scanner.BreakerState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, scanner.BreakerOpen, st.ManualState)
}

func TestControlStateAudit(t *testing.T) {
	f := newFixture(t, "")

	for i := 0; i < 30; i++ {
		f.scan.Control().ForceScan("ops", "tick")
	}

	w := f.do(t, http.MethodGet, "/control/state", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var state scanner.ControlState
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
	assert.Len(t, state.Audit, 20)
	assert.False(t, state.Paused)
}

func TestRulesEndpoints(t *testing.T) {
	f := newFixture(t, "")

	w := f.do(t, http.MethodPost, "/rules", "",
		ruleRequest{Name: "hot", Expression: "score > 10", Scope: "*"})
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["registered"])

	// Compile failure: accepted, reported as disabled.
	w = f.do(t, http.MethodPost, "/rules", "",
		ruleRequest{Name: "bad", Expression: "exec('boom')"})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, false, resp["registered"])
	assert.NotEmpty(t, resp["disabled_reason"])

	w = f.do(t, http.MethodGet, "/rules", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Rules    []rules.Rule      `json:"rules"`
		Disabled map[string]string `json:"disabled"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Len(t, listing.Rules, 1)
	assert.Contains(t, listing.Disabled, "bad")

	// Missing required fields rejected at binding.
	w = f.do(t, http.MethodPost, "/rules", "", map[string]string{"name": "incomplete"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebSocketStreamsFrames(t *testing.T) {
	f := newFixture(t, "")

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rankings"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	f.bus.Publish(model.RankingFrame{TS: time.Now().UTC(), Profile: "scalp"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame model.RankingFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "scalp", frame.Profile)
}

func TestSSEStreamsFrames(t *testing.T) {
	f := newFixture(t, "")

	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	// The bus replays the last frame to late joiners, so publish first.
	f.bus.Publish(model.RankingFrame{TS: time.Now().UTC(), Profile: "swing"})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "))

	var frame model.RankingFrame
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
	assert.Equal(t, "swing", frame.Profile)
}

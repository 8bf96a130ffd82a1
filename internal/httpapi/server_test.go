package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/casebridge/internal/bridge"
	"github.com/agentworkforce/casebridge/internal/crm"
	"github.com/agentworkforce/casebridge/internal/logring"
)

type request struct {
	method  string
	path    string
	headers map[string]string
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, nil)
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

var testNow = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func testSources(ring *logring.Ring) Sources {
	return Sources{
		Snapshot: func() bridge.Snapshot {
			return bridge.Snapshot{
				StartedAt:       testNow.Add(-2 * time.Hour),
				PollingActive:   true,
				CasesCreated:    8,
				DuplicatesFound: 1,
				SkippedEmpty:    3,
				Errors:          1,
				ProcessedTotal:  12,
				Cycles:          40,
			}
		},
		TokenMetrics: func() crm.TokenMetrics {
			return crm.TokenMetrics{RefreshAttempts: 2, RefreshSuccesses: 2, HasToken: true}
		},
		Logs:         ring,
		StoreMode:    "persistent",
		StoreBackend: "redis",
		Version:      "test",
	}
}

func newTestServer(cfg ServerConfig) *Server {
	ring := logring.New(20)
	logger := zerolog.New(ring)
	logger.Info().Str("conversation_id", "C1").Msg("case created")
	logger.Warn().Msg("rate limited, backing off")
	cfg.Now = func() time.Time { return testNow }
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.NewRegistry()
	}
	return NewServer(testSources(ring), cfg)
}

func TestHealthNeedsNoAuth(t *testing.T) {
	server := newTestServer(ServerConfig{StatusToken: "s3cret"})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func TestStatusRequiresTokenWhenConfigured(t *testing.T) {
	server := newTestServer(ServerConfig{StatusToken: "s3cret"})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"Authorization": "Bearer s3cret"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", rec.Code, rec.Body.String())
	}
}

func TestStatusReportsSnapshot(t *testing.T) {
	server := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected correlation id echo, got %q", got)
	}

	var status Status
	if err := json.NewDecoder(rec.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !status.PollingActive || status.Status != "ok" {
		t.Fatalf("expected active polling, got %+v", status)
	}
	if status.UptimeSeconds != 7200 {
		t.Fatalf("expected 7200s uptime, got %v", status.UptimeSeconds)
	}
	if status.Counters.CasesCreated != 8 || status.Counters.SkippedEmpty != 3 {
		t.Fatalf("unexpected counters %+v", status.Counters)
	}
	if status.ConversionRatio != 0.8 {
		t.Fatalf("expected ratio 0.8, got %v", status.ConversionRatio)
	}
	if status.ProcessedPerHour != 6 {
		t.Fatalf("expected 6 processed/hour, got %v", status.ProcessedPerHour)
	}
	if status.Store.Backend != "redis" || status.Token == nil || status.Token.RefreshSuccesses != 2 {
		t.Fatalf("unexpected store/token section %+v %+v", status.Store, status.Token)
	}
}

func TestCorrelationIDMintedWhenMissing(t *testing.T) {
	server := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected minted correlation id")
	}
}

func TestLogsFilterAndLimit(t *testing.T) {
	server := newTestServer(ServerConfig{})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/logs?level=warn"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Entries []logring.Entry `json:"entries"`
		Count   int             `json:"count"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if payload.Count != 1 || payload.Entries[0].Message != "rate limited, backing off" {
		t.Fatalf("unexpected warn entries %+v", payload)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/logs?limit=1"})
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if payload.Count != 1 {
		t.Fatalf("expected limit to apply, got %d", payload.Count)
	}
}

func TestRateLimitOnStatusRoutes(t *testing.T) {
	server := newTestServer(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
	if doRequest(t, server, request{method: http.MethodGet, path: "/health"}).Code != http.StatusOK {
		t.Fatalf("health must not be rate limited")
	}
}

func TestRateLimitIgnoresForwardedHeaders(t *testing.T) {
	server := newTestServer(ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 5; i++ {
		rec := doRequest(t, server, request{
			method: http.MethodGet,
			path:   "/v1/status",
			headers: map[string]string{
				"X-Forwarded-For": fmt.Sprintf("203.0.113.%d", i+1),
				"X-Real-IP":       fmt.Sprintf("198.51.100.%d", i+1),
			},
		})
		want := http.StatusOK
		if i >= 2 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("request %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestMetricsAndDashboard(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "casebridge_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()
	server := newTestServer(ServerConfig{Gatherer: reg, StatusToken: "s3cret"})

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "casebridge_test_total 1") {
		t.Fatalf("unexpected metrics response %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected dashboard response %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(ServerConfig{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v2/nothing"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/status"})
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusStreamPushesSnapshots(t *testing.T) {
	server := newTestServer(ServerConfig{StatusToken: "s3cret", StreamInterval: 20 * time.Millisecond})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/status/stream?token=s3cret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	for i := 0; i < 2; i++ {
		var status Status
		if err := wsjson.Read(ctx, conn, &status); err != nil {
			t.Fatalf("read status %d: %v", i, err)
		}
		if status.Counters.Cycles != 40 {
			t.Fatalf("unexpected streamed status %+v", status)
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func TestStatusStreamRejectsMissingToken(t *testing.T) {
	server := newTestServer(ServerConfig{StatusToken: "s3cret"})
	httpServer := httptest.NewServer(server)
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/status/stream"
	_, resp, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("expected dial failure without token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

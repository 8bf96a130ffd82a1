// Package httpapi serves the read-only status surface: health, counters,
// recent logs, Prometheus metrics and a small HTML page.
package httpapi

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/casebridge/internal/bridge"
	"github.com/agentworkforce/casebridge/internal/crm"
	"github.com/agentworkforce/casebridge/internal/logring"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = logring.DefaultCapacity
)

type ServerConfig struct {
	// StatusToken protects /v1/*. Empty disables the check.
	StatusToken     string
	RateLimitMax    int
	RateLimitWindow time.Duration
	StreamInterval  time.Duration
	Gatherer        prometheus.Gatherer
	Logger          zerolog.Logger
	Now             func() time.Time
}

type LogSource interface {
	Recent(limit int, level string) []logring.Entry
}

// Sources are read on every request. None of them may block on the loop.
type Sources struct {
	Snapshot     func() bridge.Snapshot
	TokenMetrics func() crm.TokenMetrics
	Logs         LogSource
	StoreMode    string
	StoreBackend string
	Version      string
}

type StoreStatus struct {
	Mode    string `json:"mode"`
	Backend string `json:"backend"`
}

type Status struct {
	Status           string            `json:"status"`
	Version          string            `json:"version,omitempty"`
	Timestamp        time.Time         `json:"timestamp"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	PollingActive    bool              `json:"polling_active"`
	Store            StoreStatus       `json:"store"`
	Counters         bridge.Snapshot   `json:"counters"`
	ConversionRatio  float64           `json:"conversion_ratio"`
	ProcessedPerHour float64           `json:"processed_per_hour"`
	Token            *crm.TokenMetrics `json:"token,omitempty"`
}

type Server struct {
	src         Sources
	cfg         ServerConfig
	logger      zerolog.Logger
	router      chi.Router
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(src Sources, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.StreamInterval <= 0 {
		cfg.StreamInterval = 5 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if src.Snapshot == nil {
		src.Snapshot = func() bridge.Snapshot { return bridge.Snapshot{} }
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	s := &Server{
		src:         src,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "httpapi").Logger(),
		rateLimiter: limiter,
	}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(correlationID)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/", s.handleDashboard)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireStatusToken)
		r.Use(s.limitRate)
		r.Get("/status", s.handleStatus)
		r.Get("/status/stream", s.handleStatusStream)
		r.Get("/logs", s.handleLogs)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", getCorrelationID(r))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.src.Logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logring.Entry{}, "count": 0})
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), defaultLogLimit, 1, maxLogLimit)
	entries := s.src.Logs.Recent(limit, r.URL.Query().Get("level"))
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) status() Status {
	now := s.cfg.Now().UTC()
	snap := s.src.Snapshot()
	status := Status{
		Status:           "ok",
		Version:          s.src.Version,
		Timestamp:        now,
		UptimeSeconds:    math.Round(snap.Uptime(now).Seconds()),
		PollingActive:    snap.PollingActive,
		Store:            StoreStatus{Mode: s.src.StoreMode, Backend: s.src.StoreBackend},
		Counters:         snap,
		ConversionRatio:  snap.ConversionRatio(),
		ProcessedPerHour: snap.ProcessingRatePerHour(now),
	}
	if !snap.PollingActive {
		status.Status = "idle"
	}
	if s.src.TokenMetrics != nil {
		token := s.src.TokenMetrics()
		status.Token = &token
	}
	return status
}

func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.rateLimiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !s.rateLimiter.allow(clientKey(r), s.cfg.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.After(entry.resetAt) {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

package bridge

import (
	"sync/atomic"
	"time"
)

// Counters is owned by the loop. Readers only ever see copies via Snapshot,
// so the status surface never contends with the loop.
type Counters struct {
	startedAt time.Time

	created     atomic.Int64
	duplicates  atomic.Int64
	skipped     atomic.Int64
	errors      atomic.Int64
	rateLimited atomic.Int64
	processed   atomic.Int64
	cycles      atomic.Int64

	lastCycleAt     atomic.Int64
	lastCaseAt      atomic.Int64
	lastRateLimitAt atomic.Int64
	lastCycleMillis atomic.Int64
	nextSleepMillis atomic.Int64
	polling         atomic.Bool
	lastError       atomic.Pointer[string]
}

type Snapshot struct {
	StartedAt         time.Time `json:"started_at"`
	PollingActive     bool      `json:"polling_active"`
	CasesCreated      int64     `json:"cases_created"`
	DuplicatesFound   int64     `json:"duplicates_found"`
	SkippedEmpty      int64     `json:"skipped_empty"`
	Errors            int64     `json:"errors"`
	RateLimited       int64     `json:"rate_limited"`
	ProcessedTotal    int64     `json:"processed_total"`
	Cycles            int64     `json:"cycles"`
	LastCycleAt       time.Time `json:"last_cycle_at,omitempty"`
	LastCaseCreatedAt time.Time `json:"last_case_created_at,omitempty"`
	LastRateLimitedAt time.Time `json:"last_rate_limited_at,omitempty"`
	LastCycleDuration float64   `json:"last_cycle_duration_seconds"`
	NextSleep         float64   `json:"next_sleep_seconds"`
	LastError         string    `json:"last_error,omitempty"`
}

func NewCounters(startedAt time.Time) *Counters {
	return &Counters{startedAt: startedAt.UTC()}
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		StartedAt:         c.startedAt,
		PollingActive:     c.polling.Load(),
		CasesCreated:      c.created.Load(),
		DuplicatesFound:   c.duplicates.Load(),
		SkippedEmpty:      c.skipped.Load(),
		Errors:            c.errors.Load(),
		RateLimited:       c.rateLimited.Load(),
		ProcessedTotal:    c.processed.Load(),
		Cycles:            c.cycles.Load(),
		LastCycleAt:       unixNanoTime(c.lastCycleAt.Load()),
		LastCaseCreatedAt: unixNanoTime(c.lastCaseAt.Load()),
		LastRateLimitedAt: unixNanoTime(c.lastRateLimitAt.Load()),
		LastCycleDuration: float64(c.lastCycleMillis.Load()) / 1000,
		NextSleep:         float64(c.nextSleepMillis.Load()) / 1000,
	}
	if msg := c.lastError.Load(); msg != nil {
		s.LastError = *msg
	}
	return s
}

// ConversionRatio is created / (created + duplicates + errors). Skipped empty
// conversations are excluded; zero when nothing has been attempted.
func (s Snapshot) ConversionRatio() float64 {
	denominator := s.CasesCreated + s.DuplicatesFound + s.Errors
	if denominator == 0 {
		return 0
	}
	return float64(s.CasesCreated) / float64(denominator)
}

// ProcessingRatePerHour is finalized conversations per hour of uptime.
func (s Snapshot) ProcessingRatePerHour(now time.Time) float64 {
	hours := now.Sub(s.StartedAt).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(s.ProcessedTotal) / hours
}

func (s Snapshot) Uptime(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

func (c *Counters) setPolling(active bool) { c.polling.Store(active) }

func (c *Counters) caseCreated(at time.Time) {
	c.created.Add(1)
	c.processed.Add(1)
	c.lastCaseAt.Store(at.UnixNano())
}

func (c *Counters) duplicateFound() {
	c.duplicates.Add(1)
	c.processed.Add(1)
}

func (c *Counters) skippedEmpty() {
	c.skipped.Add(1)
	c.processed.Add(1)
}

func (c *Counters) failed(err error, finalized bool) {
	c.errors.Add(1)
	if finalized {
		c.processed.Add(1)
	}
	c.recordError(err)
}

func (c *Counters) rateLimitHit(at time.Time, err error) {
	c.rateLimited.Add(1)
	c.lastRateLimitAt.Store(at.UnixNano())
	c.recordError(err)
}

func (c *Counters) cycleFinished(at time.Time, elapsed, nextSleep time.Duration) {
	c.cycles.Add(1)
	c.lastCycleAt.Store(at.UnixNano())
	c.lastCycleMillis.Store(elapsed.Milliseconds())
	c.nextSleepMillis.Store(nextSleep.Milliseconds())
}

func (c *Counters) recordError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	c.lastError.Store(&msg)
}

func unixNanoTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}

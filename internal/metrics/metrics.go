// Package metrics exposes the bridge's latency histograms and business
// counters in Prometheus format.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/agentworkforce/casebridge/internal/bridge"
)

const namespace = "casebridge"

// Recorder implements remote.Observer and bridge.Recorder.
type Recorder struct {
	requestDuration      *prometheus.HistogramVec
	cycleDuration        prometheus.Histogram
	conversationDuration *prometheus.HistogramVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of requests to the conversation source and CRM APIs",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"service", "operation", "status"},
		),
		cycleDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles",
				Buckets:   []float64{.1, .5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		conversationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "conversation_duration_seconds",
				Help:      "Time spent reconciling a single conversation",
				Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		),
	}
}

func (r *Recorder) ObserveRequest(service, operation string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	r.requestDuration.WithLabelValues(service, operation, code).Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveCycle(elapsed time.Duration) {
	r.cycleDuration.Observe(elapsed.Seconds())
}

func (r *Recorder) ObserveConversation(outcome string, elapsed time.Duration) {
	r.conversationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// SnapshotFunc returns the latest counters; it must not block.
type SnapshotFunc func() bridge.Snapshot

// Collector reads the loop's counters at scrape time instead of mirroring
// every increment.
type Collector struct {
	snapshot SnapshotFunc

	conversations *prometheus.Desc
	rateLimited   *prometheus.Desc
	cycles        *prometheus.Desc
	polling       *prometheus.Desc
	lastCycle     *prometheus.Desc
	ratio         *prometheus.Desc
	uptime        *prometheus.Desc
	now           func() time.Time
}

func NewCollector(snapshot SnapshotFunc) *Collector {
	return &Collector{
		snapshot: snapshot,
		conversations: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "conversations_total"),
			"Conversations finalized or failed, by outcome",
			[]string{"outcome"}, nil,
		),
		rateLimited: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rate_limited_total"),
			"Rate limit responses that ended a cycle", nil, nil,
		),
		cycles: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "cycles_total"),
			"Completed reconciliation cycles", nil, nil,
		),
		polling: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "polling_active"),
			"1 while the reconciliation loop is running", nil, nil,
		),
		lastCycle: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_cycle_timestamp_seconds"),
			"Unix time of the last completed cycle", nil, nil,
		),
		ratio: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "conversion_ratio"),
			"cases created / (created + duplicates + errors)", nil, nil,
		),
		uptime: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "uptime_seconds"),
			"Seconds since the loop was constructed", nil, nil,
		),
		now: time.Now,
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.conversations
	ch <- c.rateLimited
	ch <- c.cycles
	ch <- c.polling
	ch <- c.lastCycle
	ch <- c.ratio
	ch <- c.uptime
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	snap := c.snapshot()
	for outcome, value := range map[string]int64{
		bridge.OutcomeCreated:   snap.CasesCreated,
		bridge.OutcomeDuplicate: snap.DuplicatesFound,
		bridge.OutcomeSkipped:   snap.SkippedEmpty,
		"error":                 snap.Errors,
	} {
		ch <- prometheus.MustNewConstMetric(c.conversations, prometheus.CounterValue, float64(value), outcome)
	}
	ch <- prometheus.MustNewConstMetric(c.rateLimited, prometheus.CounterValue, float64(snap.RateLimited))
	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue, float64(snap.Cycles))
	polling := 0.0
	if snap.PollingActive {
		polling = 1
	}
	ch <- prometheus.MustNewConstMetric(c.polling, prometheus.GaugeValue, polling)
	lastCycle := 0.0
	if !snap.LastCycleAt.IsZero() {
		lastCycle = float64(snap.LastCycleAt.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(c.lastCycle, prometheus.GaugeValue, lastCycle)
	ch <- prometheus.MustNewConstMetric(c.ratio, prometheus.GaugeValue, snap.ConversionRatio())
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, snap.Uptime(c.now()).Seconds())
}

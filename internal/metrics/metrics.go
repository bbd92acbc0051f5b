package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Item outcomes for ingest_items_total.
const (
	OutcomeAccepted      = "accepted"
	OutcomeRejected      = "rejected"
	OutcomeStoreFailed   = "store_failed"
	OutcomePublishFailed = "publish_failed"
)

// Live message results for live_messages_total.
const (
	ResultSent    = "sent"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// Metrics holds the emulator's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without a registry.
type Metrics struct {
	IngestRequestsTotal   *prometheus.CounterVec
	IngestItemsTotal      *prometheus.CounterVec
	IngestRequestDuration prometheus.Histogram
	LiveSubscribers       prometheus.Gauge
	LiveMessagesTotal     *prometheus.CounterVec
	StoreAppendDuration   prometheus.Histogram
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IngestRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_requests_total",
				Help: "Total number of ingestion requests by response status (count)",
			},
			[]string{"status"},
		),
		IngestItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_items_total",
				Help: "Total number of telemetry items by outcome (count)",
			},
			[]string{"outcome"},
		),
		IngestRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ingest_request_duration_ms",
				Help:    "Ingestion request duration in milliseconds",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
			},
		),
		LiveSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "live_subscribers",
				Help: "Number of connected live-stream subscribers (count)",
			},
		),
		LiveMessagesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "live_messages_total",
				Help: "Total number of live-stream deliveries by result (count)",
			},
			[]string{"result"},
		),
		StoreAppendDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "store_append_duration_ms",
				Help:    "Store append duration in milliseconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 25, 50, 100, 250, 500},
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.IngestRequestsTotal,
			m.IngestItemsTotal,
			m.IngestRequestDuration,
			m.LiveSubscribers,
			m.LiveMessagesTotal,
			m.StoreAppendDuration,
		)
	}
	return m
}

// ObserveRequest records one finished ingestion request.
func (m *Metrics) ObserveRequest(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	m.IngestRequestDuration.Observe(ms(d))
}

// AddItems counts n items with the given outcome.
func (m *Metrics) AddItems(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.IngestItemsTotal.WithLabelValues(outcome).Add(float64(n))
}

func (m *Metrics) ObserveAppend(d time.Duration) {
	if m == nil {
		return
	}
	m.StoreAppendDuration.Observe(ms(d))
}

func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.LiveSubscribers.Set(float64(n))
}

func (m *Metrics) LiveMessage(result string) {
	if m == nil {
		return
	}
	m.LiveMessagesTotal.WithLabelValues(result).Inc()
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

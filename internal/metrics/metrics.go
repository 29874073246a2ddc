package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for chatblast
type Metrics struct {
	// Dispatch counters
	MessagesSentTotal        *prometheus.CounterVec
	MessagesFailedTotal      *prometheus.CounterVec
	RotationExhaustedTotal   prometheus.Counter
	CampaignTransitionsTotal *prometheus.CounterVec
	StoreErrorsTotal         *prometheus.CounterVec

	// Receipt counters
	ReceiptsProcessedTotal *prometheus.CounterVec
	ReceiptsUnknownTotal   prometheus.Counter

	// Gauges
	CampaignsRunning prometheus.Gauge
	ReceiptInboxSize prometheus.Gauge

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec
	APIErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds prometheus.Gauge
	Goroutines    prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		MessagesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_messages_sent_total",
				Help: "Total number of messages accepted by the gateway",
			},
			[]string{"instance", "type"},
		),
		MessagesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_messages_failed_total",
				Help: "Total number of leads marked FAILED by the send loop",
			},
			[]string{"instance", "reason"},
		),
		RotationExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatblast_rotation_exhausted_total",
				Help: "Total number of selections that found no eligible instance",
			},
		),
		CampaignTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_campaign_transitions_total",
				Help: "Total number of campaign status transitions",
			},
			[]string{"status"},
		),
		StoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_store_errors_total",
				Help: "Total number of store failures that aborted an operation",
			},
			[]string{"component"},
		),

		ReceiptsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_receipts_processed_total",
				Help: "Total number of delivery receipts recorded, by canonical status",
			},
			[]string{"status"},
		),
		ReceiptsUnknownTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chatblast_receipts_unknown_total",
				Help: "Total number of receipts for message ids not tracked here",
			},
		),

		CampaignsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_campaigns_running",
				Help: "Number of campaigns with an active send loop",
			},
		),
		ReceiptInboxSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_receipt_inbox_size",
				Help: "Number of receipts waiting to be recorded",
			},
		),

		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chatblast_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		APIErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatblast_api_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatblast_goroutines",
				Help: "Number of active goroutines",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.MessagesSentTotal,
		m.MessagesFailedTotal,
		m.RotationExhaustedTotal,
		m.CampaignTransitionsTotal,
		m.StoreErrorsTotal,
		m.ReceiptsProcessedTotal,
		m.ReceiptsUnknownTotal,
		m.CampaignsRunning,
		m.ReceiptInboxSize,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
		m.APIErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// IncMessagesSent increments the sent message counter
func IncMessagesSent(instance, msgType string) {
	if m := Global(); m != nil {
		m.MessagesSentTotal.WithLabelValues(instance, msgType).Inc()
	}
}

// IncMessagesFailed increments the failed lead counter
func IncMessagesFailed(instance, reason string) {
	if m := Global(); m != nil {
		m.MessagesFailedTotal.WithLabelValues(instance, reason).Inc()
	}
}

// IncRotationExhausted counts a selection with no eligible instance
func IncRotationExhausted() {
	if m := Global(); m != nil {
		m.RotationExhaustedTotal.Inc()
	}
}

// IncCampaignTransition counts a campaign entering status
func IncCampaignTransition(status string) {
	if m := Global(); m != nil {
		m.CampaignTransitionsTotal.WithLabelValues(status).Inc()
	}
}

// IncStoreErrors counts a store failure in component
func IncStoreErrors(component string) {
	if m := Global(); m != nil {
		m.StoreErrorsTotal.WithLabelValues(component).Inc()
	}
}

// IncReceiptsProcessed counts a recorded receipt
func IncReceiptsProcessed(status string) {
	if m := Global(); m != nil {
		m.ReceiptsProcessedTotal.WithLabelValues(status).Inc()
	}
}

// IncReceiptsUnknown counts a receipt for an untracked message
func IncReceiptsUnknown() {
	if m := Global(); m != nil {
		m.ReceiptsUnknownTotal.Inc()
	}
}

// SetCampaignsRunning sets the number of running send loops
func SetCampaignsRunning(n int) {
	if m := Global(); m != nil {
		m.CampaignsRunning.Set(float64(n))
	}
}

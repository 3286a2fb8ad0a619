// Package metrics provides Prometheus instrumentation for reqchat.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reqchat"

// Metrics holds every collector reqchat records into.
type Metrics struct {
	connectionState    prometheus.Gauge
	connectAttempts    *prometheus.CounterVec
	reconnectsTotal    prometheus.Counter
	framesTotal        *prometheus.CounterVec
	sendsTotal         *prometheus.CounterVec
	pipelineCalls      *prometheus.CounterVec
	pipelineDuration   *prometheus.HistogramVec
	historyFetches     *prometheus.CounterVec
	transcriptEntries  *prometheus.CounterVec
	utteranceDecisions *prometheus.CounterVec
	rateLimitWaits     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with registry.
// A nil registry registers nothing, which is handy in tests.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		connectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Persistent channel state (0=idle, 1=connecting, 2=open, 3=closed)",
		}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Dial attempts on the persistent channel by result",
		}, []string{"result"}),
		reconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Automatic reconnects scheduled after an unplanned close",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by classified kind",
		}, []string{"kind"}),
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_total",
			Help:      "Outbound sends by status",
		}, []string{"status"}),
		pipelineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_calls_total",
			Help:      "Analysis pipeline calls by endpoint and status",
		}, []string{"endpoint", "status"}),
		pipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_call_duration_seconds",
			Help:      "Analysis pipeline call duration",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		historyFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "Conversation history fetches by status",
		}, []string{"status"}),
		transcriptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_entries_total",
			Help:      "Transcript entries appended by author and kind",
		}, []string{"author", "kind"}),
		utteranceDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "User utterances by routing decision",
		}, []string{"decision"}),
		rateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Pipeline calls delayed by the client-side rate limiter",
		}),
	}

	if registry != nil {
		registry.MustRegister(
			m.connectionState,
			m.connectAttempts,
			m.reconnectsTotal,
			m.framesTotal,
			m.sendsTotal,
			m.pipelineCalls,
			m.pipelineDuration,
			m.historyFetches,
			m.transcriptEntries,
			m.utteranceDecisions,
			m.rateLimitWaits,
		)
	}

	return m
}

// SetConnectionState records the numeric connection state.
func (m *Metrics) SetConnectionState(state int) {
	m.connectionState.Set(float64(state))
}

// RecordConnectAttempt records a dial attempt, "success" or "error".
func (m *Metrics) RecordConnectAttempt(result string) {
	m.connectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnectScheduled counts one scheduled reconnect.
func (m *Metrics) RecordReconnectScheduled() {
	m.reconnectsTotal.Inc()
}

// RecordFrame counts one inbound frame.
func (m *Metrics) RecordFrame(kind string) {
	m.framesTotal.WithLabelValues(kind).Inc()
}

// RecordSend counts one send by status ("sent", "not_open", "queue_full").
func (m *Metrics) RecordSend(status string) {
	m.sendsTotal.WithLabelValues(status).Inc()
}

// RecordPipelineCall records one pipeline call and its duration.
func (m *Metrics) RecordPipelineCall(endpoint string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.pipelineCalls.WithLabelValues(endpoint, status).Inc()
	m.pipelineDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordHistoryFetch records one history fetch.
func (m *Metrics) RecordHistoryFetch(err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.historyFetches.WithLabelValues(status).Inc()
}

// RecordTranscriptEntry counts one appended transcript entry.
func (m *Metrics) RecordTranscriptEntry(author, kind string) {
	m.transcriptEntries.WithLabelValues(author, kind).Inc()
}

// RecordUtterance counts one routed utterance.
func (m *Metrics) RecordUtterance(decision string) {
	m.utteranceDecisions.WithLabelValues(decision).Inc()
}

// RecordRateLimitWait counts one call that had to wait for a token.
func (m *Metrics) RecordRateLimitWait() {
	m.rateLimitWaits.Inc()
}

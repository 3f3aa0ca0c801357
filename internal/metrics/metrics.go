// Package metrics exposes miner and pool session metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/cnminer/internal/miner"
)

const namespace = "cnminer"

var sessionStates = []string{"disconnected", "connecting", "open", "closing"}

// Metrics holds every collector. It implements pool.Observer.
type Metrics struct {
	registry *prometheus.Registry

	Hashrate       prometheus.Gauge
	WorkerHashrate *prometheus.GaugeVec
	HashesTotal    prometheus.Gauge
	SharesFound    prometheus.Counter
	ShareResults   *prometheus.CounterVec
	SharesDeduped  prometheus.Counter
	SharesSent     prometheus.Counter
	JobDifficulty  prometheus.Gauge
	JobsReceived   prometheus.Counter
	SessionState   *prometheus.GaugeVec
	Reconnects     prometheus.Counter
	PoolMessages   *prometheus.CounterVec
	SinkErrors     *prometheus.CounterVec
	SinkBreaker    *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Hashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hashrate",
			Help:      "Aggregate hashrate of all workers in H/s.",
		}),
		WorkerHashrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_hashrate",
			Help:      "Per-worker hashrate in H/s.",
		}, []string{"worker"}),
		HashesTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "hashes",
			Help:      "Hashes computed since start.",
		}),
		SharesFound: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_found_total",
			Help:      "Shares that met the job target locally.",
		}),
		ShareResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_results_total",
			Help:      "Pool verdicts on submitted shares.",
		}, []string{"result"}),
		SharesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_duplicate_total",
			Help:      "Share submissions suppressed as duplicates.",
		}),
		SharesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shares_submitted_total",
			Help:      "Shares written to the pool connection.",
		}),
		JobDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_difficulty",
			Help:      "Difficulty of the current job.",
		}),
		JobsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_received_total",
			Help:      "Jobs received from the pool.",
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current pool session state, 0 otherwise.",
		}, []string{"state"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled.",
		}),
		PoolMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_messages_total",
			Help:      "Inbound pool messages by classification.",
		}, []string{"kind"}),
		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_errors_total",
			Help:      "Telemetry sink write failures.",
		}, []string{"sink"}),
		SinkBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sink_breaker_state",
			Help:      "Circuit breaker state per sink: 0 closed, 1 open, 2 half-open.",
		}, []string{"sink"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Hashrate,
		m.WorkerHashrate,
		m.HashesTotal,
		m.SharesFound,
		m.ShareResults,
		m.SharesDeduped,
		m.SharesSent,
		m.JobDifficulty,
		m.JobsReceived,
		m.SessionState,
		m.Reconnects,
		m.PoolMessages,
		m.SinkErrors,
		m.SinkBreaker,
	)
	m.SessionState.WithLabelValues("disconnected").Set(1)
	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveSnapshot copies an aggregate snapshot into the gauges
func (m *Metrics) ObserveSnapshot(s miner.Snapshot) {
	m.Hashrate.Set(s.Hashrate)
	m.HashesTotal.Set(float64(s.TotalHashes))
	for _, w := range s.Workers {
		m.WorkerHashrate.WithLabelValues(strconv.Itoa(w.WorkerID)).Set(w.Hashrate)
	}
}

// ShareFound counts a locally found share
func (m *Metrics) ShareFound() {
	m.SharesFound.Inc()
}

// ShareResult counts a pool verdict
func (m *Metrics) ShareResult(accepted bool) {
	if accepted {
		m.ShareResults.WithLabelValues("accepted").Inc()
		return
	}
	m.ShareResults.WithLabelValues("rejected").Inc()
}

// JobReceived records a new job
func (m *Metrics) JobReceived(difficulty float64) {
	m.JobsReceived.Inc()
	m.JobDifficulty.Set(difficulty)
}

// SinkError counts a failed sink write
func (m *Metrics) SinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// SinkBreakerState records a sink circuit breaker transition
func (m *Metrics) SinkBreakerState(sink string, state int) {
	m.SinkBreaker.WithLabelValues(sink).Set(float64(state))
}

// SessionStateChanged implements pool.Observer
func (m *Metrics) SessionStateChanged(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(s).Set(v)
	}
}

// Reconnect implements pool.Observer
func (m *Metrics) Reconnect() {
	m.Reconnects.Inc()
}

// PoolMessage implements pool.Observer
func (m *Metrics) PoolMessage(kind string) {
	m.PoolMessages.WithLabelValues(kind).Inc()
}

// ShareSubmitted implements pool.Observer
func (m *Metrics) ShareSubmitted() {
	m.SharesSent.Inc()
}

// DuplicateShare implements pool.Observer
func (m *Metrics) DuplicateShare() {
	m.SharesDeduped.Inc()
}

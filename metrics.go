package bifrost

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "bifrost"

// Result labels for metrics.
const (
	resultAllowed     = "allowed"
	resultDenied      = "denied"
	resultUnavailable = "unavailable"

	resultWritten = "written"
	resultFailed  = "failed"
	resultDropped = "dropped"
)

// Metrics holds the gateway's Prometheus collectors.
type Metrics struct {
	// AdmissionsTotal counts rate-limit checks by category and result.
	AdmissionsTotal *prometheus.CounterVec

	// SessionsTotal counts session lifecycle events (created, rejected, revoked).
	SessionsTotal *prometheus.CounterVec

	// UpstreamRequestsTotal counts upstream attempts by method and status code.
	// Transport failures use code "error".
	UpstreamRequestsTotal *prometheus.CounterVec

	// UpstreamRequestDuration observes upstream attempt latency.
	UpstreamRequestDuration *prometheus.HistogramVec

	// UpstreamBoundaryRetries counts retries signed with the adjacent hour.
	UpstreamBoundaryRetries prometheus.Counter

	// AuditRecordsTotal counts audit records by result (written, failed, dropped).
	AuditRecordsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AdmissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "admissions_total",
				Help:      "Total number of rate limit admission checks",
			},
			[]string{"category", "result"},
		),
		SessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_total",
				Help:      "Total number of session lifecycle events",
			},
			[]string{"event"},
		),
		UpstreamRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream request attempts",
			},
			[]string{"method", "code"},
		),
		UpstreamRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Duration of upstream request attempts in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UpstreamBoundaryRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "upstream_boundary_retries_total",
				Help:      "Total number of upstream retries signed with the adjacent hour bucket",
			},
		),
		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "audit_records_total",
				Help:      "Total number of audit records by outcome",
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.AdmissionsTotal,
			m.SessionsTotal,
			m.UpstreamRequestsTotal,
			m.UpstreamRequestDuration,
			m.UpstreamBoundaryRetries,
			m.AuditRecordsTotal,
		)
	}
	return m
}

func (m *Metrics) observeAdmission(category Category, dec Decision, err error) {
	if m == nil {
		return
	}
	result := resultAllowed
	switch {
	case err != nil:
		result = resultUnavailable
	case !dec.Allowed:
		result = resultDenied
	}
	m.AdmissionsTotal.WithLabelValues(string(category), result).Inc()
}

func (m *Metrics) observeSession(event string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(event).Inc()
}

func (m *Metrics) observeUpstream(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.UpstreamRequestsTotal.WithLabelValues(method, code).Inc()
	m.UpstreamRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (m *Metrics) observeBoundaryRetry() {
	if m == nil {
		return
	}
	m.UpstreamBoundaryRetries.Inc()
}

func (m *Metrics) observeAudit(result string) {
	if m == nil {
		return
	}
	m.AuditRecordsTotal.WithLabelValues(result).Inc()
}

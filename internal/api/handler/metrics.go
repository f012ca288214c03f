package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	cgSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognigate_signals_total",
		Help: "Total behavioral signals ingested by type.",
	}, []string{"type"})

	cgGateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognigate_gate_decisions_total",
		Help: "Total gate evaluations by risk level and outcome.",
	}, []string{"risk_level", "outcome"})

	cgContainmentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognigate_containment_transitions_total",
		Help: "Total containment transitions by new level.",
	}, []string{"level"})

	cgLedgerEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cognigate_ledger_events_total",
		Help: "Total proof events appended to the ledger.",
	})

	cgChainVerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognigate_chain_verifications_total",
		Help: "Total chain verification runs by result.",
	}, []string{"result"})

	cgRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cognigate_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	cgRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cognigate_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// PrometheusMiddleware returns a gin middleware that records per-request
// metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		cgRequestsTotal.WithLabelValues(method, path, status).Inc()
		cgRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a gin handler serving Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordSignal counts one ingested signal.
func RecordSignal(signalType string) {
	cgSignalsTotal.WithLabelValues(signalType).Inc()
}

// RecordGateDecision counts one gate evaluation.
func RecordGateDecision(riskLevel string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	cgGateDecisionsTotal.WithLabelValues(riskLevel, outcome).Inc()
}

// RecordContainmentTransition counts one applied transition.
func RecordContainmentTransition(level string) {
	cgContainmentTransitionsTotal.WithLabelValues(level).Inc()
}

// RecordLedgerAppend counts one appended proof event.
func RecordLedgerAppend() {
	cgLedgerEventsTotal.Inc()
}

// RecordChainVerification counts one verification run.
func RecordChainVerification(valid bool) {
	if valid {
		cgChainVerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		cgChainVerificationsTotal.WithLabelValues("broken").Inc()
	}
}

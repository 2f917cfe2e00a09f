// Package metrics provides Prometheus instrumentation for the field-integrity engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fieldguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// VisitsTotal counts recorded visits by outcome ("valid", "out_of_range", "qr_invalid", "no_reference").
	VisitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visits_total",
			Help:      "Recorded visit claims by outcome.",
		},
		[]string{"outcome"},
	)

	// QRScansTotal counts document scans by result.
	QRScansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "qr_scans_total",
			Help:      "QR document scans by result (valid, replay, mismatch, closed, not_found).",
		},
		[]string{"result"},
	)

	// CustodyTransitionsTotal counts custody state transitions by target status.
	CustodyTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "custody_transitions_total",
			Help:      "Payment custody transitions by resulting status.",
		},
		[]string{"status"},
	)

	// CustodyWindow observes collection-to-deposit time in hours.
	CustodyWindow = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "custody_window_hours",
		Help:      "Hours between collection and confirmed deposit.",
		Buckets:   []float64{1, 4, 8, 12, 24, 36, 48, 72, 168},
	})

	// SweeperRunsTotal counts deadline sweeps by source of due ids ("index", "store").
	SweeperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deadline_sweeps_total",
			Help:      "Deadline sweeper runs by source of due deadlines.",
		},
		[]string{"source"},
	)

	// SweeperFlagsTotal counts payments flagged late by the sweeper.
	SweeperFlagsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deadline_flags_total",
		Help:      "Payments transitioned to FLAGGED_LATE by the sweeper.",
	})

	// SignalsTotal counts appended risk signals by type.
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_signals_total",
			Help:      "Risk signals appended to the audit log by type.",
		},
		[]string{"type"},
	)

	// SignalsRejectedTotal counts signals refused by the engine by reason.
	SignalsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "risk_signals_rejected_total",
			Help:      "Risk signals rejected by reason (untraceable, duplicate).",
		},
		[]string{"reason"},
	)

	// EscalationsTotal counts actors escalated into the HIGH band.
	EscalationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "risk_escalations_total",
		Help:      "Actors escalated after entering the HIGH risk band.",
	})

	// ClassifierFallbacksTotal counts scorings that fell back to rules only.
	ClassifierFallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "classifier_fallbacks_total",
		Help:      "Scorings that fell back to rule-only because the classifier failed.",
	})

	// RouteAuditsTotal counts route audits by feasibility.
	RouteAuditsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_audits_total",
			Help:      "Route audits by feasibility verdict.",
		},
		[]string{"feasible"},
	)

	// NotificationsTotal counts outbound notifications by kind and result.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// ActiveWebSocketClients tracks connected supervisor dashboards.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		VisitsTotal,
		QRScansTotal,
		CustodyTransitionsTotal,
		CustodyWindow,
		SweeperRunsTotal,
		SweeperFlagsTotal,
		SignalsTotal,
		SignalsRejectedTotal,
		EscalationsTotal,
		ClassifierFallbacksTotal,
		RouteAuditsTotal,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count into
// gauges every interval. Call in a goroutine; it returns when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request counts and latency keyed by route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler returns the Prometheus scrape handler for /metrics.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

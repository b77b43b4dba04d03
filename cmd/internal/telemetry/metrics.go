// Package telemetry registers the service's Prometheus metrics.
//
// All collectors live on the default registry and are exposed by app at
// GET /metrics. HTTP metrics are labelled by chi route pattern (for example
// /api/accounts/{id}/reserve), never the raw URL, so account ids and invite
// tokens never become label values.
package telemetry

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ledger metrics.
//
// ReservationsTotal{op,result}: op is reserve|release|quick|invite_reserve|invite_release,
// result is "ok" or the error code returned to the caller.
var (
	ReservationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qam_reservations_total",
			Help: "Reservation engine calls, by operation and result.",
		},
		[]string{"op", "result"},
	)

	InvitesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qam_invites_total",
			Help: "Invite ledger calls, by operation (issue|verify|consume) and result.",
		},
		[]string{"op", "result"},
	)

	AccountsBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qam_accounts_busy",
		Help: "Accounts currently reserved, as of the latest live snapshot.",
	})

	AccountsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qam_accounts_total",
		Help: "Accounts in the ledger, as of the latest live snapshot.",
	})
)

// Job metrics.
var (
	ReconcileRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qam_reconcile_runs_total",
			Help: "External status reconciliation runs, by result (ok|not_configured|upstream|error).",
		},
		[]string{"result"},
	)

	ReconcileDiscrepancies = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "qam_reconcile_discrepancies",
		Help: "Accounts whose external busy flag disagreed with the ledger on the last run.",
	})

	ResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qam_resets_total",
			Help: "Bulk resets that freed accounts, by trigger (manual|daily).",
		},
		[]string{"trigger"},
	)

	ResetAccountsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "qam_reset_accounts_total",
		Help: "Accounts freed by bulk resets.",
	})
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qam_http_requests_total",
			Help: "HTTP requests, by method, route pattern and status code.",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qam_http_request_duration_seconds",
			Help:    "HTTP request latency, by method and route pattern.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordSnapshot updates the account gauges.
func RecordSnapshot(total, busy int) {
	AccountsTotal.Set(float64(total))
	AccountsBusy.Set(float64(busy))
}

// Middleware records HTTP metrics. It must run inside a chi router so the
// route pattern is known once the handler returns; unmatched requests are
// labelled "unmatched".
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}

		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Hijack keeps websocket upgrades working through the wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("underlying ResponseWriter does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Package metrics holds the Prometheus collectors for the transaction engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vpa_pay"

// Metrics groups every collector the service exports. Each instance owns its
// registry so tests can build one without touching the global default.
type Metrics struct {
	Registry *prometheus.Registry

	TransactionsCreated   prometheus.Counter
	TransactionsDuplicate prometheus.Counter
	TransactionsRejected  *prometheus.CounterVec
	TransactionsSettled   *prometheus.CounterVec
	CallbacksIgnored      prometheus.Counter
	IntegrityFaults       *prometheus.CounterVec
	ClearingDispatch      *prometheus.CounterVec
	ClearingLatency       prometheus.Histogram
	HTTPRequests          *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TransactionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "created_total",
			Help:      "Transactions accepted and earmarked.",
		}),
		TransactionsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "duplicate_total",
			Help:      "Create requests answered from an existing client transaction id.",
		}),
		TransactionsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "rejected_total",
			Help:      "Create requests rejected before any state change.",
		}, []string{"reason"}),
		TransactionsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "settled_total",
			Help:      "Transactions moved to a terminal status.",
		}, []string{"status"}),
		CallbacksIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transactions",
			Name:      "callbacks_ignored_total",
			Help:      "Clearing callbacks that found no pending transaction.",
		}),
		IntegrityFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "integrity_faults_total",
			Help:      "Releases refused because locked funds did not cover the amount.",
		}, []string{"operation"}),
		ClearingDispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clearing",
			Name:      "dispatch_total",
			Help:      "Outbound clearing submissions by outcome.",
		}, []string{"outcome"}),
		ClearingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "clearing",
			Name:      "request_duration_seconds",
			Help:      "Latency of outbound clearing submissions.",
			Buckets:   prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests processed.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TransactionsCreated,
		m.TransactionsDuplicate,
		m.TransactionsRejected,
		m.TransactionsSettled,
		m.CallbacksIgnored,
		m.IntegrityFaults,
		m.ClearingDispatch,
		m.ClearingLatency,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
}

// Middleware records request counts and latency per matched route.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		route := c.Route().Path
		m.HTTPRequests.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.HTTPDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

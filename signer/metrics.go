package signer

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus metrics of a Signer. A nil *Metrics records nothing.
type Metrics struct {
	Attempts      *prometheus.CounterVec
	LockedRetries *prometheus.CounterVec
	Timeouts      *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	Resolutions   *prometheus.CounterVec
	Duration      *prometheus.HistogramVec
}

// NewMetrics registers the metrics with the default registerer
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(nil)
}

// NewMetricsWithRegistry registers the metrics with registry
func NewMetricsWithRegistry(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		Attempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_signer_device_attempts_total",
			Help: "Device calls attempted, including retries",
		}, []string{"op"}),
		LockedRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_signer_device_locked_total",
			Help: "Device calls that found the transport locked",
		}, []string{"op"}),
		Timeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_signer_timeouts_total",
			Help: "Operations that timed out, by cause",
		}, []string{"op", "cause"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_signer_errors_total",
			Help: "Operations that failed",
		}, []string{"op"}),
		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_signer_resolutions_total",
			Help: "Transaction resolution lookups, by result",
		}, []string{"result"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_signer_operation_duration_seconds",
			Help:    "Duration of device operations including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
	}
}

func (m *Metrics) attempt(op string) {
	if m != nil {
		m.Attempts.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) lockedRetry(op string) {
	if m != nil {
		m.LockedRetries.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) timeout(op string, cause error) {
	if m == nil {
		return
	}
	label := "deadline"
	if errors.Is(cause, ErrAttemptsExhausted) {
		label = "attempts"
	}
	m.Timeouts.WithLabelValues(op, label).Inc()
}

func (m *Metrics) resolution(err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		result = "canceled"
	case err != nil:
		result = "error"
	}
	m.Resolutions.WithLabelValues(result).Inc()
}

func (m *Metrics) observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.Errors.WithLabelValues(op).Inc()
	}
}

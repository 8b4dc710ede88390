// Package metrics holds the Prometheus collectors of the trading bot. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector exported on /metrics.
type Metrics struct {
	signals        *prometheus.CounterVec
	broadcasts     *prometheus.CounterVec
	confirmations  *prometheus.CounterVec
	callbackErrors *prometheus.CounterVec
	exits          *prometheus.CounterVec
	reconcile      *prometheus.CounterVec
	lockFailOpen   prometheus.Counter
	queueDepth     prometheus.Gauge
	inFlight       prometheus.Gauge
	openPositions  prometheus.Gauge
	confirmLatency prometheus.Histogram
	tickDuration   prometheus.Histogram
}

// New creates the collectors and registers them on reg. A nil reg uses the
// default registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		signals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "signals_total",
				Help:      "Trade signals handled, by outcome",
			},
			[]string{"outcome"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "broadcasts_total",
				Help:      "Transactions broadcast, by action and result",
			},
			[]string{"action", "result"},
		),
		confirmations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "confirmations_total",
				Help:      "Confirmation outcomes, by action and status",
			},
			[]string{"action", "status"},
		),
		callbackErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callback_errors_total",
				Help:      "Confirmation callbacks that returned an error or panicked",
			},
			[]string{"action"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exit_triggers_total",
				Help:      "Exit policy triggers, by reason",
			},
			[]string{"reason"},
		),
		reconcile: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_actions_total",
				Help:      "Reconciliation actions, by kind",
			},
			[]string{"action"},
		),
		lockFailOpen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lock_fail_open_total",
				Help:      "Buy locks granted without the state store",
			},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "confirm_queue_depth",
				Help:      "Transactions waiting in the confirmation queue",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "confirm_in_flight",
				Help:      "Confirmation tasks currently polling",
			},
		),
		openPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_positions",
				Help:      "Active positions seen by the last monitor tick",
			},
		),
		confirmLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "confirm_latency_seconds",
				Help:      "Time from broadcast to terminal confirmation status",
				Buckets:   []float64{0.5, 1, 2, 3, 5, 8, 13, 21, 34},
			},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "monitor_tick_seconds",
				Help:      "Duration of one exit-evaluation pass over all positions",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		m.signals,
		m.broadcasts,
		m.confirmations,
		m.callbackErrors,
		m.exits,
		m.reconcile,
		m.lockFailOpen,
		m.queueDepth,
		m.inFlight,
		m.openPositions,
		m.confirmLatency,
		m.tickDuration,
	)
	return m
}

func (m *Metrics) IncSignal(outcome string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncBroadcast(action, result string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(action, result).Inc()
}

// ObserveConfirmation records a terminal confirmation status and its latency.
func (m *Metrics) ObserveConfirmation(action, status string, seconds float64) {
	if m == nil {
		return
	}
	m.confirmations.WithLabelValues(action, status).Inc()
	m.confirmLatency.Observe(seconds)
}

func (m *Metrics) IncCallbackError(action string) {
	if m == nil {
		return
	}
	m.callbackErrors.WithLabelValues(action).Inc()
}

func (m *Metrics) IncExit(reason string) {
	if m == nil {
		return
	}
	m.exits.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncReconcile(action string) {
	if m == nil {
		return
	}
	m.reconcile.WithLabelValues(action).Inc()
}

func (m *Metrics) IncLockFailOpen() {
	if m == nil {
		return
	}
	m.lockFailOpen.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.openPositions.Set(float64(n))
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

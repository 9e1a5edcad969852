package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "imagebot"

// Metrics holds the ledger collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Reservations      *prometheus.CounterVec
	Generations       *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	Redemptions       *prometheus.CounterVec
	ResetAccounts     *prometheus.CounterVec
	Reaped            prometheus.Counter
	Reconciled        prometheus.Counter
	CommitFallbacks   prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Reservations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reservations_total",
				Help:      "Credit reservation attempts by result",
			},
			[]string{"result"},
		),
		Generations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Generation requests that reached the provider, by outcome",
			},
			[]string{"outcome"},
		),
		InferenceDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "inference_duration_seconds",
				Help:      "Latency of inference provider calls",
				Buckets:   []float64{1, 2.5, 5, 10, 20, 40, 60, 120, 180},
			},
		),
		Redemptions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coupon_redemptions_total",
				Help:      "Coupon redemption attempts by result",
			},
			[]string{"result"},
		),
		ResetAccounts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reset_accounts_total",
				Help:      "Accounts processed by balance resets",
			},
			[]string{"result"},
		),
		Reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_reaped_total",
			Help:      "Stale pending reservations rolled back by the reaper",
		}),
		Reconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_reconciled_total",
			Help:      "Committed reservations whose usage record was written late",
		}),
		CommitFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commit_fallbacks_total",
			Help:      "Commits that deferred the usage record to the reconciler",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Reservations,
			m.Generations,
			m.InferenceDuration,
			m.Redemptions,
			m.ResetAccounts,
			m.Reaped,
			m.Reconciled,
			m.CommitFallbacks,
		)
	}
	return m
}

func (m *Metrics) ObserveReservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveGeneration(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(outcome).Inc()
	m.InferenceDuration.Observe(took.Seconds())
}

func (m *Metrics) ObserveRedemption(result string) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveReset(updated, failed int) {
	if m == nil {
		return
	}
	m.ResetAccounts.WithLabelValues("updated").Add(float64(updated))
	m.ResetAccounts.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) AddReaped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Reaped.Add(float64(n))
}

func (m *Metrics) AddReconciled(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Reconciled.Add(float64(n))
}

func (m *Metrics) IncCommitFallback() {
	if m == nil {
		return
	}
	m.CommitFallbacks.Inc()
}

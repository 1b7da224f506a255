// Package metrics exports ledger activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pario-ai/tokenledger/pkg/models"
)

const namespace = "tokenledger"

// Metrics contains the ledger collectors. It implements service.Observer
// and service.SaveObserver.
type Metrics struct {
	registry *prometheus.Registry

	transactions *prometheus.CounterVec
	tokens       *prometheus.CounterVec
	denials      *prometheus.CounterVec
	alerts       *prometheus.CounterVec

	budgetRemaining *prometheus.GaugeVec
	budgetUsage     *prometheus.GaugeVec
	poolBalance     prometheus.Gauge

	snapshotSaves    *prometheus.CounterVec
	snapshotDuration prometheus.Histogram
	snapshotStale    prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		transactions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transactions_total",
				Help:      "Committed transactions by type",
			},
			[]string{"type"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tokens_total",
				Help:      "Tokens moved by committed transactions, by type",
			},
			[]string{"type"},
		),
		denials: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consume_denied_total",
				Help:      "Consumptions denied, by reason",
			},
			[]string{"reason"},
		),
		alerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alert rules tripped by successful consumptions",
			},
			[]string{"budget"},
		),

		budgetRemaining: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_remaining_tokens",
				Help:      "Remaining tokens per budget",
			},
			[]string{"budget_id", "name", "scope"},
		),
		budgetUsage: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "budget_usage_ratio",
				Help:      "Used / allocated per budget (0.0-1.0)",
			},
			[]string{"budget_id", "name", "scope"},
		),
		poolBalance: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_balance_tokens",
			Help:      "Unallocated tokens in the global pool",
		}),

		snapshotSaves: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "snapshot_saves_total",
				Help:      "Snapshot save attempts by result",
			},
			[]string{"result"},
		),
		snapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Duration of snapshot saves in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}),
		snapshotStale: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_stale",
			Help:      "1 while the last committed state has not been saved",
		}),
	}
}

// Registry returns the registry holding the ledger collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

// OnEvent updates counters and gauges from a ledger event.
func (m *Metrics) OnEvent(e models.Event) {
	m.poolBalance.Set(float64(e.PoolBalance))

	switch e.Kind {
	case models.EventDenied:
		m.denials.WithLabelValues(denialReason(e)).Inc()
		return
	case models.EventBudgetDeleted:
		for _, b := range e.Budgets {
			m.budgetRemaining.DeleteLabelValues(b.ID, b.Name, string(b.Scope))
			m.budgetUsage.DeleteLabelValues(b.ID, b.Name, string(b.Scope))
		}
		return
	}

	if tx := e.Transaction; tx != nil {
		m.transactions.WithLabelValues(string(tx.Type)).Inc()
		m.tokens.WithLabelValues(string(tx.Type)).Add(float64(tx.Amount))
	}
	for _, b := range e.Budgets {
		m.SetBudget(b)
	}
	if len(e.Warnings) > 0 && len(e.Budgets) > 0 {
		m.alerts.WithLabelValues(e.Budgets[0].Name).Add(float64(len(e.Warnings)))
	}
}

// OnSave records a snapshot save attempt.
func (m *Metrics) OnSave(_ int64, took time.Duration, err error) {
	m.snapshotDuration.Observe(took.Seconds())
	if err != nil {
		m.snapshotSaves.WithLabelValues("error").Inc()
		m.snapshotStale.Set(1)
		return
	}
	m.snapshotSaves.WithLabelValues("ok").Inc()
	m.snapshotStale.Set(0)
}

// SetBudget publishes the gauges for one budget.
func (m *Metrics) SetBudget(b models.Budget) {
	m.budgetRemaining.WithLabelValues(b.ID, b.Name, string(b.Scope)).Set(float64(b.Remaining))
	m.budgetUsage.WithLabelValues(b.ID, b.Name, string(b.Scope)).Set(b.UsageRatio())
}

// SetPool publishes the pool balance.
func (m *Metrics) SetPool(balance int64) {
	m.poolBalance.Set(float64(balance))
}

func denialReason(e models.Event) string {
	if e.Denial == "" {
		return "other"
	}
	return string(e.Denial)
}

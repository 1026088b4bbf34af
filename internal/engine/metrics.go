package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "strategy_engine"

// Metrics holds the engine's Prometheus collectors. Each engine owns its
// registry so several engines (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	Cycles            prometheus.Counter
	CycleErrors       prometheus.Counter
	CycleDuration     prometheus.Histogram
	SignalsGenerated  prometheus.Counter
	SignalsAggregated prometheus.Counter
	SignalsRejected   *prometheus.CounterVec
	OrdersExecuted    prometheus.Counter
	TradesClosed      *prometheus.CounterVec
	PortfolioValue    prometheus.Gauge
	OpenPositions     prometheus.Gauge
}

// NewMetrics registers the engine collectors plus the Go runtime and process
// collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed decision cycles.",
		}),
		CycleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_errors_total",
			Help:      "Decision cycles that failed.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one decision cycle.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		SignalsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_generated_total",
			Help:      "Raw signals produced by alphas.",
		}),
		SignalsAggregated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_aggregated_total",
			Help:      "Signals surviving aggregation.",
		}),
		SignalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_rejected_total",
			Help:      "Aggregated signals that did not produce an order, by reason.",
		}, []string{"reason"}),
		OrdersExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_executed_total",
			Help:      "Filled orders.",
		}),
		TradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_closed_total",
			Help:      "Closed trades by close reason.",
		}, []string{"reason"}),
		PortfolioValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "portfolio_value_dollars",
			Help:      "Cash plus marked value of open positions.",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Currently open positions.",
		}),
	}

	m.registry.MustRegister(
		m.Cycles, m.CycleErrors, m.CycleDuration,
		m.SignalsGenerated, m.SignalsAggregated, m.SignalsRejected,
		m.OrdersExecuted, m.TradesClosed, m.PortfolioValue, m.OpenPositions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is the gatherer served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "harvester"

type registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec

	cycles        *prometheus.CounterVec
	chainFailures prometheus.Counter
	predictions   *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	rebalances    *prometheus.CounterVec
	apr           *prometheus.GaugeVec
	cycleDuration prometheus.Histogram
}

var defaultRegistry = newRegistry()

func newRegistry() *registry {
	m := &registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Agent cycles by result.",
		}, []string{"result"}),
		chainFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_read_failures_total",
			Help:      "Strategy reads that fell back to cached values.",
		}),
		predictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "predictions_total",
			Help:      "APR predictions by source.",
		}, []string{"source"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Contract transactions by method and status.",
		}, []string{"method", "status"}),
		rebalances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_decisions_total",
			Help:      "Rebalance evaluations by action.",
		}, []string{"action"}),
		apr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_apr_bps",
			Help:      "Last known strategy APR in basis points.",
		}, []string{"strategy_id"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Agent cycle duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
	}
	m.reg.MustRegister(
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
		m.cycles,
		m.chainFailures,
		m.predictions,
		m.transactions,
		m.rebalances,
		m.apr,
		m.cycleDuration,
	)
	return m
}

// ObserveCycle records a finished agent cycle. result is ok, failed or panic.
func ObserveCycle(result string, duration time.Duration) {
	defaultRegistry.cycles.WithLabelValues(result).Inc()
	defaultRegistry.cycleDuration.Observe(duration.Seconds())
}

// IncChainReadFailure counts a strategy read that fell back to cached data.
func IncChainReadFailure() {
	defaultRegistry.chainFailures.Inc()
}

// IncPrediction counts a prediction by its source.
func IncPrediction(source string) {
	defaultRegistry.predictions.WithLabelValues(source).Inc()
}

// IncTransaction counts a submitted transaction by contract method and outcome.
func IncTransaction(method, status string) {
	defaultRegistry.transactions.WithLabelValues(method, status).Inc()
}

// IncRebalanceDecision counts a rebalance evaluation by its action.
func IncRebalanceDecision(action string) {
	defaultRegistry.rebalances.WithLabelValues(action).Inc()
}

// SetStrategyAPR publishes the last known APR of a strategy, whether read
// from chain or confirmed by a write.
func SetStrategyAPR(strategyID uint64, apr int64) {
	defaultRegistry.apr.WithLabelValues(strconv.FormatUint(strategyID, 10)).Set(float64(apr))
}

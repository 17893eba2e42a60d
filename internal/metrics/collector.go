// Package metrics provides internal prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/contentflow/llm"
)

// Collector exposes router activity as prometheus metrics. It implements
// llm.MetricsSink, so it can be fanned into the router alongside the
// persistent audit sink.
type Collector struct {
	routingDecisionsTotal *prometheus.CounterVec
	fallbackDepth         *prometheus.HistogramVec
	modelRequestsTotal    *prometheus.CounterVec
	modelTokensTotal      *prometheus.CounterVec
	modelCostUSDTotal     *prometheus.CounterVec
	breakerState          *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the contentflow metrics under namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.routingDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Routing decisions by task type and selected model",
		},
		[]string{"task_type", "selected_model", "reason"},
	)

	c.fallbackDepth = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "routing_fallback_depth",
			Help:      "Chain position of the model that answered",
			Buckets:   []float64{0, 1, 2, 3, 5, 8},
		},
		[]string{"task_type"},
	)

	c.modelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_requests_total",
			Help:      "Model invocations by outcome",
		},
		[]string{"model", "success"},
	)

	c.modelTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_tokens_used_total",
			Help:      "Tokens consumed per model",
		},
		[]string{"model"},
	)

	c.modelCostUSDTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_cost_usd_total",
			Help:      "Accumulated USD cost per model",
		},
		[]string{"model"},
	)

	c.breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state per model (0 online, 1 degraded, 2 offline, 3 open)",
		},
		[]string{"model"},
	)

	return c
}

// RecordRoutingDecision implements llm.MetricsSink.
func (c *Collector) RecordRoutingDecision(decision llm.RoutingDecision) {
	c.routingDecisionsTotal.WithLabelValues(
		decision.TaskType, decision.SelectedModel, decision.Reason,
	).Inc()
	c.fallbackDepth.WithLabelValues(decision.TaskType).Observe(float64(decision.FallbackCount))
}

// RecordModelMetrics implements llm.MetricsSink.
func (c *Collector) RecordModelMetrics(modelName string, tokensUsed int, costUSD float64, success bool) {
	c.modelRequestsTotal.WithLabelValues(modelName, strconv.FormatBool(success)).Inc()
	c.modelTokensTotal.WithLabelValues(modelName).Add(float64(tokensUsed))
	c.modelCostUSDTotal.WithLabelValues(modelName).Add(costUSD)
}

// SetBreakerState publishes one breaker's state gauge.
func (c *Collector) SetBreakerState(modelName string, state int) {
	c.breakerState.WithLabelValues(modelName).Set(float64(state))
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve starts the scrape endpoint on addr. Blocks; run in a goroutine.
func Serve(addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	if logger != nil {
		logger.Info("metrics endpoint listening", zap.String("addr", addr))
	}
	return http.ListenAndServe(addr, mux)
}

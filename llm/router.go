// Package llm provides the resilient provider router: fallback-chain
// selection across model providers, per-model circuit breakers, and
// cost/quality-aware filtering. Provider wire protocols live behind the
// ProviderCaller interface in llm/providers.
package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/BaSui01/contentflow/llm/circuitbreaker"
	"github.com/BaSui01/contentflow/llm/observability"
	"github.com/BaSui01/contentflow/types"
)

const (
	// DefaultCacheTTL bounds how stale the model-config cache may get.
	DefaultCacheTTL = 5 * time.Minute
	// DefaultQualityThreshold filters models below this quality score.
	DefaultQualityThreshold = 0.7
	// DefaultMaxRetriesPerModel bounds transport retries inside one handler.
	DefaultMaxRetriesPerModel = 3
)

// RouterOptions configures a Router.
type RouterOptions struct {
	CacheTTL           time.Duration
	QualityThreshold   float64
	MaxRetriesPerModel int
	BreakerConfig      *circuitbreaker.Config
	Logger             *zap.Logger
}

func normalizeRouterOptions(opts RouterOptions) RouterOptions {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.QualityThreshold <= 0 {
		opts.QualityThreshold = DefaultQualityThreshold
	}
	if opts.MaxRetriesPerModel <= 0 {
		opts.MaxRetriesPerModel = DefaultMaxRetriesPerModel
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Router dispatches queries across an ordered fallback chain of models.
// All mutable state (config cache, breaker registry) is owned by the Router
// instance; independent routers share nothing.
type Router struct {
	store    ProviderConfigStore
	callers  map[string]ProviderCaller
	breakers *circuitbreaker.Registry
	metrics  MetricsSink           // optional
	cache    *ResponseCache        // optional
	obs      *observability.Metrics // optional
	logger   *zap.Logger
	opts     RouterOptions

	mu            sync.RWMutex
	configs       []ModelConfig
	configsByName map[string]ModelConfig
	lastRefresh   time.Time

	refreshGroup singleflight.Group
}

// NewRouter creates a router. callers maps provider tags to call handlers;
// metrics and cache may be nil.
func NewRouter(store ProviderConfigStore, callers map[string]ProviderCaller, metrics MetricsSink, opts RouterOptions) *Router {
	opts = normalizeRouterOptions(opts)
	return &Router{
		store:         store,
		callers:       callers,
		breakers:      circuitbreaker.NewRegistry(opts.BreakerConfig, opts.Logger),
		metrics:       metrics,
		logger:        opts.Logger.With(zap.String("component", "router")),
		opts:          opts,
		configsByName: make(map[string]ModelConfig),
	}
}

// WithResponseCache attaches an optional redis response cache.
func (r *Router) WithResponseCache(cache *ResponseCache) *Router {
	r.cache = cache
	return r
}

// WithObservability attaches optional otel instrumentation.
func (r *Router) WithObservability(obs *observability.Metrics) *Router {
	r.obs = obs
	return r
}

// Breakers exposes the breaker registry for inspection.
func (r *Router) Breakers() *circuitbreaker.Registry {
	return r.breakers
}

// RefreshConfigs fetches enabled configs from the store, ordered by priority
// ascending, and atomically replaces the in-memory cache. Concurrent
// refreshes collapse into one store round trip.
func (r *Router) RefreshConfigs(ctx context.Context) error {
	_, err, _ := r.refreshGroup.Do("refresh", func() (any, error) {
		configs, err := r.store.FetchEnabledModelConfigs(ctx)
		if err != nil {
			return nil, types.NewError(types.ErrConfigUnavailable, "fetch model configs").WithCause(err)
		}

		sort.SliceStable(configs, func(i, j int) bool {
			return configs[i].Priority < configs[j].Priority
		})
		byName := make(map[string]ModelConfig, len(configs))
		for _, c := range configs {
			byName[c.ModelName] = c
		}

		r.mu.Lock()
		r.configs = configs
		r.configsByName = byName
		r.lastRefresh = time.Now()
		r.mu.Unlock()

		r.logger.Debug("model configs refreshed", zap.Int("count", len(configs)))
		return nil, nil
	})
	return err
}

func (r *Router) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	stale := time.Since(r.lastRefresh) > r.opts.CacheTTL
	r.mu.RUnlock()
	if !stale {
		return nil
	}
	return r.RefreshConfigs(ctx)
}

// Query resolves one logical model query: build the fallback chain, walk it
// until a provider answers, and record the routing decision and metrics.
// Provider failures are absorbed by chain fallback; only full exhaustion
// surfaces to the caller.
func (r *Router) Query(ctx context.Context, req QueryRequest) (*ModelResponse, error) {
	if req.QualityThreshold <= 0 {
		req.QualityThreshold = r.opts.QualityThreshold
	}
	if req.MaxRetriesPerModel <= 0 {
		req.MaxRetriesPerModel = r.opts.MaxRetriesPerModel
	}
	if req.ExecutionID == "" {
		req.ExecutionID = uuid.NewString()
	}

	start := time.Now()
	ctx, span := r.obs.StartQuery(ctx, req.TaskType, req.TaskStep)

	if r.cache != nil {
		if resp, err := r.cache.Get(ctx, req.TaskType, req.TaskStep, req.Prompt); err == nil {
			r.recordDecision(RoutingDecision{
				ExecutionID:   req.ExecutionID,
				TaskType:      req.TaskType,
				TaskStep:      req.TaskStep,
				SelectedModel: resp.ModelUsed,
				FallbackCount: 0,
				Reason:        "cache_hit",
				Timestamp:     time.Now(),
			})
			r.obs.EndQuery(ctx, span, resp.ModelUsed, 0, 0, 0, start, nil)
			return resp, nil
		}
	}

	if err := r.ensureFresh(ctx); err != nil {
		r.obs.EndQuery(ctx, span, "", 0, 0, 0, start, err)
		return nil, err
	}

	preferred := r.lookupPreference(ctx, req)
	chain := r.buildChain(preferred, req)
	if len(chain) == 0 {
		err := types.NewError(types.ErrNoAvailableModel,
			fmt.Sprintf("no available model for task %s/%s (quality >= %.2f, budget %.4f USD/1K)",
				req.TaskType, req.TaskStep, req.QualityThreshold, req.BudgetUSD))
		r.obs.EndQuery(ctx, span, "", 0, 0, 0, start, err)
		return nil, err
	}

	var lastErr error
	fallbackCount := 0
	for i, cfg := range chain {
		caller, ok := r.callers[cfg.Provider]
		if !ok {
			lastErr = types.NewError(types.ErrUnknownProvider, "no handler for provider").
				WithProvider(cfg.Provider).WithModel(cfg.ModelName)
			fallbackCount++
			continue
		}

		resp, err := caller.Query(ctx, cfg.ModelName, req.Prompt, cfg, req.MaxRetriesPerModel)
		breaker := r.breakers.Get(cfg.ModelName)
		if err != nil {
			breaker.RecordFailure()
			r.recordMetrics(cfg.ModelName, 0, 0, false)
			r.logger.Warn("provider call failed, falling back",
				zap.String("model", cfg.ModelName),
				zap.String("provider", cfg.Provider),
				zap.Int("chain_index", i),
				zap.Error(err),
			)
			lastErr = err
			fallbackCount++
			continue
		}

		breaker.RecordSuccess()
		r.recordDecision(RoutingDecision{
			ExecutionID:    req.ExecutionID,
			TaskType:       req.TaskType,
			TaskStep:       req.TaskStep,
			RequestedModel: preferred,
			SelectedModel:  cfg.ModelName,
			FallbackCount:  i,
			Reason:         selectionReason(i, preferred, cfg),
			Timestamp:      time.Now(),
		})
		r.recordMetrics(cfg.ModelName, resp.TokensUsed, resp.CostUSD, true)
		if r.cache != nil {
			r.cache.Set(ctx, req.TaskType, req.TaskStep, req.Prompt, resp)
		}
		r.obs.EndQuery(ctx, span, cfg.ModelName, i, resp.TokensUsed, resp.CostUSD, start, nil)
		return resp, nil
	}

	err := types.NewError(types.ErrRouterExhausted,
		fmt.Sprintf("all %d models in fallback chain failed", len(chain))).WithCause(lastErr)
	r.obs.EndQuery(ctx, span, "", fallbackCount, 0, 0, start, err)
	return nil, err
}

// lookupPreference returns the task-specific preferred model, or "" when
// none exists or the store lookup fails (logged, never fatal).
func (r *Router) lookupPreference(ctx context.Context, req QueryRequest) string {
	preferred, err := r.store.FetchTaskPreference(ctx, req.TaskType, req.TaskStep)
	if err != nil {
		r.logger.Warn("task preference lookup failed",
			zap.String("task_type", req.TaskType),
			zap.String("task_step", req.TaskStep),
			zap.Error(err),
		)
		return ""
	}
	return preferred
}

// buildChain assembles the ordered fallback chain: the eligible preferred
// model first, then local/free models by priority, then hosted models by
// ascending cost. Every entry passes the enabled/quality/budget/breaker
// filters at selection time.
func (r *Router) buildChain(preferred string, req QueryRequest) []ModelConfig {
	r.mu.RLock()
	configs := r.configs
	byName := r.configsByName
	r.mu.RUnlock()

	eligible := func(c ModelConfig) bool {
		if !c.Enabled {
			return false
		}
		if c.QualityScore < req.QualityThreshold {
			return false
		}
		if req.BudgetUSD > 0 && c.CostPer1KTokens > req.BudgetUSD {
			return false
		}
		b := r.breakers.Get(c.ModelName)
		if b.Status() == circuitbreaker.StatusOffline {
			return false
		}
		return b.IsAvailable()
	}

	chain := make([]ModelConfig, 0, len(configs))
	seen := make(map[string]bool, len(configs))

	if preferred != "" {
		if c, ok := byName[preferred]; ok {
			if eligible(c) {
				chain = append(chain, c)
				seen[c.ModelName] = true
			} else {
				r.logger.Debug("preferred model filtered out",
					zap.String("model", preferred),
				)
			}
		} else {
			r.logger.Warn("preferred model not in config cache",
				zap.String("model", preferred),
			)
		}
	}

	var locals, hosted []ModelConfig
	for _, c := range configs {
		if seen[c.ModelName] || !eligible(c) {
			continue
		}
		if c.IsLocal() {
			locals = append(locals, c)
		} else {
			hosted = append(hosted, c)
		}
	}
	sort.SliceStable(locals, func(i, j int) bool {
		return locals[i].Priority < locals[j].Priority
	})
	sort.SliceStable(hosted, func(i, j int) bool {
		if hosted[i].CostPer1KTokens != hosted[j].CostPer1KTokens {
			return hosted[i].CostPer1KTokens < hosted[j].CostPer1KTokens
		}
		return hosted[i].Priority < hosted[j].Priority
	})

	chain = append(chain, locals...)
	chain = append(chain, hosted...)
	return chain
}

func selectionReason(index int, preferred string, cfg ModelConfig) string {
	switch {
	case preferred != "" && cfg.ModelName == preferred:
		return "task_preference"
	case index == 0:
		return "default_chain_head"
	default:
		return fmt.Sprintf("fallback_after_%d_failures", index)
	}
}

// recordDecision forwards the audit record to the sink; sink behaviour is
// fire-and-forget by contract.
func (r *Router) recordDecision(decision RoutingDecision) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordRoutingDecision(decision)
}

func (r *Router) recordMetrics(model string, tokens int, costUSD float64, success bool) {
	if r.metrics == nil {
		return
	}
	r.metrics.RecordModelMetrics(model, tokens, costUSD, success)
}

// MultiSink fans routing records out to several sinks.
type MultiSink []MetricsSink

// RecordRoutingDecision implements MetricsSink.
func (m MultiSink) RecordRoutingDecision(decision RoutingDecision) {
	for _, s := range m {
		s.RecordRoutingDecision(decision)
	}
}

// RecordModelMetrics implements MetricsSink.
func (m MultiSink) RecordModelMetrics(model string, tokens int, costUSD float64, success bool) {
	for _, s := range m {
		s.RecordModelMetrics(model, tokens, costUSD, success)
	}
}

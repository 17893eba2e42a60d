package llm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contentflow/llm/circuitbreaker"
	"github.com/BaSui01/contentflow/types"
)

type fakeStore struct {
	mu          sync.Mutex
	configs     []ModelConfig
	preferences map[string]string // taskType/taskStep -> model
	fetchCalls  int32
	fetchErr    error
}

func (s *fakeStore) FetchEnabledModelConfigs(ctx context.Context) ([]ModelConfig, error) {
	atomic.AddInt32(&s.fetchCalls, 1)
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ModelConfig, len(s.configs))
	copy(out, s.configs)
	return out, nil
}

func (s *fakeStore) FetchTaskPreference(ctx context.Context, taskType, taskStep string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.preferences[taskType+"/"+taskStep], nil
}

type fakeCaller struct {
	fn func(modelName string) (*ModelResponse, error)
}

func (c *fakeCaller) Query(ctx context.Context, modelName, prompt string, cfg ModelConfig, maxRetries int) (*ModelResponse, error) {
	return c.fn(modelName)
}

type recordingSink struct {
	mu        sync.Mutex
	decisions []RoutingDecision
	metrics   []string
}

func (s *recordingSink) RecordRoutingDecision(d RoutingDecision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
}

func (s *recordingSink) RecordModelMetrics(model string, tokens int, costUSD float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, model)
}

func (s *recordingSink) Decisions() []RoutingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RoutingDecision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

func testConfigs() []ModelConfig {
	return []ModelConfig{
		{ModelName: "local-a", Provider: ProviderOllama, Enabled: true, QualityScore: 0.75, Priority: 10},
		{ModelName: "local-b", Provider: ProviderOllama, Enabled: true, QualityScore: 0.72, Priority: 20},
		{ModelName: "hosted-cheap", Provider: ProviderOpenAI, Enabled: true, QualityScore: 0.8, CostPer1KTokens: 0.001, Priority: 30},
		{ModelName: "hosted-premium", Provider: ProviderAnthropic, Enabled: true, QualityScore: 0.95, CostPer1KTokens: 0.01, Priority: 40},
	}
}

func okCaller(provider string) ProviderCaller {
	return &fakeCaller{fn: func(model string) (*ModelResponse, error) {
		return &ModelResponse{Text: "out", ModelUsed: model, Provider: provider, TokensUsed: 100, CostUSD: 0.0001}, nil
	}}
}

func failingCaller(models map[string]bool, provider string) ProviderCaller {
	return &fakeCaller{fn: func(model string) (*ModelResponse, error) {
		if models[model] {
			return nil, types.NewError(types.ErrProviderCall, "boom").WithModel(model)
		}
		return &ModelResponse{Text: "out", ModelUsed: model, Provider: provider, TokensUsed: 100, CostUSD: 0.0001}, nil
	}}
}

func newTestRouter(store *fakeStore, callers map[string]ProviderCaller, sink MetricsSink) *Router {
	return NewRouter(store, callers, sink, RouterOptions{})
}

func TestQuerySelectsPreferredModelFirst(t *testing.T) {
	store := &fakeStore{
		configs:     testConfigs(),
		preferences: map[string]string{"gen/draft": "hosted-premium"},
	}
	sink := &recordingSink{}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, sink)

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen", TaskStep: "draft"})

	require.NoError(t, err)
	assert.Equal(t, "hosted-premium", resp.ModelUsed)

	decisions := sink.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, "hosted-premium", decisions[0].SelectedModel)
	assert.Equal(t, 0, decisions[0].FallbackCount)
	assert.Equal(t, "task_preference", decisions[0].Reason)
}

func TestQueryFallsBackWhenPreferredFails(t *testing.T) {
	store := &fakeStore{
		configs:     testConfigs(),
		preferences: map[string]string{"gen/draft": "local-a"},
	}
	sink := &recordingSink{}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    failingCaller(map[string]bool{"local-a": true}, ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, sink)

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen", TaskStep: "draft"})

	require.NoError(t, err)
	assert.Equal(t, "local-b", resp.ModelUsed, "next local model by priority")

	decisions := sink.Decisions()
	require.Len(t, decisions, 1, "exactly one decision per successful query")
	assert.Equal(t, 1, decisions[0].FallbackCount)
	assert.Equal(t, "local-a", decisions[0].RequestedModel)

	assert.Equal(t, 1, r.Breakers().Get("local-a").FailureCount())
	assert.Equal(t, 0, r.Breakers().Get("local-b").FailureCount())
}

func TestQueryChainOrderLocalsThenHostedByCost(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	var called []string
	var mu sync.Mutex
	record := func(model string) {
		mu.Lock()
		called = append(called, model)
		mu.Unlock()
	}
	fail := &fakeCaller{fn: func(model string) (*ModelResponse, error) {
		record(model)
		return nil, types.NewError(types.ErrProviderCall, "down").WithModel(model)
	}}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    fail,
		ProviderOpenAI:    fail,
		ProviderAnthropic: fail,
	}, nil)

	_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})

	require.Error(t, err)
	assert.Equal(t, types.ErrRouterExhausted, types.GetErrorCode(err))
	assert.Equal(t, []string{"local-a", "local-b", "hosted-cheap", "hosted-premium"}, called)
}

func TestQueryFiltersByQualityAndBudget(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil)

	// Quality 0.9 leaves only hosted-premium; budget 0.005 then excludes it.
	resp, err := r.Query(context.Background(), QueryRequest{
		Prompt: "p", TaskType: "gen", QualityThreshold: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, "hosted-premium", resp.ModelUsed)

	_, err = r.Query(context.Background(), QueryRequest{
		Prompt: "p2", TaskType: "gen", QualityThreshold: 0.9, BudgetUSD: 0.005,
	})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableModel, types.GetErrorCode(err))
}

func TestQuerySkipsDisabledModels(t *testing.T) {
	configs := testConfigs()
	configs[0].Enabled = false
	store := &fakeStore{configs: configs}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil)

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.NoError(t, err)
	assert.Equal(t, "local-b", resp.ModelUsed)
}

func TestQueryDisabledPreferredFallsToDefaultChain(t *testing.T) {
	configs := testConfigs()
	configs[3].Enabled = false // preferred hosted-premium disabled
	store := &fakeStore{
		configs:     configs,
		preferences: map[string]string{"gen/draft": "hosted-premium"},
	}
	sink := &recordingSink{}

	// Chain head fails twice inside the handler's own transport retries,
	// then succeeds; the router sees a single successful attempt.
	attempts := 0
	retryingCaller := &fakeCaller{fn: func(model string) (*ModelResponse, error) {
		for {
			attempts++
			if attempts >= 3 {
				return &ModelResponse{Text: "out", ModelUsed: model, Provider: ProviderOllama, TokensUsed: 10}, nil
			}
		}
	}}

	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    retryingCaller,
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, sink)

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen", TaskStep: "draft"})

	require.NoError(t, err)
	assert.Equal(t, "local-a", resp.ModelUsed)
	assert.Equal(t, 3, attempts)

	decisions := sink.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, 0, decisions[0].FallbackCount, "internal retries are invisible to the chain")
}

func TestQueryOnlyEligibleModelCircuitOpen(t *testing.T) {
	store := &fakeStore{configs: []ModelConfig{
		{ModelName: "m1", Provider: ProviderOllama, Enabled: true, QualityScore: 0.8, Priority: 1},
	}}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama: okCaller(ProviderOllama),
	}, nil)

	breaker := r.Breakers().Get("m1")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.False(t, breaker.IsAvailable())

	_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableModel, types.GetErrorCode(err))
}

func TestQueryExcludesOpenCircuit(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil)

	breaker := r.Breakers().Get("local-a")
	for i := 0; i < 5; i++ {
		breaker.RecordFailure()
	}
	require.Equal(t, circuitbreaker.StatusCircuitOpen, breaker.Status())

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.NoError(t, err)
	assert.Equal(t, "local-b", resp.ModelUsed)
}

func TestQueryExcludesOfflineModels(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil)

	r.Breakers().Get("local-a").MarkOffline()
	r.Breakers().Get("local-b").MarkOffline()

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.NoError(t, err)
	assert.Equal(t, "hosted-cheap", resp.ModelUsed)
}

func TestQuerySuccessDecrementsBreaker(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil)

	breaker := r.Breakers().Get("local-a")
	breaker.RecordFailure()
	breaker.RecordFailure()

	_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.NoError(t, err)
	assert.Equal(t, 1, breaker.FailureCount())
}

func TestQueryNoEnabledModels(t *testing.T) {
	store := &fakeStore{configs: nil}
	r := newTestRouter(store, map[string]ProviderCaller{}, nil)

	_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.Error(t, err)
	assert.Equal(t, types.ErrNoAvailableModel, types.GetErrorCode(err))
}

func TestQueryConfigStoreUnavailable(t *testing.T) {
	store := &fakeStore{fetchErr: errors.New("db down")}
	r := newTestRouter(store, map[string]ProviderCaller{}, nil)

	_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.Error(t, err)
	assert.Equal(t, types.ErrConfigUnavailable, types.GetErrorCode(err))
}

func TestConfigCacheRespectsTTL(t *testing.T) {
	store := &fakeStore{configs: testConfigs()}
	r := NewRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, nil, RouterOptions{CacheTTL: time.Hour})

	for i := 0; i < 5; i++ {
		_, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&store.fetchCalls), "one store fetch within TTL")

	require.NoError(t, r.RefreshConfigs(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&store.fetchCalls))
}

func TestUnknownProviderCountsAsFallback(t *testing.T) {
	configs := []ModelConfig{
		{ModelName: "mystery", Provider: "unregistered", Enabled: true, QualityScore: 0.9, Priority: 1, CostPer1KTokens: 0.001},
		{ModelName: "hosted-cheap", Provider: ProviderOpenAI, Enabled: true, QualityScore: 0.8, CostPer1KTokens: 0.002, Priority: 2},
	}
	store := &fakeStore{configs: configs}
	sink := &recordingSink{}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOpenAI: okCaller(ProviderOpenAI),
	}, sink)

	resp, err := r.Query(context.Background(), QueryRequest{Prompt: "p", TaskType: "gen"})
	require.NoError(t, err)
	assert.Equal(t, "hosted-cheap", resp.ModelUsed)

	decisions := sink.Decisions()
	require.Len(t, decisions, 1)
	assert.Equal(t, 1, decisions[0].FallbackCount)
}

func TestResponseCacheHit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	store := &fakeStore{configs: testConfigs()}
	sink := &recordingSink{}
	r := newTestRouter(store, map[string]ProviderCaller{
		ProviderOllama:    okCaller(ProviderOllama),
		ProviderOpenAI:    okCaller(ProviderOpenAI),
		ProviderAnthropic: okCaller(ProviderAnthropic),
	}, sink)
	r.WithResponseCache(NewResponseCache(client, time.Minute, nil))

	req := QueryRequest{Prompt: "same prompt", TaskType: "gen", TaskStep: "draft"}

	first, err := r.Query(context.Background(), req)
	require.NoError(t, err)

	second, err := r.Query(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.Text, second.Text)

	decisions := sink.Decisions()
	require.Len(t, decisions, 2)
	assert.Equal(t, "cache_hit", decisions[1].Reason)
	// Cache hit must not touch the breaker.
	assert.Equal(t, 0, r.Breakers().Get(first.ModelUsed).FailureCount())
}

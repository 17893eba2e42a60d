package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(":memory:", nil)
	require.NoError(t, err)
	return st
}

func TestFetchEnabledModelConfigsOrderedByPriority(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertModelConfig(ctx, llm.ModelConfig{ModelName: "b", Provider: llm.ProviderOpenAI, Enabled: true, Priority: 20}))
	require.NoError(t, st.UpsertModelConfig(ctx, llm.ModelConfig{ModelName: "a", Provider: llm.ProviderOllama, Enabled: true, Priority: 10}))
	require.NoError(t, st.UpsertModelConfig(ctx, llm.ModelConfig{ModelName: "disabled", Provider: llm.ProviderOpenAI, Enabled: false, Priority: 5}))

	configs, err := st.FetchEnabledModelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 2, "disabled models are excluded")
	assert.Equal(t, "a", configs[0].ModelName)
	assert.Equal(t, "b", configs[1].ModelName)
}

func TestUpsertModelConfigUpdatesExistingRow(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	cfg := llm.ModelConfig{ModelName: "m", Provider: llm.ProviderOllama, Enabled: true, QualityScore: 0.5, Priority: 1}
	require.NoError(t, st.UpsertModelConfig(ctx, cfg))

	cfg.QualityScore = 0.9
	require.NoError(t, st.UpsertModelConfig(ctx, cfg))

	configs, err := st.FetchEnabledModelConfigs(ctx)
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, 0.9, configs[0].QualityScore)
}

func TestTaskPreferenceRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	got, err := st.FetchTaskPreference(ctx, "gen", "draft")
	require.NoError(t, err)
	assert.Empty(t, got, "missing preference is not an error")

	require.NoError(t, st.SetTaskPreference(ctx, "gen", "draft", "local-a"))
	require.NoError(t, st.SetTaskPreference(ctx, "gen", "draft", "local-b"))

	got, err = st.FetchTaskPreference(ctx, "gen", "draft")
	require.NoError(t, err)
	assert.Equal(t, "local-b", got, "second set overwrites the first")
}

func TestRecordRoutingDecisionAndList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	st.RecordRoutingDecision(llm.RoutingDecision{
		ExecutionID:   "exec-1",
		TaskType:      "gen",
		TaskStep:      "draft",
		SelectedModel: "local-a",
		FallbackCount: 1,
		Reason:        "fallback_after_1_failures",
		Timestamp:     time.Now(),
	})
	st.RecordRoutingDecision(llm.RoutingDecision{
		ExecutionID:   "exec-2",
		TaskType:      "gen",
		SelectedModel: "local-b",
		Timestamp:     time.Now(),
	})

	decisions, err := st.ListRoutingDecisions(ctx, "exec-1", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "local-a", decisions[0].SelectedModel)
	assert.Equal(t, 1, decisions[0].FallbackCount)
}

func TestRecordModelMetricsAccumulates(t *testing.T) {
	st := newTestStore(t)

	st.RecordModelMetrics("m", 100, 0.001, true)
	st.RecordModelMetrics("m", 50, 0.0005, false)

	var rec modelUsageRecord
	require.NoError(t, st.db.Where("model_name = ?", "m").First(&rec).Error)
	assert.Equal(t, int64(2), rec.TotalQueries)
	assert.Equal(t, int64(1), rec.TotalErrors)
	assert.Equal(t, int64(150), rec.TotalTokens)
	assert.InDelta(t, 0.0015, rec.TotalCostUSD, 1e-9)
}

func TestPersistWorkflowResult(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	wf := workflow.NewContext("content", "topic")
	wf.Status = workflow.StatusCompleted
	wf.PhasesExecuted = []string{"outline", "draft"}
	wf.Results["outline"] = &workflow.PhaseResult{Status: workflow.PhaseCompleted}
	wf.Results["draft"] = &workflow.PhaseResult{Status: workflow.PhaseCompleted}

	require.NoError(t, st.PersistWorkflowResult(ctx, wf, 1234))

	var rec workflowRunRecord
	require.NoError(t, st.db.Where("request_id = ?", wf.RequestID).First(&rec).Error)
	assert.Equal(t, "content", rec.WorkflowID)
	assert.Equal(t, string(workflow.StatusCompleted), rec.Status)
	assert.Equal(t, 2, rec.PhasesExecuted)
	assert.Equal(t, float64(1234), rec.DurationMS)
}

func TestSeedDefaultModelsIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.SeedDefaultModels(ctx))
	configs, err := st.FetchEnabledModelConfigs(ctx)
	require.NoError(t, err)
	first := len(configs)
	require.Greater(t, first, 0)

	require.NoError(t, st.SeedDefaultModels(ctx))
	configs, err = st.FetchEnabledModelConfigs(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, len(configs))

	pref, err := st.FetchTaskPreference(ctx, "content_generation", "draft")
	require.NoError(t, err)
	assert.NotEmpty(t, pref)
}

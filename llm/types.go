package llm

import (
	"context"
	"time"
)

// Provider tags understood by the dispatch registry. Adding a provider means
// registering a new ProviderCaller under its tag; router control flow never
// changes.
const (
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// ModelConfig describes one routable model: identity, generation parameters,
// and economics. Configs are loaded from the ProviderConfigStore in priority
// order (lower = preferred) and cached by the router with a TTL.
type ModelConfig struct {
	ModelName               string  `json:"model_name" gorm:"uniqueIndex"`
	Provider                string  `json:"provider"`
	Enabled                 bool    `json:"enabled"`
	Temperature             float32 `json:"temperature"`
	MaxTokens               int     `json:"max_tokens"`
	CostPer1KTokens         float64 `json:"cost_per_1k_tokens"`          // USD
	EnergyPer1KTokens       float64 `json:"energy_per_1k_tokens"`        // kWh, local inference only
	HardwareAmortizationUSD float64 `json:"hardware_amortization_cost"`  // USD per 1K tokens, local inference only
	AvgLatencyMS            float64 `json:"avg_latency_ms"`
	QualityScore            float64 `json:"quality_score"` // 0..1
	Priority                int     `json:"priority"`      // lower = preferred
}

// IsLocal reports whether the model runs on local hardware. Local models are
// free at the vendor level; their cost is hardware amortization plus energy.
func (c *ModelConfig) IsLocal() bool {
	return c.Provider == ProviderOllama
}

// ModelResponse is the uniform result of one provider call.
type ModelResponse struct {
	Text          string         `json:"text"`
	ModelUsed     string         `json:"model_used"`
	Provider      string         `json:"provider"`
	TokensUsed    int            `json:"tokens_used"`
	CostUSD       float64        `json:"cost_usd"`
	CostEnergyKWH float64        `json:"cost_energy_kwh"`
	LatencyMS     float64        `json:"latency_ms"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// RoutingDecision is an immutable audit record written once per successful
// query. FallbackCount is the number of chain entries that failed before the
// selected model answered.
type RoutingDecision struct {
	ExecutionID    string    `json:"execution_id"`
	TaskType       string    `json:"task_type"`
	TaskStep       string    `json:"task_step"`
	RequestedModel string    `json:"requested_model,omitempty"`
	SelectedModel  string    `json:"selected_model"`
	FallbackCount  int       `json:"fallback_count"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"timestamp"`
}

// QueryRequest carries one logical model query through the router.
type QueryRequest struct {
	Prompt             string  `json:"prompt"`
	TaskType           string  `json:"task_type"`
	TaskStep           string  `json:"task_step"`
	ExecutionID        string  `json:"execution_id"`
	BudgetUSD          float64 `json:"budget_usd,omitempty"` // 0 = unbounded; ceiling on cost per 1K tokens
	QualityThreshold   float64 `json:"quality_threshold,omitempty"`
	MaxRetriesPerModel int     `json:"max_retries_per_model,omitempty"`
}

// ProviderConfigStore supplies enabled model configurations and per-task
// model preferences. Implementations live outside the router (store/).
type ProviderConfigStore interface {
	// FetchEnabledModelConfigs returns all enabled configs ordered by
	// priority ascending.
	FetchEnabledModelConfigs(ctx context.Context) ([]ModelConfig, error)
	// FetchTaskPreference returns the preferred model name for a task, or
	// "" when no preference exists.
	FetchTaskPreference(ctx context.Context, taskType, taskStep string) (string, error)
}

// MetricsSink receives routing audit records and per-model usage metrics.
// Both calls are fire-and-forget: failures are logged, never propagated.
type MetricsSink interface {
	RecordRoutingDecision(decision RoutingDecision)
	RecordModelMetrics(modelName string, tokensUsed int, costUSD float64, success bool)
}

// ProviderCaller performs the provider-specific call for one model. Handlers
// own their internal transport retries; the router only walks the fallback
// chain.
type ProviderCaller interface {
	// Query sends prompt to the named model and returns the uniform
	// response, or an error on timeout, non-success status, or malformed
	// payload.
	Query(ctx context.Context, modelName, prompt string, cfg ModelConfig, maxRetries int) (*ModelResponse, error)
}

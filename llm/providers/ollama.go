package providers

import (
	"context"
	"time"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/types"
)

// OllamaCaller talks to a local Ollama daemon. Local inference is free at
// the vendor level; cost is hardware amortization plus energy draw.
type OllamaCaller struct {
	baseURL   string
	transport *transport
}

// NewOllamaCaller creates the local provider handler.
func NewOllamaCaller(opts Options) *OllamaCaller {
	opts = opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "http://localhost:11434"
	}
	return &OllamaCaller{
		baseURL:   opts.BaseURL,
		transport: newTransport(llm.ProviderOllama, opts),
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

// Query implements llm.ProviderCaller.
func (c *OllamaCaller) Query(ctx context.Context, modelName, prompt string, cfg llm.ModelConfig, maxRetries int) (*llm.ModelResponse, error) {
	payload := ollamaRequest{
		Model:  modelName,
		Prompt: prompt,
		Stream: false,
		Options: map[string]any{
			"temperature": cfg.Temperature,
			"num_predict": cfg.MaxTokens,
		},
	}

	var out ollamaResponse
	start := time.Now()
	err := c.transport.doWithRetries(ctx, maxRetries, func() error {
		return c.transport.postJSON(ctx, c.baseURL+"/api/generate", nil, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if out.Response == "" {
		return nil, types.NewError(types.ErrProviderCall, "empty completion").
			WithProvider(llm.ProviderOllama).WithModel(modelName)
	}

	tokens := out.PromptEvalCount + out.EvalCount
	usd, kwh := localCost(cfg, tokens)
	return &llm.ModelResponse{
		Text:          out.Response,
		ModelUsed:     modelName,
		Provider:      llm.ProviderOllama,
		TokensUsed:    tokens,
		CostUSD:       usd,
		CostEnergyKWH: kwh,
		LatencyMS:     float64(time.Since(start).Milliseconds()),
		Metadata: map[string]any{
			"prompt_tokens":     out.PromptEvalCount,
			"completion_tokens": out.EvalCount,
		},
	}, nil
}

var _ llm.ProviderCaller = (*OllamaCaller)(nil)

package providers

import (
	"context"
	"time"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/types"
)

const anthropicVersion = "2023-06-01"

// AnthropicCaller calls the Anthropic messages endpoint.
type AnthropicCaller struct {
	baseURL   string
	apiKey    string
	transport *transport
}

// NewAnthropicCaller creates the Anthropic handler.
func NewAnthropicCaller(opts Options) *AnthropicCaller {
	opts = opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.anthropic.com/v1"
	}
	return &AnthropicCaller{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		transport: newTransport(llm.ProviderAnthropic, opts),
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float32            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Query implements llm.ProviderCaller.
func (c *AnthropicCaller) Query(ctx context.Context, modelName, prompt string, cfg llm.ModelConfig, maxRetries int) (*llm.ModelResponse, error) {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	payload := anthropicRequest{
		Model:       modelName,
		MaxTokens:   maxTokens,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
	}

	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	var out anthropicResponse
	start := time.Now()
	err := c.transport.doWithRetries(ctx, maxRetries, func() error {
		return c.transport.postJSON(ctx, c.baseURL+"/messages", headers, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Content) == 0 {
		return nil, types.NewError(types.ErrProviderCall, "no content blocks in response").
			WithProvider(llm.ProviderAnthropic).WithModel(modelName)
	}

	tokens := out.Usage.InputTokens + out.Usage.OutputTokens
	usd, kwh := hostedCost(cfg, tokens)
	return &llm.ModelResponse{
		Text:          out.Content[0].Text,
		ModelUsed:     modelName,
		Provider:      llm.ProviderAnthropic,
		TokensUsed:    tokens,
		CostUSD:       usd,
		CostEnergyKWH: kwh,
		LatencyMS:     float64(time.Since(start).Milliseconds()),
		Metadata: map[string]any{
			"prompt_tokens":     out.Usage.InputTokens,
			"completion_tokens": out.Usage.OutputTokens,
			"stop_reason":       out.StopReason,
		},
	}, nil
}

var _ llm.ProviderCaller = (*AnthropicCaller)(nil)

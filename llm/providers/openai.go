package providers

import (
	"context"
	"time"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/types"
)

// OpenAICaller calls the OpenAI chat completions endpoint.
type OpenAICaller struct {
	baseURL   string
	apiKey    string
	transport *transport
}

// NewOpenAICaller creates the OpenAI handler.
func NewOpenAICaller(opts Options) *OpenAICaller {
	opts = opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://api.openai.com/v1"
	}
	return &OpenAICaller{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		transport: newTransport(llm.ProviderOpenAI, opts),
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float32         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message      openAIMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Query implements llm.ProviderCaller.
func (c *OpenAICaller) Query(ctx context.Context, modelName, prompt string, cfg llm.ModelConfig, maxRetries int) (*llm.ModelResponse, error) {
	payload := openAIRequest{
		Model:       modelName,
		Messages:    []openAIMessage{{Role: "user", Content: prompt}},
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	var out openAIResponse
	start := time.Now()
	err := c.transport.doWithRetries(ctx, maxRetries, func() error {
		return c.transport.postJSON(ctx, c.baseURL+"/chat/completions", headers, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderCall, "no choices in response").
			WithProvider(llm.ProviderOpenAI).WithModel(modelName)
	}

	tokens := out.Usage.TotalTokens
	usd, kwh := hostedCost(cfg, tokens)
	return &llm.ModelResponse{
		Text:          out.Choices[0].Message.Content,
		ModelUsed:     modelName,
		Provider:      llm.ProviderOpenAI,
		TokensUsed:    tokens,
		CostUSD:       usd,
		CostEnergyKWH: kwh,
		LatencyMS:     float64(time.Since(start).Milliseconds()),
		Metadata: map[string]any{
			"prompt_tokens":     out.Usage.PromptTokens,
			"completion_tokens": out.Usage.CompletionTokens,
			"finish_reason":     out.Choices[0].FinishReason,
		},
	}, nil
}

var _ llm.ProviderCaller = (*OpenAICaller)(nil)

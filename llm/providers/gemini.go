package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/types"
)

// GeminiCaller calls the Google Generative Language API.
type GeminiCaller struct {
	baseURL   string
	apiKey    string
	transport *transport
}

// NewGeminiCaller creates the Gemini handler.
func NewGeminiCaller(opts Options) *GeminiCaller {
	opts = opts.normalize()
	if opts.BaseURL == "" {
		opts.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	return &GeminiCaller{
		baseURL:   opts.BaseURL,
		apiKey:    opts.APIKey,
		transport: newTransport(llm.ProviderGemini, opts),
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float32 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent        `json:"contents"`
	GenerationConfig geminiGenerationConfig `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Query implements llm.ProviderCaller.
func (c *GeminiCaller) Query(ctx context.Context, modelName, prompt string, cfg llm.ModelConfig, maxRetries int) (*llm.ModelResponse, error) {
	payload := geminiRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenerationConfig{
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxTokens,
		},
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, modelName, c.apiKey)

	var out geminiResponse
	start := time.Now()
	err := c.transport.doWithRetries(ctx, maxRetries, func() error {
		return c.transport.postJSON(ctx, url, nil, payload, &out)
	})
	if err != nil {
		return nil, err
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return nil, types.NewError(types.ErrProviderCall, "no candidates in response").
			WithProvider(llm.ProviderGemini).WithModel(modelName)
	}

	tokens := out.UsageMetadata.TotalTokenCount
	usd, kwh := hostedCost(cfg, tokens)
	return &llm.ModelResponse{
		Text:          out.Candidates[0].Content.Parts[0].Text,
		ModelUsed:     modelName,
		Provider:      llm.ProviderGemini,
		TokensUsed:    tokens,
		CostUSD:       usd,
		CostEnergyKWH: kwh,
		LatencyMS:     float64(time.Since(start).Milliseconds()),
		Metadata: map[string]any{
			"prompt_tokens":     out.UsageMetadata.PromptTokenCount,
			"completion_tokens": out.UsageMetadata.CandidatesTokenCount,
			"finish_reason":     out.Candidates[0].FinishReason,
		},
	}, nil
}

var _ llm.ProviderCaller = (*GeminiCaller)(nil)

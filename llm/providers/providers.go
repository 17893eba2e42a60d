// Package providers implements the per-vendor call handlers behind the
// llm.ProviderCaller interface. Each handler owns its transport: JSON over
// HTTP, a client-side rate limiter, and internal backoff retries. The router
// never retries a single model; it only walks its fallback chain.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/llm/retry"
	"github.com/BaSui01/contentflow/types"
)

// Options configures one provider handler.
type Options struct {
	BaseURL           string
	APIKey            string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
	Logger            *zap.Logger
}

func (o Options) normalize() Options {
	if o.HTTPTimeout <= 0 {
		o.HTTPTimeout = 60 * time.Second
	}
	if o.RequestsPerSecond <= 0 {
		o.RequestsPerSecond = 10
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// transport is the JSON-over-HTTP client shared by all handlers.
type transport struct {
	client   *http.Client
	limiter  *rate.Limiter
	provider string
	logger   *zap.Logger
}

func newTransport(provider string, opts Options) *transport {
	return &transport{
		client:   &http.Client{Timeout: opts.HTTPTimeout},
		limiter:  rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		provider: provider,
		logger:   opts.Logger.With(zap.String("provider", provider)),
	}
}

// postJSON sends one request and decodes the response into out. Internal
// retries are driven by the caller through doWithRetries.
func (t *transport) postJSON(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return types.NewError(types.ErrProviderCall, "rate limiter wait cancelled").
			WithProvider(t.provider).WithCause(err)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return types.NewError(types.ErrProviderCall, "marshal request").
			WithProvider(t.provider).WithCause(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return types.NewError(types.ErrProviderCall, "build request").
			WithProvider(t.provider).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return types.NewError(types.ErrProviderCall, "transport failure").
			WithProvider(t.provider).WithRetryable(true).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.NewError(types.ErrProviderCall, "read response").
			WithProvider(t.provider).WithRetryable(true).WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return types.NewError(types.ErrProviderCall,
			fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(raw, 256))).
			WithProvider(t.provider).WithRetryable(retryable)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return types.NewError(types.ErrProviderCall, "malformed response").
			WithProvider(t.provider).WithCause(err)
	}
	return nil
}

// doWithRetries runs fn under a fresh backoff retryer bounded by maxRetries.
// Non-retryable provider errors (4xx other than 429) short-circuit.
func (t *transport) doWithRetries(ctx context.Context, maxRetries int, fn func() error) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = maxRetries
	policy.RetryIf = types.IsRetryable

	retryer := retry.NewBackoffRetryer(policy, t.logger)
	return retryer.Do(ctx, fn)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// hostedCost computes the cost of a hosted call: vendor price per 1K tokens,
// zero local energy (energy is externalized to the vendor).
func hostedCost(cfg llm.ModelConfig, tokens int) (usd, kwh float64) {
	return cfg.CostPer1KTokens * float64(tokens) / 1000.0, 0
}

// localCost computes the cost of a local call: hardware amortization plus
// measured energy draw per 1K tokens.
func localCost(cfg llm.ModelConfig, tokens int) (usd, kwh float64) {
	usd = cfg.HardwareAmortizationUSD * float64(tokens) / 1000.0
	kwh = cfg.EnergyPer1KTokens * float64(tokens) / 1000.0
	return usd, kwh
}

// DefaultRegistry builds the dispatch table keyed by provider tag. Adding a
// provider is one new entry here; router control flow is untouched.
func DefaultRegistry(opts map[string]Options) map[string]llm.ProviderCaller {
	registry := make(map[string]llm.ProviderCaller, 4)
	if o, ok := opts[llm.ProviderOllama]; ok {
		registry[llm.ProviderOllama] = NewOllamaCaller(o)
	}
	if o, ok := opts[llm.ProviderOpenAI]; ok {
		registry[llm.ProviderOpenAI] = NewOpenAICaller(o)
	}
	if o, ok := opts[llm.ProviderAnthropic]; ok {
		registry[llm.ProviderAnthropic] = NewAnthropicCaller(o)
	}
	if o, ok := opts[llm.ProviderGemini]; ok {
		registry[llm.ProviderGemini] = NewGeminiCaller(o)
	}
	return registry
}

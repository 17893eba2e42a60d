package store

import (
	"context"
	"fmt"

	"github.com/BaSui01/contentflow/llm"
)

// SeedDefaultModels loads a starter model catalog when the config table is
// empty. Intended for development and first-run deployments; production
// catalogs are managed through UpsertModelConfig.
func (s *Store) SeedDefaultModels(ctx context.Context) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&modelConfigRecord{}).Count(&count).Error; err != nil {
		return fmt.Errorf("count model configs: %w", err)
	}
	if count > 0 {
		return nil
	}

	configs := []llm.ModelConfig{
		{
			ModelName:               "llama3.1:8b",
			Provider:                llm.ProviderOllama,
			Enabled:                 true,
			Temperature:             0.7,
			MaxTokens:               2048,
			EnergyPer1KTokens:       0.0004,
			HardwareAmortizationUSD: 0.0002,
			AvgLatencyMS:            900,
			QualityScore:            0.72,
			Priority:                10,
		},
		{
			ModelName:               "qwen2.5:14b",
			Provider:                llm.ProviderOllama,
			Enabled:                 true,
			Temperature:             0.7,
			MaxTokens:               4096,
			EnergyPer1KTokens:       0.0007,
			HardwareAmortizationUSD: 0.0004,
			AvgLatencyMS:            1600,
			QualityScore:            0.78,
			Priority:                20,
		},
		{
			ModelName:       "gpt-4o-mini",
			Provider:        llm.ProviderOpenAI,
			Enabled:         true,
			Temperature:     0.7,
			MaxTokens:       4096,
			CostPer1KTokens: 0.0006,
			AvgLatencyMS:    1200,
			QualityScore:    0.82,
			Priority:        30,
		},
		{
			ModelName:       "claude-sonnet-4-5",
			Provider:        llm.ProviderAnthropic,
			Enabled:         true,
			Temperature:     0.7,
			MaxTokens:       8192,
			CostPer1KTokens: 0.009,
			AvgLatencyMS:    1800,
			QualityScore:    0.93,
			Priority:        40,
		},
		{
			ModelName:       "gemini-2.5-flash",
			Provider:        llm.ProviderGemini,
			Enabled:         true,
			Temperature:     0.7,
			MaxTokens:       8192,
			CostPer1KTokens: 0.0005,
			AvgLatencyMS:    1100,
			QualityScore:    0.8,
			Priority:        50,
		},
	}
	for _, cfg := range configs {
		if err := s.UpsertModelConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seed model %s: %w", cfg.ModelName, err)
		}
	}

	prefs := []struct{ taskType, taskStep, model string }{
		{"content_generation", "draft", "llama3.1:8b"},
		{"content_generation", "polish", "claude-sonnet-4-5"},
		{"summarization", "", "gpt-4o-mini"},
	}
	for _, p := range prefs {
		if err := s.SetTaskPreference(ctx, p.taskType, p.taskStep, p.model); err != nil {
			return fmt.Errorf("seed preference %s/%s: %w", p.taskType, p.taskStep, err)
		}
	}
	return nil
}

// Package store provides the durable persistence layer: model
// configurations and task preferences read by the router, plus routing
// decision and workflow run audit tables.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/contentflow/llm"
	"github.com/BaSui01/contentflow/workflow"
)

// modelConfigRecord is the persisted form of llm.ModelConfig.
type modelConfigRecord struct {
	ID                      uint    `gorm:"primaryKey"`
	ModelName               string  `gorm:"uniqueIndex;size:128"`
	Provider                string  `gorm:"size:32;index"`
	Enabled                 bool    `gorm:"index"`
	Temperature             float32
	MaxTokens               int
	CostPer1KTokens         float64
	EnergyPer1KTokens       float64
	HardwareAmortizationUSD float64
	AvgLatencyMS            float64
	QualityScore            float64
	Priority                int `gorm:"index"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

func (modelConfigRecord) TableName() string { return "model_configs" }

func (r *modelConfigRecord) toConfig() llm.ModelConfig {
	return llm.ModelConfig{
		ModelName:               r.ModelName,
		Provider:                r.Provider,
		Enabled:                 r.Enabled,
		Temperature:             r.Temperature,
		MaxTokens:               r.MaxTokens,
		CostPer1KTokens:         r.CostPer1KTokens,
		EnergyPer1KTokens:       r.EnergyPer1KTokens,
		HardwareAmortizationUSD: r.HardwareAmortizationUSD,
		AvgLatencyMS:            r.AvgLatencyMS,
		QualityScore:            r.QualityScore,
		Priority:                r.Priority,
	}
}

// taskPreferenceRecord maps (task type, task step) to a preferred model.
type taskPreferenceRecord struct {
	ID             uint   `gorm:"primaryKey"`
	TaskType       string `gorm:"size:64;uniqueIndex:idx_task_pref"`
	TaskStep       string `gorm:"size:64;uniqueIndex:idx_task_pref"`
	PreferredModel string `gorm:"size:128"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (taskPreferenceRecord) TableName() string { return "task_preferences" }

// routingDecisionRecord is the audit row for one routing decision.
type routingDecisionRecord struct {
	ID             uint   `gorm:"primaryKey"`
	ExecutionID    string `gorm:"size:64;index"`
	TaskType       string `gorm:"size:64;index"`
	TaskStep       string `gorm:"size:64"`
	RequestedModel string `gorm:"size:128"`
	SelectedModel  string `gorm:"size:128;index"`
	FallbackCount  int
	Reason         string `gorm:"size:256"`
	Timestamp      time.Time
	CreatedAt      time.Time
}

func (routingDecisionRecord) TableName() string { return "routing_decisions" }

// modelUsageRecord accumulates per-model usage counters.
type modelUsageRecord struct {
	ID           uint   `gorm:"primaryKey"`
	ModelName    string `gorm:"uniqueIndex;size:128"`
	TotalQueries int64
	TotalErrors  int64
	TotalTokens  int64
	TotalCostUSD float64
	UpdatedAt    time.Time
}

func (modelUsageRecord) TableName() string { return "model_usage" }

// workflowRunRecord is the durable form of workflow.HistoryRecord.
type workflowRunRecord struct {
	ID             uint   `gorm:"primaryKey"`
	WorkflowID     string `gorm:"size:64;index"`
	RequestID      string `gorm:"size:64;uniqueIndex"`
	Status         string `gorm:"size:16;index"`
	PhasesExecuted int
	PhaseCount     int
	DurationMS     float64
	StartedAt      time.Time
	CreatedAt      time.Time
}

func (workflowRunRecord) TableName() string { return "workflow_runs" }

// Store is the gorm-backed persistence layer. It implements
// llm.ProviderConfigStore, llm.MetricsSink, and workflow.HistorySink.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens a sqlite-backed store at path (":memory:" for tests) and runs
// migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, logger)
}

// New wraps an existing gorm handle and runs migrations.
func New(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(
		&modelConfigRecord{},
		&taskPreferenceRecord{},
		&routingDecisionRecord{},
		&modelUsageRecord{},
		&workflowRunRecord{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &Store{db: db, logger: logger.With(zap.String("component", "store"))}, nil
}

// FetchEnabledModelConfigs implements llm.ProviderConfigStore.
func (s *Store) FetchEnabledModelConfigs(ctx context.Context) ([]llm.ModelConfig, error) {
	var records []modelConfigRecord
	err := s.db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("priority asc").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("fetch model configs: %w", err)
	}
	configs := make([]llm.ModelConfig, 0, len(records))
	for i := range records {
		configs = append(configs, records[i].toConfig())
	}
	return configs, nil
}

// FetchTaskPreference implements llm.ProviderConfigStore. A missing
// preference is not an error; it returns "".
func (s *Store) FetchTaskPreference(ctx context.Context, taskType, taskStep string) (string, error) {
	var rec taskPreferenceRecord
	err := s.db.WithContext(ctx).
		Where("task_type = ? AND task_step = ?", taskType, taskStep).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("fetch task preference: %w", err)
	}
	return rec.PreferredModel, nil
}

// UpsertModelConfig creates or updates one model configuration.
func (s *Store) UpsertModelConfig(ctx context.Context, cfg llm.ModelConfig) error {
	rec := modelConfigRecord{
		ModelName:               cfg.ModelName,
		Provider:                cfg.Provider,
		Enabled:                 cfg.Enabled,
		Temperature:             cfg.Temperature,
		MaxTokens:               cfg.MaxTokens,
		CostPer1KTokens:         cfg.CostPer1KTokens,
		EnergyPer1KTokens:       cfg.EnergyPer1KTokens,
		HardwareAmortizationUSD: cfg.HardwareAmortizationUSD,
		AvgLatencyMS:            cfg.AvgLatencyMS,
		QualityScore:            cfg.QualityScore,
		Priority:                cfg.Priority,
	}
	var existing modelConfigRecord
	err := s.db.WithContext(ctx).Where("model_name = ?", cfg.ModelName).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&rec).Error
	}
	if err != nil {
		return err
	}
	rec.ID = existing.ID
	rec.CreatedAt = existing.CreatedAt
	return s.db.WithContext(ctx).Save(&rec).Error
}

// SetTaskPreference creates or updates the preferred model for a task.
func (s *Store) SetTaskPreference(ctx context.Context, taskType, taskStep, model string) error {
	var existing taskPreferenceRecord
	err := s.db.WithContext(ctx).
		Where("task_type = ? AND task_step = ?", taskType, taskStep).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&taskPreferenceRecord{
			TaskType: taskType, TaskStep: taskStep, PreferredModel: model,
		}).Error
	}
	if err != nil {
		return err
	}
	existing.PreferredModel = model
	return s.db.WithContext(ctx).Save(&existing).Error
}

// RecordRoutingDecision implements llm.MetricsSink. Write failures are
// logged, never propagated.
func (s *Store) RecordRoutingDecision(decision llm.RoutingDecision) {
	rec := routingDecisionRecord{
		ExecutionID:    decision.ExecutionID,
		TaskType:       decision.TaskType,
		TaskStep:       decision.TaskStep,
		RequestedModel: decision.RequestedModel,
		SelectedModel:  decision.SelectedModel,
		FallbackCount:  decision.FallbackCount,
		Reason:         decision.Reason,
		Timestamp:      decision.Timestamp,
	}
	if err := s.db.Create(&rec).Error; err != nil {
		s.logger.Warn("routing decision write failed",
			zap.String("execution_id", decision.ExecutionID),
			zap.Error(err),
		)
	}
}

// RecordModelMetrics implements llm.MetricsSink with upsert-style counters.
func (s *Store) RecordModelMetrics(modelName string, tokensUsed int, costUSD float64, success bool) {
	var errDelta int64
	if !success {
		errDelta = 1
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var rec modelUsageRecord
		findErr := tx.Where("model_name = ?", modelName).First(&rec).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			rec = modelUsageRecord{ModelName: modelName}
		} else if findErr != nil {
			return findErr
		}
		rec.TotalQueries++
		rec.TotalErrors += errDelta
		rec.TotalTokens += int64(tokensUsed)
		rec.TotalCostUSD += costUSD
		return tx.Save(&rec).Error
	})
	if err != nil {
		s.logger.Warn("model usage write failed",
			zap.String("model", modelName),
			zap.Error(err),
		)
	}
}

// PersistWorkflowResult implements workflow.HistorySink.
func (s *Store) PersistWorkflowResult(ctx context.Context, wf *workflow.Context, durationMS float64) error {
	rec := workflowRunRecord{
		WorkflowID:     wf.WorkflowID,
		RequestID:      wf.RequestID,
		Status:         string(wf.Status),
		PhasesExecuted: len(wf.PhasesExecuted),
		PhaseCount:     len(wf.Results),
		DurationMS:     durationMS,
		StartedAt:      wf.StartedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return fmt.Errorf("persist workflow run: %w", err)
	}
	return nil
}

// ListRoutingDecisions returns the newest decisions for an execution id.
func (s *Store) ListRoutingDecisions(ctx context.Context, executionID string, limit int) ([]llm.RoutingDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []routingDecisionRecord
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id desc").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list routing decisions: %w", err)
	}
	out := make([]llm.RoutingDecision, 0, len(records))
	for _, r := range records {
		out = append(out, llm.RoutingDecision{
			ExecutionID:    r.ExecutionID,
			TaskType:       r.TaskType,
			TaskStep:       r.TaskStep,
			RequestedModel: r.RequestedModel,
			SelectedModel:  r.SelectedModel,
			FallbackCount:  r.FallbackCount,
			Reason:         r.Reason,
			Timestamp:      r.Timestamp,
		})
	}
	return out, nil
}

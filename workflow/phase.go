// Package workflow implements the phase-based orchestration engine: strict
// sequential phase execution with per-phase timeout and retry budgets,
// cooperative pause/cancel at phase boundaries, and an optional
// quality-feedback refinement loop.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PhaseStatus is the lifecycle state of one phase execution.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseRetry     PhaseStatus = "retry"
)

// Status is the lifecycle state of one workflow run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
)

// PhaseHandler is the unit-of-work contract: it must return an error on
// failure and must be safe to re-invoke, since the engine calls it again for
// retries and quality refinements.
type PhaseHandler func(ctx context.Context, wf *Context) (any, error)

// Phase is the immutable definition of one retryable unit of work.
type Phase struct {
	// Name must be unique within a workflow.
	Name string
	// Handler performs the work.
	Handler PhaseHandler
	// Timeout bounds a single handler invocation; 0 means no deadline.
	Timeout time.Duration
	// MaxRetries is the number of re-attempts after the first failure.
	MaxRetries int
	// SkipOnError continues the workflow even when this phase fails.
	SkipOnError bool
	// Required aborts the workflow when this phase fails. A failed
	// non-required phase is logged and skipped over.
	Required bool
	// Metadata carries caller annotations.
	Metadata map[string]any
}

// PhaseResult is the outcome of one phase execution, including retries.
type PhaseResult struct {
	Status      PhaseStatus    `json:"status"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMS  float64        `json:"duration_ms"`
	RetryCount  int            `json:"retry_count"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Context is the mutable run state of one workflow execution. It is owned
// exclusively by that run: phase handlers read and write it without locking,
// and it is never shared across concurrent runs. Status transitions driven
// from outside the run (pause/cancel) go through the Engine, which
// serializes them.
type Context struct {
	WorkflowID        string                  `json:"workflow_id"`
	RequestID         string                  `json:"request_id"`
	InitialInput      any                     `json:"initial_input,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	CurrentPhase      string                  `json:"current_phase,omitempty"`
	PhasesExecuted    []string                `json:"phases_executed"`
	Results           map[string]*PhaseResult `json:"results"`
	AccumulatedOutput any                     `json:"accumulated_output,omitempty"`
	Status            Status                  `json:"status"`
	Variables         map[string]any          `json:"variables,omitempty"`
	Tags              []string                `json:"tags,omitempty"`
}

// NewContext creates a fresh run context for one workflow execution.
func NewContext(workflowID string, input any) *Context {
	return &Context{
		WorkflowID:   workflowID,
		RequestID:    uuid.NewString(),
		InitialInput: input,
		StartedAt:    time.Now(),
		Results:      make(map[string]*PhaseResult),
		Status:       StatusPending,
		Variables:    make(map[string]any),
	}
}

// HasFailures reports whether any recorded phase result is failed.
func (c *Context) HasFailures() bool {
	for _, res := range c.Results {
		if res.Status == PhaseFailed {
			return true
		}
	}
	return false
}

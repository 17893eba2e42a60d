package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/contentflow/llm/observability"
	"github.com/BaSui01/contentflow/types"
)

// QualityAssessor scores a phase output in [0, 1]. Used only by the
// quality-feedback variant; assessment failures never fail the phase.
type QualityAssessor interface {
	AssessQuality(ctx context.Context, output any) (float64, error)
}

// HistorySink persists finished workflow runs. Persistence failures are
// logged and never change the run outcome.
type HistorySink interface {
	PersistWorkflowResult(ctx context.Context, wf *Context, durationMS float64) error
}

// ErrorHandler is an optional caller hook invoked when a phase exhausts its
// retry budget.
type ErrorHandler func(ctx context.Context, wf *Context, phase Phase, result *PhaseResult)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// MaxBackoff caps the exponential retry backoff between phase attempts.
	MaxBackoff time.Duration
	// History receives finished runs; may be nil.
	History HistorySink
	// Assessor scores outputs for the quality-feedback loop; may be nil.
	Assessor QualityAssessor
	// OnPhaseError is invoked after a phase terminally fails; may be nil.
	OnPhaseError ErrorHandler
	// Observability attaches otel phase metrics; may be nil.
	Observability *observability.Metrics
	Logger        *zap.Logger
}

func normalizeEngineOptions(opts EngineOptions) EngineOptions {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return opts
}

// Engine drives workflow executions. Phases run strictly sequentially within
// one run; independent runs may execute concurrently, each owning its own
// Context. The engine tracks active runs by workflow id so pause and cancel
// can be requested from outside the run.
type Engine struct {
	opts   EngineOptions
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]*Context

	// sleep is swappable so tests do not wait out real backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewEngine creates a workflow engine.
func NewEngine(opts EngineOptions) *Engine {
	opts = normalizeEngineOptions(opts)
	return &Engine{
		opts:   opts,
		logger: opts.Logger.With(zap.String("component", "workflow_engine")),
		active: make(map[string]*Context),
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// Execute runs phases in declared order, mutating and returning wf. The run
// outcome is carried in wf.Status and wf.Results; Execute never returns an
// error because phase failures are data, not exceptions, at this boundary.
//
// Phases whose recorded result is already completed are skipped, which lets
// a paused run resume by re-invoking Execute with the same phases and
// context.
func (e *Engine) Execute(ctx context.Context, phases []Phase, wf *Context) *Context {
	e.setStatus(wf, StatusRunning)
	e.register(wf)
	defer e.unregister(wf)

	e.logger.Info("workflow started",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("request_id", wf.RequestID),
		zap.Int("phases", len(phases)),
	)

	for _, phase := range phases {
		if st := e.statusOf(wf); st == StatusCancelled || st == StatusPaused {
			e.logger.Info("workflow stopped at phase boundary",
				zap.String("workflow_id", wf.WorkflowID),
				zap.String("status", string(st)),
				zap.String("next_phase", phase.Name),
			)
			break
		}

		if prev, ok := wf.Results[phase.Name]; ok && prev.Status == PhaseCompleted {
			// Resume path: already done in a previous Execute call.
			continue
		}

		result := e.executePhase(ctx, phase, wf)
		if result.Status != PhaseFailed {
			continue
		}

		if phase.Required && !phase.SkipOnError {
			e.logger.Warn("required phase failed, aborting workflow",
				zap.String("workflow_id", wf.WorkflowID),
				zap.String("phase", phase.Name),
				zap.String("error", result.Error),
			)
			e.setStatus(wf, StatusFailed)
			break
		}

		// Optional phase: keep the error string but record the phase as
		// skipped so it does not fail the whole run.
		result.Status = PhaseSkipped
		e.logger.Warn("optional phase failed, continuing",
			zap.String("workflow_id", wf.WorkflowID),
			zap.String("phase", phase.Name),
			zap.String("error", result.Error),
		)
	}

	if e.statusOf(wf) == StatusRunning {
		if wf.HasFailures() {
			e.setStatus(wf, StatusFailed)
		} else {
			e.setStatus(wf, StatusCompleted)
		}
	}

	durationMS := float64(time.Since(wf.StartedAt).Milliseconds())
	if e.opts.History != nil && e.statusOf(wf) != StatusPaused {
		if err := e.opts.History.PersistWorkflowResult(ctx, wf, durationMS); err != nil {
			e.logger.Warn("workflow history persistence failed",
				zap.String("workflow_id", wf.WorkflowID),
				zap.Error(err),
			)
		}
	}

	e.logger.Info("workflow finished",
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("status", string(e.statusOf(wf))),
		zap.Float64("duration_ms", durationMS),
	)
	return wf
}

// executePhase runs one phase through its retry state machine. The returned
// result is stored in wf.Results under the phase name.
func (e *Engine) executePhase(ctx context.Context, phase Phase, wf *Context) *PhaseResult {
	wf.CurrentPhase = phase.Name

	result := &PhaseResult{
		Status:    PhasePending,
		StartedAt: time.Now(),
		Metadata:  make(map[string]any),
	}

	var lastErr error
	lastAttempt := 0
	for attempt := 0; attempt <= phase.MaxRetries; attempt++ {
		lastAttempt = attempt
		result.Status = PhaseRunning

		output, err := e.invokeHandler(ctx, phase, wf)
		if err == nil {
			result.Status = PhaseCompleted
			result.Output = output
			result.RetryCount = attempt
			result.CompletedAt = time.Now()
			result.DurationMS = float64(result.CompletedAt.Sub(result.StartedAt).Milliseconds())

			wf.AccumulatedOutput = output
			wf.PhasesExecuted = append(wf.PhasesExecuted, phase.Name)
			wf.Results[phase.Name] = result

			e.opts.Observability.RecordPhase(ctx, phase.Name, string(PhaseCompleted), result.CompletedAt.Sub(result.StartedAt))
			e.logger.Debug("phase completed",
				zap.String("workflow_id", wf.WorkflowID),
				zap.String("phase", phase.Name),
				zap.Int("attempt", attempt),
				zap.Float64("duration_ms", result.DurationMS),
			)
			return result
		}

		lastErr = err
		if attempt < phase.MaxRetries {
			delay := e.backoff(attempt)
			result.Status = PhaseRetry
			e.logger.Warn("phase attempt failed, backing off",
				zap.String("workflow_id", wf.WorkflowID),
				zap.String("phase", phase.Name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay),
				zap.Error(err),
			)
			if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
				lastErr = sleepErr
				break
			}
			continue
		}
	}

	result.Status = PhaseFailed
	result.Error = fmt.Sprintf("%s: %s", errorKind(lastErr), errorMessage(lastErr))
	result.RetryCount = lastAttempt
	result.CompletedAt = time.Now()
	result.DurationMS = float64(result.CompletedAt.Sub(result.StartedAt).Milliseconds())
	wf.Results[phase.Name] = result

	e.opts.Observability.RecordPhase(ctx, phase.Name, string(PhaseFailed), result.CompletedAt.Sub(result.StartedAt))
	if e.opts.OnPhaseError != nil {
		e.opts.OnPhaseError(ctx, wf, phase, result)
	}
	return result
}

// invokeHandler races one handler invocation against the phase deadline.
// A deadline breach is reported as a phase timeout error and enters the
// normal retry path; the handler goroutine is left to drain on its own.
func (e *Engine) invokeHandler(ctx context.Context, phase Phase, wf *Context) (any, error) {
	if phase.Handler == nil {
		return nil, types.NewError(types.ErrInvalidPhase, "phase has no handler")
	}

	callCtx := ctx
	if phase.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, phase.Timeout)
		defer cancel()
	}

	type outcome struct {
		output any
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		output, err := phase.Handler(callCtx, wf)
		ch <- outcome{output: output, err: err}
	}()

	select {
	case <-callCtx.Done():
		return nil, types.NewError(types.ErrPhaseTimeout,
			fmt.Sprintf("phase %s did not finish within %s", phase.Name, phase.Timeout)).
			WithCause(callCtx.Err())
	case o := <-ch:
		return o.output, o.err
	}
}

// ExecutePhaseWithQualityFeedback wraps executePhase with an assessment and
// refinement loop: while the output scores below threshold, the handler is
// re-invoked to refine it, up to maxQualityRetries times. Assessment or
// refinement failures keep the last known output.
func (e *Engine) ExecutePhaseWithQualityFeedback(ctx context.Context, phase Phase, wf *Context, qualityThreshold float64, maxQualityRetries int) *PhaseResult {
	result := e.executePhase(ctx, phase, wf)
	if result.Status != PhaseCompleted || e.opts.Assessor == nil {
		return result
	}

	for attempt := 1; attempt <= maxQualityRetries; attempt++ {
		score, err := e.opts.Assessor.AssessQuality(ctx, result.Output)
		if err != nil {
			e.logger.Warn("quality assessment failed, keeping output",
				zap.String("phase", phase.Name),
				zap.Error(err),
			)
			break
		}
		result.Metadata["quality_score"] = score
		if score >= qualityThreshold {
			break
		}

		e.logger.Info("output below quality threshold, refining",
			zap.String("phase", phase.Name),
			zap.Float64("score", score),
			zap.Float64("threshold", qualityThreshold),
			zap.Int("refinement_attempt", attempt),
		)
		result.Metadata["refinement_attempt"] = attempt

		output, err := e.invokeHandler(ctx, phase, wf)
		if err != nil {
			e.logger.Warn("refinement attempt failed, keeping output",
				zap.String("phase", phase.Name),
				zap.Error(err),
			)
			break
		}
		result.Output = output
		wf.AccumulatedOutput = output
	}
	return result
}

// Pause requests a pause of a running workflow. Takes effect at the next
// phase boundary; the in-flight phase is never interrupted.
func (e *Engine) Pause(workflowID string) bool {
	return e.transition(workflowID, StatusRunning, StatusPaused)
}

// Resume returns a paused workflow to running. The caller re-invokes
// Execute with the same phases and context to continue the run.
func (e *Engine) Resume(workflowID string) bool {
	return e.transition(workflowID, StatusPaused, StatusRunning)
}

// Cancel requests cancellation of a running workflow, checked cooperatively
// at phase boundaries.
func (e *Engine) Cancel(workflowID string) bool {
	return e.transition(workflowID, StatusRunning, StatusCancelled)
}

func (e *Engine) transition(workflowID string, from, to Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.active[workflowID]
	if !ok || wf.Status != from {
		return false
	}
	wf.Status = to
	e.logger.Info("workflow status transition",
		zap.String("workflow_id", workflowID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return true
}

func (e *Engine) register(wf *Context) {
	e.mu.Lock()
	e.active[wf.WorkflowID] = wf
	e.mu.Unlock()
}

func (e *Engine) unregister(wf *Context) {
	e.mu.Lock()
	// Keep paused runs addressable so Resume can find them.
	if wf.Status != StatusPaused {
		delete(e.active, wf.WorkflowID)
	}
	e.mu.Unlock()
}

func (e *Engine) setStatus(wf *Context, st Status) {
	e.mu.Lock()
	wf.Status = st
	e.mu.Unlock()
}

func (e *Engine) statusOf(wf *Context) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return wf.Status
}

// backoff returns min(2^attempt seconds, MaxBackoff).
func (e *Engine) backoff(attempt int) time.Duration {
	d := time.Duration(math.Pow(2, float64(attempt))) * time.Second
	if d > e.opts.MaxBackoff || d <= 0 {
		d = e.opts.MaxBackoff
	}
	return d
}

func errorKind(err error) string {
	if code := types.GetErrorCode(err); code != "" {
		return string(code)
	}
	return "Error"
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	var te *types.Error
	if errors.As(err, &te) {
		if te.Cause != nil {
			return fmt.Sprintf("%s: %v", te.Message, te.Cause)
		}
		return te.Message
	}
	return err.Error()
}

package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/docflow/internal/executor"
	"github.com/rendis/docflow/internal/logging"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/pkg/schema"
)

// Engine drives runs through their workflow graph. Every transition is
// persisted with an optimistic version check, so two engine instances
// (or an engine and the scheduler) can never double-advance a run.
type Engine struct {
	store    store.Store
	registry *executor.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an Engine.
func New(st store.Store, registry *executor.Registry, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    st,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// StartRun matches the trigger event against the workflow's trigger
// step and, on a match, creates and advances a new run. A filter miss
// is a MATCH_MISS error and no run record is created.
//
// The run snapshots the workflow's step list: edits to the workflow
// after this point never affect the run.
func (e *Engine) StartRun(ctx context.Context, wf *schema.Workflow, event map[string]any) (*schema.Run, error) {
	if !wf.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow %q is not active", wf.ID)
	}
	trigger := wf.TriggerStep()
	if trigger == nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "workflow %q has no trigger step", wf.ID)
	}
	cfg, err := schema.DecodeStepConfig(trigger)
	if err != nil {
		return nil, err
	}
	if ok, reason := executor.MatchEvent(cfg.(*schema.TriggerConfig), event); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeMatchMiss, "trigger did not match: %s", reason).
			WithStep(trigger.ID)
	}

	now := e.now().UTC()
	run := &schema.Run{
		ID:           uuid.NewString(),
		WorkflowID:   wf.ID,
		TenantID:     wf.TenantID,
		Status:       schema.RunRunning,
		CurrentStep:  trigger.ID,
		TriggerEvent: event,
		Context:      schema.ExecutionContext{},
		Steps:        wf.Steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "create run").WithCause(err)
	}

	ctx = logging.WithRun(ctx, wf.ID, run.ID, wf.TenantID)
	e.logger.InfoContext(ctx, "run started", "trigger_type", wf.TriggerType)

	if err := e.advance(ctx, run); err != nil {
		return run, err
	}
	return run, nil
}

// Resume wakes a waiting run. The run's current step is the delay that
// suspended it; resuming follows that step's success edge.
func (e *Engine) Resume(ctx context.Context, run *schema.Run) error {
	if run.Status != schema.RunWaiting {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume run in status %q", run.Status)
	}
	if run.ResumeAt != nil && e.now().UTC().Before(*run.ResumeAt) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is not due until %s", run.ID, run.ResumeAt.Format(time.RFC3339))
	}

	ctx = logging.WithRun(ctx, run.WorkflowID, run.ID, run.TenantID)

	delayStep, ok := run.StepIndex()[run.CurrentStep]
	if !ok {
		return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeConfig,
			"waiting run references unknown step %q", run.CurrentStep))
	}

	run.Status = schema.RunRunning
	run.ResumeAt = nil
	next := delayStep.Next(schema.OutcomeSuccess)
	if next == "" {
		// Implicit termination: the delay was the last step.
		return e.finalize(ctx, run, schema.RunSucceeded, nil)
	}
	run.CurrentStep = next
	if err := e.store.UpdateRun(ctx, run); err != nil {
		// A CONFLICT means another instance resumed this run first; it
		// must reach the scheduler unwrapped so lost races are not
		// mistaken for store faults.
		if ferr, ok := err.(*schema.FlowError); ok {
			return ferr
		}
		return schema.NewError(schema.ErrCodeStore, "resume run").WithCause(err)
	}
	e.logger.InfoContext(ctx, "run resumed", "next_step", next)
	return e.advance(ctx, run)
}

// Cancel terminates a running or waiting run as failed with CANCELLED.
func (e *Engine) Cancel(ctx context.Context, tenantID, runID string) (*schema.Run, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel run in status %q", run.Status)
	}
	ctx = logging.WithRun(ctx, run.WorkflowID, run.ID, run.TenantID)
	cancelErr := schema.NewError(schema.ErrCodeCancelled, "run cancelled by request")
	if err := e.finalize(ctx, run, schema.RunFailed, cancelErr); err != nil {
		return nil, err
	}
	return run, nil
}

// Status returns a run with its persisted history attached.
func (e *Engine) Status(ctx context.Context, tenantID, runID string) (*schema.Run, error) {
	run, err := e.store.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	history, err := e.store.GetHistory(ctx, runID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "load run history").WithCause(err)
	}
	run.History = make([]schema.HistoryEntry, len(history))
	for i, h := range history {
		run.History[i] = *h
	}
	return run, nil
}

// advance executes steps until the run suspends or terminates. The
// iteration guard only trips on a corrupted snapshot; validated graphs
// are acyclic.
func (e *Engine) advance(ctx context.Context, run *schema.Run) error {
	index := run.StepIndex()
	for iter := 0; iter <= len(run.Steps); iter++ {
		step, ok := index[run.CurrentStep]
		if !ok {
			return e.failRun(ctx, run, schema.NewErrorf(schema.ErrCodeConfig,
				"run references unknown step %q", run.CurrentStep))
		}

		stepCtx := logging.WithStepID(ctx, step.ID)
		exec, err := e.registry.Get(step.Type)
		if err != nil {
			return e.failRun(stepCtx, run, asFlowError(err))
		}

		result, err := exec.Execute(stepCtx, step, run)
		if err != nil {
			ferr := asFlowError(err)
			e.appendHistory(stepCtx, run, step, &executor.Result{Outcome: schema.OutcomeFailure, Err: ferr})
			return e.failRun(stepCtx, run, ferr)
		}

		if result.Patch != nil {
			run.Context.Merge(result.Patch)
		}
		e.appendHistory(stepCtx, run, step, result)

		if result.ResumeAt != nil {
			return e.suspend(stepCtx, run, result.ResumeAt)
		}
		if result.EndStatus != "" {
			return e.finalize(stepCtx, run, result.EndStatus, result.Err)
		}

		next := step.Next(result.Outcome)
		if next == "" {
			// Implicit termination: no edge for this outcome.
			final := schema.RunSucceeded
			if result.Outcome == schema.OutcomeFailure {
				final = schema.RunFailed
			}
			return e.finalize(stepCtx, run, final, result.Err)
		}

		run.CurrentStep = next
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return schema.NewError(schema.ErrCodeStore, "persist run advance").WithCause(err)
		}
	}
	return e.failRun(ctx, run, schema.NewError(schema.ErrCodeCycleDetected,
		"run exceeded the step limit; snapshot may contain a cycle"))
}

// suspend parks the run as waiting until resumeAt. CurrentStep stays on
// the delay step; Resume follows its success edge.
func (e *Engine) suspend(ctx context.Context, run *schema.Run, resumeAt *time.Time) error {
	if !schema.CanTransition(run.Status, schema.RunWaiting) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition %s -> %s", run.Status, schema.RunWaiting)
	}
	run.Status = schema.RunWaiting
	run.ResumeAt = resumeAt
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist run suspension").WithCause(err)
	}
	e.logger.InfoContext(ctx, "run suspended", "resume_at", resumeAt.Format(time.RFC3339))
	return nil
}

// finalize moves the run to a terminal status.
func (e *Engine) finalize(ctx context.Context, run *schema.Run, status schema.RunStatus, ferr *schema.FlowError) error {
	if !schema.CanTransition(run.Status, status) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid transition %s -> %s", run.Status, status)
	}
	now := e.now().UTC()
	run.Status = status
	run.ResumeAt = nil
	run.Error = ferr
	run.CompletedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return schema.NewError(schema.ErrCodeStore, "persist run completion").WithCause(err)
	}
	if status == schema.RunFailed && ferr != nil {
		e.logger.WarnContext(ctx, "run failed", "code", ferr.Code, "error", ferr.Message)
	} else {
		e.logger.InfoContext(ctx, "run completed", "status", string(status))
	}
	return nil
}

// failRun finalizes a run as failed due to an engine-level fault.
func (e *Engine) failRun(ctx context.Context, run *schema.Run, ferr *schema.FlowError) error {
	return e.finalize(ctx, run, schema.RunFailed, ferr)
}

// appendHistory records a step execution. History is an audit trail;
// append failures are logged, not fatal.
func (e *Engine) appendHistory(ctx context.Context, run *schema.Run, step *schema.Step, result *executor.Result) {
	entry := &schema.HistoryEntry{
		StepID:    step.ID,
		StepType:  step.Type,
		Outcome:   result.Outcome,
		Attempts:  result.Attempts,
		Detail:    result.Detail,
		Error:     result.Err,
		Timestamp: e.now().UTC(),
	}
	if err := e.store.AppendHistory(ctx, run.ID, entry); err != nil {
		e.logger.ErrorContext(ctx, "append run history failed", "error", err)
	}
}

func asFlowError(err error) *schema.FlowError {
	if ferr, ok := err.(*schema.FlowError); ok {
		return ferr
	}
	return schema.NewError(schema.ErrCodeConfig, err.Error()).WithCause(err)
}

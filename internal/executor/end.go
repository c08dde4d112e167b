package executor

import (
	"context"
	"log/slog"

	"github.com/rendis/docflow/internal/template"
	"github.com/rendis/docflow/pkg/schema"
)

// EndExecutor finalizes a run with the configured status and
// optionally dispatches a notification. Notification failures are
// logged and swallowed; they never change the run's final status.
type EndExecutor struct {
	notifier Notifier
	resolver *template.Resolver
	logger   *slog.Logger
}

func NewEndExecutor(notifier Notifier, resolver *template.Resolver, logger *slog.Logger) *EndExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndExecutor{notifier: notifier, resolver: resolver, logger: logger}
}

func (e *EndExecutor) Type() schema.StepType { return schema.StepTypeEnd }

func (e *EndExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	ec := cfg.(*schema.EndConfig)

	endStatus := schema.RunSucceeded
	if ec.Status == "failure" {
		endStatus = schema.RunFailed
	}

	if ec.NotificationConfig.SendNotification && e.notifier != nil {
		message := ec.NotificationConfig.Message
		if e.resolver != nil && message != "" {
			if resolved, rerr := e.resolver.Resolve(ctx, message, run.Context); rerr == nil {
				message = resolved
			}
		}
		n := Notification{
			Channel:    ec.NotificationConfig.Channel,
			Message:    message,
			RunID:      run.ID,
			WorkflowID: run.WorkflowID,
			Status:     string(endStatus),
		}
		if nerr := e.notifier.Notify(ctx, n); nerr != nil {
			e.logger.WarnContext(ctx, "end-step notification failed",
				"run_id", run.ID, "step_id", step.ID, "error", nerr)
		}
	}

	return &Result{
		Outcome:   schema.OutcomeSuccess,
		EndStatus: endStatus,
		Detail:    "run finalized as " + string(endStatus),
	}, nil
}

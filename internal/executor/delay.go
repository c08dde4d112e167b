package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/docflow/pkg/schema"
)

// DelayExecutor suspends the run until now + duration. It never
// sleeps: the result carries ResumeAt and the engine parks the run as
// waiting for the scheduler to pick up.
type DelayExecutor struct {
	now func() time.Time
}

func NewDelayExecutor() *DelayExecutor {
	return &DelayExecutor{now: time.Now}
}

func (e *DelayExecutor) Type() schema.StepType { return schema.StepTypeDelay }

func (e *DelayExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	dc := cfg.(*schema.DelayConfig)

	d, err := durationOf(dc)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfig, err.Error()).WithStep(step.ID)
	}

	resumeAt := e.now().UTC().Add(d)
	return &Result{
		Outcome:  schema.OutcomeSuccess,
		ResumeAt: &resumeAt,
		Detail:   fmt.Sprintf("suspended for %s until %s", d, resumeAt.Format(time.RFC3339)),
	}, nil
}

func durationOf(dc *schema.DelayConfig) (time.Duration, error) {
	base := time.Duration(dc.Duration)
	switch dc.Unit {
	case "seconds":
		return base * time.Second, nil
	case "minutes":
		return base * time.Minute, nil
	case "hours":
		return base * time.Hour, nil
	case "days":
		return base * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown delay unit %q", dc.Unit)
	}
}

package executor

import (
	"context"

	"github.com/rendis/docflow/internal/condition"
	"github.com/rendis/docflow/pkg/schema"
)

// ConditionExecutor routes a run down its success edge when the
// configured predicate holds and down the failure edge when it does
// not. A false predicate is routing, not an error.
type ConditionExecutor struct {
	evaluator *condition.Evaluator
}

func NewConditionExecutor(evaluator *condition.Evaluator) *ConditionExecutor {
	return &ConditionExecutor{evaluator: evaluator}
}

func (e *ConditionExecutor) Type() schema.StepType { return schema.StepTypeCondition }

func (e *ConditionExecutor) Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error) {
	cfg, err := schema.DecodeStepConfig(step)
	if err != nil {
		return nil, err
	}
	cc := cfg.(*schema.ConditionConfig)

	ok, err := e.evaluator.Evaluate(cc, run.Context)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfig,
			"condition evaluation failed: %v", err).WithStep(step.ID).WithCause(err)
	}
	if ok {
		res := success()
		res.Detail = "condition matched"
		return res, nil
	}
	return &Result{Outcome: schema.OutcomeFailure, Detail: "condition did not match"}, nil
}

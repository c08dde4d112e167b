package validation

import (
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/rendis/docflow/pkg/schema"
)

// cronParser accepts standard 5-field cron expressions plus descriptors
// like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validator runs the full workflow validation pipeline: document shape,
// per-step config schemas and decode, semantic checks, then graph
// analysis. Activation requires a clean result; drafts may be saved in
// any state.
type Validator struct {
	schemas *SchemaValidator
}

func NewValidator() (*Validator, error) {
	schemas, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: schemas}, nil
}

// Validate checks a workflow and reports all findings. It never stops
// at the first error within a phase, but later phases are skipped when
// an earlier one fails outright.
func (v *Validator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	result := schema.NewValidationResult()

	if err := v.schemas.ValidateDocument(wf); err != nil {
		result.AddError(schema.ErrCodeValidation, err.Error())
		return result
	}

	for i := range wf.Steps {
		step := &wf.Steps[i]
		if err := v.schemas.ValidateStepConfig(step); err != nil {
			result.AddStepError(step.ID, schema.ErrCodeConfig, err.Error())
			continue
		}
		if _, err := schema.DecodeStepConfig(step); err != nil {
			result.AddStepError(step.ID, schema.ErrCodeConfig, err.Error())
		}
	}

	v.validateSemantics(wf, result)
	if !result.Valid() {
		return result
	}

	result.Merge(validateGraph(wf))
	return result
}

// validateSemantics covers checks that neither JSON Schema nor graph
// analysis express.
func (v *Validator) validateSemantics(wf *schema.Workflow, result *schema.ValidationResult) {
	switch wf.TriggerType {
	case schema.TriggerScheduled:
		if wf.CronExpression == "" {
			result.AddError(schema.ErrCodeValidation,
				"scheduled workflows require a cron_expression")
		} else if _, err := cronParser.Parse(wf.CronExpression); err != nil {
			result.AddErrorf(schema.ErrCodeValidation,
				"invalid cron_expression %q: %v", wf.CronExpression, err)
		}
	default:
		if wf.CronExpression != "" {
			result.AddWarning(schema.ErrCodeValidation,
				fmt.Sprintf("cron_expression is ignored for %s workflows", wf.TriggerType))
		}
	}

	// A trigger step may narrow its triggerType; when it does, it must
	// agree with the workflow's.
	if trigger := wf.TriggerStep(); trigger != nil {
		cfg, err := schema.DecodeStepConfig(trigger)
		if err == nil {
			tc := cfg.(*schema.TriggerConfig)
			if tc.TriggerType != "" && tc.TriggerType != string(wf.TriggerType) {
				result.AddStepError(trigger.ID, schema.ErrCodeValidation,
					fmt.Sprintf("trigger step declares %q but the workflow trigger is %q",
						tc.TriggerType, wf.TriggerType))
			}
		}
	}
}

// ValidateForActivation validates a workflow and converts any errors
// into a single FlowError suitable for an activation refusal.
func (v *Validator) ValidateForActivation(wf *schema.Workflow) error {
	return v.Validate(wf).ToError()
}

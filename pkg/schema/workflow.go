package schema

import (
	"encoding/json"
	"time"
)

// TriggerType enumerates the events that may start a workflow run.
type TriggerType string

const (
	TriggerAttachmentReceived TriggerType = "attachment_received"
	TriggerMessageReceived    TriggerType = "message_received"
	TriggerManual             TriggerType = "manual"
	TriggerScheduled          TriggerType = "scheduled"
)

// StepType enumerates the kinds of steps in a workflow graph.
type StepType string

const (
	StepTypeTrigger      StepType = "trigger"
	StepTypeParse        StepType = "parse"
	StepTypeDocumentType StepType = "document_type"
	StepTypeCondition    StepType = "condition"
	StepTypeTransform    StepType = "transform"
	StepTypeAPIAction    StepType = "api_action"
	StepTypeDelay        StepType = "delay"
	StepTypeEnd          StepType = "end"
)

// ValidStepTypes is the set of recognized step types.
var ValidStepTypes = map[StepType]bool{
	StepTypeTrigger:      true,
	StepTypeParse:        true,
	StepTypeDocumentType: true,
	StepTypeCondition:    true,
	StepTypeTransform:    true,
	StepTypeAPIAction:    true,
	StepTypeDelay:        true,
	StepTypeEnd:          true,
}

// Workflow is a user-authored graph of typed steps, scoped to a tenant.
// Inactive workflows cannot start runs; activation is gated by validation.
type Workflow struct {
	ID          string      `json:"id"`
	TenantID    string      `json:"tenant_id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	TriggerType TriggerType `json:"trigger_type"`
	// CronExpression drives scheduled-trigger workflows; empty otherwise.
	CronExpression string     `json:"cron_expression,omitempty"`
	IsActive       bool       `json:"is_active"`
	Steps          []Step     `json:"steps"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
}

// Step is a typed node in a workflow graph. Config is a type-specific
// document decoded via DecodeStepConfig. A step with no outgoing edge
// for a produced outcome terminates the run with that outcome.
type Step struct {
	ID            string          `json:"id"`
	Type          StepType        `json:"type"`
	Config        json.RawMessage `json:"config,omitempty"`
	NextOnSuccess string          `json:"next_on_success,omitempty"`
	NextOnFailure string          `json:"next_on_failure,omitempty"`
}

// Next returns the step ID routed to for the given outcome, or "" if
// the step is terminal for that outcome.
func (s *Step) Next(outcome Outcome) string {
	if outcome == OutcomeSuccess {
		return s.NextOnSuccess
	}
	return s.NextOnFailure
}

// StepIndex builds an id-indexed arena over a flat step list for traversal.
func StepIndex(steps []Step) map[string]*Step {
	idx := make(map[string]*Step, len(steps))
	for i := range steps {
		idx[steps[i].ID] = &steps[i]
	}
	return idx
}

// TriggerStep returns the workflow's trigger step, or nil if absent.
func (w *Workflow) TriggerStep() *Step {
	for i := range w.Steps {
		if w.Steps[i].Type == StepTypeTrigger {
			return &w.Steps[i]
		}
	}
	return nil
}

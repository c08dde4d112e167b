package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/docflow/pkg/schema"
)

// Executor runs one step type against a run. Implementations are
// stateless and safe for concurrent use.
//
// The error return is reserved for faults that must fail the run
// outright (malformed config, store or vault failures). Business
// failures a workflow can route around come back as a Result with
// OutcomeFailure and Err set: the engine follows the failure edge.
type Executor interface {
	Type() schema.StepType
	Execute(ctx context.Context, step *schema.Step, run *schema.Run) (*Result, error)
}

// Result is the outcome of a single step execution.
type Result struct {
	Outcome schema.Outcome
	// Patch is merged into the run's execution context.
	Patch schema.ExecutionContext
	// Detail is a short human summary recorded in run history.
	Detail string
	// Attempts counts executions including retries (api_action only).
	Attempts int
	// Err carries the failure routed along the failure edge.
	Err *schema.FlowError
	// ResumeAt set by delay steps suspends the run instead of routing.
	ResumeAt *time.Time
	// EndStatus set by end steps fixes the run's final status.
	EndStatus schema.RunStatus
}

func success() *Result {
	return &Result{Outcome: schema.OutcomeSuccess}
}

func failure(err *schema.FlowError) *Result {
	return &Result{Outcome: schema.OutcomeFailure, Err: err, Detail: err.Message}
}

// Document is the unit of content handed to AI collaborators, built
// from a run's trigger event.
type Document struct {
	Content  string `json:"content"`
	FileName string `json:"file_name,omitempty"`
	FileType string `json:"file_type,omitempty"`
}

// DocumentFromEvent assembles a Document from the trigger namespace.
func DocumentFromEvent(ec schema.ExecutionContext) Document {
	doc := Document{}
	if v, ok := ec.Lookup(schema.NSTrigger + ".content"); ok {
		doc.Content = fmt.Sprintf("%v", v)
	}
	if v, ok := ec.Lookup(schema.NSTrigger + ".file_name"); ok {
		doc.FileName = fmt.Sprintf("%v", v)
	}
	if v, ok := ec.Lookup(schema.NSTrigger + ".file_type"); ok {
		doc.FileType = fmt.Sprintf("%v", v)
	}
	return doc
}

// Extraction is the structured output of an Extractor call.
type Extraction struct {
	Fields     map[string]any     `json:"fields"`
	Confidence map[string]float64 `json:"confidence,omitempty"`
	// Overall is the extractor's aggregate confidence in [0,1].
	Overall float64 `json:"overall"`
}

// Extractor pulls structured fields out of a document. Implementations
// wrap an AI extraction service; the engine never calls one directly.
type Extractor interface {
	Extract(ctx context.Context, doc Document, fields []schema.SchemaField, model string) (*Extraction, error)
}

// Classification is the output of a Classifier call.
type Classification struct {
	DocumentType string  `json:"document_type"`
	Confidence   float64 `json:"confidence"`
}

// Classifier assigns a document to one of the candidate categories.
type Classifier interface {
	Classify(ctx context.Context, doc Document, categories []string) (*Classification, error)
}

// Notification is a terminal-step alert.
type Notification struct {
	Channel    string `json:"channel,omitempty"`
	Message    string `json:"message"`
	RunID      string `json:"run_id"`
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
}

// Notifier delivers end-step notifications. Delivery failures are
// logged, never fatal: the run's final status stands.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

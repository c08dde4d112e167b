package schema

import (
	"strings"
	"time"
)

// Outcome is the binary result a step produces, routing the run along
// the success or failure edge.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// RunStatus enumerates the lifecycle states of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunWaiting   RunStatus = "waiting"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// runTransitions is the allowed state machine for runs. Terminal
// states have no outgoing transitions.
var runTransitions = map[RunStatus][]RunStatus{
	RunRunning: {RunWaiting, RunSucceeded, RunFailed},
	RunWaiting: {RunRunning, RunFailed},
}

// CanTransition reports whether a run may move from one status to another.
func CanTransition(from, to RunStatus) bool {
	for _, s := range runTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// Context namespaces. Step outputs accumulate under these keys and
// are addressable from templates and conditions as namespace.path.
const (
	NSTrigger     = "trigger"
	NSParsedData  = "parsed_data"
	NSTransformed = "transformed"
	NSSecrets     = "secrets"
)

// ExecutionContext is the accumulated state of a run, keyed by
// namespace. Values are JSON-shaped (maps, slices, strings, numbers).
type ExecutionContext map[string]map[string]any

// Lookup resolves a dotted path like "parsed_data.customer.mprn"
// against the context. The first segment selects the namespace.
func (c ExecutionContext) Lookup(path string) (any, bool) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 {
		return nil, false
	}
	ns, ok := c[parts[0]]
	if !ok {
		return nil, false
	}
	var cur any = ns
	for _, part := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Merge folds a patch into the context, overwriting keys per namespace.
func (c ExecutionContext) Merge(patch ExecutionContext) {
	for ns, fields := range patch {
		dst, ok := c[ns]
		if !ok {
			dst = make(map[string]any, len(fields))
			c[ns] = dst
		}
		for k, v := range fields {
			dst[k] = v
		}
	}
}

// Flatten returns a single-level view of the context suitable for
// expression environments: one key per namespace.
func (c ExecutionContext) Flatten() map[string]any {
	out := make(map[string]any, len(c))
	for ns, fields := range c {
		out[ns] = fields
	}
	return out
}

// Run is a single execution of a workflow. Steps is the snapshot of
// the workflow's step list taken at run start: edits to the workflow
// made after a run begins never affect that run.
type Run struct {
	ID           string           `json:"id"`
	WorkflowID   string           `json:"workflow_id"`
	TenantID     string           `json:"tenant_id"`
	Status       RunStatus        `json:"status"`
	CurrentStep  string           `json:"current_step,omitempty"`
	TriggerEvent map[string]any   `json:"trigger_event,omitempty"`
	Context      ExecutionContext `json:"context"`
	Steps        []Step           `json:"steps,omitempty"`
	History      []HistoryEntry   `json:"history,omitempty"`
	ResumeAt     *time.Time       `json:"resume_at,omitempty"`
	// Version guards concurrent advances: each persisted transition
	// increments it, and stale writers lose with CONFLICT.
	Version     int64      `json:"version"`
	Error       *FlowError `json:"error,omitempty"`
	Archived    bool       `json:"archived,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HistoryEntry records one step execution within a run.
type HistoryEntry struct {
	StepID    string     `json:"step_id"`
	StepType  StepType   `json:"step_type"`
	Outcome   Outcome    `json:"outcome"`
	Attempts  int        `json:"attempts,omitempty"`
	Detail    string     `json:"detail,omitempty"`
	Error     *FlowError `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// StepIndex returns an id-indexed view of the run's step snapshot.
func (r *Run) StepIndex() map[string]*Step {
	return StepIndex(r.Steps)
}

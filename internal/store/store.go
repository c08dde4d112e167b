package store

import (
	"context"
	"time"

	"github.com/rendis/docflow/pkg/schema"
)

// WorkflowFilter narrows ListWorkflows. TenantID is mandatory for API
// callers; internal callers (scheduler) may leave it empty.
type WorkflowFilter struct {
	TenantID    string
	TriggerType *schema.TriggerType
	ActiveOnly  bool
	Limit       int
	Offset      int
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	TenantID   string
	WorkflowID string
	Status     *schema.RunStatus
	Since      *time.Time
	Limit      int
	Offset     int
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows. UpdateWorkflow replaces the step list atomically.
	CreateWorkflow(ctx context.Context, wf *schema.Workflow) error
	GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error)
	UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error)
	DeleteWorkflow(ctx context.Context, tenantID, id string) error
	SetWorkflowActive(ctx context.Context, tenantID, id string, active bool) error

	// Scheduling bookkeeping for scheduled-trigger workflows.
	SetWorkflowSchedule(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error
	ListDueScheduled(ctx context.Context, now time.Time) ([]*schema.Workflow, error)

	// Runs. UpdateRun is an optimistic write: it only succeeds when the
	// stored version matches run.Version, then increments it.
	CreateRun(ctx context.Context, run *schema.Run) error
	GetRun(ctx context.Context, tenantID, id string) (*schema.Run, error)
	UpdateRun(ctx context.Context, run *schema.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error)
	ListDueRuns(ctx context.Context, now time.Time) ([]*schema.Run, error)

	// Run history (append-only)
	AppendHistory(ctx context.Context, runID string, entry *schema.HistoryEntry) error
	GetHistory(ctx context.Context, runID string) ([]*schema.HistoryEntry, error)

	// Secrets (ciphertext at rest; the vault owns encryption)
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testWorkflow(id, tenant string) *schema.Workflow {
	return &schema.Workflow{
		ID:          id,
		TenantID:    tenant,
		Name:        "meter registration",
		Description: "register MPRNs from supplier PDFs",
		TriggerType: schema.TriggerAttachmentReceived,
		Steps: []schema.Step{
			{
				ID:            "start",
				Type:          schema.StepTypeTrigger,
				Config:        json.RawMessage(`{"filters":{"fileTypes":["pdf"]}}`),
				NextOnSuccess: "done",
			},
			{ID: "done", Type: schema.StepTypeEnd},
		},
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)

	v, err := schemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, len(migrations), v)

	// A second migrate run must see the schema as current and do nothing.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestWorkflow_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "acme")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "acme", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "meter registration", got.Name)
	assert.Equal(t, schema.TriggerAttachmentReceived, got.TriggerType)
	assert.False(t, got.IsActive)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "start", got.Steps[0].ID)
	assert.JSONEq(t, `{"filters":{"fileTypes":["pdf"]}}`, string(got.Steps[0].Config))
	assert.Equal(t, "done", got.Steps[0].NextOnSuccess)
	assert.Nil(t, got.Steps[1].Config)
}

func TestWorkflow_TenantScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, testWorkflow("wf-1", "acme")))

	_, err := s.GetWorkflow(ctx, "other", "wf-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)

	err = s.DeleteWorkflow(ctx, "other", "wf-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)

	// The workflow is untouched for its own tenant.
	_, err = s.GetWorkflow(ctx, "acme", "wf-1")
	require.NoError(t, err)
}

func TestWorkflow_UpdateReplacesSteps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "acme")
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	wf.Name = "renamed"
	wf.Steps = []schema.Step{
		{ID: "start", Type: schema.StepTypeTrigger, NextOnSuccess: "wait"},
		{ID: "wait", Type: schema.StepTypeDelay, Config: json.RawMessage(`{"duration":5,"unit":"minutes"}`), NextOnSuccess: "done"},
		{ID: "done", Type: schema.StepTypeEnd},
	}
	require.NoError(t, s.UpdateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "acme", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	require.Len(t, got.Steps, 3)
	assert.Equal(t, "wait", got.Steps[1].ID)
}

func TestWorkflow_UpdateMissing(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateWorkflow(context.Background(), testWorkflow("ghost", "acme"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)
}

func TestWorkflow_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := testWorkflow("wf-a", "acme")
	b := testWorkflow("wf-b", "acme")
	b.TriggerType = schema.TriggerManual
	c := testWorkflow("wf-c", "globex")
	require.NoError(t, s.CreateWorkflow(ctx, a))
	require.NoError(t, s.CreateWorkflow(ctx, b))
	require.NoError(t, s.CreateWorkflow(ctx, c))
	require.NoError(t, s.SetWorkflowActive(ctx, "acme", "wf-a", true))

	list, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	tt := schema.TriggerManual
	list, err = s.ListWorkflows(ctx, WorkflowFilter{TenantID: "acme", TriggerType: &tt})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-b", list[0].ID)

	list, err = s.ListWorkflows(ctx, WorkflowFilter{TenantID: "acme", ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "wf-a", list[0].ID)
	assert.True(t, list[0].IsActive)
}

func TestWorkflow_DeleteCascadesStepsNotRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "acme")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NoError(t, s.CreateRun(ctx, testRun("run-1", "wf-1", "acme")))

	require.NoError(t, s.DeleteWorkflow(ctx, "acme", "wf-1"))

	_, err := s.GetWorkflow(ctx, "acme", "wf-1")
	require.Error(t, err)

	var stepCount int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM steps WHERE workflow_id = 'wf-1'`).Scan(&stepCount))
	assert.Zero(t, stepCount)

	// Runs survive for audit: they carry their own step snapshot.
	run, err := s.GetRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", run.WorkflowID)
}

func TestWorkflow_Schedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "acme")
	wf.TriggerType = schema.TriggerScheduled
	wf.CronExpression = "0 9 * * 1"
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NoError(t, s.SetWorkflowActive(ctx, "acme", "wf-1", true))

	next := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.SetWorkflowSchedule(ctx, "wf-1", &next, nil))

	due, err := s.ListDueScheduled(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "wf-1", due[0].ID)
	require.Len(t, due[0].Steps, 2)

	// Advancing next_run_at into the future empties the due set and
	// records the launch time.
	launched := time.Now().UTC()
	future := launched.Add(time.Hour)
	require.NoError(t, s.SetWorkflowSchedule(ctx, "wf-1", &future, &launched))

	due, err = s.ListDueScheduled(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)

	got, err := s.GetWorkflow(ctx, "acme", "wf-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
}

func TestListDueScheduled_SkipsInactive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := testWorkflow("wf-1", "acme")
	wf.TriggerType = schema.TriggerScheduled
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.SetWorkflowSchedule(ctx, "wf-1", &past, nil))

	due, err := s.ListDueScheduled(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func testRun(id, workflowID, tenant string) *schema.Run {
	return &schema.Run{
		ID:         id,
		WorkflowID: workflowID,
		TenantID:   tenant,
		Status:     schema.RunRunning,
		TriggerEvent: map[string]any{
			"type":      "attachment_received",
			"file_name": "invoice.pdf",
		},
		Context: schema.ExecutionContext{
			schema.NSTrigger: map[string]any{"file_name": "invoice.pdf"},
		},
		Steps: []schema.Step{
			{ID: "start", Type: schema.StepTypeTrigger, NextOnSuccess: "done"},
			{ID: "done", Type: schema.StepTypeEnd},
		},
	}
}

func TestRun_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", "wf-1", "acme")
	run.CurrentStep = "start"
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunRunning, got.Status)
	assert.Equal(t, "start", got.CurrentStep)
	assert.Equal(t, "invoice.pdf", got.TriggerEvent["file_name"])
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "done", got.Steps[0].NextOnSuccess)
	assert.EqualValues(t, 0, got.Version)

	// Empty tenant skips the scope check for internal callers.
	_, err = s.GetRun(ctx, "", "run-1")
	require.NoError(t, err)

	_, err = s.GetRun(ctx, "other", "run-1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)
}

func TestRun_OptimisticUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", "wf-1", "acme")
	require.NoError(t, s.CreateRun(ctx, run))

	run.Status = schema.RunWaiting
	resumeAt := time.Now().UTC().Add(time.Minute)
	run.ResumeAt = &resumeAt
	require.NoError(t, s.UpdateRun(ctx, run))
	assert.EqualValues(t, 1, run.Version)

	// A writer holding the old version must lose.
	stale := testRun("run-1", "wf-1", "acme")
	stale.Version = 0
	stale.Status = schema.RunFailed
	err := s.UpdateRun(ctx, stale)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, err.(*schema.FlowError).Code)

	got, err := s.GetRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunWaiting, got.Status)
	require.NotNil(t, got.ResumeAt)
	assert.EqualValues(t, 1, got.Version)
}

func TestRun_UpdatePersistsError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := testRun("run-1", "wf-1", "acme")
	require.NoError(t, s.CreateRun(ctx, run))

	run.Status = schema.RunFailed
	run.Error = schema.NewError(schema.ErrCodeTerminalAPI, "endpoint rejected payload").WithStep("register")
	now := time.Now().UTC()
	run.CompletedAt = &now
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, "acme", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, schema.ErrCodeTerminalAPI, got.Error.Code)
	assert.Equal(t, "register", got.Error.StepID)
	require.NotNil(t, got.CompletedAt)
}

func TestRun_ListFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := testRun("run-1", "wf-1", "acme")
	r2 := testRun("run-2", "wf-1", "acme")
	r2.Status = schema.RunSucceeded
	r3 := testRun("run-3", "wf-2", "globex")
	require.NoError(t, s.CreateRun(ctx, r1))
	require.NoError(t, s.CreateRun(ctx, r2))
	require.NoError(t, s.CreateRun(ctx, r3))

	list, err := s.ListRuns(ctx, RunFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	st := schema.RunSucceeded
	list, err = s.ListRuns(ctx, RunFilter{TenantID: "acme", Status: &st})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-2", list[0].ID)

	list, err = s.ListRuns(ctx, RunFilter{WorkflowID: "wf-2"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-3", list[0].ID)

	list, err = s.ListRuns(ctx, RunFilter{TenantID: "acme", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestRun_ListDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testRun("run-due", "wf-1", "acme")
	due.Status = schema.RunWaiting
	dueAt := now.Add(-time.Minute)
	due.ResumeAt = &dueAt

	later := testRun("run-later", "wf-1", "acme")
	later.Status = schema.RunWaiting
	laterAt := now.Add(time.Hour)
	later.ResumeAt = &laterAt

	running := testRun("run-active", "wf-1", "acme")

	require.NoError(t, s.CreateRun(ctx, due))
	require.NoError(t, s.CreateRun(ctx, later))
	require.NoError(t, s.CreateRun(ctx, running))

	got, err := s.ListDueRuns(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run-due", got[0].ID)
}

func TestHistory_AppendAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, testRun("run-1", "wf-1", "acme")))

	entries := []*schema.HistoryEntry{
		{StepID: "start", StepType: schema.StepTypeTrigger, Outcome: schema.OutcomeSuccess, Attempts: 1},
		{StepID: "register", StepType: schema.StepTypeAPIAction, Outcome: schema.OutcomeFailure, Attempts: 4,
			Error: schema.NewError(schema.ErrCodeTransientAPI, "503 after retries")},
	}
	for _, e := range entries {
		require.NoError(t, s.AppendHistory(ctx, "run-1", e))
	}

	got, err := s.GetHistory(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "start", got[0].StepID)
	assert.Equal(t, schema.OutcomeSuccess, got[0].Outcome)
	assert.Equal(t, 4, got[1].Attempts)
	require.NotNil(t, got[1].Error)
	assert.Equal(t, schema.ErrCodeTransientAPI, got[1].Error.Code)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestSecrets_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte("ciphertext-1")))
	require.NoError(t, s.StoreSecret(ctx, "WEBHOOK_TOKEN", []byte("ciphertext-2")))

	got, err := s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-1"), got)

	// Upsert on key rotates in place.
	require.NoError(t, s.StoreSecret(ctx, "API_KEY", []byte("ciphertext-3")))
	got, err = s.GetSecret(ctx, "API_KEY")
	require.NoError(t, err)
	assert.Equal(t, []byte("ciphertext-3"), got)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "WEBHOOK_TOKEN"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "API_KEY"))
	_, err = s.GetSecret(ctx, "API_KEY")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)

	err = s.DeleteSecret(ctx, "API_KEY")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, err.(*schema.FlowError).Code)
}

func TestSplitStatements(t *testing.T) {
	script := `-- leading comment
CREATE TABLE a (id TEXT);

-- a comment between statements
CREATE INDEX idx_a ON a(id);

-- trailing comment only
`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE TABLE a")
	assert.Contains(t, stmts[1], "CREATE INDEX idx_a")
}

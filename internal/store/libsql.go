package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/docflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, name, description, trigger_type, cron_expression, is_active, created_at, updated_at, next_run_at, last_run_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.TenantID, wf.Name, nullStr(wf.Description), string(wf.TriggerType),
		nullStr(wf.CronExpression), boolInt(wf.IsActive),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt), nullTime(wf.NextRunAt), nullTime(wf.LastRunAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	if err := insertSteps(ctx, tx, wf.ID, wf.Steps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, tenantID, id string) (*schema.Workflow, error) {
	wf := &schema.Workflow{}
	var (
		desc, cronExpr       sql.NullString
		active               int
		triggerType          string
		nextRunAt, lastRunAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, description, trigger_type, cron_expression, is_active, created_at, updated_at, next_run_at, last_run_at
		 FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID,
	).Scan(&wf.ID, &wf.TenantID, &wf.Name, &desc, &triggerType, &cronExpr, &active,
		&wf.CreatedAt, &wf.UpdatedAt, &nextRunAt, &lastRunAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Description = desc.String
	wf.CronExpression = cronExpr.String
	wf.TriggerType = schema.TriggerType(triggerType)
	wf.IsActive = active != 0
	if nextRunAt.Valid {
		wf.NextRunAt = &nextRunAt.Time
	}
	if lastRunAt.Valid {
		wf.LastRunAt = &lastRunAt.Time
	}
	wf.Steps, err = s.loadSteps(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	return wf, nil
}

// UpdateWorkflow replaces the workflow row and its full step list in one
// transaction. Callers send the complete graph; partial step updates do
// not exist at this layer.
func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, wf *schema.Workflow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE workflows SET name = ?, description = ?, trigger_type = ?, cron_expression = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND tenant_id = ?`,
		wf.Name, nullStr(wf.Description), string(wf.TriggerType), nullStr(wf.CronExpression),
		wf.ID, wf.TenantID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", wf.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM steps WHERE workflow_id = ?`, wf.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(ctx, tx, wf.ID, wf.Steps); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.TriggerType != nil {
		where = append(where, "trigger_type = ?")
		args = append(args, string(*filter.TriggerType))
	}
	if filter.ActiveOnly {
		where = append(where, "is_active = 1")
	}

	query := `SELECT id, tenant_id, name, description, trigger_type, cron_expression, is_active, created_at, updated_at, next_run_at, last_run_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows, err := scanWorkflows(rows)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Steps, err = s.loadSteps(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM workflows WHERE id = ? AND tenant_id = ?`, id, tenantID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, tenantID, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND tenant_id = ?`,
		boolInt(active), id, tenantID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) SetWorkflowSchedule(ctx context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET next_run_at = ?, last_run_at = COALESCE(?, last_run_at), updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		nullTime(nextRunAt), nullTime(lastRunAt), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListDueScheduled(ctx context.Context, now time.Time) ([]*schema.Workflow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, description, trigger_type, cron_expression, is_active, created_at, updated_at, next_run_at, last_run_at
		 FROM workflows
		 WHERE trigger_type = ? AND is_active = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?`,
		string(schema.TriggerScheduled), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workflows, err := scanWorkflows(rows)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.Steps, err = s.loadSteps(ctx, wf.ID); err != nil {
			return nil, err
		}
	}
	return workflows, nil
}

func scanWorkflows(rows *sql.Rows) ([]*schema.Workflow, error) {
	var workflows []*schema.Workflow
	for rows.Next() {
		wf := &schema.Workflow{}
		var (
			desc, cronExpr       sql.NullString
			active               int
			triggerType          string
			nextRunAt, lastRunAt sql.NullTime
		)
		if err := rows.Scan(&wf.ID, &wf.TenantID, &wf.Name, &desc, &triggerType, &cronExpr, &active,
			&wf.CreatedAt, &wf.UpdatedAt, &nextRunAt, &lastRunAt); err != nil {
			return nil, err
		}
		wf.Description = desc.String
		wf.CronExpression = cronExpr.String
		wf.TriggerType = schema.TriggerType(triggerType)
		wf.IsActive = active != 0
		if nextRunAt.Valid {
			wf.NextRunAt = &nextRunAt.Time
		}
		if lastRunAt.Valid {
			wf.LastRunAt = &lastRunAt.Time
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func insertSteps(ctx context.Context, tx *sql.Tx, workflowID string, steps []schema.Step) error {
	for i, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO steps (workflow_id, id, position, type, config, next_on_success, next_on_failure)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			workflowID, st.ID, i, string(st.Type), nullRaw(st.Config),
			nullStr(st.NextOnSuccess), nullStr(st.NextOnFailure),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.ID, err)
		}
	}
	return nil
}

func (s *LibSQLStore) loadSteps(ctx context.Context, workflowID string) ([]schema.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, config, next_on_success, next_on_failure
		 FROM steps WHERE workflow_id = ? ORDER BY position ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []schema.Step
	for rows.Next() {
		var st schema.Step
		var stepType string
		var config, onSuccess, onFailure sql.NullString
		if err := rows.Scan(&st.ID, &stepType, &config, &onSuccess, &onFailure); err != nil {
			return nil, err
		}
		st.Type = schema.StepType(stepType)
		st.Config = rawOrNil(config)
		st.NextOnSuccess = onSuccess.String
		st.NextOnFailure = onFailure.String
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	triggerEvent, err := nullableMap(run.TriggerEvent)
	if err != nil {
		return fmt.Errorf("marshal trigger_event: %w", err)
	}
	runCtx, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	steps, err := json.Marshal(run.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workflow_id, tenant_id, status, current_step, trigger_event, context, steps, resume_at, version, error, archived, created_at, updated_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, run.TenantID, string(run.Status), nullStr(run.CurrentStep),
		triggerEvent, string(runCtx), string(steps), nullTime(run.ResumeAt), run.Version,
		errorJSON(run.Error), boolInt(run.Archived),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt), nullTime(run.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, tenantID, id string) (*schema.Run, error) {
	query := `SELECT id, workflow_id, tenant_id, status, current_step, trigger_event, context, steps, resume_at, version, error, archived, created_at, updated_at, completed_at
	 FROM runs WHERE id = ?`
	args := []any{id}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	row := s.db.QueryRowContext(ctx, query, args...)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

// UpdateRun applies an optimistic write. The stored version must match
// run.Version; on success the stored and in-memory versions advance by
// one, and a mismatch surfaces as CONFLICT.
func (s *LibSQLStore) UpdateRun(ctx context.Context, run *schema.Run) error {
	runCtx, err := json.Marshal(run.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, current_step = ?, context = ?, resume_at = ?, version = version + 1,
		   error = ?, archived = ?, updated_at = CURRENT_TIMESTAMP, completed_at = ?
		 WHERE id = ? AND version = ?`,
		string(run.Status), nullStr(run.CurrentStep), string(runCtx), nullTime(run.ResumeAt),
		errorJSON(run.Error), boolInt(run.Archived), nullTime(run.CompletedAt),
		run.ID, run.Version,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q version %d is stale", run.ID, run.Version)
	}
	run.Version++
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, tenant_id, status, current_step, trigger_event, context, steps, resume_at, version, error, archived, created_at, updated_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *LibSQLStore) ListDueRuns(ctx context.Context, now time.Time) ([]*schema.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, tenant_id, status, current_step, trigger_event, context, steps, resume_at, version, error, archived, created_at, updated_at, completed_at
		 FROM runs WHERE status = ? AND resume_at IS NOT NULL AND resume_at <= ?
		 ORDER BY resume_at ASC`,
		string(schema.RunWaiting), now,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var (
		status                string
		currentStep           sql.NullString
		triggerEvent, errJSON sql.NullString
		ctxJSON, stepsJSON    string
		resumeAt, completedAt sql.NullTime
		archived              int
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &run.TenantID, &status, &currentStep,
		&triggerEvent, &ctxJSON, &stepsJSON, &resumeAt, &run.Version, &errJSON, &archived,
		&run.CreatedAt, &run.UpdatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.Archived = archived != 0
	if triggerEvent.Valid && triggerEvent.String != "" {
		_ = json.Unmarshal([]byte(triggerEvent.String), &run.TriggerEvent)
	}
	if err := json.Unmarshal([]byte(ctxJSON), &run.Context); err != nil {
		return nil, fmt.Errorf("unmarshal run context: %w", err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &run.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal run steps: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		_ = json.Unmarshal([]byte(errJSON.String), &run.Error)
	}
	if resumeAt.Valid {
		run.ResumeAt = &resumeAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]*schema.Run, error) {
	var runs []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- Run History ---

func (s *LibSQLStore) AppendHistory(ctx context.Context, runID string, entry *schema.HistoryEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_history (run_id, step_id, step_type, outcome, attempts, detail, error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, entry.StepID, string(entry.StepType), string(entry.Outcome),
		entry.Attempts, nullStr(entry.Detail), errorJSON(entry.Error), timeOrNow(entry.Timestamp),
	)
	return err
}

func (s *LibSQLStore) GetHistory(ctx context.Context, runID string) ([]*schema.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, step_type, outcome, attempts, detail, error, timestamp
		 FROM run_history WHERE run_id = ? ORDER BY id ASC`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*schema.HistoryEntry
	for rows.Next() {
		e := &schema.HistoryEntry{}
		var stepType, outcome string
		var detail, errJSON sql.NullString
		if err := rows.Scan(&e.StepID, &stepType, &outcome, &e.Attempts, &detail, &errJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		e.StepType = schema.StepType(stepType)
		e.Outcome = schema.Outcome(outcome)
		e.Detail = detail.String
		if errJSON.Valid && errJSON.String != "" {
			_ = json.Unmarshal([]byte(errJSON.String), &e.Error)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func errorJSON(e *schema.FlowError) any {
	if e == nil {
		return nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return string(b)
}

func nullableMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

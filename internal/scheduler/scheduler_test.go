package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/docflow/internal/engine"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/pkg/schema"
)

// fakeRunner records resume and start calls.
type fakeRunner struct {
	mu        sync.Mutex
	resumed   []string
	started   []string
	events    []map[string]any
	resumeErr error
	startErr  error
	block     chan struct{}
}

func (f *fakeRunner) Resume(_ context.Context, run *schema.Run) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, run.ID)
	return f.resumeErr
}

func (f *fakeRunner) StartRun(_ context.Context, wf *schema.Workflow, event map[string]any) (*schema.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, wf.ID)
	f.events = append(f.events, event)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &schema.Run{ID: "run-" + wf.ID, WorkflowID: wf.ID}, nil
}

func (f *fakeRunner) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func (f *fakeRunner) startedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...)
}

// fakeStore serves due runs and workflows from memory. The embedded
// Store is nil so any unexpected call panics.
type fakeStore struct {
	store.Store

	mu        sync.Mutex
	dueRuns   []*schema.Run
	dueWfs    []*schema.Workflow
	schedules map[string][2]*time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{schedules: make(map[string][2]*time.Time)}
}

func (f *fakeStore) ListDueRuns(context.Context, time.Time) ([]*schema.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*schema.Run(nil), f.dueRuns...), nil
}

func (f *fakeStore) ListDueScheduled(context.Context, time.Time) ([]*schema.Workflow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*schema.Workflow(nil), f.dueWfs...), nil
}

func (f *fakeStore) SetWorkflowSchedule(_ context.Context, id string, nextRunAt, lastRunAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schedules[id] = [2]*time.Time{nextRunAt, lastRunAt}
	// Once the schedule advances the workflow is no longer due.
	kept := f.dueWfs[:0]
	for _, wf := range f.dueWfs {
		if wf.ID != id {
			kept = append(kept, wf)
		}
	}
	f.dueWfs = kept
	return nil
}

func newTestScheduler(t *testing.T, st store.Store, runner Runner) *Scheduler {
	t.Helper()
	pool := engine.NewWorkerPool(4)
	t.Cleanup(pool.Shutdown)
	return New(st, runner, pool, nil, time.Hour)
}

func waitingRun(id string) *schema.Run {
	past := time.Now().UTC().Add(-time.Minute)
	return &schema.Run{ID: id, Status: schema.RunWaiting, ResumeAt: &past}
}

func scheduledWorkflow(id string) *schema.Workflow {
	return &schema.Workflow{
		ID:             id,
		TenantID:       "acme",
		Name:           "nightly sync",
		TriggerType:    schema.TriggerScheduled,
		CronExpression: "0 2 * * *",
		IsActive:       true,
	}
}

func TestSweep_ResumesDueRuns(t *testing.T) {
	st := newFakeStore()
	st.dueRuns = []*schema.Run{waitingRun("run-1"), waitingRun("run-2")}
	runner := &fakeRunner{}
	sched := newTestScheduler(t, st, runner)

	sched.Sweep(context.Background())
	sched.pool.Wait()

	assert.ElementsMatch(t, []string{"run-1", "run-2"}, runner.resumedIDs())
}

func TestSweep_LaunchesDueWorkflows(t *testing.T) {
	st := newFakeStore()
	st.dueWfs = []*schema.Workflow{scheduledWorkflow("wf-1")}
	runner := &fakeRunner{}
	sched := newTestScheduler(t, st, runner)

	sched.Sweep(context.Background())
	sched.pool.Wait()

	require.Equal(t, []string{"wf-1"}, runner.startedIDs())
	require.Len(t, runner.events, 1)
	assert.Equal(t, "scheduled", runner.events[0]["type"])
	assert.NotEmpty(t, runner.events[0]["scheduled_at"])

	// Schedule bookkeeping advanced past now.
	sched1, ok := st.schedules["wf-1"]
	require.True(t, ok)
	require.NotNil(t, sched1[0])
	assert.True(t, sched1[0].After(time.Now().UTC()))
	require.NotNil(t, sched1[1])
}

func TestSweep_InflightDedup(t *testing.T) {
	st := newFakeStore()
	st.dueRuns = []*schema.Run{waitingRun("run-1")}
	runner := &fakeRunner{block: make(chan struct{})}
	sched := newTestScheduler(t, st, runner)

	ctx := context.Background()
	sched.Sweep(ctx)
	// The first resume is still blocked; a second sweep must skip it.
	sched.Sweep(ctx)

	close(runner.block)
	sched.pool.Wait()

	assert.Equal(t, []string{"run-1"}, runner.resumedIDs())
}

func TestSweep_ReleasesInflightAfterFailure(t *testing.T) {
	st := newFakeStore()
	st.dueRuns = []*schema.Run{waitingRun("run-1")}
	runner := &fakeRunner{resumeErr: errors.New("conflict elsewhere")}
	sched := newTestScheduler(t, st, runner)

	ctx := context.Background()
	sched.Sweep(ctx)
	sched.pool.Wait()
	sched.Sweep(ctx)
	sched.pool.Wait()

	// The run stayed due in the fake store, so a later sweep retries it.
	assert.Equal(t, []string{"run-1", "run-1"}, runner.resumedIDs())
}

func TestSweep_AdvancesScheduleWhenStartFails(t *testing.T) {
	st := newFakeStore()
	st.dueWfs = []*schema.Workflow{scheduledWorkflow("wf-1")}
	runner := &fakeRunner{startErr: errors.New("workflow misconfigured")}
	sched := newTestScheduler(t, st, runner)

	sched.Sweep(context.Background())
	sched.pool.Wait()

	// A broken workflow must not be retried every sweep.
	sched1, ok := st.schedules["wf-1"]
	require.True(t, ok)
	require.NotNil(t, sched1[0])
	assert.True(t, sched1[0].After(time.Now().UTC()))
}

func TestNextRun(t *testing.T) {
	sched := newTestScheduler(t, newFakeStore(), &fakeRunner{})
	from := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC) // a Monday

	next, err := sched.NextRun("0 9 * * 1", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC), next)

	next, err = sched.NextRun("@hourly", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC), next)

	_, err = sched.NextRun("not a cron", from)
	require.Error(t, err)
}

func TestStartAndStop(t *testing.T) {
	st := newFakeStore()
	st.dueRuns = []*schema.Run{waitingRun("run-1")}
	runner := &fakeRunner{}
	pool := engine.NewWorkerPool(2)
	sched := New(st, runner, pool, nil, 50*time.Millisecond)

	require.NoError(t, sched.Start(context.Background()))
	assert.Error(t, sched.Start(context.Background()))

	// The initial sweep fires immediately on start.
	require.Eventually(t, func() bool {
		return len(runner.resumedIDs()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop())
	// Stop is idempotent.
	require.NoError(t, sched.Stop())
}

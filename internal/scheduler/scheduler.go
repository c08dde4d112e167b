package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/docflow/internal/engine"
	"github.com/rendis/docflow/internal/store"
	"github.com/rendis/docflow/pkg/schema"
)

const defaultSweepInterval = 30 * time.Second

// Runner is the engine surface the scheduler needs (avoids import cycle
// in tests that fake the engine).
type Runner interface {
	Resume(ctx context.Context, run *schema.Run) error
	StartRun(ctx context.Context, wf *schema.Workflow, event map[string]any) (*schema.Run, error)
}

// Scheduler sweeps the store on a fixed interval. Each sweep resumes
// waiting runs whose resume_at has passed and launches runs for
// scheduled-trigger workflows whose cron next_run_at is due. Work is
// dispatched through a bounded pool; an inflight set prevents the next
// sweep from picking up a run or workflow that is still executing.
type Scheduler struct {
	store    store.Store
	runner   Runner
	pool     *engine.WorkerPool
	parser   cron.Parser
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler. A zero interval selects the 30s default.
func New(s store.Store, runner Runner, pool *engine.WorkerPool, logger *slog.Logger, interval time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Scheduler{
		store:    s,
		runner:   runner,
		pool:     pool,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logger,
		interval: interval,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started", "interval", s.interval.String())
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run an initial sweep immediately so restarts pick up overdue work.
	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over due waiting runs and due scheduled
// workflows. Exported so tests and operators can force a pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	now := time.Now().UTC()
	s.resumeDueRuns(ctx, now)
	s.launchDueWorkflows(ctx, now)
}

func (s *Scheduler) resumeDueRuns(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueRuns(ctx, now)
	if err != nil {
		s.logger.Error("list due runs failed", "error", err)
		return
	}
	for _, run := range due {
		if !s.tryAcquire("run:" + run.ID) {
			continue
		}
		run := run
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release("run:" + run.ID)
			if err := s.runner.Resume(ctx, run); err != nil {
				// A CONFLICT means another instance got there first.
				s.logger.Warn("resume run failed", "run_id", run.ID, "error", err)
				return err
			}
			return nil
		})
		if err != nil {
			s.release("run:" + run.ID)
			s.logger.Error("submit resume failed", "run_id", run.ID, "error", err)
		}
	}
}

func (s *Scheduler) launchDueWorkflows(ctx context.Context, now time.Time) {
	due, err := s.store.ListDueScheduled(ctx, now)
	if err != nil {
		s.logger.Error("list due scheduled workflows failed", "error", err)
		return
	}
	for _, wf := range due {
		if !s.tryAcquire("wf:" + wf.ID) {
			continue
		}
		wf := wf
		err := s.pool.Submit(ctx, func(ctx context.Context) error {
			defer s.release("wf:" + wf.ID)
			return s.launchOne(ctx, wf, now)
		})
		if err != nil {
			s.release("wf:" + wf.ID)
			s.logger.Error("submit scheduled launch failed", "workflow_id", wf.ID, "error", err)
		}
	}
}

// launchOne starts a cron-triggered run and advances the workflow's
// schedule bookkeeping. The schedule advances even when the run fails:
// a broken workflow must not be retried every sweep.
func (s *Scheduler) launchOne(ctx context.Context, wf *schema.Workflow, now time.Time) error {
	event := map[string]any{
		"type":         "scheduled",
		"scheduled_at": now.Format(time.RFC3339),
	}
	if _, err := s.runner.StartRun(ctx, wf, event); err != nil {
		s.logger.Warn("scheduled run failed to start", "workflow_id", wf.ID, "error", err)
	}

	next, err := s.NextRun(wf.CronExpression, now)
	if err != nil {
		return fmt.Errorf("next run for workflow %q: %w", wf.ID, err)
	}
	if err := s.store.SetWorkflowSchedule(ctx, wf.ID, &next, &now); err != nil {
		return fmt.Errorf("advance schedule for workflow %q: %w", wf.ID, err)
	}
	return nil
}

// NextRun computes the next fire time for a cron expression.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// tryAcquire marks a key in-flight, returning false if it already is.
func (s *Scheduler) tryAcquire(key string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

func (s *Scheduler) release(key string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, key)
}

// Stop gracefully shuts down the sweep loop and drains the pool.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.pool.Wait()

	s.logger.Info("scheduler stopped")
	return nil
}

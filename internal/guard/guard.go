// Package guard wraps strategy execution with the concurrency and recovery
// rules every job shares: single concurrent run per job, stale-run takeover,
// priority-lock checks, the run-count ceiling and next-run recomputation.
// Callers (trigger loop, run-now API) never duplicate this logic.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autopress/internal/domain"
	"autopress/internal/ledger"
	"autopress/internal/lock"
	"autopress/internal/schedule"
	"autopress/internal/store"
)

// DefaultStaleThreshold is how long a run may sit in 'running' before the
// next guard pass presumes the worker crashed and force-fails it.
const DefaultStaleThreshold = 45 * time.Minute

// DefaultLockTTL bounds how long a batch job may hold the priority lock.
// Must exceed the worst-case duration of a full batch run.
const DefaultLockTTL = 40 * time.Minute

// staleCloseError is appended to a force-closed run's error list.
const staleCloseError = "auto-closed as stale"

// Strategy executes a job body and reports the outcome. Implemented by
// strategy.Dispatcher; strategies report failures through the result, never
// through a panic.
type Strategy interface {
	Execute(ctx context.Context, job domain.Job) domain.ExecutionResult
}

type Guard struct {
	repo     store.Repository
	ledger   *ledger.Ledger
	lock     *lock.Lock
	dispatch Strategy
	log      zerolog.Logger

	staleThreshold time.Duration
	lockTTL        time.Duration
	// priorityClass is the job class that pauses all others while it runs.
	priorityClass domain.StrategyKind

	now func() time.Time
}

type Config struct {
	StaleThreshold time.Duration
	LockTTL        time.Duration
}

func New(repo store.Repository, ldg *ledger.Ledger, lk *lock.Lock, dispatch Strategy, cfg Config, log zerolog.Logger) *Guard {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &Guard{
		repo:           repo,
		ledger:         ldg,
		lock:           lk,
		dispatch:       dispatch,
		log:            log,
		staleThreshold: cfg.StaleThreshold,
		lockTTL:        cfg.LockTTL,
		priorityClass:  domain.StrategyBatch,
		now:            time.Now,
	}
}

// Execute runs one guarded attempt for job. The returned run is terminal:
// success/failed/partial after a real execution, or skipped when the attempt
// was short-circuited (already running, priority-blocked, run limit).
//
// The returned error is reserved for faults the outer supervisor must see:
// persistence failures and panics that escaped the strategy body. Per-item
// and per-job content failures live in the run's error list instead.
func (g *Guard) Execute(ctx context.Context, job domain.Job) (domain.JobRun, error) {
	now := g.now()

	active, err := g.repo.ActiveRun(ctx, job.ID)
	switch {
	case err == nil:
		if now.Sub(active.StartedAt) <= g.staleThreshold {
			// Expected backpressure, not an error.
			return g.skip(ctx, job, domain.SkipAlreadyRunning, map[string]any{
				"active_run_id": active.ID,
			})
		}
		closed, err := g.repo.CloseStaleRun(ctx, active.ID, now, append(active.Errors, staleCloseError))
		if err != nil {
			return domain.JobRun{}, fmt.Errorf("close stale run %s: %w", active.ID, err)
		}
		if closed {
			g.log.Warn().Str("job_id", job.ID).Str("run_id", active.ID).
				Time("started_at", active.StartedAt).Msg("stale run recovered")
		}
		// Not closed means another worker beat us to it; either way the
		// slot is free now and the attempt may proceed.
	case errors.Is(err, store.ErrNoActiveRun):
		// Nothing in flight.
	default:
		return domain.JobRun{}, fmt.Errorf("query active run for %s: %w", job.ID, err)
	}

	if job.RunsExhausted() {
		if err := g.repo.SetJobActive(ctx, job.ID, false, nil); err != nil {
			return domain.JobRun{}, fmt.Errorf("deactivate exhausted job %s: %w", job.ID, err)
		}
		return g.skip(ctx, job, domain.SkipRunLimit, map[string]any{
			"run_count": job.RunCount,
			"max_runs":  job.MaxRuns,
		})
	}

	if _, err := g.lock.ReleaseIfExpired(ctx); err != nil {
		return domain.JobRun{}, fmt.Errorf("release expired lock: %w", err)
	}
	blocked, err := g.lock.IsBlocked(ctx, string(job.Strategy))
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("check priority lock: %w", err)
	}
	if blocked {
		return g.skip(ctx, job, domain.SkipPriorityBlock, nil)
	}

	lockHeld := false
	if job.Strategy == g.priorityClass {
		acquired, err := g.lock.Acquire(ctx, string(job.Strategy), g.lockTTL)
		if err != nil {
			return domain.JobRun{}, fmt.Errorf("acquire priority lock: %w", err)
		}
		if !acquired {
			return g.skip(ctx, job, domain.SkipPriorityBlock, nil)
		}
		lockHeld = true
	}
	defer func() {
		if lockHeld {
			if err := g.lock.Release(ctx, string(job.Strategy)); err != nil {
				g.log.Error().Err(err).Str("job_id", job.ID).Msg("release priority lock")
			}
		}
	}()

	run, err := g.ledger.Start(ctx, job)
	if errors.Is(err, store.ErrAlreadyRunning) {
		// Lost the insert race to a concurrent trigger.
		return g.skip(ctx, job, domain.SkipAlreadyRunning, nil)
	}
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("start run for %s: %w", job.ID, err)
	}
	if err := g.repo.MarkJobStarted(ctx, job.ID, now); err != nil {
		return domain.JobRun{}, fmt.Errorf("mark job %s started: %w", job.ID, err)
	}

	res, execErr := g.runStrategy(ctx, job)
	snapshot, _ := json.Marshal(map[string]any{
		"job_name":  job.Name,
		"strategy":  job.Strategy,
		"run_count": job.RunCount + 1,
	})
	if err := g.ledger.Finish(ctx, &run, res, snapshot); err != nil {
		return run, fmt.Errorf("finish run %s: %w", run.ID, err)
	}

	g.recomputeNextRun(ctx, job.ID)

	// A panic that escaped the strategy is already recorded in the failed
	// run; it still propagates so the supervisor can alert.
	return run, execErr
}

// runStrategy invokes the dispatcher, converting a panic into a failed
// result plus a propagating error.
func (g *Guard) runStrategy(ctx context.Context, job domain.Job) (res domain.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic in job %s: %v", job.ID, r)
			res = domain.FailedResult(fmt.Sprintf("panic: %v", r))
			g.log.Error().Str("job_id", job.ID).Interface("panic", r).Msg("strategy panicked")
		}
	}()
	return g.dispatch.Execute(ctx, job), nil
}

// recomputeNextRun refreshes next_run from the job's post-run state. Best
// effort: a failure here leaves next_run in the past and the job simply
// fires again on a later tick.
func (g *Guard) recomputeNextRun(ctx context.Context, jobID string) {
	job, err := g.repo.GetJob(ctx, jobID)
	if err != nil {
		g.log.Error().Err(err).Str("job_id", jobID).Msg("reload job for next-run recompute")
		return
	}
	next := schedule.NextRun(job, g.now())
	if err := g.repo.SetNextRun(ctx, jobID, next); err != nil {
		g.log.Error().Err(err).Str("job_id", jobID).Msg("persist next run")
	}
}

func (g *Guard) skip(ctx context.Context, job domain.Job, reason string, extra map[string]any) (domain.JobRun, error) {
	payload := map[string]any{"reason": reason}
	for k, v := range extra {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)

	run, err := g.repo.InsertSkippedRun(ctx, job.ID, job.Strategy, g.now(), raw)
	if err != nil {
		return domain.JobRun{}, fmt.Errorf("record skipped run for %s: %w", job.ID, err)
	}
	g.log.Info().Str("job_id", job.ID).Str("run_id", run.ID).Str("reason", reason).Msg("run skipped")
	return run, nil
}

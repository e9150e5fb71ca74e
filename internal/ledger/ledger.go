// Package ledger records job run lifecycle transitions. It is a thin
// persistence wrapper; concurrency decisions live in internal/guard.
package ledger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"autopress/internal/domain"
	"autopress/internal/store"
)

type Ledger struct {
	repo store.Repository
	log  zerolog.Logger
	now  func() time.Time
}

func New(repo store.Repository, log zerolog.Logger) *Ledger {
	return &Ledger{repo: repo, log: log, now: time.Now}
}

// Start inserts a new run in 'running' state. Returns
// store.ErrAlreadyRunning when the job already has one in flight.
func (l *Ledger) Start(ctx context.Context, job domain.Job) (domain.JobRun, error) {
	run, err := l.repo.StartRun(ctx, job.ID, job.Strategy, l.now())
	if err != nil {
		return domain.JobRun{}, err
	}
	l.log.Info().Str("job_id", job.ID).Str("run_id", run.ID).
		Str("strategy", string(job.Strategy)).Msg("run started")
	return run, nil
}

// Finish moves a running run to its terminal state. Finishing an
// already-terminal run returns store.ErrRunFinished; that is a caller bug
// and is not swallowed here.
func (l *Ledger) Finish(ctx context.Context, run *domain.JobRun, res domain.ExecutionResult, contextSnapshot json.RawMessage) error {
	finishedAt := l.now()
	if err := l.repo.FinishRun(ctx, run.ID, finishedAt, res, contextSnapshot); err != nil {
		return err
	}
	run.Status = res.Status
	run.FinishedAt = &finishedAt
	run.CreatedCount = res.CreatedCount
	run.Errors = res.Errors
	run.PublishErrors = res.PublishErrors
	run.ContextSnapshot = contextSnapshot
	run.ResultPayload = res.Result

	l.log.Info().Str("job_id", run.JobID).Str("run_id", run.ID).
		Str("status", string(res.Status)).Int("created", res.CreatedCount).
		Int("errors", len(res.Errors)).Msg("run finished")
	return nil
}

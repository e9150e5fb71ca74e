package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"autopress/internal/domain"
	"autopress/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Repository) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	repo := store.NewSQLite(db)
	return New(repo, zerolog.Nop()), repo
}

func TestStartAndFinish(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, domain.Job{
		Name: "recorded", Schedule: domain.ScheduleInterval, IntervalMinutes: 60,
		Strategy: domain.StrategyPrompt, IsActive: true,
	})
	require.NoError(t, err)
	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)

	run, err := l.Start(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, run.Status)
	assert.Nil(t, run.FinishedAt)

	snapshot := json.RawMessage(`{"job_name":"recorded"}`)
	res := domain.ExecutionResult{
		Status:       domain.StatusSuccess,
		CreatedCount: 2,
		Result:       json.RawMessage(`{"created_items":["a","b"]}`),
	}
	require.NoError(t, l.Finish(ctx, &run, res, snapshot))

	// The in-memory run mirrors what was persisted.
	assert.Equal(t, domain.StatusSuccess, run.Status)
	assert.Equal(t, 2, run.CreatedCount)
	require.NotNil(t, run.FinishedAt)

	stored, err := repo.ListRuns(ctx, id, 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, run.Status, stored[0].Status)
	assert.Equal(t, run.CreatedCount, stored[0].CreatedCount)
	assert.JSONEq(t, string(snapshot), string(stored[0].ContextSnapshot))
}

func TestStartWhileRunning(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, domain.Job{
		Name: "busy", Schedule: domain.ScheduleInterval, IntervalMinutes: 60,
		Strategy: domain.StrategyPrompt, IsActive: true,
	})
	require.NoError(t, err)
	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)

	_, err = l.Start(ctx, job)
	require.NoError(t, err)

	_, err = l.Start(ctx, job)
	assert.ErrorIs(t, err, store.ErrAlreadyRunning)
}

func TestFinishTwice(t *testing.T) {
	l, repo := newTestLedger(t)
	ctx := context.Background()
	id, err := repo.CreateJob(ctx, domain.Job{
		Name: "done", Schedule: domain.ScheduleInterval, IntervalMinutes: 60,
		Strategy: domain.StrategyPrompt, IsActive: true,
	})
	require.NoError(t, err)
	job, err := repo.GetJob(ctx, id)
	require.NoError(t, err)

	run, err := l.Start(ctx, job)
	require.NoError(t, err)

	res := domain.ExecutionResult{Status: domain.StatusSuccess}
	require.NoError(t, l.Finish(ctx, &run, res, nil))

	err = l.Finish(ctx, &run, res, nil)
	assert.ErrorIs(t, err, store.ErrRunFinished)
}

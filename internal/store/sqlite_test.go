package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"autopress/internal/domain"
)

func newTestRepo(t *testing.T) Repository {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewSQLite(db)
}

func createTestJob(t *testing.T, repo Repository, j domain.Job) domain.Job {
	t.Helper()
	if j.Name == "" {
		j.Name = "test job"
	}
	if j.Schedule == "" {
		j.Schedule = domain.ScheduleInterval
		j.IntervalMinutes = 60
	}
	if j.Strategy == "" {
		j.Strategy = domain.StrategyManual
	}
	id, err := repo.CreateJob(context.Background(), j)
	require.NoError(t, err)
	created, err := repo.GetJob(context.Background(), id)
	require.NoError(t, err)
	return created
}

func TestJobRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	next := time.Date(2024, 3, 12, 15, 0, 0, 0, time.UTC)
	j := createTestJob(t, repo, domain.Job{
		Name:          "daily digest",
		Schedule:      domain.ScheduleDaily,
		ScheduledTime: "15:00",
		Strategy:      domain.StrategyPrompt,
		IsActive:      true,
		MaxRuns:       10,
		NextRun:       &next,
		Payload:       []byte(`{"prompt":"write the digest"}`),
	})

	got, err := repo.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "daily digest", got.Name)
	assert.Equal(t, domain.ScheduleDaily, got.Schedule)
	assert.Equal(t, "15:00", got.ScheduledTime)
	assert.Equal(t, domain.StrategyPrompt, got.Strategy)
	assert.True(t, got.IsActive)
	assert.Equal(t, 10, got.MaxRuns)
	require.NotNil(t, got.NextRun)
	assert.JSONEq(t, `{"prompt":"write the digest"}`, string(got.Payload))
}

func TestGetJobNotFound(t *testing.T) {
	repo := newTestRepo(t)
	_, err := repo.GetJob(context.Background(), "job_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDueJobs(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	due := createTestJob(t, repo, domain.Job{Name: "due", IsActive: true, NextRun: &past})
	createTestJob(t, repo, domain.Job{Name: "future", IsActive: true, NextRun: &future})
	createTestJob(t, repo, domain.Job{Name: "inactive", IsActive: false, NextRun: &past})
	createTestJob(t, repo, domain.Job{Name: "never scheduled", IsActive: true})

	jobs, err := repo.DueJobs(ctx, now)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
}

func TestStartRunRejectsSecond(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	run, err := repo.StartRun(ctx, j.ID, j.Strategy, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, run.Status)

	_, err = repo.StartRun(ctx, j.ID, j.Strategy, time.Now().UTC())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestFinishRunTwiceIsError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	run, err := repo.StartRun(ctx, j.ID, j.Strategy, time.Now().UTC())
	require.NoError(t, err)

	res := domain.ExecutionResult{
		Status:        domain.StatusSuccess,
		CreatedCount:  2,
		PublishErrors: []string{"topic-01: upstream 503"},
	}
	require.NoError(t, repo.FinishRun(ctx, run.ID, time.Now().UTC(), res, []byte(`{"k":"v"}`)))

	err = repo.FinishRun(ctx, run.ID, time.Now().UTC(), res, nil)
	assert.ErrorIs(t, err, ErrRunFinished)

	runs, err := repo.ListRuns(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusSuccess, runs[0].Status)
	assert.Equal(t, 2, runs[0].CreatedCount)
	assert.Empty(t, runs[0].Errors)
	assert.Equal(t, []string{"topic-01: upstream 503"}, runs[0].PublishErrors)
	require.NotNil(t, runs[0].FinishedAt)
}

func TestCloseStaleRunIsConditional(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	run, err := repo.StartRun(ctx, j.ID, j.Strategy, time.Now().UTC())
	require.NoError(t, err)

	closed, err := repo.CloseStaleRun(ctx, run.ID, time.Now().UTC(), []string{"auto-closed as stale"})
	require.NoError(t, err)
	assert.True(t, closed)

	// Already terminal: a second takeover attempt loses.
	closed, err = repo.CloseStaleRun(ctx, run.ID, time.Now().UTC(), []string{"auto-closed as stale"})
	require.NoError(t, err)
	assert.False(t, closed)

	runs, err := repo.ListRuns(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].Errors, "auto-closed as stale")
}

func TestActiveRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	_, err := repo.ActiveRun(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNoActiveRun)

	run, err := repo.StartRun(ctx, j.ID, j.Strategy, time.Now().UTC())
	require.NoError(t, err)

	active, err := repo.ActiveRun(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, active.ID)
}

func TestMarkJobStartedEnforcesCeiling(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(time.Hour)
	j := createTestJob(t, repo, domain.Job{IsActive: true, MaxRuns: 2, NextRun: &next})

	require.NoError(t, repo.MarkJobStarted(ctx, j.ID, time.Now().UTC()))
	got, err := repo.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RunCount)
	assert.True(t, got.IsActive)
	assert.NotNil(t, got.NextRun)

	require.NoError(t, repo.MarkJobStarted(ctx, j.ID, time.Now().UTC()))
	got, err = repo.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RunCount)
	assert.False(t, got.IsActive)
	assert.Nil(t, got.NextRun)
}

func TestInsertSkippedRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	run, err := repo.InsertSkippedRun(ctx, j.ID, j.Strategy, time.Now().UTC(), []byte(`{"reason":"priority_block"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSkipped, run.Status)

	runs, err := repo.ListRuns(ctx, j.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, domain.StatusSkipped, runs[0].Status)
	require.NotNil(t, runs[0].FinishedAt)
	assert.JSONEq(t, `{"reason":"priority_block"}`, string(runs[0].ResultPayload))
}

func TestPruneRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	j := createTestJob(t, repo, domain.Job{IsActive: true})

	old := time.Now().UTC().Add(-48 * time.Hour)
	run, err := repo.StartRun(ctx, j.ID, j.Strategy, old)
	require.NoError(t, err)
	require.NoError(t, repo.FinishRun(ctx, run.ID, old.Add(time.Minute), domain.ExecutionResult{Status: domain.StatusSuccess}, nil))

	// A running record is never pruned.
	fresh := createTestJob(t, repo, domain.Job{Name: "other"})
	_, err = repo.StartRun(ctx, fresh.ID, fresh.Strategy, old)
	require.NoError(t, err)

	n, err := repo.PruneRuns(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLockLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 12, 10, 0, 0, 0, time.UTC)

	ok, err := repo.AcquireLock(ctx, "batch", t0, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	holder, held, err := repo.LockHolder(ctx, t0.Add(5*time.Minute))
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "batch", holder)

	// Another class cannot take an unexpired lock.
	ok, err = repo.AcquireLock(ctx, "prompt", t0.Add(5*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A second same-class acquire is refused while the first holder is live.
	ok, err = repo.AcquireLock(ctx, "batch", t0.Add(5*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired lock is invisible and collectable.
	_, held, err = repo.LockHolder(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, held)

	released, err := repo.ReleaseExpiredLock(ctx, t0.Add(30*time.Minute))
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = repo.AcquireLock(ctx, "prompt", t0.Add(31*time.Minute), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReleaseLockChecksHolder(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ok, err := repo.AcquireLock(ctx, "batch", now, 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.ReleaseLock(ctx, "prompt"))
	_, held, err := repo.LockHolder(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, repo.ReleaseLock(ctx, "batch"))
	_, held, err = repo.LockHolder(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, held)
}

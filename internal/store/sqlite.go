package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"autopress/internal/domain"
)

var (
	// ErrNotFound is returned when a job or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNoActiveRun is returned by ActiveRun when no run is in 'running' state.
	ErrNoActiveRun = errors.New("no active run")
	// ErrAlreadyRunning is returned by StartRun when a run is already in flight.
	ErrAlreadyRunning = errors.New("run already in progress")
	// ErrRunFinished is returned by FinishRun when the run is already terminal.
	// Finishing a terminal run is a caller bug, not a condition to swallow.
	ErrRunFinished = errors.New("run already finished")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  schedule_kind TEXT NOT NULL CHECK(schedule_kind IN ('daily','weekly','interval','cron')),
  scheduled_time TEXT NOT NULL DEFAULT '',
  weekday INTEGER NOT NULL DEFAULT 0,
  interval_minutes INTEGER NOT NULL DEFAULT 0,
  cron_expr TEXT NOT NULL DEFAULT '',
  strategy TEXT NOT NULL CHECK(strategy IN ('prompt','system','manual','batch')),
  is_active INTEGER NOT NULL DEFAULT 1,
  run_count INTEGER NOT NULL DEFAULT 0,
  max_runs INTEGER NOT NULL DEFAULT 0,
  last_run DATETIME,
  next_run DATETIME,
  payload BLOB NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_jobs_due ON jobs(is_active, next_run);
CREATE TABLE IF NOT EXISTS job_runs (
  id TEXT PRIMARY KEY,
  job_id TEXT NOT NULL,
  strategy TEXT NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('running','success','failed','partial','skipped')),
  started_at DATETIME NOT NULL,
  finished_at DATETIME,
  created_count INTEGER NOT NULL DEFAULT 0,
  errors TEXT NOT NULL DEFAULT '[]',
  publish_errors TEXT NOT NULL DEFAULT '[]',
  context_snapshot BLOB,
  result_payload BLOB,
  FOREIGN KEY(job_id) REFERENCES jobs(id)
);
CREATE INDEX IF NOT EXISTS idx_job_runs_job ON job_runs(job_id, started_at DESC);
CREATE INDEX IF NOT EXISTS idx_job_runs_running ON job_runs(job_id) WHERE status='running';
CREATE TABLE IF NOT EXISTS priority_lock (
  id INTEGER PRIMARY KEY CHECK(id = 1),
  holder_class TEXT NOT NULL,
  acquired_at DATETIME NOT NULL,
  ttl_seconds INTEGER NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	// Job operations
	CreateJob(ctx context.Context, j domain.Job) (string, error)
	GetJob(ctx context.Context, id string) (domain.Job, error)
	ListJobs(ctx context.Context) ([]domain.Job, error)
	UpdateJob(ctx context.Context, j domain.Job) error
	DeleteJob(ctx context.Context, id string) error
	SetJobActive(ctx context.Context, id string, active bool, nextRun *time.Time) error
	DueJobs(ctx context.Context, now time.Time) ([]domain.Job, error)
	SetNextRun(ctx context.Context, id string, nextRun *time.Time) error
	// MarkJobStarted bumps run_count, records last_run and self-deactivates the
	// job once max_runs is reached, all in one statement.
	MarkJobStarted(ctx context.Context, id string, startedAt time.Time) error

	// Run operations
	StartRun(ctx context.Context, jobID string, strategy domain.StrategyKind, startedAt time.Time) (domain.JobRun, error)
	FinishRun(ctx context.Context, runID string, finishedAt time.Time, res domain.ExecutionResult, contextSnapshot json.RawMessage) error
	CloseStaleRun(ctx context.Context, runID string, closedAt time.Time, errs []string) (bool, error)
	InsertSkippedRun(ctx context.Context, jobID string, strategy domain.StrategyKind, at time.Time, resultPayload json.RawMessage) (domain.JobRun, error)
	ActiveRun(ctx context.Context, jobID string) (domain.JobRun, error)
	ListRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error)
	PruneRuns(ctx context.Context, olderThan time.Time) (int, error)

	// Priority lock operations (see internal/lock)
	AcquireLock(ctx context.Context, holderClass string, now time.Time, ttl time.Duration) (bool, error)
	LockHolder(ctx context.Context, now time.Time) (string, bool, error)
	ReleaseExpiredLock(ctx context.Context, now time.Time) (bool, error)
	ReleaseLock(ctx context.Context, holderClass string) error
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLite(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const jobCols = `id,name,schedule_kind,scheduled_time,weekday,interval_minutes,cron_expr,strategy,is_active,run_count,max_runs,last_run,next_run,payload,created_at,updated_at`

func (r *sqliteRepo) CreateJob(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = "job_" + uuid.NewString()
	}
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO jobs (`+jobCols+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
`, id, j.Name, j.Schedule, j.ScheduledTime, j.Weekday, j.IntervalMinutes, j.CronExpr,
		j.Strategy, j.IsActive, j.RunCount, j.MaxRuns, j.LastRun, j.NextRun, []byte(payload))
	return id, err
}

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var (
		j        domain.Job
		active   int
		lastRun  sql.NullTime
		nextRun  sql.NullTime
		payload  []byte
	)
	err := row.Scan(&j.ID, &j.Name, &j.Schedule, &j.ScheduledTime, &j.Weekday, &j.IntervalMinutes,
		&j.CronExpr, &j.Strategy, &active, &j.RunCount, &j.MaxRuns, &lastRun, &nextRun, &payload,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return domain.Job{}, err
	}
	j.IsActive = active != 0
	if lastRun.Valid {
		t := lastRun.Time
		j.LastRun = &t
	}
	if nextRun.Valid {
		t := nextRun.Time
		j.NextRun = &t
	}
	j.Payload = json.RawMessage(payload)
	return j, nil
}

func (r *sqliteRepo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return domain.Job{}, ErrNotFound
	}
	return j, err
}

func (r *sqliteRepo) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+jobCols+` FROM jobs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) UpdateJob(ctx context.Context, j domain.Job) error {
	payload := j.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET name=?,schedule_kind=?,scheduled_time=?,weekday=?,interval_minutes=?,cron_expr=?,
  strategy=?,is_active=?,max_runs=?,next_run=?,payload=?,updated_at=CURRENT_TIMESTAMP
WHERE id=?`, j.Name, j.Schedule, j.ScheduledTime, j.Weekday, j.IntervalMinutes, j.CronExpr,
		j.Strategy, j.IsActive, j.MaxRuns, j.NextRun, []byte(payload), j.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DeleteJob(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	return err
}

func (r *sqliteRepo) SetJobActive(ctx context.Context, id string, active bool, nextRun *time.Time) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE jobs SET is_active=?, next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, active, nextRun, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *sqliteRepo) DueJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE is_active=1 AND next_run IS NOT NULL AND next_run <= ?
ORDER BY next_run`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *sqliteRepo) SetNextRun(ctx context.Context, id string, nextRun *time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs SET next_run=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, nextRun, id)
	return err
}

func (r *sqliteRepo) MarkJobStarted(ctx context.Context, id string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE jobs
SET run_count = run_count + 1,
    last_run = ?,
    is_active = CASE WHEN max_runs > 0 AND run_count + 1 >= max_runs THEN 0 ELSE is_active END,
    next_run = CASE WHEN max_runs > 0 AND run_count + 1 >= max_runs THEN NULL ELSE next_run END,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, startedAt, id)
	return err
}

const runCols = `id,job_id,strategy,status,started_at,finished_at,created_count,errors,publish_errors,context_snapshot,result_payload`

// StartRun inserts a new 'running' run after verifying none exists, inside one
// serializable transaction so two near-simultaneous starts resolve to one winner.
func (r *sqliteRepo) StartRun(ctx context.Context, jobID string, strategy domain.StrategyKind, startedAt time.Time) (domain.JobRun, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.JobRun{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing string
	err = tx.QueryRowContext(ctx, `
SELECT id FROM job_runs WHERE job_id=? AND status='running' LIMIT 1`, jobID).Scan(&existing)
	if err == nil {
		_ = tx.Rollback()
		return domain.JobRun{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, existing)
	}
	if err != sql.ErrNoRows {
		return domain.JobRun{}, err
	}

	run := domain.JobRun{
		ID:        "run_" + uuid.NewString(),
		JobID:     jobID,
		Strategy:  strategy,
		Status:    domain.StatusRunning,
		StartedAt: startedAt,
	}
	_, err = tx.ExecContext(ctx, `
INSERT INTO job_runs (id,job_id,strategy,status,started_at,errors) VALUES (?,?,?,'running',?,'[]')`,
		run.ID, run.JobID, run.Strategy, run.StartedAt)
	if err != nil {
		return domain.JobRun{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.JobRun{}, err
	}
	return run, nil
}

func (r *sqliteRepo) FinishRun(ctx context.Context, runID string, finishedAt time.Time, res domain.ExecutionResult, contextSnapshot json.RawMessage) error {
	errsJSON, err := json.Marshal(nonNil(res.Errors))
	if err != nil {
		return err
	}
	pubJSON, err := json.Marshal(nonNil(res.PublishErrors))
	if err != nil {
		return err
	}
	q, err := r.db.ExecContext(ctx, `
UPDATE job_runs SET status=?, finished_at=?, created_count=?, errors=?, publish_errors=?, context_snapshot=?, result_payload=?
WHERE id=? AND status='running'`,
		res.Status, finishedAt, res.CreatedCount, string(errsJSON), string(pubJSON), []byte(contextSnapshot), []byte(res.Result), runID)
	if err != nil {
		return err
	}
	if n, _ := q.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunFinished, runID)
	}
	return nil
}

// CloseStaleRun force-fails a run only if it is still 'running'. Returns false
// when another worker already finished or closed it.
func (r *sqliteRepo) CloseStaleRun(ctx context.Context, runID string, closedAt time.Time, errs []string) (bool, error) {
	errsJSON, err := json.Marshal(nonNil(errs))
	if err != nil {
		return false, err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE job_runs SET status='failed', finished_at=?, errors=?
WHERE id=? AND status='running'`, closedAt, string(errsJSON), runID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *sqliteRepo) InsertSkippedRun(ctx context.Context, jobID string, strategy domain.StrategyKind, at time.Time, resultPayload json.RawMessage) (domain.JobRun, error) {
	run := domain.JobRun{
		ID:            "run_" + uuid.NewString(),
		JobID:         jobID,
		Strategy:      strategy,
		Status:        domain.StatusSkipped,
		StartedAt:     at,
		FinishedAt:    &at,
		ResultPayload: resultPayload,
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO job_runs (id,job_id,strategy,status,started_at,finished_at,errors,result_payload)
VALUES (?,?,?,'skipped',?,?,'[]',?)`,
		run.ID, run.JobID, run.Strategy, run.StartedAt, at, []byte(resultPayload))
	if err != nil {
		return domain.JobRun{}, err
	}
	return run, nil
}

func scanRun(row interface{ Scan(...any) error }) (domain.JobRun, error) {
	var (
		run      domain.JobRun
		finished sql.NullTime
		errsJSON string
		pubJSON  string
		snapshot []byte
		result   []byte
	)
	err := row.Scan(&run.ID, &run.JobID, &run.Strategy, &run.Status, &run.StartedAt, &finished,
		&run.CreatedCount, &errsJSON, &pubJSON, &snapshot, &result)
	if err != nil {
		return domain.JobRun{}, err
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if errsJSON != "" {
		if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
			return domain.JobRun{}, fmt.Errorf("decode errors for run %s: %w", run.ID, err)
		}
	}
	if pubJSON != "" {
		if err := json.Unmarshal([]byte(pubJSON), &run.PublishErrors); err != nil {
			return domain.JobRun{}, fmt.Errorf("decode publish errors for run %s: %w", run.ID, err)
		}
	}
	run.ContextSnapshot = json.RawMessage(snapshot)
	run.ResultPayload = json.RawMessage(result)
	return run, nil
}

func (r *sqliteRepo) ActiveRun(ctx context.Context, jobID string) (domain.JobRun, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT `+runCols+` FROM job_runs
WHERE job_id=? AND status='running'
ORDER BY started_at DESC LIMIT 1`, jobID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return domain.JobRun{}, ErrNoActiveRun
	}
	return run, err
}

func (r *sqliteRepo) ListRuns(ctx context.Context, jobID string, limit int) ([]domain.JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+runCols+` FROM job_runs WHERE job_id=? ORDER BY started_at DESC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *sqliteRepo) PruneRuns(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM job_runs WHERE status != 'running' AND started_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// AcquireLock takes the global priority lock for holderClass. Any unexpired
// lock refuses the acquire, same class included: there is exactly one holder
// at a time, so a later contender's release can never drop the lock out from
// under the holder. Check-then-act runs inside one serializable transaction.
func (r *sqliteRepo) AcquireLock(ctx context.Context, holderClass string, now time.Time, ttl time.Duration) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		acquiredAt time.Time
		ttlSeconds int
	)
	err = tx.QueryRowContext(ctx, `
SELECT acquired_at, ttl_seconds FROM priority_lock WHERE id=1`).Scan(&acquiredAt, &ttlSeconds)
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}
	if err == nil && now.Before(acquiredAt.Add(time.Duration(ttlSeconds)*time.Second)) {
		_ = tx.Rollback()
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO priority_lock (id, holder_class, acquired_at, ttl_seconds)
VALUES (1, ?, ?, ?)`, holderClass, now, int(ttl.Seconds()))
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// LockHolder returns the current holder class and whether the lock is live at now.
func (r *sqliteRepo) LockHolder(ctx context.Context, now time.Time) (string, bool, error) {
	var (
		holder     string
		acquiredAt time.Time
		ttlSeconds int
	)
	err := r.db.QueryRowContext(ctx, `
SELECT holder_class, acquired_at, ttl_seconds FROM priority_lock WHERE id=1`).Scan(&holder, &acquiredAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !now.Before(acquiredAt.Add(time.Duration(ttlSeconds) * time.Second)) {
		return "", false, nil
	}
	return holder, true, nil
}

func (r *sqliteRepo) ReleaseExpiredLock(ctx context.Context, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		acquiredAt time.Time
		ttlSeconds int
	)
	err = tx.QueryRowContext(ctx, `
SELECT acquired_at, ttl_seconds FROM priority_lock WHERE id=1`).Scan(&acquiredAt, &ttlSeconds)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if now.Before(acquiredAt.Add(time.Duration(ttlSeconds) * time.Second)) {
		_ = tx.Rollback()
		return false, nil
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM priority_lock WHERE id=1`); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (r *sqliteRepo) ReleaseLock(ctx context.Context, holderClass string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM priority_lock WHERE id=1 AND holder_class=?`, holderClass)
	return err
}

func nonNil(errs []string) []string {
	if errs == nil {
		return []string{}
	}
	return errs
}

// Package trigger polls for due jobs and hands each one to the execution
// guard on a bounded worker pool. It is the only component allowed to see
// persistence errors; it backs off and retries rather than proceeding blind.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"autopress/internal/domain"
	"autopress/internal/guard"
	"autopress/internal/notify"
	"autopress/internal/store"
)

const (
	DefaultInterval = 30 * time.Second
	maxBackoff      = 5 * time.Minute
)

type Service struct {
	repo     store.Repository
	guard    *guard.Guard
	notifier notify.Notifier
	log      zerolog.Logger

	interval time.Duration
	sem      chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Poll failures push the next attempt out; any success resets.
	failures   int
	retryAfter time.Time
}

func New(repo store.Repository, g *guard.Guard, notifier notify.Notifier, interval time.Duration, workers int, log zerolog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if workers <= 0 {
		workers = 4
	}
	return &Service{
		repo:     repo,
		guard:    g,
		notifier: notifier,
		log:      log,
		interval: interval,
		sem:      make(chan struct{}, workers),
		stop:     make(chan struct{}),
	}
}

func (s *Service) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.log.Info().Dur("interval", s.interval).Int("workers", cap(s.sem)).Msg("trigger loop started")

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case <-s.stop:
			s.wg.Wait()
			return
		case now := <-t.C:
			if now.Before(s.retryAfter) {
				continue
			}
			s.tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) tick(ctx context.Context, now time.Time) {
	jobs, err := s.repo.DueJobs(ctx, now)
	if err != nil {
		// Without a readable ledger the concurrency guarantees cannot hold.
		s.failures++
		delay := backoffExp(s.failures)
		s.retryAfter = now.Add(delay)
		s.log.Error().Err(err).Int("failures", s.failures).Dur("retry_in", delay).
			Msg("failed to query due jobs, backing off")
		if s.failures == 3 {
			s.notifier.Notify(ctx, fmt.Sprintf("scheduler cannot read job store: %v", err), notify.SeverityError)
		}
		return
	}
	s.failures = 0

	for _, job := range jobs {
		s.Dispatch(ctx, job)
	}
}

// Dispatch runs one job through the guard on a pooled goroutine, waiting for
// a worker slot when the pool is saturated.
func (s *Service) Dispatch(ctx context.Context, job domain.Job) {
	s.sem <- struct{}{}
	s.launch(ctx, job)
}

// TryDispatch is Dispatch without the wait: it reports false when every
// worker is busy. The run-now API uses it so the handler can answer busy
// instead of hanging on a long batch.
func (s *Service) TryDispatch(ctx context.Context, job domain.Job) bool {
	select {
	case s.sem <- struct{}{}:
	default:
		return false
	}
	s.launch(ctx, job)
	return true
}

// launch assumes a semaphore slot is already held and releases it when the
// run completes.
func (s *Service) launch(ctx context.Context, job domain.Job) {
	s.wg.Add(1)
	go func(j domain.Job) {
		defer func() {
			<-s.sem
			s.wg.Done()
		}()
		run, err := s.guard.Execute(ctx, j)
		if err != nil {
			// Persistence faults and escaped panics land here; content
			// failures are already inside the run record.
			s.log.Error().Err(err).Str("job_id", j.ID).Msg("guarded execution fault")
			s.notifier.Notify(ctx, fmt.Sprintf("job %s (%s) fault: %v", j.Name, j.ID, err), notify.SeverityError)
			return
		}
		if run.Status == domain.StatusFailed || run.Status == domain.StatusPartial {
			s.notifier.Notify(ctx, fmt.Sprintf("job %s (%s) finished %s with %d errors",
				j.Name, j.ID, run.Status, len(run.Errors)), notify.SeverityWarning)
			return
		}
		if len(run.PublishErrors) > 0 {
			s.notifier.Notify(ctx, fmt.Sprintf("job %s (%s) generated successfully but %d deliveries failed",
				j.Name, j.ID, len(run.PublishErrors)), notify.SeverityWarning)
		}
	}(job)
}

func backoffExp(failures int) time.Duration {
	if failures <= 0 {
		return time.Second
	}
	d := time.Duration(1<<uint(failures-1)) * time.Second // 1,2,4,8...
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

package systask

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autopress/internal/notify"
	"autopress/internal/provider"
	"autopress/internal/schedule"
	"autopress/internal/store"
)

// PruneRuns deletes terminal run records older than a retention window.
// Payload: {"task":"prune_runs","older_than_days":30}
func PruneRuns(repo store.Repository) Func {
	return func(ctx context.Context, opts json.RawMessage) (string, error) {
		var p struct {
			OlderThanDays int `json:"older_than_days"`
		}
		if len(opts) > 0 {
			if err := json.Unmarshal(opts, &p); err != nil {
				return "", fmt.Errorf("invalid options: %w", err)
			}
		}
		if p.OlderThanDays <= 0 {
			p.OlderThanDays = 30
		}
		cutoff := time.Now().AddDate(0, 0, -p.OlderThanDays)
		n, err := repo.PruneRuns(ctx, cutoff)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pruned %d runs older than %d days", n, p.OlderThanDays), nil
	}
}

// UsageReport fetches provider usage stats and pushes them to the
// notification channel.
func UsageReport(gen provider.Generator, notifier notify.Notifier) Func {
	return func(ctx context.Context, _ json.RawMessage) (string, error) {
		stats, err := gen.UsageStats(ctx)
		if err != nil {
			return "", fmt.Errorf("usage stats: %w", err)
		}
		notifier.Notify(ctx, "provider usage: "+string(stats), notify.SeverityInfo)
		return "usage report sent", nil
	}
}

// RequeueOverdue recomputes next_run for active jobs whose scheduled fire
// time drifted far into the past (e.g. after prolonged downtime), so they
// fire once on the next tick instead of replaying the backlog.
func RequeueOverdue(repo store.Repository) Func {
	return func(ctx context.Context, opts json.RawMessage) (string, error) {
		var p struct {
			OverdueMinutes int `json:"overdue_minutes"`
		}
		if len(opts) > 0 {
			if err := json.Unmarshal(opts, &p); err != nil {
				return "", fmt.Errorf("invalid options: %w", err)
			}
		}
		if p.OverdueMinutes <= 0 {
			p.OverdueMinutes = 24 * 60
		}

		now := time.Now()
		cutoff := now.Add(-time.Duration(p.OverdueMinutes) * time.Minute)
		jobs, err := repo.ListJobs(ctx)
		if err != nil {
			return "", err
		}
		requeued := 0
		for _, j := range jobs {
			if !j.IsActive || j.NextRun == nil || !j.NextRun.Before(cutoff) {
				continue
			}
			if err := repo.SetNextRun(ctx, j.ID, schedule.NextRun(j, now)); err != nil {
				return "", fmt.Errorf("requeue %s: %w", j.ID, err)
			}
			requeued++
		}
		return fmt.Sprintf("requeued %d overdue jobs", requeued), nil
	}
}

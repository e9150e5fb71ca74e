// Package strategy maps a job's declared strategy to its execution routine:
// single prompt generation, a named system task, a manual no-op, or a
// multi-item batch run.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"autopress/internal/domain"
	"autopress/internal/provider"
	"autopress/internal/publish"
	"autopress/internal/systask"
)

type Dispatcher struct {
	gen       provider.Generator
	publisher publish.Target
	tasks     *systask.Registry
	log       zerolog.Logger

	// sleep is injectable so tests can run the retry matrix without
	// wall-clock delay. Batch sleeps are intentionally blocking: items run
	// strictly sequentially to respect provider rate windows.
	sleep func(time.Duration)
}

func NewDispatcher(gen provider.Generator, publisher publish.Target, tasks *systask.Registry, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		gen:       gen,
		publisher: publisher,
		tasks:     tasks,
		log:       log,
		sleep:     time.Sleep,
	}
}

// Execute routes the job to its strategy. A misconfigured strategy is a
// failed result, never a crash.
func (d *Dispatcher) Execute(ctx context.Context, job domain.Job) domain.ExecutionResult {
	switch job.Strategy {
	case domain.StrategyPrompt:
		return d.runPrompt(ctx, job)
	case domain.StrategySystem:
		return d.runSystem(ctx, job)
	case domain.StrategyManual:
		// Exists only to be triggered by a human action recorded elsewhere.
		return domain.ExecutionResult{Status: domain.StatusSuccess}
	case domain.StrategyBatch:
		return d.runBatch(ctx, job)
	default:
		return domain.FailedResult(fmt.Sprintf("unknown strategy %q", job.Strategy))
	}
}

type promptOptions struct {
	Prompt  string          `json:"prompt"`
	Title   string          `json:"title"`
	Options json.RawMessage `json:"options"`
}

func (d *Dispatcher) runPrompt(ctx context.Context, job domain.Job) domain.ExecutionResult {
	var opts promptOptions
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return domain.FailedResult("invalid payload: " + err.Error())
		}
	}
	if opts.Prompt == "" {
		return domain.FailedResult("missing prompt")
	}

	res, err := d.gen.Generate(ctx, opts.Prompt, opts.Options)
	if err != nil {
		return domain.FailedResult("generate: " + err.Error())
	}
	if !res.Success {
		return domain.FailedResult("generate: " + res.Error)
	}

	out := domain.ExecutionResult{
		Status:       domain.StatusSuccess,
		CreatedCount: 1,
		Result:       res.Payload,
	}
	if err := d.publishItem(ctx, opts.Title, res.Payload); err != nil {
		// Recorded, but generation already succeeded.
		out.PublishErrors = append(out.PublishErrors, err.Error())
	}
	return out
}

type systemOptions struct {
	Task string `json:"task"`
}

func (d *Dispatcher) runSystem(ctx context.Context, job domain.Job) domain.ExecutionResult {
	var opts systemOptions
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return domain.FailedResult("invalid payload: " + err.Error())
		}
	}

	summary, err := d.tasks.Run(ctx, opts.Task, job.Payload)
	if errors.Is(err, systask.ErrUnknownTask) {
		return domain.FailedResult("unknown task")
	}
	if err != nil {
		return domain.FailedResult(opts.Task + ": " + err.Error())
	}
	raw, _ := json.Marshal(map[string]string{"task": opts.Task, "summary": summary})
	return domain.ExecutionResult{Status: domain.StatusSuccess, Result: raw}
}

func (d *Dispatcher) publishItem(ctx context.Context, title string, content json.RawMessage) error {
	res, err := d.publisher.Publish(ctx, publish.Item{Title: title, Content: content})
	if err != nil {
		return err
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	d.log.Info().Str("published_id", res.ID).Str("url", res.URL).Msg("item published")
	return nil
}

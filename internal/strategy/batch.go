package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"autopress/internal/domain"
)

// Batch option defaults. The per-item delay and retry pacing trade wall-clock
// speed for a predictable request rate against the generation provider.
const (
	defaultItemDelaySeconds  = 5
	defaultRetryCount        = 2
	defaultRetryDelaySeconds = 10
)

type batchOptions struct {
	Items             []string        `json:"items"`
	SkipItems         []string        `json:"skip_items"`
	PromptTemplate    string          `json:"prompt_template"`
	ItemDelaySeconds  *int            `json:"item_delay_seconds"`
	RetryCount        *int            `json:"retry_count"`
	RetryDelaySeconds *int            `json:"retry_delay_seconds"`
	Options           json.RawMessage `json:"options"`
}

func (o *batchOptions) itemDelay() time.Duration {
	return secondsOr(o.ItemDelaySeconds, defaultItemDelaySeconds)
}

func (o *batchOptions) retries() int {
	if o.RetryCount == nil || *o.RetryCount < 0 {
		return defaultRetryCount
	}
	return *o.RetryCount
}

func (o *batchOptions) retryDelay() time.Duration {
	return secondsOr(o.RetryDelaySeconds, defaultRetryDelaySeconds)
}

func secondsOr(v *int, def int) time.Duration {
	if v == nil || *v < 0 {
		return time.Duration(def) * time.Second
	}
	return time.Duration(*v) * time.Second
}

// runBatch generates every enumerated item in order, retrying each item
// independently. One item exhausting its retries never aborts the batch;
// the aggregate status reports exactly which items failed.
func (d *Dispatcher) runBatch(ctx context.Context, job domain.Job) domain.ExecutionResult {
	var opts batchOptions
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &opts); err != nil {
			return domain.FailedResult("invalid payload: " + err.Error())
		}
	}
	if opts.PromptTemplate == "" {
		return domain.FailedResult("missing prompt_template")
	}

	items := worklist(opts.Items, opts.SkipItems)
	if len(items) == 0 {
		return domain.FailedResult("no items to generate")
	}

	var (
		created []string
		errs    []string
		pubErrs []string
	)
	for i, item := range items {
		payload, err := d.generateItem(ctx, item, opts)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %s", item, err))
		} else {
			created = append(created, item)
			if pubErr := d.publishItem(ctx, item, payload); pubErr != nil {
				// Delivery failure does not retract the generation success.
				pubErrs = append(pubErrs, fmt.Sprintf("%s: %s", item, pubErr))
			}
		}

		if i < len(items)-1 {
			d.sleep(opts.itemDelay())
		}
	}

	status := domain.StatusFailed
	switch {
	case len(created) > 0 && len(errs) == 0:
		status = domain.StatusSuccess
	case len(created) > 0:
		status = domain.StatusPartial
	}

	raw, _ := json.Marshal(map[string]any{"created_items": created})
	return domain.ExecutionResult{
		Status:        status,
		CreatedCount:  len(created),
		Errors:        errs,
		PublishErrors: pubErrs,
		Result:        raw,
	}
}

// generateItem attempts one item with per-item retry and backoff sleeps.
func (d *Dispatcher) generateItem(ctx context.Context, item string, opts batchOptions) (json.RawMessage, error) {
	prompt := strings.ReplaceAll(opts.PromptTemplate, "{item}", item)

	var lastErr error
	attempts := opts.retries() + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d.sleep(opts.retryDelay())
			d.log.Info().Str("item", item).Int("attempt", attempt+1).Msg("retrying item")
		}
		res, err := d.gen.Generate(ctx, prompt, opts.Options)
		if err != nil {
			lastErr = err
			continue
		}
		if !res.Success {
			lastErr = fmt.Errorf("%s", res.Error)
			continue
		}
		return res.Payload, nil
	}
	return nil, lastErr
}

func worklist(items, skip []string) []string {
	if len(skip) == 0 {
		return items
	}
	skipSet := make(map[string]struct{}, len(skip))
	for _, s := range skip {
		skipSet[s] = struct{}{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if _, skipped := skipSet[item]; !skipped {
			out = append(out, item)
		}
	}
	return out
}

// Package systask holds the named maintenance routines invokable by jobs
// with the system strategy.
package systask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrUnknownTask = errors.New("unknown task")

// Func is one maintenance routine. It returns a short human-readable summary
// for the run's result payload.
type Func func(ctx context.Context, opts json.RawMessage) (string, error)

type Registry struct {
	tasks map[string]Func
	log   zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{tasks: map[string]Func{}, log: log}
}

func (r *Registry) Register(name string, fn Func) {
	r.tasks[name] = fn
}

// Names lists the registered task keys.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	return names
}

func (r *Registry) Run(ctx context.Context, name string, opts json.RawMessage) (string, error) {
	fn, ok := r.tasks[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	r.log.Info().Str("task", name).Msg("system task started")
	summary, err := fn(ctx, opts)
	if err != nil {
		return "", err
	}
	r.log.Info().Str("task", name).Str("summary", summary).Msg("system task finished")
	return summary, nil
}

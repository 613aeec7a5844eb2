package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jacklau/reviewbot/internal/retry"
)

// ErrDuplicateStep is returned when a step name is used twice in one execution.
var ErrDuplicateStep = errors.New("duplicate step name")

// Run is the handle a Function's handler receives. It carries the event
// payload and the memoized outputs of steps completed by earlier executions.
type Run struct {
	ID         string
	FunctionID string
	Event      string
	Payload    json.RawMessage
	// Resumed is true when some steps were already journaled before this execution.
	Resumed bool

	logger  *slog.Logger
	journal Journal
	policy  retry.Policy

	mu   sync.Mutex
	memo map[string]json.RawMessage
	seen map[string]bool
}

// Logger returns a logger annotated with the run and function IDs.
func (r *Run) Logger() *slog.Logger {
	return r.logger
}

// StepOption customizes a single step.
type StepOption func(*stepConfig)

type stepConfig struct {
	policy retry.Policy
}

// WithRetry overrides the function's retry policy for one step.
func WithRetry(p retry.Policy) StepOption {
	return func(c *stepConfig) { c.policy = p }
}

// claim marks name as used in this execution and returns its memoized output.
func (r *Run) claim(name string) (json.RawMessage, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen[name] {
		return nil, false, fmt.Errorf("%w: %q", ErrDuplicateStep, name)
	}
	r.seen[name] = true
	raw, ok := r.memo[name]
	return raw, ok, nil
}

func (r *Run) remember(name string, raw json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memo[name] = raw
}

// Step runs fn at most once per run: when a previous execution of the same
// run already completed a step with this name, its journaled output is
// returned instead. fn is retried under the function's policy unless it
// returns a retry.Permanent error. The output must round-trip through JSON.
func Step[T any](ctx context.Context, run *Run, name string, fn func(ctx context.Context) (T, error), opts ...StepOption) (T, error) {
	var zero T

	raw, memoized, err := run.claim(name)
	if err != nil {
		return zero, err
	}
	if memoized {
		var out T
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, fmt.Errorf("decoding memoized step %s: %w", name, err)
		}
		stepsTotal.WithLabelValues(run.FunctionID, stepMemoized).Inc()
		run.logger.Debug("step memoized", "step", name)
		return out, nil
	}

	cfg := stepConfig{policy: run.policy}
	for _, opt := range opts {
		opt(&cfg)
	}

	start := time.Now()
	var out T
	err = cfg.policy.DoNotify(ctx, func() error {
		var ferr error
		out, ferr = fn(ctx)
		return ferr
	}, func(attempt int, err error, delay time.Duration) {
		stepRetries.WithLabelValues(run.FunctionID).Inc()
		run.logger.Warn("step attempt failed, retrying",
			"step", name, "attempt", attempt, "delay", delay, "error", err)
	})
	if err != nil {
		stepsTotal.WithLabelValues(run.FunctionID, stepFailed).Inc()
		return zero, fmt.Errorf("step %s: %w", name, err)
	}

	encoded, err := json.Marshal(out)
	if err != nil {
		stepsTotal.WithLabelValues(run.FunctionID, stepFailed).Inc()
		return zero, retry.Permanent(fmt.Errorf("encoding output of step %s: %w", name, err))
	}
	run.remember(name, encoded)
	if err := run.journal.SaveStep(context.WithoutCancel(ctx), run.ID, name, encoded); err != nil {
		run.logger.Warn("failed to journal step output", "step", name, "error", err)
	}

	stepsTotal.WithLabelValues(run.FunctionID, stepCompleted).Inc()
	run.logger.Debug("step completed", "step", name, "duration", time.Since(start))
	return out, nil
}

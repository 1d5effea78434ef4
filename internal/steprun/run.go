package steprun

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const defaultBackoff = 500 * time.Millisecond

// StepOptions controls retry behavior for a single step.
type StepOptions struct {
	// MaxAttempts bounds executions within one claim. Zero means one attempt.
	MaxAttempts int
	// Backoff is the initial delay between attempts, doubled each retry.
	Backoff time.Duration
	// Catch checkpoints an exhausted or permanent failure as the step's final
	// outcome and surfaces it as a *StepError, letting the workflow continue
	// past it. Without Catch the error propagates uncheckpointed, so the whole
	// run is retried later.
	Catch bool
}

// Run is the execution context handed to workflow functions.
type Run struct {
	ID      string
	Kind    string
	OwnerID string
	Payload []byte
	Attempt int

	store  Store
	logger zerolog.Logger
}

// Step executes fn under the checkpoint discipline: a previously recorded
// outcome for name is returned without re-executing fn; otherwise fn runs with
// up to MaxAttempts attempts, and on success the output is checkpointed.
func (r *Run) Step(ctx context.Context, name string, opts StepOptions, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	prior, err := r.store.LoadStep(ctx, r.ID, name)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if prior.Failed {
			return nil, &StepError{Step: name, Message: prior.ErrorMessage}
		}
		return prior.Output, nil
	}

	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}

	var out []byte
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, lastErr = fn(ctx)
		if lastErr == nil || IsPermanent(lastErr) {
			break
		}
		if attempt == attempts {
			break
		}
		r.logger.Warn().Err(lastErr).
			Str("run_id", r.ID).
			Str("step", name).
			Int("attempt", attempt).
			Msg("steprun: step attempt failed, retrying")
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
		backoff *= 2
	}

	if lastErr != nil {
		if !opts.Catch {
			return nil, lastErr
		}
		outcome := StepOutcome{Name: name, Failed: true, ErrorMessage: lastErr.Error()}
		if err := r.store.SaveStep(ctx, r.ID, outcome); err != nil {
			return nil, err
		}
		return nil, &StepError{Step: name, Message: lastErr.Error()}
	}

	if err := r.store.SaveStep(ctx, r.ID, StepOutcome{Name: name, Output: out}); err != nil {
		return nil, err
	}
	return out, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package steprun

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkflowFunc is a workflow body. It is re-executed from the top on every
// claim of its run; Step checkpoints make that cheap and safe.
type WorkflowFunc func(ctx context.Context, run *Run) error

// DeadHandler is invoked once when a run exhausts its run-level attempts.
type DeadHandler func(ctx context.Context, run ClaimedRun, cause string)

// Options tunes the runtime worker loop.
type Options struct {
	PollInterval   time.Duration
	Lease          time.Duration
	MaxRunAttempts int
}

// Runtime claims runs from a Store and drives registered workflows.
type Runtime struct {
	store  Store
	logger zerolog.Logger
	opts   Options

	mu        sync.RWMutex
	workflows map[string]WorkflowFunc
	dead      map[string]DeadHandler
}

// New constructs a Runtime over the given store.
func New(store Store, logger zerolog.Logger, opts Options) *Runtime {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Lease <= 0 {
		opts.Lease = 5 * time.Minute
	}
	if opts.MaxRunAttempts <= 0 {
		opts.MaxRunAttempts = 5
	}
	return &Runtime{
		store:     store,
		logger:    logger,
		opts:      opts,
		workflows: make(map[string]WorkflowFunc),
		dead:      make(map[string]DeadHandler),
	}
}

// Register binds a workflow function to a run kind.
func (rt *Runtime) Register(kind string, fn WorkflowFunc) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.workflows[kind] = fn
}

// OnDead binds a handler fired when a run of the kind is marked dead.
func (rt *Runtime) OnDead(kind string, fn DeadHandler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.dead[kind] = fn
}

// RunWorker polls for runs until ctx is canceled.
func (rt *Runtime) RunWorker(ctx context.Context) error {
	rt.logger.Info().Msg("steprun: worker started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := rt.ProcessOne(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			rt.logger.Error().Err(err).Msg("steprun: claim failed")
		}
		if !processed {
			if err := sleepCtx(ctx, rt.opts.PollInterval); err != nil {
				return err
			}
		}
	}
}

// ProcessOne claims and executes at most one run. It reports whether a run
// was claimed.
func (rt *Runtime) ProcessOne(ctx context.Context) (bool, error) {
	claimed, err := rt.store.Claim(ctx, rt.opts.Lease)
	if err != nil {
		if errors.Is(err, ErrNoRun) {
			return false, nil
		}
		return false, err
	}
	rt.execute(ctx, claimed)
	return true, nil
}

func (rt *Runtime) execute(ctx context.Context, claimed *ClaimedRun) {
	logger := rt.logger.With().
		Str("run_id", claimed.ID).
		Str("kind", claimed.Kind).
		Int("attempt", claimed.Attempt).
		Logger()

	rt.mu.RLock()
	fn := rt.workflows[claimed.Kind]
	rt.mu.RUnlock()
	if fn == nil {
		logger.Error().Msg("steprun: no workflow registered for kind")
		rt.kill(ctx, claimed, fmt.Sprintf("no workflow registered for kind %q", claimed.Kind))
		return
	}

	renewCtx, stopRenew := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go rt.renewLoop(renewCtx, &wg, claimed.ID)

	run := &Run{
		ID:      claimed.ID,
		Kind:    claimed.Kind,
		OwnerID: claimed.OwnerID,
		Payload: claimed.Payload,
		Attempt: claimed.Attempt,
		store:   rt.store,
		logger:  logger,
	}
	logger.Info().Msg("steprun: run started")
	err := fn(ctx, run)
	stopRenew()
	wg.Wait()

	switch {
	case err == nil:
		if cerr := rt.store.Complete(ctx, claimed.ID); cerr != nil {
			logger.Error().Err(cerr).Msg("steprun: persist run completion failed")
			return
		}
		logger.Info().Msg("steprun: run completed")
	case errors.Is(err, context.Canceled):
		// Shutdown mid-run: hand the run back immediately so another worker
		// can resume from the checkpoints.
		if rerr := rt.store.Release(context.WithoutCancel(ctx), claimed.ID, 0, err.Error()); rerr != nil {
			logger.Error().Err(rerr).Msg("steprun: release on shutdown failed")
		}
	case IsPermanent(err) || claimed.Attempt >= rt.opts.MaxRunAttempts:
		logger.Error().Err(err).Msg("steprun: run dead")
		rt.kill(ctx, claimed, err.Error())
	default:
		delay := retryDelay(claimed.Attempt)
		logger.Warn().Err(err).Dur("retry_after", delay).Msg("steprun: run failed, requeueing")
		if rerr := rt.store.Release(ctx, claimed.ID, delay, err.Error()); rerr != nil {
			logger.Error().Err(rerr).Msg("steprun: release failed")
		}
	}
}

func (rt *Runtime) kill(ctx context.Context, claimed *ClaimedRun, cause string) {
	if err := rt.store.MarkDead(ctx, claimed.ID, cause); err != nil {
		rt.logger.Error().Err(err).Str("run_id", claimed.ID).Msg("steprun: mark dead failed")
		return
	}
	rt.mu.RLock()
	handler := rt.dead[claimed.Kind]
	rt.mu.RUnlock()
	if handler != nil {
		handler(ctx, *claimed, cause)
	}
}

func (rt *Runtime) renewLoop(ctx context.Context, wg *sync.WaitGroup, runID string) {
	defer wg.Done()
	interval := rt.opts.Lease / 3
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.store.RenewLease(ctx, runID, rt.opts.Lease); err != nil {
				rt.logger.Warn().Err(err).Str("run_id", runID).Msg("steprun: lease renewal failed")
			}
		}
	}
}

func retryDelay(attempt int) time.Duration {
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	if delay > time.Minute {
		delay = time.Minute
	}
	return delay
}

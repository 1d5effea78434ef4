// Package steprun is a small durable step runtime: workflows are registered
// as functions that re-execute from the top every time their run is claimed,
// and individual steps are checkpointed so completed work is skipped on
// resume. Steps are attempted at least once and must therefore be idempotent.
package steprun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RunStatus enumerates workflow run lifecycle states.
type RunStatus string

const (
	RunStatusPending   RunStatus = "PENDING"
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusCompleted RunStatus = "COMPLETED"
	RunStatusFailed    RunStatus = "FAILED"
)

// MaxRunsPerOwner caps how many runs of a single owner may be RUNNING at the
// same time. Additional runs queue behind the cap without failing.
const MaxRunsPerOwner = 2

// RunSpec describes a run to enqueue.
type RunSpec struct {
	ID      string
	Kind    string
	OwnerID string
	Payload []byte
}

// ClaimedRun is a run handed to a worker for execution.
type ClaimedRun struct {
	ID      string
	Kind    string
	OwnerID string
	Payload []byte
	Attempt int
}

// StepOutcome is the checkpointed result of one step execution. The first
// recorded outcome wins; re-executions observe it and skip the work.
type StepOutcome struct {
	Name         string
	Failed       bool
	Output       []byte
	ErrorMessage string
}

// ErrNoRun is returned by Claim when no run is ready.
var ErrNoRun = errors.New("steprun: no run available")

// Store persists runs and step checkpoints.
type Store interface {
	Enqueue(ctx context.Context, spec RunSpec) error
	// Claim leases the oldest runnable run, honoring the per-owner cap and
	// reclaiming runs whose lease expired (crashed workers). Returns ErrNoRun
	// when nothing is ready.
	Claim(ctx context.Context, lease time.Duration) (*ClaimedRun, error)
	RenewLease(ctx context.Context, runID string, lease time.Duration) error
	Complete(ctx context.Context, runID string) error
	// Release requeues a failed run for another attempt after the delay.
	Release(ctx context.Context, runID string, retryAfter time.Duration, lastError string) error
	// MarkDead parks a run as terminally FAILED.
	MarkDead(ctx context.Context, runID, lastError string) error
	LoadStep(ctx context.Context, runID, name string) (*StepOutcome, error)
	SaveStep(ctx context.Context, runID string, outcome StepOutcome) error
}

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the runtime fails the step immediately instead of
// retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StepError is the final, checkpointed failure of a step executed with
// Catch. Workflow code may inspect it and continue past the failed step.
type StepError struct {
	Step    string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed: %s", e.Step, e.Message)
}

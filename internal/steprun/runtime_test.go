package steprun

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testRuntime(store Store, maxAttempts int) *Runtime {
	return New(store, zerolog.Nop(), Options{
		PollInterval:   time.Millisecond,
		Lease:          time.Minute,
		MaxRunAttempts: maxAttempts,
	})
}

func mustEnqueue(t *testing.T, store Store, spec RunSpec) {
	t.Helper()
	if err := store.Enqueue(context.Background(), spec); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

func mustProcess(t *testing.T, rt *Runtime) {
	t.Helper()
	processed, err := rt.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne() error = %v", err)
	}
	if !processed {
		t.Fatal("ProcessOne() claimed nothing")
	}
}

func TestStepCheckpointSkipsCompletedWork(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 5)

	executions := map[string]int{}
	rt.Register("wf", func(ctx context.Context, run *Run) error {
		if _, err := run.Step(ctx, "first", StepOptions{}, func(ctx context.Context) ([]byte, error) {
			executions["first"]++
			return []byte("one"), nil
		}); err != nil {
			return err
		}
		_, err := run.Step(ctx, "second", StepOptions{}, func(ctx context.Context) ([]byte, error) {
			executions["second"]++
			if executions["second"] == 1 {
				return nil, errors.New("flaky")
			}
			return []byte("two"), nil
		})
		return err
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})

	// First claim: step one checkpoints, step two fails, run requeued.
	mustProcess(t, rt)
	if status, _ := store.RunStatus("run-1"); status != RunStatusPending {
		t.Fatalf("run status = %s, want PENDING", status)
	}

	// Second claim resumes from the checkpoint.
	store.MakeRunnable("run-1")
	mustProcess(t, rt)
	if status, _ := store.RunStatus("run-1"); status != RunStatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", status)
	}

	if executions["first"] != 1 {
		t.Fatalf("first step executed %d times, want 1", executions["first"])
	}
	if executions["second"] != 2 {
		t.Fatalf("second step executed %d times, want 2", executions["second"])
	}
}

func TestStepRetriesWithinClaim(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 5)

	attempts := 0
	rt.Register("wf", func(ctx context.Context, run *Run) error {
		_, err := run.Step(ctx, "retry", StepOptions{MaxAttempts: 3, Backoff: time.Millisecond}, func(ctx context.Context) ([]byte, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return []byte("done"), nil
		})
		return err
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})
	mustProcess(t, rt)

	if attempts != 3 {
		t.Fatalf("step attempts = %d, want 3", attempts)
	}
	if status, _ := store.RunStatus("run-1"); status != RunStatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", status)
	}
}

func TestStepPermanentErrorSkipsRetries(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 5)

	attempts := 0
	rt.Register("wf", func(ctx context.Context, run *Run) error {
		_, err := run.Step(ctx, "doomed", StepOptions{MaxAttempts: 3, Backoff: time.Millisecond, Catch: true}, func(ctx context.Context) ([]byte, error) {
			attempts++
			return nil, Permanent(errors.New("rejected"))
		})
		var stepErr *StepError
		if !errors.As(err, &stepErr) {
			t.Fatalf("Step() error = %v, want StepError", err)
		}
		return nil
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})
	mustProcess(t, rt)

	if attempts != 1 {
		t.Fatalf("step attempts = %d, want 1", attempts)
	}
	if status, _ := store.RunStatus("run-1"); status != RunStatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", status)
	}
}

func TestCaughtFailureIsCheckpointed(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 5)

	executions := 0
	var sawMessages []string
	rt.Register("wf", func(ctx context.Context, run *Run) error {
		_, err := run.Step(ctx, "flaky", StepOptions{MaxAttempts: 1, Catch: true}, func(ctx context.Context) ([]byte, error) {
			executions++
			return nil, errors.New("boom")
		})
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			sawMessages = append(sawMessages, stepErr.Message)
		}
		// Fail the run after observing the caught step failure so the next
		// claim replays the workflow from the top.
		if len(sawMessages) == 1 {
			return errors.New("force requeue")
		}
		return nil
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})
	mustProcess(t, rt)
	store.MakeRunnable("run-1")
	mustProcess(t, rt)

	if executions != 1 {
		t.Fatalf("caught step executed %d times, want 1", executions)
	}
	if len(sawMessages) != 2 || sawMessages[0] != "boom" || sawMessages[1] != "boom" {
		t.Fatalf("replay observed %v, want the checkpointed failure twice", sawMessages)
	}
	if status, _ := store.RunStatus("run-1"); status != RunStatusCompleted {
		t.Fatalf("run status = %s, want COMPLETED", status)
	}
}

func TestRunExhaustionMarksDeadAndFiresHandler(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 2)

	var deadCause string
	rt.Register("wf", func(ctx context.Context, run *Run) error {
		return errors.New("always failing")
	})
	rt.OnDead("wf", func(ctx context.Context, run ClaimedRun, cause string) {
		deadCause = cause
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})

	mustProcess(t, rt)
	if status, _ := store.RunStatus("run-1"); status != RunStatusPending {
		t.Fatalf("run status after attempt 1 = %s, want PENDING", status)
	}

	store.MakeRunnable("run-1")
	mustProcess(t, rt)
	if status, _ := store.RunStatus("run-1"); status != RunStatusFailed {
		t.Fatalf("run status after attempt 2 = %s, want FAILED", status)
	}
	if deadCause != "always failing" {
		t.Fatalf("dead handler cause = %q", deadCause)
	}
}

func TestPermanentRunErrorDiesImmediately(t *testing.T) {
	store := NewMemoryStore()
	rt := testRuntime(store, 5)

	rt.Register("wf", func(ctx context.Context, run *Run) error {
		return Permanent(errors.New("bad payload"))
	})

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})
	mustProcess(t, rt)

	if status, _ := store.RunStatus("run-1"); status != RunStatusFailed {
		t.Fatalf("run status = %s, want FAILED", status)
	}
}

func TestClaimHonorsPerOwnerCap(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"run-1", "run-2", "run-3"} {
		mustEnqueue(t, store, RunSpec{ID: id, Kind: "wf", OwnerID: "alice"})
	}
	mustEnqueue(t, store, RunSpec{ID: "run-4", Kind: "wf", OwnerID: "bob"})

	first, err := store.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	second, err := store.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if first.OwnerID != "alice" || second.OwnerID != "alice" {
		t.Fatalf("first two claims should be alice's oldest runs")
	}

	// Alice is at the cap; the next claim must skip her queued run.
	third, err := store.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if third.OwnerID != "bob" {
		t.Fatalf("third claim owner = %s, want bob", third.OwnerID)
	}

	if _, err := store.Claim(ctx, time.Minute); !errors.Is(err, ErrNoRun) {
		t.Fatalf("fourth claim error = %v, want ErrNoRun", err)
	}

	// Releasing one of alice's runs frees capacity for the queued one.
	if err := store.Complete(ctx, first.ID); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	fourth, err := store.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if fourth.OwnerID != "alice" || fourth.ID != "run-3" {
		t.Fatalf("claim after release = %s/%s, want alice/run-3", fourth.OwnerID, fourth.ID)
	}
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	mustEnqueue(t, store, RunSpec{ID: "run-1", Kind: "wf", OwnerID: "alice"})

	claimed, err := store.Claim(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if claimed.Attempt != 1 {
		t.Fatalf("first claim attempt = %d", claimed.Attempt)
	}

	time.Sleep(5 * time.Millisecond)

	reclaimed, err := store.Claim(ctx, time.Minute)
	if err != nil {
		t.Fatalf("reclaim error = %v", err)
	}
	if reclaimed.ID != "run-1" || reclaimed.Attempt != 2 {
		t.Fatalf("reclaim = %s attempt %d, want run-1 attempt 2", reclaimed.ID, reclaimed.Attempt)
	}
}

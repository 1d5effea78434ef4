package steprun

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memRun struct {
	spec      RunSpec
	status    RunStatus
	attempts  int
	runAfter  time.Time
	leaseEnd  time.Time
	lastError string
	enqueued  int
}

// MemoryStore is an in-memory Store used by tests and local development. It
// applies the same claim semantics as the Postgres store: oldest runnable run
// first, expired leases reclaimed, per-owner cap honored.
type MemoryStore struct {
	mu    sync.Mutex
	runs  map[string]*memRun
	steps map[string]map[string]StepOutcome
	seq   int
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory run store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*memRun),
		steps: make(map[string]map[string]StepOutcome),
		now:   time.Now,
	}
}

func (s *MemoryStore) Enqueue(ctx context.Context, spec RunSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[spec.ID]; ok {
		return fmt.Errorf("steprun: run %s already enqueued", spec.ID)
	}
	s.seq++
	s.runs[spec.ID] = &memRun{
		spec:     spec,
		status:   RunStatusPending,
		runAfter: s.now(),
		enqueued: s.seq,
	}
	return nil
}

func (s *MemoryStore) Claim(ctx context.Context, lease time.Duration) (*ClaimedRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()

	var pick *memRun
	for _, r := range s.runs {
		runnable := (r.status == RunStatusPending && !r.runAfter.After(now)) ||
			(r.status == RunStatusRunning && r.leaseEnd.Before(now))
		if !runnable {
			continue
		}
		if s.heldLocked(r.spec.OwnerID, r.spec.ID, now) >= MaxRunsPerOwner {
			continue
		}
		if pick == nil || r.enqueued < pick.enqueued {
			pick = r
		}
	}
	if pick == nil {
		return nil, ErrNoRun
	}

	pick.status = RunStatusRunning
	pick.attempts++
	pick.leaseEnd = now.Add(lease)
	return &ClaimedRun{
		ID:      pick.spec.ID,
		Kind:    pick.spec.Kind,
		OwnerID: pick.spec.OwnerID,
		Payload: pick.spec.Payload,
		Attempt: pick.attempts,
	}, nil
}

func (s *MemoryStore) heldLocked(ownerID, excludeID string, now time.Time) int {
	count := 0
	for _, r := range s.runs {
		if r.spec.OwnerID == ownerID && r.spec.ID != excludeID &&
			r.status == RunStatusRunning && !r.leaseEnd.Before(now) {
			count++
		}
	}
	return count
}

func (s *MemoryStore) RenewLease(ctx context.Context, runID string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok && r.status == RunStatusRunning {
		r.leaseEnd = s.now().Add(lease)
	}
	return nil
}

func (s *MemoryStore) Complete(ctx context.Context, runID string) error {
	return s.setStatus(runID, RunStatusCompleted, "")
}

func (s *MemoryStore) Release(ctx context.Context, runID string, retryAfter time.Duration, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("steprun: unknown run %s", runID)
	}
	r.status = RunStatusPending
	r.runAfter = s.now().Add(retryAfter)
	r.lastError = lastError
	return nil
}

func (s *MemoryStore) MarkDead(ctx context.Context, runID, lastError string) error {
	return s.setStatus(runID, RunStatusFailed, lastError)
}

func (s *MemoryStore) setStatus(runID string, status RunStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("steprun: unknown run %s", runID)
	}
	r.status = status
	r.lastError = lastError
	return nil
}

func (s *MemoryStore) LoadStep(ctx context.Context, runID, name string) (*StepOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if outcome, ok := s.steps[runID][name]; ok {
		copied := outcome
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) SaveStep(ctx context.Context, runID string, outcome StepOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.steps[runID] == nil {
		s.steps[runID] = make(map[string]StepOutcome)
	}
	if _, ok := s.steps[runID][outcome.Name]; !ok {
		s.steps[runID][outcome.Name] = outcome
	}
	return nil
}

// RunStatus reports the current status of a run, for tests and diagnostics.
func (s *MemoryStore) RunStatus(runID string) (RunStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return "", false
	}
	return r.status, true
}

// MakeRunnable clears any retry delay on a run, for tests.
func (s *MemoryStore) MakeRunnable(runID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[runID]; ok {
		r.runAfter = s.now()
	}
}

var _ Store = (*MemoryStore)(nil)

package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"scribe/internal/domain"
	"scribe/internal/steprun"
	"scribe/internal/synthesis"
)

type memStore struct {
	jobs          map[string]*domain.BatchJob
	variants      map[string]*domain.VariantRecord
	order         []string
	runs          []steprun.RunSpec
	createError   error
	completeError error
}

func newMemStore() *memStore {
	return &memStore{
		jobs:     make(map[string]*domain.BatchJob),
		variants: make(map[string]*domain.VariantRecord),
	}
}

func (m *memStore) CreateBatch(ctx context.Context, job *domain.BatchJob, variants []*domain.VariantRecord, run steprun.RunSpec) error {
	if m.createError != nil {
		return m.createError
	}
	m.jobs[job.ID] = job
	for _, v := range variants {
		m.variants[v.ID] = v
		m.order = append(m.order, v.ID)
	}
	m.runs = append(m.runs, run)
	return nil
}

func (m *memStore) BatchForOwner(ctx context.Context, jobID, ownerID string) (*domain.BatchJob, error) {
	job, ok := m.jobs[jobID]
	if !ok || job.UserID != ownerID {
		return nil, domain.ErrNotFound
	}
	return job, nil
}

func (m *memStore) VariantsByJob(ctx context.Context, jobID string) ([]*domain.VariantRecord, error) {
	var out []*domain.VariantRecord
	for _, id := range m.order {
		if v := m.variants[id]; v.BatchJobID == jobID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (m *memStore) CreateVariant(ctx context.Context, v *domain.VariantRecord) error {
	m.variants[v.ID] = v
	m.order = append(m.order, v.ID)
	return nil
}

func (m *memStore) MarkVariantGenerating(ctx context.Context, id string) (bool, error) {
	v, ok := m.variants[id]
	if !ok || v.Status != domain.VariantStatusPending {
		return false, nil
	}
	v.Status = domain.VariantStatusGenerating
	return true, nil
}

func (m *memStore) CompleteVariant(ctx context.Context, id, resultKey string) (bool, error) {
	if m.completeError != nil {
		return false, m.completeError
	}
	v, ok := m.variants[id]
	if !ok || v.Status != domain.VariantStatusGenerating {
		return false, nil
	}
	v.Status = domain.VariantStatusCompleted
	v.ResultKey = resultKey
	return true, nil
}

func (m *memStore) FailVariant(ctx context.Context, id, message string) (bool, error) {
	v, ok := m.variants[id]
	if !ok || v.Status != domain.VariantStatusGenerating {
		return false, nil
	}
	v.Status = domain.VariantStatusFailed
	v.ErrorMessage = message
	return true, nil
}

type memLedger struct {
	balances map[string]int64
	applied  map[string]bool
	denyNext bool
}

func newMemLedger() *memLedger {
	return &memLedger{balances: make(map[string]int64), applied: make(map[string]bool)}
}

func (m *memLedger) Balance(ctx context.Context, userID string) (int64, error) {
	return m.balances[userID], nil
}

func (m *memLedger) Grant(ctx context.Context, userID string, amount int64) error {
	m.balances[userID] += amount
	return nil
}

func (m *memLedger) DecrementIfNotApplied(ctx context.Context, userID, key string, amount int64) (bool, error) {
	if m.denyNext {
		m.denyNext = false
		return false, nil
	}
	if m.applied[key] || m.balances[userID] < amount {
		return false, nil
	}
	m.applied[key] = true
	m.balances[userID] -= amount
	return true, nil
}

type stubRenderer struct {
	err   error
	calls int
}

func (s *stubRenderer) Render(ctx context.Context, req synthesis.RenderRequest) (*synthesis.RenderResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &synthesis.RenderResult{SVG: "<svg/>", Lines: 1, Characters: len(req.Text)}, nil
}

type memArtifacts struct {
	blobs    map[string][]byte
	writeErr error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{blobs: make(map[string][]byte)}
}

func (m *memArtifacts) Write(ctx context.Context, key string, data []byte) (string, error) {
	if m.writeErr != nil {
		return "", m.writeErr
	}
	m.blobs[key] = data
	return key, nil
}

func (m *memArtifacts) Read(ctx context.Context, key string) ([]byte, error) {
	data, ok := m.blobs[key]
	if !ok {
		return nil, errors.New("missing blob")
	}
	return data, nil
}

type fixture struct {
	store     *memStore
	ledger    *memLedger
	renderer  *stubRenderer
	artifacts *memArtifacts
	service   *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:     newMemStore(),
		ledger:    newMemLedger(),
		renderer:  &stubRenderer{},
		artifacts: newMemArtifacts(),
	}
	f.service = NewService(f.store, f.ledger, f.renderer, f.artifacts, zerolog.Nop())
	return f
}

func TestSubmitCreatesJobVariantsAndRun(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 5))

	result, err := f.service.Submit(context.Background(), SubmitRequest{
		OwnerID: "alice",
		Name:    "thank you notes",
		Text:    "Thank you!",
		Variants: []domain.VariantParams{
			{Style: 0},
			{Style: 5, Bias: 1.2, StrokeColor: "blue", StrokeWidth: 3},
		},
	})
	require.NoError(t, err)

	assert.NotEmpty(t, result.BatchJobID)
	assert.Equal(t, domain.BatchStatusPending, result.Status)
	assert.Equal(t, 2, result.TotalVariants)

	job := f.store.jobs[result.BatchJobID]
	require.NotNil(t, job)
	assert.Equal(t, "alice", job.UserID)
	assert.Equal(t, 2, job.TotalVariants)

	variants, err := f.store.VariantsByJob(context.Background(), result.BatchJobID)
	require.NoError(t, err)
	require.Len(t, variants, 2)
	// Defaults filled in before persistence.
	assert.Equal(t, domain.DefaultBias, variants[0].Params.Bias)
	assert.Equal(t, domain.DefaultStrokeColor, variants[0].Params.StrokeColor)
	assert.Equal(t, 1.2, variants[1].Params.Bias)

	require.Len(t, f.store.runs, 1)
	assert.Equal(t, "alice", f.store.runs[0].OwnerID)
	assert.NotEmpty(t, f.store.runs[0].Payload)

	// Submission reserves nothing; charges happen per completed variant.
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(5), balance)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 50))

	tooMany := make([]domain.VariantParams, domain.MaxVariantsPerBatch+1)

	tests := []struct {
		name string
		req  SubmitRequest
	}{
		{
			name: "missing owner",
			req:  SubmitRequest{Text: "hi", Variants: []domain.VariantParams{{}}},
		},
		{
			name: "empty text",
			req:  SubmitRequest{OwnerID: "alice", Variants: []domain.VariantParams{{}}},
		},
		{
			name: "unsupported characters",
			req:  SubmitRequest{OwnerID: "alice", Text: "Zebra", Variants: []domain.VariantParams{{}}},
		},
		{
			name: "no variants",
			req:  SubmitRequest{OwnerID: "alice", Text: "hi"},
		},
		{
			name: "too many variants",
			req:  SubmitRequest{OwnerID: "alice", Text: "hi", Variants: tooMany},
		},
		{
			name: "bad style",
			req:  SubmitRequest{OwnerID: "alice", Text: "hi", Variants: []domain.VariantParams{{Style: 99}}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.service.Submit(context.Background(), tc.req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
	assert.Empty(t, f.store.runs, "no run may be enqueued for a rejected submission")
}

func TestSubmitRejectsInsufficientBalance(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 2))

	_, err := f.service.Submit(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Text:     "hi",
		Variants: []domain.VariantParams{{Style: 0}, {Style: 1}, {Style: 2}},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Empty(t, f.store.runs)
}

func TestStatusScopedToOwner(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 5))

	result, err := f.service.Submit(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Text:     "hi",
		Variants: []domain.VariantParams{{Style: 0}},
	})
	require.NoError(t, err)

	status, err := f.service.Status(context.Background(), result.BatchJobID, "alice")
	require.NoError(t, err)
	assert.Equal(t, result.BatchJobID, status.Job.ID)
	assert.Len(t, status.Variants, 1)

	_, err = f.service.Status(context.Background(), result.BatchJobID, "mallory")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRenderOnceHappyPath(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 1))

	result, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 3},
	})
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", result.SVG)
	assert.NotEmpty(t, result.ResultKey)

	v := f.store.variants[result.VariantID]
	require.NotNil(t, v)
	assert.Equal(t, domain.VariantStatusCompleted, v.Status)
	assert.Empty(t, v.BatchJobID)

	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(0), balance)
}

func TestRenderOnceProviderFailure(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 1))
	f.renderer.err = &synthesis.Error{Status: 503, Message: "overloaded"}

	_, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 3},
	})
	assert.ErrorIs(t, err, domain.ErrProviderFailure)

	// The variant is recorded FAILED and no credit is charged.
	require.Len(t, f.store.order, 1)
	v := f.store.variants[f.store.order[0]]
	assert.Equal(t, domain.VariantStatusFailed, v.Status)
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(1), balance)
}

func TestRenderOnceArtifactFailureSettlesVariant(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 1))
	f.artifacts.writeErr = errors.New("disk full")

	_, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 0},
	})
	require.Error(t, err)

	// The variant must not be stranded in GENERATING: nothing ever revisits a
	// synchronous render.
	require.Len(t, f.store.order, 1)
	v := f.store.variants[f.store.order[0]]
	assert.Equal(t, domain.VariantStatusFailed, v.Status)
	assert.Contains(t, v.ErrorMessage, "store artifact")

	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(1), balance)
}

func TestRenderOnceCompletionFailureSettlesVariant(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 1))
	f.store.completeError = errors.New("db unavailable")

	_, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 0},
	})
	require.Error(t, err)

	require.Len(t, f.store.order, 1)
	v := f.store.variants[f.store.order[0]]
	assert.Equal(t, domain.VariantStatusFailed, v.Status)
	assert.Contains(t, v.ErrorMessage, "record completion")

	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(1), balance)
}

func TestRenderOnceDeliversWhenChargeNotApplied(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 1))
	// Balance drained between the pre-check and the charge: the render already
	// happened, so it is delivered anyway and the missing charge is logged.
	f.ledger.denyNext = true

	result, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 0},
	})
	require.NoError(t, err)
	assert.Equal(t, "<svg/>", result.SVG)

	v := f.store.variants[result.VariantID]
	assert.Equal(t, domain.VariantStatusCompleted, v.Status)
	balance, _ := f.ledger.Balance(context.Background(), "alice")
	assert.Equal(t, int64(1), balance)
}

func TestRenderOnceRejectsWithoutCredits(t *testing.T) {
	f := newFixture()

	_, err := f.service.RenderOnce(context.Background(), RenderRequest{
		OwnerID: "alice",
		Text:    "hello",
		Params:  domain.VariantParams{Style: 0},
	})
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
	assert.Zero(t, f.renderer.calls)
}

func TestArchiveBundlesCompletedVariants(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 5))

	result, err := f.service.Submit(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Text:     "hi",
		Variants: []domain.VariantParams{{Style: 0}, {Style: 1}},
	})
	require.NoError(t, err)

	variants, _ := f.store.VariantsByJob(context.Background(), result.BatchJobID)
	// First variant completed with a stored artifact, second failed.
	key, err := f.artifacts.Write(context.Background(), "generated/svg/x/one.svg", []byte("<svg/>"))
	require.NoError(t, err)
	variants[0].Status = domain.VariantStatusCompleted
	variants[0].ResultKey = key
	variants[1].Status = domain.VariantStatusFailed

	data, err := f.service.Archive(context.Background(), result.BatchJobID, "alice")
	require.NoError(t, err)
	assert.True(t, len(data) > 0)
	// Zip local file header magic.
	assert.Equal(t, []byte{'P', 'K', 0x03, 0x04}, data[:4])
}

func TestArchiveWithNothingCompleted(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.ledger.Grant(context.Background(), "alice", 5))

	result, err := f.service.Submit(context.Background(), SubmitRequest{
		OwnerID:  "alice",
		Text:     "hi",
		Variants: []domain.VariantParams{{Style: 0}},
	})
	require.NoError(t, err)

	_, err = f.service.Archive(context.Background(), result.BatchJobID, "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

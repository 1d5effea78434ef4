// Package batch is the submission and status surface over the batch stores:
// it validates requests, reserves credit capacity, creates records and hands
// the work to the step runtime. Everything past submission is asynchronous.
package batch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"scribe/internal/domain"
	"scribe/internal/orchestrator"
	"scribe/internal/steprun"
	"scribe/internal/storage"
	"scribe/internal/synthesis"
	"scribe/pkg/zip"
)

// Store is the persistence surface the service needs.
type Store interface {
	CreateBatch(ctx context.Context, job *domain.BatchJob, variants []*domain.VariantRecord, run steprun.RunSpec) error
	BatchForOwner(ctx context.Context, jobID, ownerID string) (*domain.BatchJob, error)
	VariantsByJob(ctx context.Context, jobID string) ([]*domain.VariantRecord, error)
	CreateVariant(ctx context.Context, v *domain.VariantRecord) error
	MarkVariantGenerating(ctx context.Context, id string) (bool, error)
	CompleteVariant(ctx context.Context, id, resultKey string) (bool, error)
	FailVariant(ctx context.Context, id, message string) (bool, error)
}

// Artifacts is the blob store surface the service needs.
type Artifacts interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
}

// Service implements batch submission, status polling and single-shot renders.
type Service struct {
	store     Store
	ledger    domain.LedgerRepository
	renderer  orchestrator.Renderer
	artifacts Artifacts
	logger    zerolog.Logger
}

// NewService wires a batch service.
func NewService(store Store, ledger domain.LedgerRepository, renderer orchestrator.Renderer, artifacts Artifacts, logger zerolog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		renderer:  renderer,
		artifacts: artifacts,
		logger:    logger,
	}
}

// SubmitRequest asks for len(Variants) renderings of Text.
type SubmitRequest struct {
	OwnerID  string
	Name     string
	Text     string
	Variants []domain.VariantParams
}

// SubmitResult is returned to the caller immediately; progress is observed by
// polling Status.
type SubmitResult struct {
	BatchJobID    string
	Status        domain.BatchStatus
	TotalVariants int
}

// Submit validates the request, checks that the owner can cover the batch's
// maximum possible cost, then creates the job plus variant records and
// enqueues the workflow in a single transaction. On any error no records
// exist and no workflow was started.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	if err := domain.ValidateText(req.Text); err != nil {
		return nil, err
	}
	if len(req.Variants) == 0 {
		return nil, fmt.Errorf("%w: at least one variant is required", domain.ErrValidation)
	}
	if len(req.Variants) > domain.MaxVariantsPerBatch {
		return nil, fmt.Errorf("%w: at most %d variants per batch", domain.ErrValidation, domain.MaxVariantsPerBatch)
	}
	params := make([]domain.VariantParams, len(req.Variants))
	for i, p := range req.Variants {
		p.Normalize()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("variant %d: %w", i, err)
		}
		params[i] = p
	}

	balance, err := s.ledger.Balance(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < int64(len(params)) {
		return nil, domain.ErrInsufficientCredits
	}

	job := &domain.BatchJob{
		ID:            uuid.NewString(),
		UserID:        req.OwnerID,
		Name:          req.Name,
		Text:          req.Text,
		TotalVariants: len(params),
		Status:        domain.BatchStatusPending,
	}
	variants := make([]*domain.VariantRecord, len(params))
	variantIDs := make([]string, len(params))
	for i, p := range params {
		variants[i] = &domain.VariantRecord{
			ID:         uuid.NewString(),
			UserID:     req.OwnerID,
			BatchJobID: job.ID,
			Params:     p,
			Status:     domain.VariantStatusPending,
		}
		variantIDs[i] = variants[i].ID
	}

	payload, err := json.Marshal(orchestrator.Payload{
		BatchJobID: job.ID,
		OwnerID:    req.OwnerID,
		Text:       req.Text,
		VariantIDs: variantIDs,
		Params:     params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	run := steprun.RunSpec{
		ID:      uuid.NewString(),
		Kind:    orchestrator.WorkflowKind,
		OwnerID: req.OwnerID,
		Payload: payload,
	}

	if err := s.store.CreateBatch(ctx, job, variants, run); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("batch_job_id", job.ID).
		Str("user_id", req.OwnerID).
		Int("variants", len(params)).
		Msg("batch: submitted")

	return &SubmitResult{BatchJobID: job.ID, Status: job.Status, TotalVariants: job.TotalVariants}, nil
}

// StatusResult is the read projection answered to polling clients.
type StatusResult struct {
	Job      *domain.BatchJob
	Variants []*domain.VariantRecord
}

// Status returns the job aggregate and its variants, scoped to the owner.
// Never mutates anything.
func (s *Service) Status(ctx context.Context, jobID, ownerID string) (*StatusResult, error) {
	job, err := s.store.BatchForOwner(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	variants, err := s.store.VariantsByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Job: job, Variants: variants}, nil
}

// RenderRequest is a single-shot synchronous render outside any batch.
type RenderRequest struct {
	OwnerID string
	Text    string
	Params  domain.VariantParams
}

// RenderResult carries the rendered SVG alongside its stored key.
type RenderResult struct {
	VariantID string
	ResultKey string
	SVG       string
}

// RenderOnce renders text with one parameter set synchronously. The variant
// record is created without a job; the credit charge uses the same idempotent
// decrement as the batch path, keyed by the variant id.
func (s *Service) RenderOnce(ctx context.Context, req RenderRequest) (*RenderResult, error) {
	if req.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", domain.ErrValidation)
	}
	if err := domain.ValidateText(req.Text); err != nil {
		return nil, err
	}
	req.Params.Normalize()
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	balance, err := s.ledger.Balance(ctx, req.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("check balance: %w", err)
	}
	if balance < 1 {
		return nil, domain.ErrInsufficientCredits
	}

	variant := &domain.VariantRecord{
		ID:     uuid.NewString(),
		UserID: req.OwnerID,
		Params: req.Params,
		Status: domain.VariantStatusPending,
	}
	if err := s.store.CreateVariant(ctx, variant); err != nil {
		return nil, err
	}
	if _, err := s.store.MarkVariantGenerating(ctx, variant.ID); err != nil {
		return nil, err
	}

	result, err := s.renderer.Render(ctx, synthesis.RenderRequest{
		Text:        req.Text,
		Style:       req.Params.Style,
		Bias:        req.Params.Bias,
		StrokeColor: req.Params.StrokeColor,
		StrokeWidth: req.Params.StrokeWidth,
	})
	if err != nil {
		s.failRenderVariant(ctx, variant.ID, err.Error())
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}

	// No workflow resumes a synchronous render, so any failure past this point
	// must settle the variant itself instead of leaving it GENERATING.
	key, err := s.artifacts.Write(ctx, storage.VariantKey("", variant.ID), []byte(result.SVG))
	if err != nil {
		s.failRenderVariant(ctx, variant.ID, fmt.Sprintf("store artifact: %v", err))
		return nil, err
	}
	if _, err := s.store.CompleteVariant(ctx, variant.ID, key); err != nil {
		s.failRenderVariant(ctx, variant.ID, fmt.Sprintf("record completion: %v", err))
		return nil, err
	}
	applied, err := s.ledger.DecrementIfNotApplied(ctx, req.OwnerID, variant.ID, 1)
	if err != nil {
		return nil, err
	}
	if !applied {
		s.logger.Warn().
			Str("variant_id", variant.ID).
			Str("user_id", req.OwnerID).
			Msg("batch: render delivered without a charge")
	}

	return &RenderResult{VariantID: variant.ID, ResultKey: key, SVG: result.SVG}, nil
}

func (s *Service) failRenderVariant(ctx context.Context, id, message string) {
	if _, err := s.store.FailVariant(ctx, id, message); err != nil {
		s.logger.Error().Err(err).Str("variant_id", id).Msg("batch: record render failure failed")
	}
}

// Archive bundles a job's completed SVGs into a zip payload. Variants without
// a stored result are skipped.
func (s *Service) Archive(ctx context.Context, jobID, ownerID string) ([]byte, error) {
	status, err := s.Status(ctx, jobID, ownerID)
	if err != nil {
		return nil, err
	}
	var entries []zip.Entry
	for i, v := range status.Variants {
		if v.Status != domain.VariantStatusCompleted || v.ResultKey == "" {
			continue
		}
		data, err := s.artifacts.Read(ctx, v.ResultKey)
		if err != nil {
			s.logger.Warn().Err(err).Str("variant_id", v.ID).Msg("batch: archive skipping unreadable artifact")
			continue
		}
		entries = append(entries, zip.Entry{
			Name: fmt.Sprintf("%s-%02d.svg", jobID, i+1),
			Data: data,
		})
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no completed variants", domain.ErrNotFound)
	}
	return zip.Archive(entries)
}

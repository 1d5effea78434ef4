// Package orchestrator drives a batch of handwriting variants from submission
// to completion as a checkpointed workflow on the step runtime. Every step is
// idempotent: re-execution after a crash detects finished work through the
// stored status guards and skips it.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"scribe/internal/domain"
	"scribe/internal/steprun"
	"scribe/internal/storage"
	"scribe/internal/synthesis"
)

// WorkflowKind identifies batch generation runs in the step runtime.
const WorkflowKind = "batch_generate"

// generateAttempts bounds synthesis retries per variant. Only transient
// failures are retried; a deterministic rejection fails the variant at once.
const generateAttempts = 3

// Payload is the workflow input recorded at submission time. Variant order is
// significant: VariantIDs[i] is rendered with Params[i].
type Payload struct {
	BatchJobID string                 `json:"batch_job_id"`
	OwnerID    string                 `json:"owner_id"`
	Text       string                 `json:"text"`
	VariantIDs []string               `json:"variant_ids"`
	Params     []domain.VariantParams `json:"params"`
}

// Renderer is the synthesis call the workflow depends on.
type Renderer interface {
	Render(ctx context.Context, req synthesis.RenderRequest) (*synthesis.RenderResult, error)
}

// ArtifactStore persists rendered SVGs behind opaque keys.
type ArtifactStore interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
}

// Workflow holds the orchestrator's collaborators.
type Workflow struct {
	jobs      domain.BatchJobRepository
	variants  domain.VariantRepository
	ledger    domain.LedgerRepository
	usage     domain.UsageRepository
	renderer  Renderer
	artifacts ArtifactStore
	logger    zerolog.Logger
}

// New constructs the batch generation workflow.
func New(
	jobs domain.BatchJobRepository,
	variants domain.VariantRepository,
	ledger domain.LedgerRepository,
	usage domain.UsageRepository,
	renderer Renderer,
	artifacts ArtifactStore,
	logger zerolog.Logger,
) *Workflow {
	return &Workflow{
		jobs:      jobs,
		variants:  variants,
		ledger:    ledger,
		usage:     usage,
		renderer:  renderer,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Register binds the workflow and its dead-run handler to the runtime.
func (w *Workflow) Register(rt *steprun.Runtime) {
	rt.Register(WorkflowKind, w.Run)
	rt.OnDead(WorkflowKind, w.onDead)
}

type finalizeSummary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Run executes the batch workflow. Variants are processed sequentially: a
// batch loads the synthesis service with at most one in-flight call, and
// cross-job concurrency is bounded by the runtime instead.
func (w *Workflow) Run(ctx context.Context, run *steprun.Run) error {
	var p Payload
	if err := json.Unmarshal(run.Payload, &p); err != nil {
		return steprun.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if len(p.VariantIDs) == 0 || len(p.VariantIDs) != len(p.Params) {
		return steprun.Permanent(fmt.Errorf("payload has %d variant ids for %d parameter sets", len(p.VariantIDs), len(p.Params)))
	}

	if _, err := run.Step(ctx, "mark-processing", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
		return nil, w.jobs.MarkProcessing(ctx, p.BatchJobID)
	}); err != nil {
		return err
	}

	for i := range p.VariantIDs {
		if err := w.processVariant(ctx, run, &p, i); err != nil {
			return err
		}
	}

	summaryRaw, err := run.Step(ctx, "finalize", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
		variants, err := w.variants.ListByJob(ctx, p.BatchJobID)
		if err != nil {
			return nil, err
		}
		summary := finalizeSummary{}
		for _, v := range variants {
			switch v.Status {
			case domain.VariantStatusCompleted:
				summary.Succeeded++
			case domain.VariantStatusFailed:
				summary.Failed++
			}
		}
		if _, err := w.jobs.Finalize(ctx, p.BatchJobID, summary.Succeeded, summary.Failed); err != nil {
			return nil, err
		}
		return json.Marshal(summary)
	})
	if err != nil {
		return err
	}

	// Reporting only; a failure here must not fail the batch.
	if _, err := run.Step(ctx, "record-usage", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
		var summary finalizeSummary
		if err := json.Unmarshal(summaryRaw, &summary); err != nil {
			return nil, steprun.Permanent(err)
		}
		return nil, w.usage.Insert(ctx, &domain.UsageEvent{
			UserID:     p.OwnerID,
			BatchJobID: p.BatchJobID,
			EventType:  "batch_generate",
			Success:    summary.Succeeded > 0,
			Properties: map[string]any{
				"characters":     len(p.Text),
				"success_count":  summary.Succeeded,
				"failure_count":  summary.Failed,
				"total_variants": len(p.VariantIDs),
			},
		})
	}); err != nil {
		w.logger.Warn().Err(err).Str("batch_job_id", p.BatchJobID).Msg("orchestrator: usage event dropped")
	}

	return nil
}

func (w *Workflow) processVariant(ctx context.Context, run *steprun.Run, p *Payload, i int) error {
	variantID := p.VariantIDs[i]
	prefix := fmt.Sprintf("variant-%02d", i)

	if _, err := run.Step(ctx, prefix+"-generating", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
		_, err := w.variants.MarkGenerating(ctx, variantID)
		return nil, err
	}); err != nil {
		return err
	}

	params := p.Params[i]
	rendered, genErr := run.Step(ctx, prefix+"-generate", steprun.StepOptions{MaxAttempts: generateAttempts, Catch: true}, func(ctx context.Context) ([]byte, error) {
		result, err := w.renderer.Render(ctx, synthesis.RenderRequest{
			Text:        p.Text,
			Style:       params.Style,
			Bias:        params.Bias,
			StrokeColor: params.StrokeColor,
			StrokeWidth: params.StrokeWidth,
		})
		if err != nil {
			if !synthesis.IsTransient(err) {
				return nil, steprun.Permanent(err)
			}
			return nil, err
		}
		return json.Marshal(result)
	})
	var genFailure *steprun.StepError
	if genErr != nil && !errors.As(genErr, &genFailure) {
		// Not a checkpointed generation outcome: checkpoint store trouble or
		// shutdown. Surface it so the run is retried.
		return genErr
	}

	if _, err := run.Step(ctx, prefix+"-record", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
		if genFailure != nil {
			_, err := w.variants.Fail(ctx, variantID, genFailure.Message)
			return nil, err
		}
		var result synthesis.RenderResult
		if err := json.Unmarshal(rendered, &result); err != nil {
			return nil, steprun.Permanent(fmt.Errorf("decode render output: %w", err))
		}
		key, err := w.artifacts.Write(ctx, storage.VariantKey(p.BatchJobID, variantID), []byte(result.SVG))
		if err != nil {
			return nil, err
		}
		_, err = w.variants.Complete(ctx, variantID, key)
		return nil, err
	}); err != nil {
		return err
	}

	if genFailure == nil {
		if _, err := run.Step(ctx, prefix+"-credit", steprun.StepOptions{}, func(ctx context.Context) ([]byte, error) {
			_, err := w.ledger.DecrementIfNotApplied(ctx, p.OwnerID, variantID, 1)
			return nil, err
		}); err != nil {
			return err
		}
	}
	return nil
}

// onDead marks the batch FAILED when its run exhausted every attempt. Without
// this the job would sit in PROCESSING forever with nothing left to move it.
func (w *Workflow) onDead(ctx context.Context, run steprun.ClaimedRun, cause string) {
	var p Payload
	if err := json.Unmarshal(run.Payload, &p); err != nil {
		w.logger.Error().Err(err).Str("run_id", run.ID).Msg("orchestrator: dead run payload undecodable")
		return
	}
	if err := w.jobs.MarkStalled(ctx, p.BatchJobID, cause); err != nil {
		w.logger.Error().Err(err).Str("batch_job_id", p.BatchJobID).Msg("orchestrator: mark stalled failed")
		return
	}
	w.logger.Error().Str("batch_job_id", p.BatchJobID).Str("cause", cause).Msg("orchestrator: batch stalled, marked failed")
}

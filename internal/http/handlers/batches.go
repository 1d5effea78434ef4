package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"scribe/internal/batch"
	"scribe/internal/domain"
	"scribe/internal/middleware"
)

type batchCreateRequest struct {
	Name     string                 `json:"name"`
	Text     string                 `json:"text"`
	Variants []domain.VariantParams `json:"variants"`
}

// BatchesCreate accepts a batch submission and returns 202 with the job id.
// Clients poll BatchesGet for progress.
func (a *App) BatchesCreate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req batchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	result, err := a.Batches.Submit(r.Context(), batch.SubmitRequest{
		OwnerID:  userID,
		Name:     req.Name,
		Text:     req.Text,
		Variants: req.Variants,
	})
	if err != nil {
		a.serviceError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, map[string]any{
		"batch_job_id":   result.BatchJobID,
		"status":         result.Status,
		"total_variants": result.TotalVariants,
	})
}

type variantView struct {
	VariantID string               `json:"variant_id"`
	Params    domain.VariantParams `json:"params"`
	Status    domain.VariantStatus `json:"status"`
	ResultKey string               `json:"result_key,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// BatchesGet is the polling endpoint: the job aggregate plus every variant's
// current state.
func (a *App) BatchesGet(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "batch_id")
	result, err := a.Batches.Status(r.Context(), jobID, userID)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	variants := make([]variantView, 0, len(result.Variants))
	for _, v := range result.Variants {
		variants = append(variants, variantView{
			VariantID: v.ID,
			Params:    v.Params,
			Status:    v.Status,
			ResultKey: v.ResultKey,
			Error:     v.ErrorMessage,
		})
	}
	a.json(w, http.StatusOK, map[string]any{
		"batch_job_id":    result.Job.ID,
		"name":            result.Job.Name,
		"status":          result.Job.Status,
		"total_variants":  result.Job.TotalVariants,
		"completed_count": result.Job.CompletedCount,
		"credits_used":    result.Job.CreditsUsed,
		"error":           result.Job.ErrorMessage,
		"created_at":      result.Job.CreatedAt,
		"updated_at":      result.Job.UpdatedAt,
		"variants":        variants,
	})
}

// BatchesArchive streams a zip of the job's completed SVGs.
func (a *App) BatchesArchive(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "batch_id")
	data, err := a.Batches.Archive(r.Context(), jobID, userID)
	if err != nil {
		a.serviceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, jobID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

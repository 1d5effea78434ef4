package handlers

import (
	"encoding/json"
	"net/http"

	"scribe/internal/batch"
	"scribe/internal/domain"
	"scribe/internal/middleware"
)

type renderRequest struct {
	Text   string               `json:"text"`
	Params domain.VariantParams `json:"params"`
}

// RendersCreate performs a synchronous single render and returns the SVG
// inline. Costs one credit on success.
func (a *App) RendersCreate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req renderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	result, err := a.Batches.RenderOnce(r.Context(), batch.RenderRequest{
		OwnerID: userID,
		Text:    req.Text,
		Params:  req.Params,
	})
	if err != nil {
		a.serviceError(w, err)
		return
	}
	a.json(w, http.StatusCreated, map[string]any{
		"variant_id": result.VariantID,
		"result_key": result.ResultKey,
		"svg":        result.SVG,
	})
}

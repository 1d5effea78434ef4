// Package handlers holds the HTTP surface. Handlers translate requests into
// service calls and domain errors into status codes; no business logic lives
// here.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"scribe/internal/batch"
	"scribe/internal/domain"
)

// BatchService is the slice of the batch service the handlers call.
type BatchService interface {
	Submit(ctx context.Context, req batch.SubmitRequest) (*batch.SubmitResult, error)
	Status(ctx context.Context, jobID, ownerID string) (*batch.StatusResult, error)
	RenderOnce(ctx context.Context, req batch.RenderRequest) (*batch.RenderResult, error)
	Archive(ctx context.Context, jobID, ownerID string) ([]byte, error)
}

// CreditService answers balance queries.
type CreditService interface {
	Balance(ctx context.Context, userID string) (int64, error)
}

type App struct {
	Batches BatchService
	Credits CreditService
	Logger  zerolog.Logger
}

func NewApp(batches BatchService, credits CreditService, logger zerolog.Logger) *App {
	return &App{Batches: batches, Credits: credits, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, slug, message string) {
	a.json(w, code, map[string]any{
		"error": map[string]string{"code": slug, "message": message},
	})
}

// serviceError maps a domain error onto the wire. Unknown errors are logged
// and hidden behind a generic 500.
func (a *App) serviceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, domain.ErrInsufficientCredits):
		a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this request")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "provider_failure", err.Error())
	default:
		a.Logger.Error().Err(err).Msg("handlers: unexpected service error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

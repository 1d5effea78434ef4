package handlers

import (
	"net/http"

	"scribe/internal/synthesis"
)

// StylesList enumerates the available handwriting styles.
func (a *App) StylesList(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"items": synthesis.Styles()})
}

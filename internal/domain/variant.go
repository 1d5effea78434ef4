package domain

import "time"

// VariantStatus enumerates the per-variant lifecycle. Transitions are monotone
// through PENDING -> GENERATING -> {COMPLETED, FAILED}; a terminal state is
// never revisited with a different outcome.
type VariantStatus string

const (
	VariantStatusPending    VariantStatus = "PENDING"
	VariantStatusGenerating VariantStatus = "GENERATING"
	VariantStatusCompleted  VariantStatus = "COMPLETED"
	VariantStatusFailed     VariantStatus = "FAILED"
)

// Terminal reports whether the status permits no further transition.
func (s VariantStatus) Terminal() bool {
	return s == VariantStatusCompleted || s == VariantStatusFailed
}

// VariantRecord is one parameterized rendering within a batch. BatchJobID is
// empty for single-shot renders created outside a batch. ResultKey is the
// blob-store key of the rendered SVG, set only on COMPLETED; ErrorMessage is
// set only on FAILED.
type VariantRecord struct {
	ID           string
	UserID       string
	BatchJobID   string
	Params       VariantParams
	Status       VariantStatus
	ResultKey    string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

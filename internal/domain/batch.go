package domain

import "time"

// BatchStatus enumerates batch job lifecycle states.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// Terminal reports whether the status permits no further transition.
func (s BatchStatus) Terminal() bool {
	return s == BatchStatusCompleted || s == BatchStatusFailed
}

// BatchJob is the aggregate tracking a set of handwriting variants submitted
// together. TotalVariants is fixed at creation; CompletedCount counts variants
// in a terminal state and never decreases; CreditsUsed equals the number of
// variants that reached COMPLETED.
type BatchJob struct {
	ID             string
	UserID         string
	Name           string
	Text           string
	TotalVariants  int
	CompletedCount int
	CreditsUsed    int
	Status         BatchStatus
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

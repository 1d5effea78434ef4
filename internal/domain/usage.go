package domain

// UsageEvent is one aggregate reporting entry emitted when a batch finishes.
type UsageEvent struct {
	UserID     string
	BatchJobID string
	EventType  string
	Success    bool
	Properties map[string]any
}

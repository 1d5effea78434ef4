package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"scribe/internal/domain"
)

// UsageRepo appends usage events for reporting.
type UsageRepo struct {
	db DB
}

// NewUsageRepo creates a usage event repository.
func NewUsageRepo(db DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Insert appends one usage event.
func (r *UsageRepo) Insert(ctx context.Context, event *domain.UsageEvent) error {
	properties := event.Properties
	if properties == nil {
		properties = map[string]any{}
	}
	props, err := json.Marshal(properties)
	if err != nil {
		return fmt.Errorf("encode properties: %w", err)
	}
	query := `
INSERT INTO usage_events (id, user_id, batch_job_id, event_type, success, properties, created_at)
VALUES (gen_random_uuid(), $1, NULLIF($2, '')::uuid, $3, $4, $5, NOW());
`
	_, err = r.db.Exec(ctx, query, event.UserID, event.BatchJobID, event.EventType, event.Success, props)
	return err
}

var _ domain.UsageRepository = (*UsageRepo)(nil)

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/tradepilot/engine/internal/models"
)

// EventRepository appends improvement events. The table is the audit trail:
// rows are never updated or deleted.
type EventRepository struct {
	pool DatabasePool
}

func NewEventRepository(pool DatabasePool) *EventRepository {
	return &EventRepository{pool: pool}
}

// Append writes one audit event.
func (r *EventRepository) Append(ctx context.Context, ev models.ImprovementEvent) error {
	query := `
		INSERT INTO improvement_events
			(id, event_type, component_id, trigger_reason,
			 before_state, after_state, automated, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.pool.Exec(ctx, query,
		ev.ID, ev.EventType, ev.ComponentID, ev.TriggerReason,
		ev.Before, ev.After, ev.Automated, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ExistsOn reports whether an event of the given type was already recorded on
// the calendar day containing ts. Backs the once-per-day summary guard.
func (r *EventRepository) ExistsOn(ctx context.Context, eventType string, ts time.Time) (bool, error) {
	dayStart := time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, ts.Location())
	dayEnd := dayStart.Add(24 * time.Hour)

	query := `
		SELECT EXISTS (
			SELECT 1 FROM improvement_events
			WHERE event_type = $1 AND created_at >= $2 AND created_at < $3
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, eventType, dayStart, dayEnd).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check events: %w", err)
	}

	return exists, nil
}

// Recent returns the newest events, for the status API.
func (r *EventRepository) Recent(ctx context.Context, limit int) ([]models.ImprovementEvent, error) {
	query := `
		SELECT id, event_type, component_id, trigger_reason,
			before_state, after_state, automated, created_at
		FROM improvement_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []models.ImprovementEvent
	for rows.Next() {
		var ev models.ImprovementEvent
		err := rows.Scan(
			&ev.ID, &ev.EventType, &ev.ComponentID, &ev.TriggerReason,
			&ev.Before, &ev.After, &ev.Automated, &ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

package postgres

import (
	"context"
	"database/sql"
	"strings"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

// EventPostgres stores document lifecycle events.
type EventPostgres struct {
	db *sql.DB
}

// NewEventPostgres creates a new EventPostgres repository.
func NewEventPostgres(db *sql.DB) *EventPostgres {
	return &EventPostgres{db: db}
}

var _ repository.EventRepository = (*EventPostgres)(nil)

// Append inserts ev unless (access_key, code, sequence) is already stored.
func (r *EventPostgres) Append(ctx context.Context, ev model.DocumentEvent) (bool, error) {
	const q = `
		INSERT INTO document_events (access_key, code, sequence, type, protocol, description, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (access_key, code, sequence) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, q,
		ev.AccessKey, ev.Code, ev.Sequence, ev.Type, ev.Protocol, ev.Description, ev.OccurredAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListByAccessKey returns the events of a key in occurrence order.
func (r *EventPostgres) ListByAccessKey(ctx context.Context, accessKey string) ([]model.DocumentEvent, error) {
	const q = `
		SELECT access_key, code, sequence, type, protocol, description, occurred_at
		FROM document_events
		WHERE access_key = $1
		ORDER BY occurred_at, code, sequence
	`
	rows, err := r.db.QueryContext(ctx, q, accessKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.DocumentEvent, 0)
	for rows.Next() {
		var ev model.DocumentEvent
		if err := rows.Scan(&ev.AccessKey, &ev.Code, &ev.Sequence, &ev.Type, &ev.Protocol, &ev.Description, &ev.OccurredAt); err != nil {
			return nil, err
		}
		ev.AccessKey = strings.TrimSpace(ev.AccessKey)
		out = append(out, ev)
	}
	return out, rows.Err()
}

package repository

import (
	"context"
	"time"

	"dfeingest/internal/model"
)

// CursorRepository is the keyed store of distribution cursors, one row per
// (taxpayer, document type).
type CursorRepository interface {
	// Get returns the cursor for the pair; a pair never fetched yields a zero
	// cursor, not an error.
	Get(ctx context.Context, taxpayerID string, docType model.DocumentType) (*model.FetchCursor, error)

	// Advance moves LastNSU forward to nsu and stamps LastSyncAt. A smaller
	// nsu never moves the cursor back.
	Advance(ctx context.Context, taxpayerID string, docType model.DocumentType, nsu uint64, syncedAt time.Time) error

	// SetRateLimited records the deadline before which the pair must not be
	// queried. A nil deadline clears it.
	SetRateLimited(ctx context.Context, taxpayerID string, docType model.DocumentType, until *time.Time) error

	// List returns every stored cursor.
	List(ctx context.Context) ([]model.FetchCursor, error)
}

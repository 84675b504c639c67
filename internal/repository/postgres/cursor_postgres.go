package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

// CursorPostgres stores one distribution cursor per (taxpayer, document type).
type CursorPostgres struct {
	db *sql.DB
}

// NewCursorPostgres creates a new CursorPostgres repository.
func NewCursorPostgres(db *sql.DB) *CursorPostgres {
	return &CursorPostgres{db: db}
}

var _ repository.CursorRepository = (*CursorPostgres)(nil)

// Get returns the stored cursor or a zero cursor for a new pair.
func (r *CursorPostgres) Get(ctx context.Context, taxpayerID string, docType model.DocumentType) (*model.FetchCursor, error) {
	const q = `
		SELECT taxpayer_id, document_type, last_nsu, last_sync_at, rate_limited_until
		FROM fetch_cursors
		WHERE taxpayer_id = $1 AND document_type = $2
	`
	c, err := scanCursor(r.db.QueryRowContext(ctx, q, taxpayerID, docType))
	if errors.Is(err, sql.ErrNoRows) {
		return &model.FetchCursor{TaxpayerID: taxpayerID, DocumentType: docType}, nil
	}
	return c, err
}

// Advance upserts the cursor; GREATEST keeps last_nsu monotonic even when
// two writers race.
func (r *CursorPostgres) Advance(ctx context.Context, taxpayerID string, docType model.DocumentType, nsu uint64, syncedAt time.Time) error {
	const q = `
		INSERT INTO fetch_cursors (taxpayer_id, document_type, last_nsu, last_sync_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (taxpayer_id, document_type) DO UPDATE
		SET last_nsu = GREATEST(fetch_cursors.last_nsu, EXCLUDED.last_nsu),
		    last_sync_at = EXCLUDED.last_sync_at
	`
	_, err := r.db.ExecContext(ctx, q, taxpayerID, docType, int64(nsu), syncedAt)
	return err
}

// SetRateLimited upserts the rate limit deadline of the pair.
func (r *CursorPostgres) SetRateLimited(ctx context.Context, taxpayerID string, docType model.DocumentType, until *time.Time) error {
	const q = `
		INSERT INTO fetch_cursors (taxpayer_id, document_type, rate_limited_until)
		VALUES ($1, $2, $3)
		ON CONFLICT (taxpayer_id, document_type) DO UPDATE
		SET rate_limited_until = EXCLUDED.rate_limited_until
	`
	_, err := r.db.ExecContext(ctx, q, taxpayerID, docType, until)
	return err
}

// List returns every cursor ordered by pair.
func (r *CursorPostgres) List(ctx context.Context) ([]model.FetchCursor, error) {
	const q = `
		SELECT taxpayer_id, document_type, last_nsu, last_sync_at, rate_limited_until
		FROM fetch_cursors
		ORDER BY taxpayer_id, document_type
	`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.FetchCursor, 0)
	for rows.Next() {
		c, err := scanCursor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanCursor(s rowScanner) (*model.FetchCursor, error) {
	var (
		c         model.FetchCursor
		nsu       int64
		syncedAt  sql.NullTime
		limitedAt sql.NullTime
	)
	if err := s.Scan(&c.TaxpayerID, &c.DocumentType, &nsu, &syncedAt, &limitedAt); err != nil {
		return nil, err
	}
	c.LastNSU = uint64(nsu)
	if syncedAt.Valid {
		t := syncedAt.Time
		c.LastSyncAt = &t
	}
	if limitedAt.Valid {
		t := limitedAt.Time
		c.RateLimitedUntil = &t
	}
	return &c, nil
}

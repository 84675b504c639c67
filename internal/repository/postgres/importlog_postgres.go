package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

// ImportLogPostgres is the append-only ingestion ledger.
type ImportLogPostgres struct {
	db *sql.DB
}

// NewImportLogPostgres creates a new ImportLogPostgres repository.
func NewImportLogPostgres(db *sql.DB) *ImportLogPostgres {
	return &ImportLogPostgres{db: db}
}

var _ repository.ImportLogRepository = (*ImportLogPostgres)(nil)

// Append inserts e and fills in the generated ID and timestamp.
func (r *ImportLogPostgres) Append(ctx context.Context, e *model.ImportLogEntry) error {
	const q = `
		INSERT INTO import_log (taxpayer_id, document_type, channel, nsu, access_key, outcome,
			error_kind, error_detail, payload_ref, document_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, at
	`
	var nsu sql.NullInt64
	if e.NSU != nil {
		nsu = sql.NullInt64{Int64: int64(*e.NSU), Valid: true}
	}
	var docID sql.NullString
	if e.DocumentID != "" {
		docID = sql.NullString{String: e.DocumentID, Valid: true}
	}
	return r.db.QueryRowContext(ctx, q,
		e.TaxpayerID, e.DocumentType, e.Channel, nsu, e.AccessKey, e.Outcome,
		e.ErrorKind, e.ErrorDetail, e.PayloadRef, docID,
	).Scan(&e.ID, &e.At)
}

// List returns ledger entries newest first.
func (r *ImportLogPostgres) List(ctx context.Context, f repository.ImportLogFilter) (*repository.PageResult[model.ImportLogEntry], error) {
	where, args := importLogWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM import_log`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	n := len(args)
	q := `SELECT id, at, taxpayer_id, document_type, channel, nsu, access_key, outcome,
			error_kind, error_detail, payload_ref, document_id
		FROM import_log` + where +
		fmt.Sprintf(` ORDER BY at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.db.QueryContext(ctx, q, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.ImportLogEntry, 0)
	for rows.Next() {
		var (
			e     model.ImportLogEntry
			nsu   sql.NullInt64
			docID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.At, &e.TaxpayerID, &e.DocumentType, &e.Channel, &nsu, &e.AccessKey,
			&e.Outcome, &e.ErrorKind, &e.ErrorDetail, &e.PayloadRef, &docID); err != nil {
			return nil, err
		}
		if nsu.Valid {
			v := uint64(nsu.Int64)
			e.NSU = &v
		}
		e.DocumentID = docID.String
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &repository.PageResult[model.ImportLogEntry]{Items: items, Total: total}, nil
}

func importLogWhere(f repository.ImportLogFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(expr string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(expr, len(args)))
	}
	if f.TaxpayerID != "" {
		add("taxpayer_id = $%d", f.TaxpayerID)
	}
	if f.DocumentType != "" {
		add("document_type = $%d", f.DocumentType)
	}
	if f.Outcome != "" {
		add("outcome = $%d", f.Outcome)
	}
	if f.AccessKey != "" {
		add("access_key = $%d", f.AccessKey)
	}
	if f.From != nil {
		add("at >= $%d", *f.From)
	}
	if f.To != nil {
		add("at < $%d", *f.To)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

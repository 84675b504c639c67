package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

// DocumentPostgres is a PostgreSQL implementation of repository.DocumentRepository.
// Taxes, lineage and lines are stored as JSONB next to the scalar columns.
type DocumentPostgres struct {
	db *sql.DB
}

// NewDocumentPostgres creates a new DocumentPostgres repository.
func NewDocumentPostgres(db *sql.DB) *DocumentPostgres {
	return &DocumentPostgres{db: db}
}

var _ repository.DocumentRepository = (*DocumentPostgres)(nil)

const documentColumns = `id, access_key, document_type, number, series, issue_date,
		issuer_tax_id, issuer_name, recipient_tax_id, total, products_total, taxes, currency,
		source_channels, payload_ref, schema_variant, status, sub_status, failed_stage, error_detail,
		supplier_ref, supplier_status, item_status, purchase_order_ref, po_status,
		purchase_invoice_ref, invoice_status, cancelled, lines, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(s rowScanner) (*model.Document, error) {
	var (
		d                      model.Document
		taxes, channels, lines []byte
	)
	if err := s.Scan(
		&d.ID, &d.AccessKey, &d.DocumentType, &d.Number, &d.Series, &d.IssueDate,
		&d.IssuerTaxID, &d.IssuerName, &d.RecipientTaxID, &d.Total, &d.ProductsTotal, &taxes, &d.Currency,
		&channels, &d.PayloadRef, &d.SchemaVariant, &d.Status, &d.SubStatus, &d.FailedStage, &d.ErrorDetail,
		&d.SupplierRef, &d.SupplierStatus, &d.ItemStatus, &d.PurchaseOrderRef, &d.POStatus,
		&d.PurchaseInvoiceRef, &d.InvoiceStatus, &d.Cancelled, &lines, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(taxes, &d.Taxes); err != nil {
		return nil, fmt.Errorf("decode taxes: %w", err)
	}
	if err := json.Unmarshal(channels, &d.SourceChannels); err != nil {
		return nil, fmt.Errorf("decode source channels: %w", err)
	}
	if err := json.Unmarshal(lines, &d.Lines); err != nil {
		return nil, fmt.Errorf("decode lines: %w", err)
	}
	d.AccessKey = strings.TrimSpace(d.AccessKey)
	return &d, nil
}

func encodeJSON(parts ...any) ([][]byte, error) {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		b, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

// Create inserts a new document row. A conflicting access key yields
// repository.ErrAlreadyExists and leaves the stored row untouched.
func (r *DocumentPostgres) Create(ctx context.Context, doc *model.Document) (*model.Document, error) {
	enc, err := encodeJSON(doc.Taxes, doc.SourceChannels, doc.Lines)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	const q = `
		INSERT INTO documents (access_key, document_type, number, series, issue_date,
			issuer_tax_id, issuer_name, recipient_tax_id, total, products_total, taxes, currency,
			source_channels, payload_ref, schema_variant, status, cancelled, lines)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (access_key) DO NOTHING
		RETURNING id, created_at, updated_at
	`
	out := *doc
	err = r.db.QueryRowContext(ctx, q,
		doc.AccessKey, doc.DocumentType, doc.Number, doc.Series, doc.IssueDate,
		doc.IssuerTaxID, doc.IssuerName, doc.RecipientTaxID, doc.Total, doc.ProductsTotal, enc[0], doc.Currency,
		enc[1], doc.PayloadRef, doc.SchemaVariant, doc.Status, doc.Cancelled, enc[2],
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindByAccessKey fetches a single document by its access key.
func (r *DocumentPostgres) FindByAccessKey(ctx context.Context, accessKey string) (*model.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE access_key = $1`
	d, err := scanDocument(r.db.QueryRowContext(ctx, q, accessKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return d, err
}

// FindByID fetches a single document by its ID.
func (r *DocumentPostgres) FindByID(ctx context.Context, id string) (*model.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(r.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return d, err
}

// List returns documents using LIMIT/OFFSET pagination and a total count.
func (r *DocumentPostgres) List(ctx context.Context, f repository.DocumentFilter) (*repository.PageResult[model.Document], error) {
	where, args := documentWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	n := len(args)
	qList := `SELECT ` + documentColumns + ` FROM documents` + where +
		fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, n+1, n+2)
	rows, err := r.db.QueryContext(ctx, qList, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]model.Document, 0)
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &repository.PageResult[model.Document]{
		Items: items,
		Total: total,
	}, nil
}

func documentWhere(f repository.DocumentFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if f.DocumentType != "" {
		add("document_type", f.DocumentType)
	}
	if f.Status != "" {
		add("status", f.Status)
	}
	if f.IssuerTaxID != "" {
		add("issuer_tax_id", f.IssuerTaxID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Update writes the mutable part of a document.
func (r *DocumentPostgres) Update(ctx context.Context, doc *model.Document) error {
	enc, err := encodeJSON(doc.SourceChannels, doc.Lines)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	const q = `
		UPDATE documents SET
			source_channels = $2, payload_ref = $3, status = $4, sub_status = $5, failed_stage = $6,
			error_detail = $7, supplier_ref = $8, supplier_status = $9, item_status = $10,
			purchase_order_ref = $11, po_status = $12, purchase_invoice_ref = $13, invoice_status = $14,
			cancelled = $15, lines = $16, updated_at = now()
		WHERE access_key = $1
	`
	res, err := r.db.ExecContext(ctx, q,
		doc.AccessKey, enc[0], doc.PayloadRef, doc.Status, doc.SubStatus, doc.FailedStage,
		doc.ErrorDetail, doc.SupplierRef, doc.SupplierStatus, doc.ItemStatus,
		doc.PurchaseOrderRef, doc.POStatus, doc.PurchaseInvoiceRef, doc.InvoiceStatus,
		doc.Cancelled, enc[1],
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

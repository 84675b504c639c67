package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

// ErrSupplierRequired is returned when an invoice is created for a document
// that has no supplier reference yet.
var ErrSupplierRequired = errors.New("purchase invoice requires a supplier")

// minDescriptionOverlap is the share of description words two items must
// have in common to be treated as the same product.
const minDescriptionOverlap = 0.5

// RecordStore is the PostgreSQL implementation of repository.RecordStore.
// It owns the supplier, item, purchase order and purchase invoice tables.
type RecordStore struct {
	db *sql.DB
}

// NewRecordStore creates a new RecordStore.
func NewRecordStore(db *sql.DB) *RecordStore {
	return &RecordStore{db: db}
}

var _ repository.RecordStore = (*RecordStore)(nil)

// FindSupplierByTaxID looks a supplier up by its clean CNPJ first and then
// by the punctuated form some legacy rows carry.
func (s *RecordStore) FindSupplierByTaxID(ctx context.Context, taxID string) (*model.Supplier, error) {
	const q = `
		SELECT id, tax_id, formatted_tax_id, name, created_at
		FROM suppliers
		WHERE tax_id = $1 OR formatted_tax_id = $2
		ORDER BY (tax_id = $1) DESC
		LIMIT 1
	`
	clean := fiscal.CleanCNPJ(taxID)
	var sup model.Supplier
	err := s.db.QueryRowContext(ctx, q, clean, fiscal.FormatCNPJ(clean)).
		Scan(&sup.Ref, &sup.TaxID, &sup.FormattedTaxID, &sup.Name, &sup.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

// CreateSupplier inserts a supplier keyed by its clean CNPJ.
func (s *RecordStore) CreateSupplier(ctx context.Context, sup *model.Supplier) (*model.Supplier, error) {
	const q = `
		INSERT INTO suppliers (tax_id, formatted_tax_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (tax_id) DO NOTHING
		RETURNING id, created_at
	`
	out := *sup
	out.TaxID = fiscal.CleanCNPJ(sup.TaxID)
	if out.FormattedTaxID == "" {
		out.FormattedTaxID = fiscal.FormatCNPJ(out.TaxID)
	}
	err := s.db.QueryRowContext(ctx, q, out.TaxID, out.FormattedTaxID, out.Name).Scan(&out.Ref, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrAlreadyExists
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// FindItemByCode resolves the internal item for a document line. The
// supplier part number mapping wins; otherwise an item with the same NCM
// and a similar description is accepted.
func (s *RecordStore) FindItemByCode(ctx context.Context, q repository.ItemQuery) (*model.Item, error) {
	if q.SupplierRef != "" && q.SupplierCode != "" {
		const byPart = `
			SELECT i.id, i.code, i.description, i.ncm, i.unit, i.created_at
			FROM items i
			JOIN item_suppliers m ON m.item_id = i.id
			WHERE m.supplier_id = $1 AND m.supplier_part_number = $2
		`
		var it model.Item
		err := s.db.QueryRowContext(ctx, byPart, q.SupplierRef, q.SupplierCode).
			Scan(&it.Ref, &it.Code, &it.Description, &it.NCM, &it.Unit, &it.CreatedAt)
		if err == nil {
			return &it, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	if q.NCM == "" {
		return nil, repository.ErrNotFound
	}
	const byNCM = `
		SELECT id, code, description, ncm, unit, created_at
		FROM items
		WHERE ncm = $1
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, byNCM, q.NCM)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var it model.Item
		if err := rows.Scan(&it.Ref, &it.Code, &it.Description, &it.NCM, &it.Unit, &it.CreatedAt); err != nil {
			return nil, err
		}
		if descriptionOverlap(q.Description, it.Description) >= minDescriptionOverlap {
			return &it, nil
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nil, repository.ErrNotFound
}

// CreateItem inserts an item and, when the query names a supplier part
// number, the mapping from that part number to the new item.
func (s *RecordStore) CreateItem(ctx context.Context, q repository.ItemQuery, item *model.Item) (*model.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := *item
	const ins = `
		INSERT INTO items (code, description, ncm, unit)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at
	`
	if err := tx.QueryRowContext(ctx, ins, item.Code, item.Description, item.NCM, item.Unit).
		Scan(&out.Ref, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}

	if q.SupplierRef != "" && q.SupplierCode != "" {
		const link = `
			INSERT INTO item_suppliers (supplier_id, supplier_part_number, item_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (supplier_id, supplier_part_number) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, link, q.SupplierRef, q.SupplierCode, out.Ref); err != nil {
			return nil, fmt.Errorf("link item supplier: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindOpenPurchaseOrders lists the open orders of a supplier.
func (s *RecordStore) FindOpenPurchaseOrders(ctx context.Context, supplierRef string) ([]model.PurchaseOrder, error) {
	const q = `
		SELECT id, supplier_id, total, order_date, status
		FROM purchase_orders
		WHERE supplier_id = $1 AND status = $2
		ORDER BY order_date, id
	`
	rows, err := s.db.QueryContext(ctx, q, supplierRef, model.RecordOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PurchaseOrder, 0)
	for rows.Next() {
		var po model.PurchaseOrder
		if err := rows.Scan(&po.Ref, &po.SupplierRef, &po.Total, &po.OrderDate, &po.Status); err != nil {
			return nil, err
		}
		out = append(out, po)
	}
	return out, rows.Err()
}

const invoiceColumns = `id, supplier_id, COALESCE(access_key, ''), purchase_order_ref, total, invoice_date, status, created_at`

func scanInvoice(r rowScanner) (*model.PurchaseInvoice, error) {
	var inv model.PurchaseInvoice
	if err := r.Scan(&inv.Ref, &inv.SupplierRef, &inv.AccessKey, &inv.PurchaseOrderRef,
		&inv.Total, &inv.InvoiceDate, &inv.Status, &inv.CreatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

// FindPurchaseInvoices lists the non-cancelled invoices of a supplier.
func (s *RecordStore) FindPurchaseInvoices(ctx context.Context, supplierRef string) ([]model.PurchaseInvoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM purchase_invoices
		WHERE supplier_id = $1 AND status <> $2
		ORDER BY invoice_date, id`
	rows, err := s.db.QueryContext(ctx, q, supplierRef, model.RecordCancelled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.PurchaseInvoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// FindPurchaseInvoiceByAccessKey returns the invoice linked to a key.
func (s *RecordStore) FindPurchaseInvoiceByAccessKey(ctx context.Context, accessKey string) (*model.PurchaseInvoice, error) {
	q := `SELECT ` + invoiceColumns + ` FROM purchase_invoices WHERE access_key = $1`
	inv, err := scanInvoice(s.db.QueryRowContext(ctx, q, accessKey))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return inv, err
}

// CreatePurchaseInvoice creates the invoice record for doc. An invoice that
// already carries the access key is returned instead of a new row.
func (s *RecordStore) CreatePurchaseInvoice(ctx context.Context, doc *model.Document, purchaseOrderRef string) (*model.PurchaseInvoice, error) {
	if doc.SupplierRef == "" {
		return nil, ErrSupplierRequired
	}
	const q = `
		INSERT INTO purchase_invoices (supplier_id, access_key, purchase_order_ref, total, invoice_date, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (access_key) DO NOTHING
		RETURNING id, created_at
	`
	inv := model.PurchaseInvoice{
		SupplierRef:      doc.SupplierRef,
		AccessKey:        doc.AccessKey,
		PurchaseOrderRef: purchaseOrderRef,
		Total:            doc.Total,
		InvoiceDate:      doc.IssueDate,
		Status:           model.RecordOpen,
	}
	err := s.db.QueryRowContext(ctx, q,
		inv.SupplierRef, inv.AccessKey, inv.PurchaseOrderRef, inv.Total, inv.InvoiceDate, inv.Status,
	).Scan(&inv.Ref, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s.FindPurchaseInvoiceByAccessKey(ctx, doc.AccessKey)
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// LinkPurchaseInvoice attaches an existing invoice to an access key.
func (s *RecordStore) LinkPurchaseInvoice(ctx context.Context, invoiceRef, accessKey string) error {
	return s.execOne(ctx, `UPDATE purchase_invoices SET access_key = $2 WHERE id = $1`, invoiceRef, accessKey)
}

// UnlinkPurchaseInvoice clears the access key of an invoice.
func (s *RecordStore) UnlinkPurchaseInvoice(ctx context.Context, invoiceRef string) error {
	return s.execOne(ctx, `UPDATE purchase_invoices SET access_key = NULL WHERE id = $1`, invoiceRef)
}

func (s *RecordStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
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

// descriptionOverlap is the share of words of a found in b, case-insensitive.
func descriptionOverlap(a, b string) float64 {
	wa, wb := words(a), words(b)
	if len(wa) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(wb))
	for _, w := range wb {
		set[w] = struct{}{}
	}
	hits := 0
	for _, w := range wa {
		if _, ok := set[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(wa))
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

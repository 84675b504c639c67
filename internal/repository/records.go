package repository

import (
	"context"

	"dfeingest/internal/model"
)

// ItemQuery describes a document line for item resolution.
type ItemQuery struct {
	SupplierRef  string
	SupplierCode string
	NCM          string
	Description  string
}

// RecordStore is the purchasing system the pipeline reconciles against.
// Every create is idempotent on its natural key: tax id for suppliers,
// supplier part number for items and access key for purchase invoices.
type RecordStore interface {
	// FindSupplierByTaxID matches the bare digits first and then the
	// punctuated form. It returns ErrNotFound when neither matches.
	FindSupplierByTaxID(ctx context.Context, taxID string) (*model.Supplier, error)
	CreateSupplier(ctx context.Context, s *model.Supplier) (*model.Supplier, error)

	// FindItemByCode matches by supplier part number, then by NCM plus
	// description similarity. It returns ErrNotFound when nothing qualifies.
	FindItemByCode(ctx context.Context, q ItemQuery) (*model.Item, error)
	CreateItem(ctx context.Context, q ItemQuery, item *model.Item) (*model.Item, error)

	FindOpenPurchaseOrders(ctx context.Context, supplierRef string) ([]model.PurchaseOrder, error)
	FindPurchaseInvoices(ctx context.Context, supplierRef string) ([]model.PurchaseInvoice, error)
	FindPurchaseInvoiceByAccessKey(ctx context.Context, accessKey string) (*model.PurchaseInvoice, error)

	CreatePurchaseInvoice(ctx context.Context, doc *model.Document, purchaseOrderRef string) (*model.PurchaseInvoice, error)
	LinkPurchaseInvoice(ctx context.Context, invoiceRef, accessKey string) error
	UnlinkPurchaseInvoice(ctx context.Context, invoiceRef string) error
}

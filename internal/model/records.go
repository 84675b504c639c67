package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Supplier is the purchasing-side record of a document issuer.
type Supplier struct {
	Ref            string    `json:"ref"`
	TaxID          string    `json:"tax_id"`
	FormattedTaxID string    `json:"formatted_tax_id"`
	Name           string    `json:"name"`
	CreatedAt      time.Time `json:"created_at"`
}

// Item is a purchasable product or service.
type Item struct {
	Ref         string    `json:"ref"`
	Code        string    `json:"code"`
	Description string    `json:"description"`
	NCM         string    `json:"ncm,omitempty"`
	Unit        string    `json:"unit,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Purchase order and invoice states used by the record store.
const (
	RecordOpen      = "open"
	RecordClosed    = "closed"
	RecordCancelled = "cancelled"
)

// PurchaseOrder is an order placed with a supplier.
type PurchaseOrder struct {
	Ref         string          `json:"ref"`
	SupplierRef string          `json:"supplier_ref"`
	Total       decimal.Decimal `json:"total"`
	OrderDate   time.Time       `json:"order_date"`
	Status      string          `json:"status"`
}

// PurchaseInvoice is the accounts-payable record of a received document.
type PurchaseInvoice struct {
	Ref              string          `json:"ref"`
	SupplierRef      string          `json:"supplier_ref"`
	AccessKey        string          `json:"access_key,omitempty"`
	PurchaseOrderRef string          `json:"purchase_order_ref,omitempty"`
	Total            decimal.Decimal `json:"total"`
	InvoiceDate      time.Time       `json:"invoice_date"`
	Status           string          `json:"status"`
	CreatedAt        time.Time       `json:"created_at"`
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the processing state of a Document.
type Status string

const (
	StatusNew                Status = "New"
	StatusParsed             Status = "Parsed"
	StatusSupplierProcessing Status = "SupplierProcessing"
	StatusItemProcessing     Status = "ItemProcessing"
	StatusPOMatching         Status = "POMatching"
	StatusInvoiceCreation    Status = "InvoiceCreation"
	StatusCompleted          Status = "Completed"
	StatusCancelled          Status = "Cancelled"
	StatusError              Status = "Error"
)

// Terminal reports whether no further stage may run.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// SubStatus qualifies a non-advancing stop inside a stage.
type SubStatus string

const (
	SubStatusNone       SubStatus = ""
	SubStatusPartial    SubStatus = "Partial"
	SubStatusUnresolved SubStatus = "Unresolved"
)

// Per-stage outcome values.
const (
	SupplierLinked     = "Linked"
	SupplierCreated    = "Created"
	SupplierNotFound   = "NotFound"
	SupplierFailed     = "Failed"
	SupplierOverridden = "Overridden"

	ItemsAllResolved = "AllResolved"
	ItemsPartial     = "Partial"
	ItemsFailed      = "Failed"

	ItemLinked     = "Linked"
	ItemCreated    = "Created"
	ItemFailed     = "Failed"
	ItemOverridden = "Overridden"

	POLinked        = "Linked"
	PONotFound      = "NotFound"
	PONotApplicable = "NotApplicable"
	POAmbiguous     = "Ambiguous"
	POOverridden    = "Overridden"

	InvoiceCreated    = "Created"
	InvoiceLinked     = "Linked"
	InvoiceSkipped    = "Skipped"
	InvoiceOverridden = "Overridden"
)

// Document is the canonical representation of one fiscal document.
type Document struct {
	ID           string       `json:"id"`
	AccessKey    string       `json:"access_key"`
	DocumentType DocumentType `json:"document_type"`
	Number       string       `json:"number"`
	Series       string       `json:"series"`
	IssueDate    time.Time    `json:"issue_date"`

	IssuerTaxID    string `json:"issuer_tax_id"`
	IssuerName     string `json:"issuer_name"`
	RecipientTaxID string `json:"recipient_tax_id"`

	Total         decimal.Decimal `json:"total"`
	ProductsTotal decimal.Decimal `json:"products_total"`
	Taxes         TaxBreakdown    `json:"taxes"`
	Currency      string          `json:"currency"`

	SourceChannels []SourceChannel `json:"source_channels"`
	PayloadRef     string          `json:"payload_ref"`
	SchemaVariant  SchemaVariant   `json:"schema_variant"`

	Status             Status    `json:"status"`
	SubStatus          SubStatus `json:"sub_status,omitempty"`
	FailedStage        Status    `json:"failed_stage,omitempty"`
	ErrorDetail        string    `json:"error_detail,omitempty"`
	SupplierRef        string    `json:"supplier_ref,omitempty"`
	SupplierStatus     string    `json:"supplier_status,omitempty"`
	ItemStatus         string    `json:"item_status,omitempty"`
	PurchaseOrderRef   string    `json:"purchase_order_ref,omitempty"`
	POStatus           string    `json:"po_status,omitempty"`
	PurchaseInvoiceRef string    `json:"purchase_invoice_ref,omitempty"`
	InvoiceStatus      string    `json:"invoice_status,omitempty"`
	Cancelled          bool      `json:"cancelled"`

	Events []DocumentEvent `json:"events"`
	Lines  []DocumentLine  `json:"lines"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DocumentLine is one goods or service line of a Document.
type DocumentLine struct {
	Number      int             `json:"number"`
	ProductCode string          `json:"product_code"`
	EAN         string          `json:"ean,omitempty"`
	Description string          `json:"description"`
	NCM         string          `json:"ncm,omitempty"`
	CFOP        string          `json:"cfop,omitempty"`
	CST         string          `json:"cst,omitempty"`
	ServiceCode string          `json:"service_code,omitempty"`
	Unit        string          `json:"unit,omitempty"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitValue   decimal.Decimal `json:"unit_value"`
	Total       decimal.Decimal `json:"total"`
	Taxes       TaxBreakdown    `json:"taxes"`
	ItemRef     string          `json:"item_ref,omitempty"`
	ItemStatus  string          `json:"item_status,omitempty"`
}

// ItemRefs returns the resolved item reference of every line, in line order.
// Unresolved lines yield an empty string.
func (d *Document) ItemRefs() []string {
	out := make([]string, len(d.Lines))
	for i, l := range d.Lines {
		out[i] = l.ItemRef
	}
	return out
}

// HasChannel reports whether ch is already part of the lineage.
func (d *Document) HasChannel(ch SourceChannel) bool {
	for _, c := range d.SourceChannels {
		if c == ch {
			return true
		}
	}
	return false
}

// AddChannel appends ch to the lineage if missing and reports whether it changed.
func (d *Document) AddChannel(ch SourceChannel) bool {
	if d.HasChannel(ch) {
		return false
	}
	d.SourceChannels = append(d.SourceChannels, ch)
	return true
}

// UnresolvedLines returns the indexes of lines without an item reference.
func (d *Document) UnresolvedLines() []int {
	var out []int
	for i, l := range d.Lines {
		if l.ItemRef == "" {
			out = append(out, i)
		}
	}
	return out
}

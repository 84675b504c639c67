package parser

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"dfeingest/internal/fiscal"
	"dfeingest/internal/model"
)

var lineTolerance = decimal.New(1, -2)

// canonicalize applies the checks and normalizations shared by every variant.
func canonicalize(doc *model.Document) error {
	v := doc.SchemaVariant

	key := fiscal.CleanAccessKey(doc.AccessKey)
	if err := fiscal.ValidateAccessKey(key); err != nil {
		return &ParseError{Variant: v, Field: "accessKey", Reason: err.Error(), Err: err}
	}
	parts, err := fiscal.ParseAccessKey(key)
	if err != nil {
		return &ParseError{Variant: v, Field: "accessKey", Reason: err.Error(), Err: err}
	}
	if t, ok := fiscal.DocumentTypeForModel(parts.Model); !ok || t != doc.DocumentType {
		return fieldErr(v, "accessKey", fmt.Sprintf("model %s does not identify a %s", parts.Model, doc.DocumentType))
	}
	doc.AccessKey = key

	issuer := fiscal.CleanCNPJ(doc.IssuerTaxID)
	switch len(issuer) {
	case 14:
		if err := fiscal.ValidateCNPJ(issuer); err != nil {
			return &ParseError{Variant: v, Field: "issuer", Reason: err.Error(), Err: err}
		}
	case 11:
		// individual issuers (CPF) appear on service invoices
	default:
		return fieldErr(v, "issuer", "missing or malformed tax id")
	}
	doc.IssuerTaxID = issuer
	doc.RecipientTaxID = fiscal.CleanCNPJ(doc.RecipientTaxID)
	doc.IssuerName = strings.TrimSpace(doc.IssuerName)

	if doc.Taxes == nil {
		doc.Taxes = model.TaxBreakdown{}
	}
	for i := range doc.Lines {
		if doc.Lines[i].Taxes == nil {
			doc.Lines[i].Taxes = model.TaxBreakdown{}
		}
	}
	if err := reconcileLines(doc); err != nil {
		return err
	}
	for i := range doc.Events {
		doc.Events[i].AccessKey = key
	}

	doc.Currency = model.CurrencyBRL
	doc.Status = model.StatusNew
	return nil
}

// reconcileLines checks that line totals add up to the goods/services
// subtotal within one cent per line and folds the rounding residual into the
// last line.
func reconcileLines(doc *model.Document) error {
	n := len(doc.Lines)
	if n == 0 {
		return nil
	}
	sum := decimal.Zero
	for _, l := range doc.Lines {
		sum = sum.Add(l.Total)
	}
	residual := doc.ProductsTotal.Sub(sum)
	if residual.IsZero() {
		return nil
	}
	if residual.Abs().GreaterThan(lineTolerance.Mul(decimal.NewFromInt(int64(n)))) {
		return fieldErr(doc.SchemaVariant, "lines", fmt.Sprintf("line totals %s do not reconcile with subtotal %s", sum.StringFixed(2), doc.ProductsTotal.StringFixed(2)))
	}
	last := &doc.Lines[n-1]
	last.Total = last.Total.Add(residual)
	return nil
}

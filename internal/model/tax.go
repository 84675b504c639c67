package model

import (
	"sort"

	"github.com/shopspring/decimal"
)

// TaxCode is the canonical tax enumeration every schema variant maps onto.
type TaxCode string

const (
	TaxICMS   TaxCode = "ICMS"    // state VAT on goods and transport
	TaxICMSST TaxCode = "ICMS_ST" // ICMS tax substitution
	TaxIPI    TaxCode = "IPI"     // federal excise
	TaxII     TaxCode = "II"      // import duty
	TaxPIS    TaxCode = "PIS"
	TaxCOFINS TaxCode = "COFINS"
	TaxCSLL   TaxCode = "CSLL"
	TaxIRRF   TaxCode = "IRRF"
	TaxINSS   TaxCode = "INSS"
	TaxISS    TaxCode = "ISS" // municipal service tax
)

// TaxAmount is one entry of a tax breakdown.
type TaxAmount struct {
	Base  decimal.Decimal `json:"base"`
	Rate  decimal.Decimal `json:"rate"`
	Value decimal.Decimal `json:"value"`
}

// IsZero reports whether every component is zero.
func (t TaxAmount) IsZero() bool {
	return t.Base.IsZero() && t.Rate.IsZero() && t.Value.IsZero()
}

// TaxBreakdown maps canonical tax codes to amounts.
type TaxBreakdown map[TaxCode]TaxAmount

// Add accumulates base and value for code. Rates do not sum: the rate is
// kept while every added amount agrees on it and collapses to zero when
// amounts carry mixed rates.
func (b TaxBreakdown) Add(code TaxCode, amt TaxAmount) {
	if amt.IsZero() {
		return
	}
	cur, ok := b[code]
	if !ok {
		b[code] = amt
		return
	}
	cur.Base = cur.Base.Add(amt.Base)
	cur.Value = cur.Value.Add(amt.Value)
	if !cur.Rate.Equal(amt.Rate) {
		cur.Rate = decimal.Zero
	}
	b[code] = cur
}

// Codes returns the codes present, sorted.
func (b TaxBreakdown) Codes() []TaxCode {
	out := make([]TaxCode, 0, len(b))
	for c := range b {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

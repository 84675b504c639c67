package model

import "github.com/shopspring/decimal"

// MatchCandidate is the scored outcome of reconciling a Document against one
// purchase order or purchase invoice.
type MatchCandidate struct {
	Ref           string          `json:"ref"`
	Score         decimal.Decimal `json:"score"`
	ValueDelta    decimal.Decimal `json:"value_delta"`
	DateDeltaDays int             `json:"date_delta_days"`
	SupplierMatch bool            `json:"supplier_match"`
}

// Package matching scores purchase orders and purchase invoices against a
// fiscal document. Everything here is pure: no I/O, no defaults, no state.
package matching

import (
	"errors"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"dfeingest/internal/model"
)

// ErrReconciliationAmbiguous is returned with the top candidate when the two
// best candidates cannot be told apart by value or date.
var ErrReconciliationAmbiguous = errors.New("reconciliation ambiguous: candidates tie on value and date")

// Candidate is a business record that may correspond to a Document.
type Candidate struct {
	Ref         string
	SupplierRef string
	Total       decimal.Decimal
	Date        time.Time
	// Inactive marks cancelled or closed records.
	Inactive bool
}

// Options are the caller-supplied matching bounds.
type Options struct {
	TolerancePercent decimal.Decimal
	DateRangeDays    int
}

var hundred = decimal.NewFromInt(100)

// MatchPurchaseOrder returns the best open purchase order for doc, nil when no
// candidate survives filtering, or the best candidate together with
// ErrReconciliationAmbiguous.
func MatchPurchaseOrder(doc *model.Document, candidates []Candidate, opts Options) (*model.MatchCandidate, error) {
	return best(doc, candidates, opts)
}

// MatchPurchaseInvoice applies the same ranking to existing purchase invoices.
func MatchPurchaseInvoice(doc *model.Document, candidates []Candidate, opts Options) (*model.MatchCandidate, error) {
	return best(doc, candidates, opts)
}

// Rank returns every surviving candidate, best first.
func Rank(doc *model.Document, candidates []Candidate, opts Options) []model.MatchCandidate {
	limit := opts.TolerancePercent.Div(hundred)
	var out []model.MatchCandidate
	for _, c := range candidates {
		if c.Inactive || doc.SupplierRef == "" || c.SupplierRef != doc.SupplierRef {
			continue
		}
		days := dayDelta(doc.IssueDate, c.Date)
		if days > opts.DateRangeDays {
			continue
		}
		delta, ok := valueDelta(doc.Total, c.Total)
		if !ok || delta.GreaterThan(limit) {
			continue
		}
		out = append(out, model.MatchCandidate{
			Ref:           c.Ref,
			Score:         decimal.NewFromInt(1).Sub(delta),
			ValueDelta:    delta,
			DateDeltaDays: days,
			SupplierMatch: true,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.ValueDelta.Equal(b.ValueDelta) {
			return a.ValueDelta.LessThan(b.ValueDelta)
		}
		if a.DateDeltaDays != b.DateDeltaDays {
			return a.DateDeltaDays < b.DateDeltaDays
		}
		return a.Ref < b.Ref
	})
	return out
}

func best(doc *model.Document, candidates []Candidate, opts Options) (*model.MatchCandidate, error) {
	ranked := Rank(doc, candidates, opts)
	if len(ranked) == 0 {
		return nil, nil
	}
	top := ranked[0]
	if len(ranked) > 1 {
		next := ranked[1]
		if top.ValueDelta.Equal(next.ValueDelta) && top.DateDeltaDays == next.DateDeltaDays {
			return &top, ErrReconciliationAmbiguous
		}
	}
	return &top, nil
}

// valueDelta is |c-d|/d. A zero document total only matches a zero candidate.
func valueDelta(docTotal, candTotal decimal.Decimal) (decimal.Decimal, bool) {
	diff := candTotal.Sub(docTotal).Abs()
	if docTotal.IsZero() {
		return decimal.Zero, diff.IsZero()
	}
	return diff.Div(docTotal.Abs()), true
}

// dayDelta counts calendar days between a and b in a's location.
func dayDelta(a, b time.Time) int {
	loc := a.Location()
	b = b.In(loc)
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}

package parser

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"dfeingest/internal/model"
)

// brasilia is used for timestamps that carry no offset (ABRASF, dEmi dates).
var brasilia = time.FixedZone("BRT", -3*60*60)

// normalizeNumber converts "1.234,56" or "1234,56" into "1234.56"; values
// already using a decimal point pass through.
func normalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	return s
}

// requiredDecimal parses a mandatory numeric field.
func requiredDecimal(v model.SchemaVariant, field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, fieldErr(v, field, "missing value")
	}
	d, err := decimal.NewFromString(normalizeNumber(s))
	if err != nil {
		return decimal.Zero, fieldErr(v, field, "invalid number "+s)
	}
	return d, nil
}

// optionalDecimal parses an optional numeric field; blank means zero.
func optionalDecimal(v model.SchemaVariant, field, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return requiredDecimal(v, field, s)
}

// decimals parses several optional fields, stopping at the first error.
type decimals struct {
	variant model.SchemaVariant
	err     error
}

func (d *decimals) opt(field, s string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	out, err := optionalDecimal(d.variant, field, s)
	if err != nil {
		d.err = err
	}
	return out
}

func (d *decimals) req(field, s string) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	out, err := requiredDecimal(d.variant, field, s)
	if err != nil {
		d.err = err
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05.000",
	"2006-01-02",
}

// parseTimestamp accepts RFC3339 with offset, local date-times and plain
// dates; values without an offset are read in Brasilia time.
func parseTimestamp(v model.SchemaVariant, field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fieldErr(v, field, "missing value")
	}
	for _, layout := range timeLayouts {
		var (
			t   time.Time
			err error
		)
		if layout == time.RFC3339 {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, brasilia)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fieldErr(v, field, "invalid timestamp "+s)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

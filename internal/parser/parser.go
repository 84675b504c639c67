// Package parser turns raw fiscal XML payloads into canonical model.Document
// values. Four layouts are supported: NF-e v4, CT-e, national NFS-e and
// municipal ABRASF NFS-e. Lifecycle events and distribution summaries are
// detected so callers can route them, but they do not produce Documents.
package parser

import (
	"errors"
	"fmt"

	"dfeingest/internal/model"
)

var (
	// ErrUnknownSchema is wrapped by ParseError when no variant matches.
	ErrUnknownSchema = errors.New("unrecognized document schema")
	// ErrNotADocument is wrapped when the payload is an event or a summary.
	ErrNotADocument = errors.New("payload is not a fiscal document")
)

// ParseError reports the field that prevented canonicalization.
type ParseError struct {
	Variant model.SchemaVariant
	Field   string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("parse %s: %s: %s", e.Variant, e.Field, e.Reason)
	}
	return fmt.Sprintf("parse: %s: %s", e.Field, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

func fieldErr(v model.SchemaVariant, field, reason string) *ParseError {
	return &ParseError{Variant: v, Field: field, Reason: reason}
}

type variantParser func(raw []byte) (*model.Document, error)

var parsers = map[model.SchemaVariant]variantParser{
	model.VariantNFeV4:        parseNFe,
	model.VariantCTe:          parseCTe,
	model.VariantNFSeNational: parseNFSeNational,
	model.VariantNFSeABRASF:   parseABRASF,
}

// Parse detects the payload layout and returns the canonical Document.
// Failures are *ParseError values.
func Parse(raw []byte) (*model.Document, error) {
	det, err := Detect(raw)
	if err != nil {
		return nil, err
	}
	if det.Kind != KindDocument {
		return nil, &ParseError{
			Field:  "root",
			Reason: fmt.Sprintf("%s is a %s payload", det.Root, det.Kind),
			Err:    ErrNotADocument,
		}
	}
	p, ok := parsers[det.Variant]
	if !ok {
		return nil, &ParseError{Field: "root", Reason: string(det.Variant), Err: ErrUnknownSchema}
	}
	doc, err := p(raw)
	if err != nil {
		return nil, err
	}
	if err := canonicalize(doc); err != nil {
		return nil, err
	}
	return doc, nil
}

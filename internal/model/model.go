// Package model contains the canonical domain types shared by the fetch client,
// parser, ledger and processing pipeline. No persistence or transport logic here.
package model

import "fmt"

// DocumentType identifies the family of fiscal document.
type DocumentType string

const (
	DocumentTypeNFe  DocumentType = "NFe"
	DocumentTypeCTe  DocumentType = "CTe"
	DocumentTypeNFSe DocumentType = "NFSe"
)

// DocumentTypes lists every supported type in a stable order.
var DocumentTypes = []DocumentType{DocumentTypeNFe, DocumentTypeCTe, DocumentTypeNFSe}

// ParseDocumentType accepts the canonical names plus the hyphenated forms
// used by the authority ("NF-e", "CT-e", "NFS-e"), case-insensitively.
func ParseDocumentType(s string) (DocumentType, error) {
	switch normalizeTypeName(s) {
	case "nfe":
		return DocumentTypeNFe, nil
	case "cte":
		return DocumentTypeCTe, nil
	case "nfse":
		return DocumentTypeNFSe, nil
	}
	return "", fmt.Errorf("unknown document type %q", s)
}

func normalizeTypeName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '-' || c == '_' || c == ' ':
			continue
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// SourceChannel records how a document reached the system.
type SourceChannel string

const (
	ChannelAPI   SourceChannel = "api"
	ChannelEmail SourceChannel = "email"
)

// SchemaVariant names the XML layout a document was parsed from.
type SchemaVariant string

const (
	VariantNFeV4        SchemaVariant = "nfe_v4"
	VariantCTe          SchemaVariant = "cte"
	VariantNFSeNational SchemaVariant = "nfse_national"
	VariantNFSeABRASF   SchemaVariant = "nfse_abrasf"
)

// CurrencyBRL is the only currency documents are issued in.
const CurrencyBRL = "BRL"

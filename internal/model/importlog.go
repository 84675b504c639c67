package model

import "time"

// ImportOutcome is the result of one ingestion attempt.
type ImportOutcome string

const (
	OutcomeSuccess   ImportOutcome = "success"
	OutcomeDuplicate ImportOutcome = "duplicate"
	OutcomeSkipped   ImportOutcome = "skipped"
	OutcomeError     ImportOutcome = "error"
)

// Error kinds recorded on ledger entries.
const (
	ErrorKindParse          = "ParseError"
	ErrorKindUpstreamSchema = "UpstreamSchemaError"
	ErrorKindDuplicate      = "DuplicateAccessKey"
)

// ImportLogEntry is one append-only ledger record.
type ImportLogEntry struct {
	ID           string        `json:"id"`
	At           time.Time     `json:"at"`
	TaxpayerID   string        `json:"taxpayer_id,omitempty"`
	DocumentType DocumentType  `json:"document_type,omitempty"`
	Channel      SourceChannel `json:"channel"`
	NSU          *uint64       `json:"nsu,omitempty"`
	AccessKey    string        `json:"access_key,omitempty"`
	Outcome      ImportOutcome `json:"outcome"`
	ErrorKind    string        `json:"error_kind,omitempty"`
	ErrorDetail  string        `json:"error_detail,omitempty"`
	PayloadRef   string        `json:"payload_ref,omitempty"`
	DocumentID   string        `json:"document_id,omitempty"`
}

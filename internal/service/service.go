// Package service holds the manual operations exposed over HTTP. It
// validates input, delegates to the fetcher, pipeline, ledger sources and
// repositories, and translates their errors into service errors.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"dfeingest/internal/dfe"
	"dfeingest/internal/model"
	"dfeingest/internal/pipeline"
	"dfeingest/internal/repository"
	"dfeingest/internal/source/email"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// Fetcher runs and probes the distribution feed.
type Fetcher interface {
	Fetch(ctx context.Context, taxpayerID string, docType model.DocumentType) (*dfe.FetchResult, error)
	TestConnection(ctx context.Context, taxpayerID string, docType model.DocumentType) (*dfe.ConnectionStatus, error)
}

// Engine is the processing state machine.
type Engine interface {
	Process(ctx context.Context, accessKey string) (*model.Document, error)
	RunStage(ctx context.Context, accessKey string, stage model.Status) (*model.Document, error)
	Override(ctx context.Context, accessKey string, ov pipeline.Override) (*model.Document, error)
}

type AttachmentIngester interface {
	Ingest(ctx context.Context, a email.Attachment) (*email.Result, error)
}

type Exporter interface {
	ImportLogXLSX(ctx context.Context, f repository.ImportLogFilter) ([]byte, error)
}

// PayloadReader reads stored raw payloads back and issues download links.
type PayloadReader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
	Link(ctx context.Context, ref string, expiry time.Duration) (string, error)
}

// Deps groups the collaborators of Operations.
type Deps struct {
	Fetcher     Fetcher
	Engine      Engine
	Attachments AttachmentIngester
	Exporter    Exporter
	Payloads    PayloadReader
	Documents   repository.DocumentRepository
	Events      repository.EventRepository
	Cursors     repository.CursorRepository
	ImportLog   repository.ImportLogRepository
	Log         *zap.Logger
}

// DocumentView is a document with its events and a payload download link.
type DocumentView struct {
	*model.Document
	Events     []model.DocumentEvent `json:"events"`
	PayloadURL string                `json:"payload_url,omitempty"`
}

// DocumentListResult is the service-level DTO for paginated documents.
type DocumentListResult struct {
	Items []model.Document `json:"data"`
	Total int              `json:"total"`
}

// ImportLogResult is the service-level DTO for paginated ledger entries.
type ImportLogResult struct {
	Items []model.ImportLogEntry `json:"data"`
	Total int                    `json:"total"`
}

// DocumentQuery carries the raw list parameters of GET /documents.
type DocumentQuery struct {
	DocumentType string
	Status       string
	IssuerTaxID  string
	Limit        int
	Offset       int
}

// ImportLogQuery carries the raw list parameters of GET /import-log.
type ImportLogQuery struct {
	TaxpayerID   string
	DocumentType string
	Outcome      string
	AccessKey    string
	From         *time.Time
	To           *time.Time
	Limit        int
	Offset       int
}

// Operations is the manual trigger surface.
type Operations interface {
	FetchNow(ctx context.Context, taxpayerID, docType string) (*dfe.FetchResult, error)
	TestConnection(ctx context.Context, taxpayerID, docType string) (*dfe.ConnectionStatus, error)

	ProcessDocument(ctx context.Context, accessKey string) (*model.Document, error)
	RunStage(ctx context.Context, accessKey, stage string) (*model.Document, error)
	OverrideLinks(ctx context.Context, accessKey string, ov pipeline.Override) (*model.Document, error)

	IngestAttachment(ctx context.Context, a email.Attachment) (*email.Result, error)

	GetDocument(ctx context.Context, accessKey string) (*DocumentView, error)
	GetDocumentPayload(ctx context.Context, accessKey string) ([]byte, error)
	ListDocuments(ctx context.Context, q DocumentQuery) (*DocumentListResult, error)

	GetCursor(ctx context.Context, taxpayerID, docType string) (*model.FetchCursor, error)
	ListCursors(ctx context.Context) ([]model.FetchCursor, error)
	ListImportLog(ctx context.Context, q ImportLogQuery) (*ImportLogResult, error)
	ExportImportLog(ctx context.Context, q ImportLogQuery) ([]byte, error)
}

type operations struct {
	Deps
	log *zap.Logger
}

func NewOperations(d Deps) Operations {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &operations{Deps: d, log: log.With(zap.String("component", "operations"))}
}

// notFound maps repository misses to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

package repository

import (
	"context"

	"dfeingest/internal/model"
)

// DocumentFilter narrows document listings. Zero values match everything.
type DocumentFilter struct {
	DocumentType model.DocumentType
	Status       model.Status
	IssuerTaxID  string
	PageQuery
}

// DocumentRepository persists canonical documents keyed by access key.
type DocumentRepository interface {
	// Create inserts a new document. It returns ErrAlreadyExists when the
	// access key is already stored.
	Create(ctx context.Context, doc *model.Document) (*model.Document, error)

	// FindByAccessKey returns the document with the given key or ErrNotFound.
	FindByAccessKey(ctx context.Context, accessKey string) (*model.Document, error)

	// FindByID returns a document by its ID or ErrNotFound.
	FindByID(ctx context.Context, id string) (*model.Document, error)

	// List returns a page of documents, newest first.
	List(ctx context.Context, f DocumentFilter) (*PageResult[model.Document], error)

	// Update writes lineage, processing state and line resolutions.
	// Identity and financial fields are immutable once stored.
	Update(ctx context.Context, doc *model.Document) error
}

// EventRepository stores lifecycle events independently of documents, since
// an event may arrive before the document it refers to.
type EventRepository interface {
	// Append stores ev and reports whether it was new. Events are unique by
	// (access key, code, sequence).
	Append(ctx context.Context, ev model.DocumentEvent) (bool, error)

	// ListByAccessKey returns the events of a key ordered by occurrence.
	ListByAccessKey(ctx context.Context, accessKey string) ([]model.DocumentEvent, error)
}

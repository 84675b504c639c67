package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dfeingest/internal/model"
	"dfeingest/internal/pipeline"
	"dfeingest/internal/repository"
	"dfeingest/internal/storage"
)

const payloadLinkExpiry = 15 * time.Minute

// GetDocument returns the document with its events. A payload link that
// cannot be issued is logged and left empty.
func (s *operations) GetDocument(ctx context.Context, key string) (*DocumentView, error) {
	key, err := accessKey(key)
	if err != nil {
		return nil, err
	}
	doc, err := s.Documents.FindByAccessKey(ctx, key)
	if err != nil {
		return nil, notFound(err)
	}
	events, err := s.Events.ListByAccessKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	view := &DocumentView{Document: doc, Events: events}
	if events == nil {
		view.Events = []model.DocumentEvent{}
	}
	if doc.PayloadRef != "" && s.Payloads != nil {
		url, err := s.Payloads.Link(ctx, doc.PayloadRef, payloadLinkExpiry)
		if err != nil {
			s.log.Warn("payload_link_failed", zap.String("access_key", key), zap.Error(err))
		} else {
			view.PayloadURL = url
		}
	}
	return view, nil
}

// GetDocumentPayload returns the raw XML the document was parsed from.
func (s *operations) GetDocumentPayload(ctx context.Context, key string) ([]byte, error) {
	key, err := accessKey(key)
	if err != nil {
		return nil, err
	}
	doc, err := s.Documents.FindByAccessKey(ctx, key)
	if err != nil {
		return nil, notFound(err)
	}
	if doc.PayloadRef == "" || s.Payloads == nil {
		return nil, fmt.Errorf("%w: no stored payload for %s", ErrNotFound, key)
	}
	raw, err := s.Payloads.Load(ctx, doc.PayloadRef)
	if errors.Is(err, storage.ErrObjectNotFound) {
		s.log.Warn("payload_missing", zap.String("access_key", key), zap.String("payload_ref", doc.PayloadRef))
		return nil, fmt.Errorf("%w: payload %s", ErrNotFound, doc.PayloadRef)
	}
	if err != nil {
		return nil, fmt.Errorf("load payload: %w", err)
	}
	return raw, nil
}

// ListDocuments returns documents using limit/offset and a total count.
func (s *operations) ListDocuments(ctx context.Context, q DocumentQuery) (*DocumentListResult, error) {
	dt, err := optionalDocumentType(q.DocumentType)
	if err != nil {
		return nil, err
	}
	f := repository.DocumentFilter{
		DocumentType: dt,
		Status:       model.Status(q.Status),
	}
	if q.IssuerTaxID != "" {
		if f.IssuerTaxID, err = taxpayer(q.IssuerTaxID); err != nil {
			return nil, err
		}
	}
	f.Limit, f.Offset = page(q.Limit, q.Offset)

	res, err := s.Documents.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &DocumentListResult{Items: res.Items, Total: res.Total}, nil
}

// ProcessDocument runs the pipeline from the document's current state.
func (s *operations) ProcessDocument(ctx context.Context, key string) (*model.Document, error) {
	key, err := accessKey(key)
	if err != nil {
		return nil, err
	}
	doc, err := s.Engine.Process(ctx, key)
	return doc, s.engineError(err)
}

func (s *operations) RunStage(ctx context.Context, key, stage string) (*model.Document, error) {
	key, err := accessKey(key)
	if err != nil {
		return nil, err
	}
	st, err := pipeline.ParseStage(stage)
	if err != nil {
		return nil, invalid("%v", err)
	}
	doc, err := s.Engine.RunStage(ctx, key, st)
	return doc, s.engineError(err)
}

func (s *operations) OverrideLinks(ctx context.Context, key string, ov pipeline.Override) (*model.Document, error) {
	key, err := accessKey(key)
	if err != nil {
		return nil, err
	}
	if ov.SupplierRef == nil && ov.PurchaseOrderRef == nil && ov.PurchaseInvoiceRef == nil && len(ov.Items) == 0 {
		return nil, invalid("override has no links")
	}
	doc, err := s.Engine.Override(ctx, key, ov)
	return doc, s.engineError(err)
}

// engineError keeps pipeline sentinels visible to the HTTP layer and maps
// missing documents to ErrNotFound. Stage failures pass through unchanged.
func (s *operations) engineError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, pipeline.ErrInvalidStage), errors.Is(err, pipeline.ErrUnknownLine):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return err
}

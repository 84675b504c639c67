package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"dfeingest/internal/dfe"
	"dfeingest/internal/source/email"
)

// FetchNow runs one distribution fetch for the pair. A partial result is
// returned alongside the error when some pages were recorded.
func (s *operations) FetchNow(ctx context.Context, taxpayerID, docType string) (*dfe.FetchResult, error) {
	tp, err := taxpayer(taxpayerID)
	if err != nil {
		return nil, err
	}
	dt, err := documentType(docType)
	if err != nil {
		return nil, err
	}
	s.log.Info("manual_fetch_requested", zap.String("taxpayer_id", tp), zap.String("document_type", string(dt)))
	return s.Fetcher.Fetch(ctx, tp, dt)
}

func (s *operations) TestConnection(ctx context.Context, taxpayerID, docType string) (*dfe.ConnectionStatus, error) {
	tp, err := taxpayer(taxpayerID)
	if err != nil {
		return nil, err
	}
	dt, err := documentType(docType)
	if err != nil {
		return nil, err
	}
	return s.Fetcher.TestConnection(ctx, tp, dt)
}

// IngestAttachment records an uploaded mail attachment. The taxpayer is
// optional for this channel.
func (s *operations) IngestAttachment(ctx context.Context, a email.Attachment) (*email.Result, error) {
	if strings.TrimSpace(a.FileName) == "" {
		return nil, invalid("file name is required")
	}
	if len(a.Content) == 0 {
		return nil, invalid("attachment is empty")
	}
	if a.TaxpayerID != "" {
		tp, err := taxpayer(a.TaxpayerID)
		if err != nil {
			return nil, err
		}
		a.TaxpayerID = tp
	}
	return s.Attachments.Ingest(ctx, a)
}

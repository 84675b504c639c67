package service

import (
	"context"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

func (s *operations) GetCursor(ctx context.Context, taxpayerID, docType string) (*model.FetchCursor, error) {
	tp, err := taxpayer(taxpayerID)
	if err != nil {
		return nil, err
	}
	dt, err := documentType(docType)
	if err != nil {
		return nil, err
	}
	return s.Cursors.Get(ctx, tp, dt)
}

func (s *operations) ListCursors(ctx context.Context) ([]model.FetchCursor, error) {
	cursors, err := s.Cursors.List(ctx)
	if err != nil {
		return nil, err
	}
	if cursors == nil {
		cursors = []model.FetchCursor{}
	}
	return cursors, nil
}

func (s *operations) ListImportLog(ctx context.Context, q ImportLogQuery) (*ImportLogResult, error) {
	f, err := importLogFilter(q)
	if err != nil {
		return nil, err
	}
	f.Limit, f.Offset = page(q.Limit, q.Offset)
	res, err := s.ImportLog.List(ctx, f)
	if err != nil {
		return nil, err
	}
	return &ImportLogResult{Items: res.Items, Total: res.Total}, nil
}

// ExportImportLog renders every matching entry; paging is ignored.
func (s *operations) ExportImportLog(ctx context.Context, q ImportLogQuery) ([]byte, error) {
	f, err := importLogFilter(q)
	if err != nil {
		return nil, err
	}
	return s.Exporter.ImportLogXLSX(ctx, f)
}

func importLogFilter(q ImportLogQuery) (repository.ImportLogFilter, error) {
	var f repository.ImportLogFilter
	if err := dateRange(q.From, q.To); err != nil {
		return f, err
	}
	dt, err := optionalDocumentType(q.DocumentType)
	if err != nil {
		return f, err
	}
	f.DocumentType = dt
	if q.TaxpayerID != "" {
		if f.TaxpayerID, err = taxpayer(q.TaxpayerID); err != nil {
			return f, err
		}
	}
	if q.AccessKey != "" {
		if f.AccessKey, err = accessKey(q.AccessKey); err != nil {
			return f, err
		}
	}
	switch o := model.ImportOutcome(q.Outcome); o {
	case "", model.OutcomeSuccess, model.OutcomeDuplicate, model.OutcomeSkipped, model.OutcomeError:
		f.Outcome = o
	default:
		return f, invalid("unknown outcome %q", q.Outcome)
	}
	f.From, f.To = q.From, q.To
	return f, nil
}

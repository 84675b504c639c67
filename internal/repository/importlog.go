package repository

import (
	"context"
	"time"

	"dfeingest/internal/model"
)

// ImportLogFilter narrows ledger listings. Zero values match everything.
type ImportLogFilter struct {
	TaxpayerID   string
	DocumentType model.DocumentType
	Outcome      model.ImportOutcome
	AccessKey    string
	From         *time.Time
	To           *time.Time
	PageQuery
}

// ImportLogRepository is the append-only attempt log. There is no update or
// delete.
type ImportLogRepository interface {
	Append(ctx context.Context, e *model.ImportLogEntry) error
	List(ctx context.Context, f ImportLogFilter) (*PageResult[model.ImportLogEntry], error)
}

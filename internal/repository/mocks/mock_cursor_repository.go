package mocks

import (
	"context"
	"time"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"github.com/stretchr/testify/mock"
)

type MockCursorRepository struct {
	mock.Mock
}

func (m *MockCursorRepository) Get(ctx context.Context, taxpayerID string, docType model.DocumentType) (*model.FetchCursor, error) {
	args := m.Called(ctx, taxpayerID, docType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FetchCursor), args.Error(1)
}

func (m *MockCursorRepository) Advance(ctx context.Context, taxpayerID string, docType model.DocumentType, nsu uint64, syncedAt time.Time) error {
	args := m.Called(ctx, taxpayerID, docType, nsu, syncedAt)
	return args.Error(0)
}

func (m *MockCursorRepository) SetRateLimited(ctx context.Context, taxpayerID string, docType model.DocumentType, until *time.Time) error {
	args := m.Called(ctx, taxpayerID, docType, until)
	return args.Error(0)
}

func (m *MockCursorRepository) List(ctx context.Context) ([]model.FetchCursor, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.FetchCursor), args.Error(1)
}

type MockImportLogRepository struct {
	mock.Mock
}

func (m *MockImportLogRepository) Append(ctx context.Context, e *model.ImportLogEntry) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *MockImportLogRepository) List(ctx context.Context, f repository.ImportLogFilter) (*repository.PageResult[model.ImportLogEntry], error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*repository.PageResult[model.ImportLogEntry]), args.Error(1)
}

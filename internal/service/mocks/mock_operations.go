package mocks

import (
	"context"

	"dfeingest/internal/dfe"
	"dfeingest/internal/model"
	"dfeingest/internal/pipeline"
	"dfeingest/internal/service"
	"dfeingest/internal/source/email"
	"github.com/stretchr/testify/mock"
)

type MockOperations struct {
	mock.Mock
}

func (m *MockOperations) FetchNow(ctx context.Context, taxpayerID, docType string) (*dfe.FetchResult, error) {
	args := m.Called(ctx, taxpayerID, docType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dfe.FetchResult), args.Error(1)
}

func (m *MockOperations) TestConnection(ctx context.Context, taxpayerID, docType string) (*dfe.ConnectionStatus, error) {
	args := m.Called(ctx, taxpayerID, docType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*dfe.ConnectionStatus), args.Error(1)
}

func (m *MockOperations) ProcessDocument(ctx context.Context, accessKey string) (*model.Document, error) {
	args := m.Called(ctx, accessKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockOperations) RunStage(ctx context.Context, accessKey, stage string) (*model.Document, error) {
	args := m.Called(ctx, accessKey, stage)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockOperations) OverrideLinks(ctx context.Context, accessKey string, ov pipeline.Override) (*model.Document, error) {
	args := m.Called(ctx, accessKey, ov)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Document), args.Error(1)
}

func (m *MockOperations) IngestAttachment(ctx context.Context, a email.Attachment) (*email.Result, error) {
	args := m.Called(ctx, a)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*email.Result), args.Error(1)
}

func (m *MockOperations) GetDocument(ctx context.Context, accessKey string) (*service.DocumentView, error) {
	args := m.Called(ctx, accessKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DocumentView), args.Error(1)
}

func (m *MockOperations) GetDocumentPayload(ctx context.Context, accessKey string) ([]byte, error) {
	args := m.Called(ctx, accessKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockOperations) ListDocuments(ctx context.Context, q service.DocumentQuery) (*service.DocumentListResult, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.DocumentListResult), args.Error(1)
}

func (m *MockOperations) GetCursor(ctx context.Context, taxpayerID, docType string) (*model.FetchCursor, error) {
	args := m.Called(ctx, taxpayerID, docType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FetchCursor), args.Error(1)
}

func (m *MockOperations) ListCursors(ctx context.Context) ([]model.FetchCursor, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.FetchCursor), args.Error(1)
}

func (m *MockOperations) ListImportLog(ctx context.Context, q service.ImportLogQuery) (*service.ImportLogResult, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.ImportLogResult), args.Error(1)
}

func (m *MockOperations) ExportImportLog(ctx context.Context, q service.ImportLogQuery) ([]byte, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"dfeingest/internal/repository/mocks"
)

func TestImportLogXLSX(t *testing.T) {
	repo := new(mocks.MockImportLogRepository)
	nsu := uint64(1234)
	at := time.Date(2024, 9, 10, 15, 4, 5, 0, time.UTC)
	entries := []model.ImportLogEntry{
		{At: at, TaxpayerID: "11222333000181", DocumentType: model.DocumentTypeNFe, Channel: model.ChannelAPI, NSU: &nsu,
			AccessKey: "35240911222333000181550010000012341123456783", Outcome: model.OutcomeSuccess, DocumentID: "doc-1"},
		{At: at, Channel: model.ChannelEmail, Outcome: model.OutcomeError, ErrorKind: model.ErrorKindParse, ErrorDetail: "not xml"},
		{At: at, Channel: model.ChannelEmail, Outcome: model.OutcomeDuplicate, ErrorKind: model.ErrorKindDuplicate},
	}
	repo.On("List", mock.Anything, mock.MatchedBy(func(f repository.ImportLogFilter) bool {
		return f.Outcome == "" && f.Limit == batchSize && f.Offset == 0
	})).Return(&repository.PageResult[model.ImportLogEntry]{Items: entries, Total: 3}, nil)

	sp, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)
	b, err := NewService(repo, sp, zap.NewNop()).ImportLogXLSX(context.Background(), repository.ImportLogFilter{})
	require.NoError(t, err)

	x, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer x.Close()

	rows, err := x.GetRows(entriesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, headers, rows[0])
	assert.Equal(t, "2024-09-10 12:04:05", rows[1][0])
	assert.Equal(t, "1234", rows[1][4])
	assert.Equal(t, "35240911222333000181550010000012341123456783", rows[1][5])
	assert.Equal(t, "error", rows[2][6])
	assert.Equal(t, "ParseError", rows[2][7])

	summary, err := x.GetRows(summarySheet)
	require.NoError(t, err)
	assert.Equal(t, [][]string{
		{"Outcome", "Entries"},
		{"duplicate", "1"},
		{"error", "1"},
		{"success", "1"},
		{"total", "3"},
	}, summary)
	repo.AssertExpectations(t)
}

func TestImportLogXLSX_Pages(t *testing.T) {
	repo := new(mocks.MockImportLogRepository)
	page := func(n, offset int) []model.ImportLogEntry {
		out := make([]model.ImportLogEntry, n)
		for i := range out {
			out[i] = model.ImportLogEntry{Channel: model.ChannelAPI, Outcome: model.OutcomeSuccess, AccessKey: fmt.Sprintf("k%d", offset+i)}
		}
		return out
	}
	byOffset := func(o int) interface{} {
		return mock.MatchedBy(func(f repository.ImportLogFilter) bool { return f.Offset == o })
	}
	repo.On("List", mock.Anything, byOffset(0)).Return(&repository.PageResult[model.ImportLogEntry]{Items: page(batchSize, 0), Total: batchSize + 2}, nil)
	repo.On("List", mock.Anything, byOffset(batchSize)).Return(&repository.PageResult[model.ImportLogEntry]{Items: page(2, batchSize), Total: batchSize + 2}, nil)

	b, err := NewService(repo, nil, zap.NewNop()).ImportLogXLSX(context.Background(), repository.ImportLogFilter{PageQuery: repository.PageQuery{Limit: 10, Offset: 40}})
	require.NoError(t, err)

	x, err := excelize.OpenReader(bytes.NewReader(b))
	require.NoError(t, err)
	defer x.Close()
	rows, err := x.GetRows(entriesSheet)
	require.NoError(t, err)
	assert.Len(t, rows, batchSize+3)
	repo.AssertNumberOfCalls(t, "List", 2)
}

func TestImportLogXLSX_RepositoryError(t *testing.T) {
	repo := new(mocks.MockImportLogRepository)
	repo.On("List", mock.Anything, mock.Anything).Return(nil, errors.New("db down"))

	_, err := NewService(repo, nil, zap.NewNop()).ImportLogXLSX(context.Background(), repository.ImportLogFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query import log")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ação…", truncate("açãosim", 5))
}

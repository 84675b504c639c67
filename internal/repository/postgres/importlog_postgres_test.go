package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportLogPostgres_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewImportLogPostgres(db)
	at := time.Now().UTC()
	nsu := uint64(1043)

	t.Run("with nsu and document", func(t *testing.T) {
		e := &model.ImportLogEntry{
			TaxpayerID:   "11222333000181",
			DocumentType: model.DocumentTypeNFe,
			Channel:      model.ChannelAPI,
			NSU:          &nsu,
			AccessKey:    testKey,
			Outcome:      model.OutcomeSuccess,
			DocumentID:   "doc-1",
		}
		mock.ExpectQuery("INSERT INTO import_log").
			WithArgs("11222333000181", model.DocumentTypeNFe, model.ChannelAPI, sql.NullInt64{Int64: 1043, Valid: true},
				testKey, model.OutcomeSuccess, "", "", "", sql.NullString{String: "doc-1", Valid: true}).
			WillReturnRows(sqlmock.NewRows([]string{"id", "at"}).AddRow("log-1", at))

		require.NoError(t, repo.Append(context.Background(), e))
		assert.Equal(t, "log-1", e.ID)
		assert.Equal(t, at, e.At)
	})

	t.Run("email error without nsu", func(t *testing.T) {
		e := &model.ImportLogEntry{
			Channel:     model.ChannelEmail,
			Outcome:     model.OutcomeError,
			ErrorKind:   model.ErrorKindParse,
			ErrorDetail: "unknown schema",
		}
		mock.ExpectQuery("INSERT INTO import_log").
			WithArgs("", "", model.ChannelEmail, nil, "", model.OutcomeError, model.ErrorKindParse, "unknown schema", "", nil).
			WillReturnRows(sqlmock.NewRows([]string{"id", "at"}).AddRow("log-2", at))

		require.NoError(t, repo.Append(context.Background(), e))
		assert.Equal(t, "log-2", e.ID)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportLogPostgres_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	at := from.Add(time.Hour)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM import_log WHERE outcome = \\$1 AND at >= \\$2").
		WithArgs(model.OutcomeError, from).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT (.+) FROM import_log WHERE (.+) LIMIT \\$3 OFFSET \\$4").
		WithArgs(model.OutcomeError, from, 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "at", "taxpayer_id", "document_type", "channel", "nsu",
			"access_key", "outcome", "error_kind", "error_detail", "payload_ref", "document_id"}).
			AddRow("log-1", at, "11222333000181", "NFe", "api", int64(12), "", "error",
				"ParseError", "bad xml", "payloads/NFe/aa/aa.xml", nil))

	res, err := NewImportLogPostgres(db).List(context.Background(), repository.ImportLogFilter{
		Outcome:   model.OutcomeError,
		From:      &from,
		PageQuery: repository.PageQuery{Limit: 20},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	require.Len(t, res.Items, 1)
	require.NotNil(t, res.Items[0].NSU)
	assert.Equal(t, uint64(12), *res.Items[0].NSU)
	assert.Empty(t, res.Items[0].DocumentID)
	assert.Equal(t, model.ChannelAPI, res.Items[0].Channel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

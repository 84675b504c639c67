package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "35240911222333000181550010000012341123456783"

var documentRowColumns = []string{
	"id", "access_key", "document_type", "number", "series", "issue_date",
	"issuer_tax_id", "issuer_name", "recipient_tax_id", "total", "products_total", "taxes", "currency",
	"source_channels", "payload_ref", "schema_variant", "status", "sub_status", "failed_stage", "error_detail",
	"supplier_ref", "supplier_status", "item_status", "purchase_order_ref", "po_status",
	"purchase_invoice_ref", "invoice_status", "cancelled", "lines", "created_at", "updated_at",
}

func documentRows(id, status string) *sqlmock.Rows {
	now := time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(documentRowColumns).AddRow(
		id, testKey, "NFe", "1234", "1", now,
		"11222333000181", "ACME LTDA", "11444777000161", "155.50", "150.50",
		[]byte(`{"ICMS":{"base":"150.5","rate":"18","value":"27.09"}}`), "BRL",
		[]byte(`["api"]`), "payloads/NFe/ab/abc.xml", "nfe_v4", status, "", "", "",
		"", "", "", "", "",
		"", "", false,
		[]byte(`[{"number":1,"product_code":"P1","description":"PARAFUSO","quantity":"10","unit_value":"15.05","total":"150.5","taxes":{}}]`),
		now, now,
	)
}

func newDocument() *model.Document {
	return &model.Document{
		AccessKey:      testKey,
		DocumentType:   model.DocumentTypeNFe,
		Number:         "1234",
		Series:         "1",
		IssueDate:      time.Date(2024, 9, 10, 12, 0, 0, 0, time.UTC),
		IssuerTaxID:    "11222333000181",
		IssuerName:     "ACME LTDA",
		RecipientTaxID: "11444777000161",
		Total:          decimal.RequireFromString("155.50"),
		ProductsTotal:  decimal.RequireFromString("150.50"),
		Taxes:          model.TaxBreakdown{},
		Currency:       model.CurrencyBRL,
		SourceChannels: []model.SourceChannel{model.ChannelAPI},
		SchemaVariant:  model.VariantNFeV4,
		Status:         model.StatusNew,
	}
}

func TestDocumentPostgres_Create(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDocumentPostgres(db)
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery("INSERT INTO documents").
			WithArgs(testKey, model.DocumentTypeNFe, "1234", "1", sqlmock.AnyArg(),
				"11222333000181", "ACME LTDA", "11444777000161", sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), "BRL", []byte(`["api"]`), "", model.VariantNFeV4, model.StatusNew, false, sqlmock.AnyArg()).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow("doc-1", now, now))

		doc, err := repo.Create(ctx, newDocument())
		require.NoError(t, err)
		assert.Equal(t, "doc-1", doc.ID)
		assert.Equal(t, now, doc.CreatedAt)
	})

	t.Run("duplicate access key", func(t *testing.T) {
		mock.ExpectQuery("INSERT INTO documents").
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}))

		doc, err := repo.Create(ctx, newDocument())
		assert.ErrorIs(t, err, repository.ErrAlreadyExists)
		assert.Nil(t, doc)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentPostgres_FindByAccessKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDocumentPostgres(db)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM documents WHERE access_key = ").
			WithArgs(testKey).
			WillReturnRows(documentRows("doc-1", "Parsed"))

		doc, err := repo.FindByAccessKey(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, "doc-1", doc.ID)
		assert.Equal(t, model.StatusParsed, doc.Status)
		assert.Equal(t, model.DocumentTypeNFe, doc.DocumentType)
		assert.True(t, decimal.RequireFromString("155.50").Equal(doc.Total))
		assert.True(t, decimal.RequireFromString("27.09").Equal(doc.Taxes[model.TaxICMS].Value))
		assert.Equal(t, []model.SourceChannel{model.ChannelAPI}, doc.SourceChannels)
		require.Len(t, doc.Lines, 1)
		assert.Equal(t, "PARAFUSO", doc.Lines[0].Description)
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM documents WHERE access_key = ").
			WithArgs("missing").
			WillReturnError(sql.ErrNoRows)

		doc, err := repo.FindByAccessKey(ctx, "missing")
		assert.ErrorIs(t, err, repository.ErrNotFound)
		assert.Nil(t, doc)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentPostgres_FindByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDocumentPostgres(db)

	mock.ExpectQuery("SELECT (.+) FROM documents WHERE id = ").
		WithArgs("doc-9").
		WillReturnRows(documentRows("doc-9", "Completed"))

	doc, err := repo.FindByID(context.Background(), "doc-9")
	require.NoError(t, err)
	assert.Equal(t, testKey, doc.AccessKey)
	assert.Equal(t, model.StatusCompleted, doc.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentPostgres_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDocumentPostgres(db)
	ctx := context.Background()

	t.Run("unfiltered", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM documents$").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT (.+) FROM documents ORDER BY").
			WithArgs(10, 0).
			WillReturnRows(documentRows("doc-1", "New"))

		res, err := repo.List(ctx, repository.DocumentFilter{PageQuery: repository.PageQuery{Limit: 10}})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Total)
		assert.Len(t, res.Items, 1)
	})

	t.Run("filtered", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM documents WHERE document_type = \\$1 AND status = \\$2").
			WithArgs(model.DocumentTypeNFe, model.StatusError).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery("SELECT (.+) FROM documents WHERE (.+) LIMIT \\$3 OFFSET \\$4").
			WithArgs(model.DocumentTypeNFe, model.StatusError, 5, 10).
			WillReturnRows(sqlmock.NewRows(documentRowColumns))

		res, err := repo.List(ctx, repository.DocumentFilter{
			DocumentType: model.DocumentTypeNFe,
			Status:       model.StatusError,
			PageQuery:    repository.PageQuery{Limit: 5, Offset: 10},
		})
		require.NoError(t, err)
		assert.Equal(t, 0, res.Total)
		assert.Empty(t, res.Items)
	})

	t.Run("count error", func(t *testing.T) {
		mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("db down"))

		_, err := repo.List(ctx, repository.DocumentFilter{})
		assert.Error(t, err)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDocumentPostgres_Update(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewDocumentPostgres(db)
	ctx := context.Background()
	doc := newDocument()
	doc.Status = model.StatusError
	doc.FailedStage = model.StatusSupplierProcessing

	t.Run("success", func(t *testing.T) {
		mock.ExpectExec("UPDATE documents SET").
			WithArgs(testKey, []byte(`["api"]`), "", model.StatusError, model.SubStatusNone, model.StatusSupplierProcessing,
				"", "", "", "", "", "", "", "", false, []byte(`null`)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		assert.NoError(t, repo.Update(ctx, doc))
	})

	t.Run("missing row", func(t *testing.T) {
		mock.ExpectExec("UPDATE documents SET").WillReturnResult(sqlmock.NewResult(0, 0))

		assert.ErrorIs(t, repo.Update(ctx, doc), repository.ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

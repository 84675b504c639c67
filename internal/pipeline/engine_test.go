package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dfeingest/internal/matching"
	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"dfeingest/internal/repository/mocks"
)

const accessKey = "35240911222333000181550010000012341123456783"

var issued = time.Date(2024, 9, 5, 10, 0, 0, 0, time.UTC)

func newDocument(status model.Status) *model.Document {
	return &model.Document{
		ID:            "doc-1",
		AccessKey:     accessKey,
		DocumentType:  model.DocumentTypeNFe,
		Number:        "1234",
		Series:        "1",
		IssueDate:     issued,
		IssuerTaxID:   "11222333000181",
		IssuerName:    "ACME Componentes Ltda",
		Total:         decimal.RequireFromString("1000.00"),
		ProductsTotal: decimal.RequireFromString("1000.00"),
		Status:        status,
		Lines: []model.DocumentLine{
			{Number: 1, ProductCode: "P-100", Description: "Parafuso sextavado", NCM: "73181500", Unit: "UN"},
			{Number: 2, ProductCode: "P-200", Description: "Porca sextavada", NCM: "73181600", Unit: "UN"},
		},
	}
}

func defaultOptions() Options {
	return Options{
		AutoCreateSupplier: true,
		AutoCreateItem:     true,
		EnablePOMatching:   true,
		AutoCreateInvoice:  true,
		Matching: matching.Options{
			TolerancePercent: decimal.NewFromInt(5),
			DateRangeDays:    30,
		},
	}
}

type engineFixture struct {
	docs     *mocks.MockDocumentRepository
	records  *mocks.MockRecordStore
	engine   *Engine
	statuses []model.Status
}

func newEngineFixture(t *testing.T, opts Options) *engineFixture {
	t.Helper()
	f := &engineFixture{
		docs:    new(mocks.MockDocumentRepository),
		records: new(mocks.MockRecordStore),
	}
	f.engine = NewEngine(f.docs, f.records, opts, zap.NewNop())
	return f
}

// expectUpdates records the status persisted by every Update call.
func (f *engineFixture) expectUpdates() {
	f.docs.On("Update", mock.Anything, mock.AnythingOfType("*model.Document")).
		Run(func(args mock.Arguments) {
			f.statuses = append(f.statuses, args.Get(1).(*model.Document).Status)
		}).
		Return(nil)
}

func code(c string) interface{} {
	return mock.MatchedBy(func(q repository.ItemQuery) bool { return q.SupplierCode == c })
}

func TestProcess_FullRun(t *testing.T) {
	f := newEngineFixture(t, defaultOptions())
	ctx := context.Background()
	doc := newDocument(model.StatusNew)

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindSupplierByTaxID", mock.Anything, "11222333000181").Return(nil, repository.ErrNotFound).Twice()
	f.records.On("CreateSupplier", mock.Anything, mock.MatchedBy(func(s *model.Supplier) bool {
		return s.TaxID == "11222333000181" && s.FormattedTaxID == "11.222.333/0001-81" && s.Name == "ACME Componentes Ltda"
	})).Return(&model.Supplier{Ref: "sup-1"}, nil)
	f.records.On("FindItemByCode", mock.Anything, code("P-100")).Return(&model.Item{Ref: "item-100"}, nil)
	f.records.On("FindItemByCode", mock.Anything, code("P-200")).Return(nil, repository.ErrNotFound)
	f.records.On("CreateItem", mock.Anything, code("P-200"), mock.MatchedBy(func(it *model.Item) bool {
		return it.Code == "11222333000181-P-200" && it.NCM == "73181600"
	})).Return(&model.Item{Ref: "item-200"}, nil)
	f.records.On("FindOpenPurchaseOrders", mock.Anything, "sup-1").Return([]model.PurchaseOrder{
		{Ref: "PO-1", SupplierRef: "sup-1", Total: decimal.RequireFromString("1010.00"), OrderDate: issued.AddDate(0, 0, -3), Status: model.RecordOpen},
		{Ref: "PO-2", SupplierRef: "sup-1", Total: decimal.RequireFromString("1200.00"), OrderDate: issued, Status: model.RecordOpen},
	}, nil)
	f.records.On("FindPurchaseInvoiceByAccessKey", mock.Anything, accessKey).Return(nil, repository.ErrNotFound)
	f.records.On("FindPurchaseInvoices", mock.Anything, "sup-1").Return(nil, nil)
	f.records.On("CreatePurchaseInvoice", mock.Anything, doc, "PO-1").Return(&model.PurchaseInvoice{Ref: "inv-1"}, nil)

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, []model.Status{
		model.StatusParsed,
		model.StatusSupplierProcessing,
		model.StatusItemProcessing,
		model.StatusPOMatching,
		model.StatusInvoiceCreation,
		model.StatusCompleted,
	}, f.statuses)
	assert.Equal(t, "sup-1", out.SupplierRef)
	assert.Equal(t, model.SupplierCreated, out.SupplierStatus)
	assert.Equal(t, model.ItemsAllResolved, out.ItemStatus)
	assert.Equal(t, model.ItemLinked, out.Lines[0].ItemStatus)
	assert.Equal(t, model.ItemCreated, out.Lines[1].ItemStatus)
	assert.Equal(t, "PO-1", out.PurchaseOrderRef)
	assert.Equal(t, model.POLinked, out.POStatus)
	assert.Equal(t, "inv-1", out.PurchaseInvoiceRef)
	assert.Equal(t, model.InvoiceCreated, out.InvoiceStatus)
	f.docs.AssertExpectations(t)
	f.records.AssertExpectations(t)
}

func TestProcess_FeaturesDisabled(t *testing.T) {
	opts := defaultOptions()
	opts.AutoCreateSupplier = false
	opts.EnablePOMatching = false
	opts.AutoCreateInvoice = false
	f := newEngineFixture(t, opts)
	ctx := context.Background()
	doc := newDocument(model.StatusParsed)

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindSupplierByTaxID", mock.Anything, "11222333000181").Return(nil, repository.ErrNotFound)
	f.records.On("FindItemByCode", mock.Anything, mock.Anything).Return(&model.Item{Ref: "item-x"}, nil)

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Empty(t, out.SupplierRef)
	assert.Equal(t, model.SupplierNotFound, out.SupplierStatus)
	assert.Equal(t, model.PONotApplicable, out.POStatus)
	assert.Equal(t, model.InvoiceSkipped, out.InvoiceStatus)
	f.records.AssertNotCalled(t, "CreateSupplier", mock.Anything, mock.Anything)
	f.records.AssertNotCalled(t, "FindOpenPurchaseOrders", mock.Anything, mock.Anything)
	f.records.AssertNotCalled(t, "CreatePurchaseInvoice", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_PartialItemsStop(t *testing.T) {
	opts := defaultOptions()
	opts.AutoCreateItem = false
	f := newEngineFixture(t, opts)
	ctx := context.Background()
	doc := newDocument(model.StatusItemProcessing)
	doc.SupplierRef = "sup-1"

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindItemByCode", mock.Anything, code("P-100")).Return(&model.Item{Ref: "item-100"}, nil)
	f.records.On("FindItemByCode", mock.Anything, code("P-200")).Return(nil, repository.ErrNotFound)

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)

	assert.Equal(t, model.StatusItemProcessing, out.Status)
	assert.Equal(t, model.SubStatusPartial, out.SubStatus)
	assert.Equal(t, model.ItemsPartial, out.ItemStatus)
	assert.Equal(t, "item-100", out.Lines[0].ItemRef)
	assert.Equal(t, model.ItemFailed, out.Lines[1].ItemStatus)
	assert.Contains(t, out.ErrorDetail, "line 2")
	assert.Equal(t, []model.Status{model.StatusItemProcessing}, f.statuses)

	t.Run("resolved lines are not looked up again", func(t *testing.T) {
		f.records.ExpectedCalls = nil
		f.records.Calls = nil
		f.records.On("FindItemByCode", mock.Anything, code("P-200")).Return(&model.Item{Ref: "item-200"}, nil)
		f.records.On("FindOpenPurchaseOrders", mock.Anything, "sup-1").Return(nil, nil)
		f.records.On("FindPurchaseInvoiceByAccessKey", mock.Anything, accessKey).
			Return(&model.PurchaseInvoice{Ref: "inv-9", AccessKey: accessKey}, nil)

		out, err := f.engine.Process(ctx, accessKey)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, out.Status)
		assert.Equal(t, model.SubStatusNone, out.SubStatus)
		assert.Equal(t, model.ItemsAllResolved, out.ItemStatus)
		assert.Equal(t, model.PONotFound, out.POStatus)
		assert.Equal(t, "inv-9", out.PurchaseInvoiceRef)
		assert.Equal(t, model.InvoiceLinked, out.InvoiceStatus)
		f.records.AssertNumberOfCalls(t, "FindItemByCode", 1)
	})
}

func TestProcess_AmbiguousPurchaseOrder(t *testing.T) {
	f := newEngineFixture(t, defaultOptions())
	ctx := context.Background()
	doc := newDocument(model.StatusPOMatching)
	doc.SupplierRef = "sup-1"

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindOpenPurchaseOrders", mock.Anything, "sup-1").Return([]model.PurchaseOrder{
		{Ref: "PO-A", SupplierRef: "sup-1", Total: doc.Total, OrderDate: issued, Status: model.RecordOpen},
		{Ref: "PO-B", SupplierRef: "sup-1", Total: doc.Total, OrderDate: issued, Status: model.RecordOpen},
	}, nil)

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)

	assert.Equal(t, model.StatusPOMatching, out.Status)
	assert.Equal(t, model.SubStatusUnresolved, out.SubStatus)
	assert.Equal(t, model.POAmbiguous, out.POStatus)
	assert.Empty(t, out.PurchaseOrderRef)
}

func TestProcess_InvoiceLinksMatchingOpenInvoice(t *testing.T) {
	f := newEngineFixture(t, defaultOptions())
	ctx := context.Background()
	doc := newDocument(model.StatusInvoiceCreation)
	doc.SupplierRef = "sup-1"

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindPurchaseInvoiceByAccessKey", mock.Anything, accessKey).Return(nil, repository.ErrNotFound)
	f.records.On("FindPurchaseInvoices", mock.Anything, "sup-1").Return([]model.PurchaseInvoice{
		{Ref: "inv-linked", SupplierRef: "sup-1", AccessKey: "other", Total: doc.Total, InvoiceDate: issued},
		{Ref: "inv-open", SupplierRef: "sup-1", Total: decimal.RequireFromString("999.00"), InvoiceDate: issued, Status: model.RecordOpen},
	}, nil)
	f.records.On("LinkPurchaseInvoice", mock.Anything, "inv-open", accessKey).Return(nil)

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, "inv-open", out.PurchaseInvoiceRef)
	assert.Equal(t, model.InvoiceLinked, out.InvoiceStatus)
	f.records.AssertNotCalled(t, "CreatePurchaseInvoice", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcess_StageFailure(t *testing.T) {
	f := newEngineFixture(t, defaultOptions())
	ctx := context.Background()
	doc := newDocument(model.StatusSupplierProcessing)
	down := errors.New("connection reset")

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()
	f.records.On("FindSupplierByTaxID", mock.Anything, "11222333000181").Return(nil, down)

	out, err := f.engine.Process(ctx, accessKey)
	require.Error(t, err)

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StatusSupplierProcessing, se.Stage)
	assert.ErrorIs(t, err, down)
	assert.Equal(t, model.StatusError, out.Status)
	assert.Equal(t, model.StatusSupplierProcessing, out.FailedStage)
	assert.Contains(t, out.ErrorDetail, "connection reset")
}

func TestProcess_ResumesFromFailedStage(t *testing.T) {
	opts := defaultOptions()
	opts.EnablePOMatching = false
	opts.AutoCreateInvoice = false
	f := newEngineFixture(t, opts)
	ctx := context.Background()
	doc := newDocument(model.StatusError)
	doc.FailedStage = model.StatusPOMatching
	doc.ErrorDetail = "stage POMatching: timeout"
	doc.SupplierRef = "sup-1"

	f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
	f.expectUpdates()

	out, err := f.engine.Process(ctx, accessKey)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Empty(t, out.FailedStage)
	assert.Empty(t, out.ErrorDetail)
	assert.Equal(t, []model.Status{model.StatusInvoiceCreation, model.StatusCompleted}, f.statuses)
}

func TestProcess_TerminalDocuments(t *testing.T) {
	ctx := context.Background()

	t.Run("completed is a no-op", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusCompleted), nil)

		out, err := f.engine.Process(ctx, accessKey)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, out.Status)
		f.docs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("cancelled is rejected", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusCancelled), nil)

		_, err := f.engine.Process(ctx, accessKey)
		assert.ErrorIs(t, err, ErrTerminal)
	})

	t.Run("unknown key", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(nil, repository.ErrNotFound)

		_, err := f.engine.Process(ctx, accessKey)
		assert.ErrorIs(t, err, repository.ErrNotFound)
	})
}

func TestRunStage(t *testing.T) {
	ctx := context.Background()

	t.Run("stage ahead of the document", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusSupplierProcessing), nil)

		_, err := f.engine.RunStage(ctx, accessKey, model.StatusPOMatching)
		assert.ErrorIs(t, err, ErrInvalidStage)
	})

	t.Run("terminal status is not a stage", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		_, err := f.engine.RunStage(ctx, accessKey, model.StatusCompleted)
		assert.ErrorIs(t, err, ErrInvalidStage)
	})

	t.Run("re-run an earlier stage only", func(t *testing.T) {
		opts := defaultOptions()
		f := newEngineFixture(t, opts)
		doc := newDocument(model.StatusPOMatching)
		doc.SubStatus = model.SubStatusUnresolved

		f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
		f.expectUpdates()
		f.records.On("FindSupplierByTaxID", mock.Anything, "11222333000181").Return(&model.Supplier{Ref: "sup-7"}, nil)

		out, err := f.engine.RunStage(ctx, accessKey, model.StatusSupplierProcessing)
		require.NoError(t, err)
		assert.Equal(t, "sup-7", out.SupplierRef)
		assert.Equal(t, model.SupplierLinked, out.SupplierStatus)
		assert.Equal(t, model.StatusItemProcessing, out.Status)
		assert.Equal(t, []model.Status{model.StatusItemProcessing}, f.statuses)
	})
}

func TestParseStage(t *testing.T) {
	st, err := ParseStage("pomatching")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPOMatching, st)

	_, err = ParseStage("Completed")
	assert.ErrorIs(t, err, ErrInvalidStage)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	ev := model.DocumentEvent{AccessKey: accessKey, Type: model.EventCancellation, Code: "110111", Sequence: 1, Protocol: "135240000000001"}

	t.Run("in progress document", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		doc := newDocument(model.StatusItemProcessing)
		doc.SubStatus = model.SubStatusPartial
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
		f.expectUpdates()

		out, err := f.engine.Cancel(ctx, accessKey, ev)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCancelled, out.Status)
		assert.Equal(t, model.SubStatusNone, out.SubStatus)
		assert.True(t, out.Cancelled)
	})

	t.Run("completed document keeps its status", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusCompleted), nil)
		f.expectUpdates()

		out, err := f.engine.Cancel(ctx, accessKey, ev)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, out.Status)
		assert.True(t, out.Cancelled)
	})

	t.Run("already cancelled", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		doc := newDocument(model.StatusCancelled)
		doc.Cancelled = true
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)

		_, err := f.engine.Cancel(ctx, accessKey, ev)
		require.NoError(t, err)
		f.docs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})
}

func TestOverride(t *testing.T) {
	ctx := context.Background()
	ref := func(s string) *string { return &s }

	t.Run("assigns outputs without moving status", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		doc := newDocument(model.StatusPOMatching)
		doc.SubStatus = model.SubStatusUnresolved
		doc.PurchaseInvoiceRef = "inv-old"
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(doc, nil)
		f.expectUpdates()
		f.records.On("UnlinkPurchaseInvoice", ctx, "inv-old").Return(nil)
		f.records.On("LinkPurchaseInvoice", ctx, "inv-new", accessKey).Return(nil)

		out, err := f.engine.Override(ctx, accessKey, Override{
			SupplierRef:        ref("sup-9"),
			Items:              map[int]string{1: "item-a", 2: "item-b"},
			PurchaseOrderRef:   ref("PO-77"),
			PurchaseInvoiceRef: ref("inv-new"),
		})
		require.NoError(t, err)

		assert.Equal(t, model.StatusPOMatching, out.Status)
		assert.Equal(t, model.SubStatusUnresolved, out.SubStatus)
		assert.Equal(t, "sup-9", out.SupplierRef)
		assert.Equal(t, model.SupplierOverridden, out.SupplierStatus)
		assert.Equal(t, model.ItemOverridden, out.Lines[1].ItemStatus)
		assert.Equal(t, model.ItemsAllResolved, out.ItemStatus)
		assert.Equal(t, "PO-77", out.PurchaseOrderRef)
		assert.Equal(t, model.POOverridden, out.POStatus)
		assert.Equal(t, "inv-new", out.PurchaseInvoiceRef)
		assert.Equal(t, model.InvoiceOverridden, out.InvoiceStatus)
		f.records.AssertExpectations(t)
	})

	t.Run("unknown line", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusItemProcessing), nil)

		_, err := f.engine.Override(ctx, accessKey, Override{Items: map[int]string{9: "item-z"}})
		assert.ErrorIs(t, err, ErrUnknownLine)
		f.docs.AssertNotCalled(t, "Update", mock.Anything, mock.Anything)
	})

	t.Run("terminal document", func(t *testing.T) {
		f := newEngineFixture(t, defaultOptions())
		f.docs.On("FindByAccessKey", ctx, accessKey).Return(newDocument(model.StatusCompleted), nil)

		_, err := f.engine.Override(ctx, accessKey, Override{SupplierRef: ref("sup-9")})
		assert.ErrorIs(t, err, ErrTerminal)
	})
}

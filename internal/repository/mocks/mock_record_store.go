package mocks

import (
	"context"

	"dfeingest/internal/model"
	"dfeingest/internal/repository"
	"github.com/stretchr/testify/mock"
)

type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) FindSupplierByTaxID(ctx context.Context, taxID string) (*model.Supplier, error) {
	args := m.Called(ctx, taxID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Supplier), args.Error(1)
}

func (m *MockRecordStore) CreateSupplier(ctx context.Context, s *model.Supplier) (*model.Supplier, error) {
	args := m.Called(ctx, s)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Supplier), args.Error(1)
}

func (m *MockRecordStore) FindItemByCode(ctx context.Context, q repository.ItemQuery) (*model.Item, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Item), args.Error(1)
}

func (m *MockRecordStore) CreateItem(ctx context.Context, q repository.ItemQuery, item *model.Item) (*model.Item, error) {
	args := m.Called(ctx, q, item)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Item), args.Error(1)
}

func (m *MockRecordStore) FindOpenPurchaseOrders(ctx context.Context, supplierRef string) ([]model.PurchaseOrder, error) {
	args := m.Called(ctx, supplierRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PurchaseOrder), args.Error(1)
}

func (m *MockRecordStore) FindPurchaseInvoices(ctx context.Context, supplierRef string) ([]model.PurchaseInvoice, error) {
	args := m.Called(ctx, supplierRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PurchaseInvoice), args.Error(1)
}

func (m *MockRecordStore) FindPurchaseInvoiceByAccessKey(ctx context.Context, accessKey string) (*model.PurchaseInvoice, error) {
	args := m.Called(ctx, accessKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PurchaseInvoice), args.Error(1)
}

func (m *MockRecordStore) CreatePurchaseInvoice(ctx context.Context, doc *model.Document, purchaseOrderRef string) (*model.PurchaseInvoice, error) {
	args := m.Called(ctx, doc, purchaseOrderRef)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PurchaseInvoice), args.Error(1)
}

func (m *MockRecordStore) LinkPurchaseInvoice(ctx context.Context, invoiceRef, accessKey string) error {
	args := m.Called(ctx, invoiceRef, accessKey)
	return args.Error(0)
}

func (m *MockRecordStore) UnlinkPurchaseInvoice(ctx context.Context, invoiceRef string) error {
	args := m.Called(ctx, invoiceRef)
	return args.Error(0)
}

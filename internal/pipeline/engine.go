// Package pipeline drives documents through supplier resolution, item
// resolution, purchase order matching and invoice creation, persisting the
// status after every stage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"dfeingest/internal/config"
	"dfeingest/internal/fiscal"
	"dfeingest/internal/keylock"
	"dfeingest/internal/matching"
	"dfeingest/internal/metrics"
	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

var tracer = otel.Tracer("dfeingest/internal/pipeline")

// stageOrder lists every non-terminal state in execution order. Running the
// stage named by a state performs that state's exit action.
var stageOrder = []model.Status{
	model.StatusNew,
	model.StatusParsed,
	model.StatusSupplierProcessing,
	model.StatusItemProcessing,
	model.StatusPOMatching,
	model.StatusInvoiceCreation,
}

func stageIndex(s model.Status) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func nextStatus(s model.Status) model.Status {
	i := stageIndex(s)
	if i < 0 || i == len(stageOrder)-1 {
		return model.StatusCompleted
	}
	return stageOrder[i+1]
}

// ParseStage accepts a stage name as used on the wire.
func ParseStage(s string) (model.Status, error) {
	for _, st := range stageOrder {
		if strings.EqualFold(string(st), s) {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
}

// Options toggles the optional stage behaviors.
type Options struct {
	AutoCreateSupplier bool
	AutoCreateItem     bool
	EnablePOMatching   bool
	AutoCreateInvoice  bool
	Matching           matching.Options
}

func OptionsFromConfig(p config.PipelineConfig, m config.MatchingConfig) Options {
	return Options{
		AutoCreateSupplier: p.AutoCreateSupplier,
		AutoCreateItem:     p.AutoCreateItem,
		EnablePOMatching:   p.EnablePOMatching,
		AutoCreateInvoice:  p.AutoCreateInvoice,
		Matching: matching.Options{
			TolerancePercent: m.TolerancePercent,
			DateRangeDays:    m.DateRangeDays,
		},
	}
}

// Override is an explicit assignment of stage outputs. Nil fields are left
// untouched; an empty string clears the link.
type Override struct {
	SupplierRef        *string        `json:"supplier_ref,omitempty"`
	Items              map[int]string `json:"items,omitempty"`
	PurchaseOrderRef   *string        `json:"purchase_order_ref,omitempty"`
	PurchaseInvoiceRef *string        `json:"purchase_invoice_ref,omitempty"`
}

type EngineOption func(*Engine)

func WithLocker(l *keylock.Locker) EngineOption {
	return func(e *Engine) { e.locks = l }
}

func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the processing state machine. Work on one access key is
// serialized; different keys run concurrently.
type Engine struct {
	docs    repository.DocumentRepository
	records repository.RecordStore
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics
	locks   *keylock.Locker
}

func NewEngine(docs repository.DocumentRepository, records repository.RecordStore, opts Options, log *zap.Logger, options ...EngineOption) *Engine {
	e := &Engine{
		docs:    docs,
		records: records,
		opts:    opts,
		log:     log.With(zap.String("component", "pipeline")),
		locks:   &keylock.Locker{},
	}
	for _, o := range options {
		o(e)
	}
	return e
}

// Process runs stages from the current status until the document completes,
// stops on a Partial or Unresolved sub-status, or fails. A document in Error
// resumes at its failed stage.
func (e *Engine) Process(ctx context.Context, accessKey string) (*model.Document, error) {
	unlock := e.locks.Lock(accessKey)
	defer unlock()

	doc, err := e.docs.FindByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.StatusCancelled || doc.Cancelled && doc.Status != model.StatusCompleted {
		return doc, fmt.Errorf("%w: %s is cancelled", ErrTerminal, accessKey)
	}

	for !doc.Status.Terminal() {
		stage := doc.Status
		if stage == model.StatusError {
			stage = doc.FailedStage
		}
		if stageIndex(stage) < 0 {
			return doc, fmt.Errorf("%w: cannot resume from %q", ErrInvalidStage, stage)
		}
		advanced, err := e.runStage(ctx, doc, stage)
		if err != nil {
			return doc, err
		}
		if !advanced {
			break
		}
	}
	return doc, nil
}

// RunStage re-runs a single stage. Stages ahead of the document's current
// position cannot be run out of order.
func (e *Engine) RunStage(ctx context.Context, accessKey string, stage model.Status) (*model.Document, error) {
	if stageIndex(stage) < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	unlock := e.locks.Lock(accessKey)
	defer unlock()

	doc, err := e.docs.FindByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		return doc, fmt.Errorf("%w: %s is %s", ErrTerminal, accessKey, doc.Status)
	}
	current := doc.Status
	if current == model.StatusError {
		current = doc.FailedStage
	}
	if stageIndex(stage) > stageIndex(current) {
		return doc, fmt.Errorf("%w: %s is ahead of %s", ErrInvalidStage, stage, current)
	}
	_, err = e.runStage(ctx, doc, stage)
	return doc, err
}

// Cancel moves the document to Cancelled from any non-terminal state.
// Downstream records already created are left alone. A completed document
// only gets its cancelled flag set.
func (e *Engine) Cancel(ctx context.Context, accessKey string, ev model.DocumentEvent) (*model.Document, error) {
	unlock := e.locks.Lock(accessKey)
	defer unlock()

	doc, err := e.docs.FindByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status == model.StatusCancelled {
		return doc, nil
	}
	prev := doc.Status
	doc.Cancelled = true
	if prev != model.StatusCompleted {
		doc.Status = model.StatusCancelled
		doc.SubStatus = model.SubStatusNone
	}
	if err := e.docs.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist cancellation: %w", err)
	}
	e.metrics.ObserveStage(string(prev), string(doc.Status))
	e.log.Info("document_cancelled",
		zap.String("access_key", accessKey),
		zap.String("previous_status", string(prev)),
		zap.String("event_code", ev.Code),
		zap.String("protocol", ev.Protocol),
	)
	return doc, nil
}

// Override assigns stage outputs directly. It is not a transition: the
// status is unchanged and no later stage is triggered.
func (e *Engine) Override(ctx context.Context, accessKey string, ov Override) (*model.Document, error) {
	unlock := e.locks.Lock(accessKey)
	defer unlock()

	doc, err := e.docs.FindByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, err
	}
	if doc.Status.Terminal() {
		return doc, fmt.Errorf("%w: %s is %s", ErrTerminal, accessKey, doc.Status)
	}

	for n := range ov.Items {
		if lineByNumber(doc, n) < 0 {
			return doc, fmt.Errorf("%w: %d", ErrUnknownLine, n)
		}
	}

	if ov.SupplierRef != nil {
		doc.SupplierRef = *ov.SupplierRef
		doc.SupplierStatus = model.SupplierOverridden
	}
	for n, ref := range ov.Items {
		l := &doc.Lines[lineByNumber(doc, n)]
		l.ItemRef = ref
		l.ItemStatus = model.ItemOverridden
	}
	if len(ov.Items) > 0 {
		doc.ItemStatus = itemsOutcome(doc)
	}
	if ov.PurchaseOrderRef != nil {
		doc.PurchaseOrderRef = *ov.PurchaseOrderRef
		doc.POStatus = model.POOverridden
	}
	if ov.PurchaseInvoiceRef != nil {
		if err := e.relinkInvoice(ctx, doc, *ov.PurchaseInvoiceRef); err != nil {
			return doc, err
		}
		doc.PurchaseInvoiceRef = *ov.PurchaseInvoiceRef
		doc.InvoiceStatus = model.InvoiceOverridden
	}

	if err := e.docs.Update(ctx, doc); err != nil {
		return nil, fmt.Errorf("persist override: %w", err)
	}
	e.log.Info("document_overridden",
		zap.String("access_key", accessKey),
		zap.String("status", string(doc.Status)),
		zap.Bool("supplier", ov.SupplierRef != nil),
		zap.Int("items", len(ov.Items)),
		zap.Bool("purchase_order", ov.PurchaseOrderRef != nil),
		zap.Bool("purchase_invoice", ov.PurchaseInvoiceRef != nil),
	)
	return doc, nil
}

func (e *Engine) relinkInvoice(ctx context.Context, doc *model.Document, ref string) error {
	old := doc.PurchaseInvoiceRef
	if old == ref {
		return nil
	}
	if old != "" {
		if err := e.records.UnlinkPurchaseInvoice(ctx, old); err != nil && !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("unlink invoice %s: %w", old, err)
		}
	}
	if ref != "" {
		if err := e.records.LinkPurchaseInvoice(ctx, ref, doc.AccessKey); err != nil {
			return fmt.Errorf("link invoice %s: %w", ref, err)
		}
	}
	return nil
}

// runStage performs the exit action of stage, then persists. It reports
// whether the document moved on to the next state.
func (e *Engine) runStage(ctx context.Context, doc *model.Document, stage model.Status) (bool, error) {
	ctx, span := tracer.Start(ctx, "pipeline."+string(stage))
	defer span.End()
	span.SetAttributes(attribute.String("dfe.access_key", doc.AccessKey))

	start := time.Now()
	doc.Status = stage
	doc.SubStatus = model.SubStatusNone
	doc.FailedStage = ""
	doc.ErrorDetail = ""

	var (
		advance = true
		err     error
	)
	switch stage {
	case model.StatusNew:
	case model.StatusParsed:
		err = e.lookupSupplier(ctx, doc)
	case model.StatusSupplierProcessing:
		err = e.resolveSupplier(ctx, doc)
	case model.StatusItemProcessing:
		advance, err = e.resolveItems(ctx, doc)
	case model.StatusPOMatching:
		advance, err = e.matchPurchaseOrder(ctx, doc)
	case model.StatusInvoiceCreation:
		advance, err = e.createInvoice(ctx, doc)
	}

	if err != nil {
		doc.Status = model.StatusError
		doc.FailedStage = stage
		doc.ErrorDetail = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, "stage failed")
	} else if advance {
		doc.Status = nextStatus(stage)
	}

	if perr := e.docs.Update(ctx, doc); perr != nil {
		return false, fmt.Errorf("persist %s: %w", stage, perr)
	}
	e.metrics.ObserveStage(string(stage), string(doc.Status))

	fields := []zap.Field{
		zap.String("access_key", doc.AccessKey),
		zap.String("stage", string(stage)),
		zap.String("status", string(doc.Status)),
		zap.String("sub_status", string(doc.SubStatus)),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
	}
	if err != nil {
		e.log.Warn("stage_failed", append(fields, zap.Error(err))...)
		return false, &StageError{Stage: stage, Err: err}
	}
	e.log.Info("stage_completed", fields...)
	return advance, nil
}

func (e *Engine) lookupSupplier(ctx context.Context, doc *model.Document) error {
	if doc.SupplierRef != "" {
		return nil
	}
	s, err := e.records.FindSupplierByTaxID(ctx, doc.IssuerTaxID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("find supplier: %w", err)
	}
	doc.SupplierRef = s.Ref
	doc.SupplierStatus = model.SupplierLinked
	return nil
}

// resolveSupplier repeats the lookup before any create so a re-run after a
// crash links the record created by the first attempt.
func (e *Engine) resolveSupplier(ctx context.Context, doc *model.Document) error {
	if err := e.lookupSupplier(ctx, doc); err != nil {
		return err
	}
	if doc.SupplierRef != "" {
		return nil
	}
	if !e.opts.AutoCreateSupplier {
		doc.SupplierStatus = model.SupplierNotFound
		return nil
	}
	s, err := e.records.CreateSupplier(ctx, &model.Supplier{
		TaxID:          fiscal.CleanCNPJ(doc.IssuerTaxID),
		FormattedTaxID: fiscal.FormatCNPJ(doc.IssuerTaxID),
		Name:           supplierName(doc),
	})
	if errors.Is(err, repository.ErrAlreadyExists) {
		s, err = e.records.FindSupplierByTaxID(ctx, doc.IssuerTaxID)
	}
	if err != nil {
		doc.SupplierStatus = model.SupplierFailed
		return fmt.Errorf("create supplier: %w", err)
	}
	doc.SupplierRef = s.Ref
	doc.SupplierStatus = model.SupplierCreated
	return nil
}

func supplierName(doc *model.Document) string {
	if name := strings.TrimSpace(doc.IssuerName); name != "" {
		return name
	}
	return fiscal.FormatCNPJ(doc.IssuerTaxID)
}

// resolveItems only touches lines without an item. Lines that cannot be
// resolved leave the document at ItemProcessing with a Partial sub-status.
func (e *Engine) resolveItems(ctx context.Context, doc *model.Document) (bool, error) {
	var failures []string
	for _, i := range doc.UnresolvedLines() {
		l := &doc.Lines[i]
		q := repository.ItemQuery{
			SupplierRef:  doc.SupplierRef,
			SupplierCode: l.ProductCode,
			NCM:          l.NCM,
			Description:  l.Description,
		}
		item, err := e.records.FindItemByCode(ctx, q)
		if err == nil {
			l.ItemRef, l.ItemStatus = item.Ref, model.ItemLinked
			continue
		}
		if !errors.Is(err, repository.ErrNotFound) {
			l.ItemStatus = model.ItemFailed
			failures = append(failures, fmt.Sprintf("line %d: %v", l.Number, err))
			continue
		}
		if !e.opts.AutoCreateItem {
			l.ItemStatus = model.ItemFailed
			failures = append(failures, fmt.Sprintf("line %d: no item for %q", l.Number, l.ProductCode))
			continue
		}
		item, err = e.records.CreateItem(ctx, q, &model.Item{
			Code:        itemCode(doc, l),
			Description: l.Description,
			NCM:         l.NCM,
			Unit:        l.Unit,
		})
		if err != nil {
			l.ItemStatus = model.ItemFailed
			failures = append(failures, fmt.Sprintf("line %d: %v", l.Number, err))
			continue
		}
		l.ItemRef, l.ItemStatus = item.Ref, model.ItemCreated
	}

	doc.ItemStatus = itemsOutcome(doc)
	if len(failures) == 0 {
		return true, nil
	}
	doc.SubStatus = model.SubStatusPartial
	doc.ErrorDetail = strings.Join(failures, "; ")
	e.log.Warn("items_unresolved",
		zap.String("access_key", doc.AccessKey),
		zap.Int("unresolved", len(failures)),
		zap.Int("lines", len(doc.Lines)),
	)
	return false, nil
}

// itemCode is unique per issuer and product code.
func itemCode(doc *model.Document, l *model.DocumentLine) string {
	code := strings.TrimSpace(l.ProductCode)
	if code == "" {
		code = fmt.Sprintf("L%d", l.Number)
	}
	return fiscal.CleanCNPJ(doc.IssuerTaxID) + "-" + code
}

func itemsOutcome(doc *model.Document) string {
	unresolved := len(doc.UnresolvedLines())
	switch {
	case unresolved == 0:
		return model.ItemsAllResolved
	case unresolved == len(doc.Lines):
		return model.ItemsFailed
	}
	return model.ItemsPartial
}

func (e *Engine) matchPurchaseOrder(ctx context.Context, doc *model.Document) (bool, error) {
	if doc.PurchaseOrderRef != "" {
		return true, nil
	}
	if !e.opts.EnablePOMatching || doc.SupplierRef == "" {
		doc.POStatus = model.PONotApplicable
		return true, nil
	}
	orders, err := e.records.FindOpenPurchaseOrders(ctx, doc.SupplierRef)
	if err != nil {
		return false, fmt.Errorf("find purchase orders: %w", err)
	}
	cands := make([]matching.Candidate, 0, len(orders))
	for _, o := range orders {
		cands = append(cands, matching.Candidate{
			Ref:         o.Ref,
			SupplierRef: o.SupplierRef,
			Total:       o.Total,
			Date:        o.OrderDate,
			Inactive:    o.Status != model.RecordOpen,
		})
	}

	best, err := matching.MatchPurchaseOrder(doc, cands, e.opts.Matching)
	switch {
	case errors.Is(err, matching.ErrReconciliationAmbiguous):
		doc.POStatus = model.POAmbiguous
		doc.SubStatus = model.SubStatusUnresolved
		doc.ErrorDetail = fmt.Sprintf("purchase orders tie with %s", best.Ref)
		return false, nil
	case best == nil:
		doc.POStatus = model.PONotFound
	default:
		doc.PurchaseOrderRef = best.Ref
		doc.POStatus = model.POLinked
	}
	return true, nil
}

// createInvoice links an invoice already carrying this access key, then a
// matching open invoice of the supplier, and creates one only when neither
// exists.
func (e *Engine) createInvoice(ctx context.Context, doc *model.Document) (bool, error) {
	if doc.PurchaseInvoiceRef != "" {
		return true, nil
	}
	if !e.opts.AutoCreateInvoice || doc.SupplierRef == "" {
		doc.InvoiceStatus = model.InvoiceSkipped
		return true, nil
	}

	existing, err := e.records.FindPurchaseInvoiceByAccessKey(ctx, doc.AccessKey)
	switch {
	case err == nil:
		doc.PurchaseInvoiceRef = existing.Ref
		doc.InvoiceStatus = model.InvoiceLinked
		return true, nil
	case !errors.Is(err, repository.ErrNotFound):
		return false, fmt.Errorf("find purchase invoice: %w", err)
	}

	invoices, err := e.records.FindPurchaseInvoices(ctx, doc.SupplierRef)
	if err != nil {
		return false, fmt.Errorf("find purchase invoices: %w", err)
	}
	cands := make([]matching.Candidate, 0, len(invoices))
	for _, inv := range invoices {
		if inv.AccessKey != "" {
			continue
		}
		cands = append(cands, matching.Candidate{
			Ref:         inv.Ref,
			SupplierRef: inv.SupplierRef,
			Total:       inv.Total,
			Date:        inv.InvoiceDate,
			Inactive:    inv.Status == model.RecordCancelled,
		})
	}
	best, err := matching.MatchPurchaseInvoice(doc, cands, e.opts.Matching)
	switch {
	case errors.Is(err, matching.ErrReconciliationAmbiguous):
		doc.SubStatus = model.SubStatusUnresolved
		doc.ErrorDetail = fmt.Sprintf("purchase invoices tie with %s", best.Ref)
		return false, nil
	case best != nil:
		if err := e.records.LinkPurchaseInvoice(ctx, best.Ref, doc.AccessKey); err != nil {
			return false, fmt.Errorf("link purchase invoice: %w", err)
		}
		doc.PurchaseInvoiceRef = best.Ref
		doc.InvoiceStatus = model.InvoiceLinked
		return true, nil
	}

	inv, err := e.records.CreatePurchaseInvoice(ctx, doc, doc.PurchaseOrderRef)
	if err != nil {
		return false, fmt.Errorf("create purchase invoice: %w", err)
	}
	doc.PurchaseInvoiceRef = inv.Ref
	doc.InvoiceStatus = model.InvoiceCreated
	return true, nil
}

func lineByNumber(doc *model.Document, n int) int {
	for i, l := range doc.Lines {
		if l.Number == n {
			return i
		}
	}
	return -1
}

// Package ledger records every raw payload the system receives. It stores
// the payload, parses it, deduplicates by access key and appends exactly one
// import log entry per attempt.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"dfeingest/internal/keylock"
	"dfeingest/internal/metrics"
	"dfeingest/internal/model"
	"dfeingest/internal/parser"
	"dfeingest/internal/repository"
)

// ErrDuplicateAccessKey marks a payload whose access key is already stored.
// It is logged and recorded in the import log, never returned.
var ErrDuplicateAccessKey = errors.New("access key already ingested")

// RawPayload is one XML payload from any source channel.
type RawPayload struct {
	Channel    model.SourceChannel
	TaxpayerID string
	// DocumentType is the feed the payload came from; empty for email.
	DocumentType model.DocumentType
	NSU          *uint64
	Content      []byte
	// Source names the origin for log lines (file name, feed schema).
	Source string
}

// IngestResult describes what happened to one payload.
type IngestResult struct {
	Outcome   model.ImportOutcome
	Kind      parser.Kind
	AccessKey string
	Document  *model.Document
	Created   bool
	Entry     *model.ImportLogEntry
}

// PayloadSaver persists raw payloads and returns their reference.
type PayloadSaver interface {
	Save(ctx context.Context, kind string, channel model.SourceChannel, raw []byte) (string, error)
}

// Canceller applies a cancellation event to an existing document.
type Canceller interface {
	Cancel(ctx context.Context, accessKey string, ev model.DocumentEvent) (*model.Document, error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithOnCreated registers a hook called for every newly created document
// that is not already cancelled.
func WithOnCreated(fn func(ctx context.Context, accessKey string)) Option {
	return func(l *Ledger) { l.onCreated = fn }
}

// WithCanceller routes cancellation events through the processing engine.
func WithCanceller(c Canceller) Option {
	return func(l *Ledger) { l.canceller = c }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithLocker shares the per-access-key lock with the processing engine so a
// lineage merge never interleaves with a stage update.
func WithLocker(k *keylock.Locker) Option {
	return func(l *Ledger) { l.locks = k }
}

type Ledger struct {
	docs      repository.DocumentRepository
	events    repository.EventRepository
	entries   repository.ImportLogRepository
	payloads  PayloadSaver
	log       *zap.Logger
	metrics   *metrics.Metrics
	canceller Canceller
	onCreated func(ctx context.Context, accessKey string)
	locks     *keylock.Locker
}

func New(docs repository.DocumentRepository, events repository.EventRepository, entries repository.ImportLogRepository,
	payloads PayloadSaver, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		docs:     docs,
		events:   events,
		entries:  entries,
		payloads: payloads,
		log:      log.With(zap.String("component", "ledger")),
		locks:    &keylock.Locker{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetCanceller wires the canceller after construction, for callers where the
// engine itself depends on the ledger's repositories.
func (l *Ledger) SetCanceller(c Canceller) { l.canceller = c }

// SetOnCreated replaces the creation hook.
func (l *Ledger) SetOnCreated(fn func(ctx context.Context, accessKey string)) { l.onCreated = fn }

// Ingest stores, parses and records p. The returned error is reserved for
// infrastructure failures (object storage, database); payload problems are
// reported through the result's ledger entry.
func (l *Ledger) Ingest(ctx context.Context, p RawPayload) (*IngestResult, error) {
	if len(p.Content) == 0 {
		return l.fail(ctx, p, "", model.ErrorKindParse, "empty payload")
	}

	det, err := parser.Detect(p.Content)
	if err != nil {
		ref, serr := l.payloads.Save(ctx, "unknown", p.Channel, p.Content)
		if serr != nil {
			return nil, fmt.Errorf("save payload: %w", serr)
		}
		return l.fail(ctx, p, ref, model.ErrorKindParse, err.Error())
	}

	ref, err := l.payloads.Save(ctx, payloadKind(det), p.Channel, p.Content)
	if err != nil {
		return nil, fmt.Errorf("save payload: %w", err)
	}

	switch det.Kind {
	case parser.KindSummary:
		return l.ingestSummary(ctx, p, ref)
	case parser.KindEvent:
		return l.ingestEvent(ctx, p, ref)
	}
	return l.ingestDocument(ctx, p, ref)
}

// RecordFailure appends an error entry for a payload that never reached the
// parser, such as an undecodable docZip or a malformed distribution envelope.
func (l *Ledger) RecordFailure(ctx context.Context, p RawPayload, errorKind, detail string) (*model.ImportLogEntry, error) {
	ref := ""
	if len(p.Content) > 0 {
		var err error
		if ref, err = l.payloads.Save(ctx, "unknown", p.Channel, p.Content); err != nil {
			return nil, fmt.Errorf("save payload: %w", err)
		}
	}
	res, err := l.fail(ctx, p, ref, errorKind, detail)
	if err != nil {
		return nil, err
	}
	return res.Entry, nil
}

func (l *Ledger) ingestSummary(ctx context.Context, p RawPayload, ref string) (*IngestResult, error) {
	key, err := parser.SummaryKey(p.Content)
	if err != nil {
		return l.fail(ctx, p, ref, model.ErrorKindParse, err.Error())
	}
	entry := l.entry(p, ref, model.OutcomeSkipped)
	entry.AccessKey = key
	entry.ErrorDetail = "summary without full document"
	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	return &IngestResult{Outcome: model.OutcomeSkipped, Kind: parser.KindSummary, AccessKey: key, Entry: entry}, nil
}

func (l *Ledger) ingestEvent(ctx context.Context, p RawPayload, ref string) (*IngestResult, error) {
	ev, err := parser.ParseEvent(p.Content)
	if err != nil {
		return l.fail(ctx, p, ref, model.ErrorKindParse, err.Error())
	}
	inserted, err := l.events.Append(ctx, ev.Event)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	res := &IngestResult{Outcome: model.OutcomeSuccess, Kind: parser.KindEvent, AccessKey: ev.AccessKey}
	entry := l.entry(p, ref, model.OutcomeSuccess)
	entry.AccessKey = ev.AccessKey
	if !inserted {
		res.Outcome, entry.Outcome = model.OutcomeDuplicate, model.OutcomeDuplicate
		entry.ErrorKind = model.ErrorKindDuplicate
		entry.ErrorDetail = fmt.Sprintf("event %s seq %d already recorded", ev.Event.Code, ev.Event.Sequence)
	}

	doc, err := l.docs.FindByAccessKey(ctx, ev.AccessKey)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		// Held until the document arrives.
	case err != nil:
		return nil, fmt.Errorf("find document: %w", err)
	default:
		entry.DocumentID = doc.ID
		res.Document = doc
		if ev.Event.Type == model.EventCancellation {
			res.Document = l.cancel(ctx, doc, ev.Event)
		}
	}

	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	res.Entry = entry
	return res, nil
}

func (l *Ledger) ingestDocument(ctx context.Context, p RawPayload, ref string) (*IngestResult, error) {
	doc, err := parser.Parse(p.Content)
	if err != nil {
		return l.fail(ctx, p, ref, model.ErrorKindParse, err.Error())
	}
	doc.PayloadRef = ref
	doc.SourceChannels = []model.SourceChannel{p.Channel}

	pending, err := l.events.ListByAccessKey(ctx, doc.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	var cancelEv *model.DocumentEvent
	for _, ev := range doc.Events {
		if _, err := l.events.Append(ctx, ev); err != nil {
			return nil, fmt.Errorf("append event: %w", err)
		}
		if ev.Type == model.EventCancellation && cancelEv == nil {
			e := ev
			cancelEv = &e
		}
	}
	if cancelEv == nil {
		cancelEv = firstCancellation(pending)
	}
	if cancelEv != nil {
		doc.Cancelled = true
		doc.Status = model.StatusCancelled
	}

	res := &IngestResult{Kind: parser.KindDocument, AccessKey: doc.AccessKey}
	created, err := l.docs.Create(ctx, doc)
	switch {
	case err == nil:
		res.Outcome, res.Document, res.Created = model.OutcomeSuccess, created, true
	case errors.Is(err, repository.ErrAlreadyExists):
		existing, err := l.mergeDuplicate(ctx, doc, p.Channel, cancelEv)
		if err != nil {
			return nil, err
		}
		res.Outcome, res.Document = model.OutcomeDuplicate, existing
	default:
		return nil, fmt.Errorf("create document: %w", err)
	}

	entry := l.entry(p, ref, res.Outcome)
	entry.AccessKey = doc.AccessKey
	entry.DocumentID = res.Document.ID
	if res.Outcome == model.OutcomeDuplicate {
		entry.ErrorKind = model.ErrorKindDuplicate
		entry.ErrorDetail = ErrDuplicateAccessKey.Error()
	}
	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	res.Entry = entry

	if res.Created && !created.Cancelled && l.onCreated != nil {
		l.onCreated(ctx, created.AccessKey)
	}
	return res, nil
}

// mergeDuplicate adds the new channel to the stored document's lineage and
// applies a cancellation carried inside the re-ingested payload.
func (l *Ledger) mergeDuplicate(ctx context.Context, doc *model.Document, ch model.SourceChannel, cancel *model.DocumentEvent) (*model.Document, error) {
	existing, err := l.mergeLineage(ctx, doc, ch)
	if err != nil {
		return nil, err
	}
	if cancel != nil {
		existing = l.cancel(ctx, existing, *cancel)
	}
	return existing, nil
}

func (l *Ledger) mergeLineage(ctx context.Context, doc *model.Document, ch model.SourceChannel) (*model.Document, error) {
	unlock := l.locks.Lock(doc.AccessKey)
	defer unlock()

	existing, err := l.docs.FindByAccessKey(ctx, doc.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("find duplicate: %w", err)
	}
	l.log.Info("duplicate_access_key",
		zap.Error(ErrDuplicateAccessKey),
		zap.String("access_key", doc.AccessKey),
		zap.String("channel", string(ch)),
		zap.String("document_id", existing.ID),
	)
	if existing.AddChannel(ch) {
		if existing.PayloadRef == "" {
			existing.PayloadRef = doc.PayloadRef
		}
		if err := l.docs.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("merge lineage: %w", err)
		}
	}
	return existing, nil
}

// cancel never fails the ingestion. The event is already stored, so a
// redelivery of the event or of the document applies it again; documents
// already in a terminal state are left alone.
func (l *Ledger) cancel(ctx context.Context, doc *model.Document, ev model.DocumentEvent) *model.Document {
	if l.canceller == nil || doc.Status.Terminal() {
		return doc
	}
	out, err := l.canceller.Cancel(ctx, doc.AccessKey, ev)
	if err != nil {
		l.log.Warn("cancel_failed",
			zap.String("access_key", doc.AccessKey),
			zap.String("status", string(doc.Status)),
			zap.Error(err),
		)
		return doc
	}
	return out
}

func (l *Ledger) fail(ctx context.Context, p RawPayload, ref, kind, detail string) (*IngestResult, error) {
	entry := l.entry(p, ref, model.OutcomeError)
	entry.ErrorKind = kind
	entry.ErrorDetail = detail
	if err := l.append(ctx, entry); err != nil {
		return nil, err
	}
	l.log.Warn("ingest_failed",
		zap.String("channel", string(p.Channel)),
		zap.String("source", p.Source),
		zap.String("error_kind", kind),
		zap.String("error_detail", detail),
		zap.String("payload_ref", ref),
	)
	return &IngestResult{Outcome: model.OutcomeError, Entry: entry}, nil
}

func (l *Ledger) entry(p RawPayload, ref string, outcome model.ImportOutcome) *model.ImportLogEntry {
	return &model.ImportLogEntry{
		TaxpayerID:   p.TaxpayerID,
		DocumentType: p.DocumentType,
		Channel:      p.Channel,
		NSU:          p.NSU,
		Outcome:      outcome,
		PayloadRef:   ref,
	}
}

func (l *Ledger) append(ctx context.Context, e *model.ImportLogEntry) error {
	if err := l.entries.Append(ctx, e); err != nil {
		return fmt.Errorf("append import log: %w", err)
	}
	l.metrics.ObserveIngest(string(e.Channel), string(e.Outcome))
	return nil
}

func payloadKind(det parser.Detection) string {
	if det.Kind != parser.KindDocument {
		return det.Kind.String()
	}
	return string(det.Variant)
}

func firstCancellation(events []model.DocumentEvent) *model.DocumentEvent {
	for i := range events {
		if events[i].Type == model.EventCancellation {
			return &events[i]
		}
	}
	return nil
}

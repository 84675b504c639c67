package dfe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dfeingest/internal/config"
	"dfeingest/internal/credentials"
	"dfeingest/internal/keylock"
	"dfeingest/internal/ledger"
	"dfeingest/internal/metrics"
	"dfeingest/internal/model"
	"dfeingest/internal/repository"
)

var tracer = otel.Tracer("dfeingest/internal/dfe")

// Recorder is the part of the import ledger the fetcher writes to.
type Recorder interface {
	Ingest(ctx context.Context, p ledger.RawPayload) (*ledger.IngestResult, error)
	RecordFailure(ctx context.Context, p ledger.RawPayload, errorKind, detail string) (*model.ImportLogEntry, error)
}

// ClientFactory builds the HTTP client used for one fetch run.
type ClientFactory func(id *credentials.Identity, timeout time.Duration) *http.Client

// FetchResult summarizes one fetch run.
type FetchResult struct {
	TaxpayerID   string             `json:"taxpayer_id"`
	DocumentType model.DocumentType `json:"document_type"`
	StartNSU     uint64             `json:"start_nsu"`
	LastNSU      uint64             `json:"last_nsu"`
	MaxNSU       uint64             `json:"max_nsu"`
	Pages        int                `json:"pages"`
	Documents    int                `json:"documents"`
	Created      int                `json:"created"`
	Duplicates   int                `json:"duplicates"`
	Skipped      int                `json:"skipped"`
	Errors       int                `json:"errors"`
}

// ConnectionStatus is the outcome of a TestConnection probe.
type ConnectionStatus struct {
	TaxpayerID      string             `json:"taxpayer_id"`
	DocumentType    model.DocumentType `json:"document_type"`
	Endpoint        string             `json:"endpoint"`
	Reachable       bool               `json:"reachable"`
	HTTPStatus      int                `json:"http_status,omitempty"`
	Status          string             `json:"status,omitempty"`
	Reason          string             `json:"reason,omitempty"`
	Error           string             `json:"error,omitempty"`
	CertificateCN   string             `json:"certificate_cn,omitempty"`
	CertificateTax  string             `json:"certificate_tax_id,omitempty"`
	CertExpiresAt   *time.Time         `json:"certificate_expires_at,omitempty"`
	DaysUntilExpiry int                `json:"days_until_expiry"`
	LatencyMS       int64              `json:"latency_ms"`
}

// Options bounds one fetch run.
type Options struct {
	MaxRetries       int
	MaxPages         int
	RequestTimeout   time.Duration
	RateLimitDefault time.Duration
	RetryInterval    time.Duration
}

// OptionsFromConfig maps the SEFAZ settings onto fetch options.
func OptionsFromConfig(cfg config.SEFAZConfig) Options {
	return Options{
		MaxRetries:       cfg.MaxRetries,
		MaxPages:         cfg.MaxPages,
		RequestTimeout:   cfg.RequestTimeout,
		RateLimitDefault: cfg.RateLimitDefault,
		RetryInterval:    500 * time.Millisecond,
	}
}

type Option func(*Fetcher)

func WithClientFactory(f ClientFactory) Option {
	return func(fe *Fetcher) { fe.newClient = f }
}

func WithClock(now func() time.Time) Option {
	return func(fe *Fetcher) { fe.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(fe *Fetcher) { fe.metrics = m }
}

// Fetcher runs incremental fetches, one at a time per (taxpayer, type).
type Fetcher struct {
	opts         Options
	cursors      repository.CursorRepository
	recorder     Recorder
	creds        credentials.Provider
	distributors map[model.DocumentType]Distributor
	log          *zap.Logger
	metrics      *metrics.Metrics
	newClient    ClientFactory
	now          func() time.Time
	locks        keylock.Locker
}

func NewFetcher(opts Options, cursors repository.CursorRepository, recorder Recorder, creds credentials.Provider,
	distributors map[model.DocumentType]Distributor, log *zap.Logger, options ...Option) *Fetcher {
	if opts.MaxPages <= 0 {
		opts.MaxPages = 50
	}
	if opts.RateLimitDefault <= 0 {
		opts.RateLimitDefault = time.Hour
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	f := &Fetcher{
		opts:         opts,
		cursors:      cursors,
		recorder:     recorder,
		creds:        creds,
		distributors: distributors,
		log:          log.With(zap.String("component", "dfe")),
		newClient:    NewHTTPClient,
		now:          time.Now,
	}
	for _, o := range options {
		o(f)
	}
	return f
}

// Fetch pages through the feed from the stored cursor. Every page is
// recorded in the ledger before the cursor moves. On error the result holds
// the progress made by the pages already committed.
func (f *Fetcher) Fetch(ctx context.Context, taxpayerID string, docType model.DocumentType) (*FetchResult, error) {
	dist, ok := f.distributors[docType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, docType)
	}

	unlock := f.locks.Lock(taxpayerID + "/" + string(docType))
	defer unlock()

	ctx, span := tracer.Start(ctx, "dfe.Fetch")
	defer span.End()
	span.SetAttributes(
		attribute.String("dfe.taxpayer_id", taxpayerID),
		attribute.String("dfe.document_type", string(docType)),
	)

	start := f.now()
	res, err := f.fetch(ctx, dist, taxpayerID, docType)
	outcome := fetchOutcome(err)
	f.metrics.ObserveFetch(string(docType), outcome, res.Documents)

	fields := []zap.Field{
		zap.String("taxpayer_id", taxpayerID),
		zap.String("document_type", string(docType)),
		zap.Uint64("start_nsu", res.StartNSU),
		zap.Uint64("last_nsu", res.LastNSU),
		zap.Int("pages", res.Pages),
		zap.Int("documents", res.Documents),
		zap.Int("created", res.Created),
		zap.Int("errors", res.Errors),
		zap.String("outcome", outcome),
		zap.Int64("duration_ms", f.now().Sub(start).Milliseconds()),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		f.log.Warn("dfe_fetch_failed", append(fields, zap.Error(err))...)
		return res, err
	}
	span.SetAttributes(attribute.Int64("dfe.last_nsu", int64(res.LastNSU)))
	f.log.Info("dfe_fetch_completed", fields...)
	return res, nil
}

func (f *Fetcher) fetch(ctx context.Context, dist Distributor, taxpayerID string, docType model.DocumentType) (*FetchResult, error) {
	res := &FetchResult{TaxpayerID: taxpayerID, DocumentType: docType}

	cur, err := f.cursors.Get(ctx, taxpayerID, docType)
	if err != nil {
		return res, fmt.Errorf("load cursor: %w", err)
	}
	res.StartNSU, res.LastNSU = cur.LastNSU, cur.LastNSU

	now := f.now()
	if wait, blocked := cur.BlockedAt(now); blocked {
		return res, &RateLimitedError{Until: *cur.RateLimitedUntil, RetryAfter: wait}
	}

	id, err := f.creds.Identity(ctx, taxpayerID)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	hc := f.newClient(id, f.opts.RequestTimeout)

	nsu := cur.LastNSU
	for res.Pages < f.opts.MaxPages {
		page, err := f.distribute(ctx, dist, hc, taxpayerID, nsu)
		if err != nil {
			return res, f.handleDistributeError(ctx, taxpayerID, docType, err)
		}
		res.Pages++
		if page.MaxNSU > res.MaxNSU {
			res.MaxNSU = page.MaxNSU
		}

		high, err := f.record(ctx, taxpayerID, docType, page, res)
		if err != nil {
			return res, err
		}
		if page.LastNSU > high {
			high = page.LastNSU
		}
		if high > nsu {
			if err := f.cursors.Advance(ctx, taxpayerID, docType, high, f.now()); err != nil {
				return res, fmt.Errorf("advance cursor: %w", err)
			}
			nsu = high
			res.LastNSU = nsu
			f.metrics.SetCursor(taxpayerID, string(docType), nsu)
		}
		if page.CaughtUp(nsu) {
			break
		}
	}

	if cur.RateLimitedUntil != nil {
		if err := f.cursors.SetRateLimited(ctx, taxpayerID, docType, nil); err != nil {
			return res, fmt.Errorf("clear rate limit: %w", err)
		}
	}
	return res, nil
}

// distribute retries transient failures with exponential backoff; any other
// error ends the attempt immediately.
func (f *Fetcher) distribute(ctx context.Context, dist Distributor, hc *http.Client, taxpayerID string, afterNSU uint64) (*Page, error) {
	ctx, span := tracer.Start(ctx, "dfe.Distribute", trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(attribute.Int64("dfe.after_nsu", int64(afterNSU)))

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.RetryInterval

	op := func() (*Page, error) {
		page, err := dist.Distribute(ctx, hc, taxpayerID, afterNSU)
		if err == nil {
			return page, nil
		}
		if errors.Is(err, ErrTransientNetwork) {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	page, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.opts.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			f.log.Warn("dfe_request_retry",
				zap.String("endpoint", dist.Endpoint()),
				zap.Uint64("after_nsu", afterNSU),
				zap.Duration("next_in", next),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "distribute failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("dfe.documents", len(page.Documents)))
	return page, nil
}

func (f *Fetcher) handleDistributeError(ctx context.Context, taxpayerID string, docType model.DocumentType, err error) error {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = f.opts.RateLimitDefault
		}
		until := f.now().Add(wait)
		if serr := f.cursors.SetRateLimited(ctx, taxpayerID, docType, &until); serr != nil {
			return fmt.Errorf("store rate limit: %w", serr)
		}
		return &RateLimitedError{Until: until, RetryAfter: wait}
	}

	var se *SchemaError
	if errors.As(err, &se) {
		p := ledger.RawPayload{
			Channel:      model.ChannelAPI,
			TaxpayerID:   taxpayerID,
			DocumentType: docType,
			Content:      se.Body,
			Source:       "envelope",
		}
		if _, lerr := f.recorder.RecordFailure(ctx, p, model.ErrorKindUpstreamSchema, se.Reason); lerr != nil {
			return fmt.Errorf("%w (recording failed: %v)", err, lerr)
		}
	}
	return err
}

// record hands every document of page to the ledger and returns the highest
// NSU it recorded. Any infrastructure failure aborts before the cursor moves.
func (f *Fetcher) record(ctx context.Context, taxpayerID string, docType model.DocumentType, page *Page, res *FetchResult) (uint64, error) {
	var high uint64
	for _, d := range page.Documents {
		nsu := d.NSU
		p := ledger.RawPayload{
			Channel:      model.ChannelAPI,
			TaxpayerID:   taxpayerID,
			DocumentType: docType,
			NSU:          &nsu,
			Content:      d.Content,
			Source:       d.Schema,
		}
		res.Documents++
		if d.Err != nil {
			if _, err := f.recorder.RecordFailure(ctx, p, model.ErrorKindUpstreamSchema, d.Err.Error()); err != nil {
				return 0, fmt.Errorf("record nsu %d: %w", nsu, err)
			}
			res.Errors++
		} else {
			out, err := f.recorder.Ingest(ctx, p)
			if err != nil {
				return 0, fmt.Errorf("record nsu %d: %w", nsu, err)
			}
			tally(res, out)
		}
		if nsu > high {
			high = nsu
		}
	}
	return high, nil
}

func tally(res *FetchResult, out *ledger.IngestResult) {
	switch out.Outcome {
	case model.OutcomeSuccess:
		if out.Created {
			res.Created++
		}
	case model.OutcomeDuplicate:
		res.Duplicates++
	case model.OutcomeSkipped:
		res.Skipped++
	case model.OutcomeError:
		res.Errors++
	}
}

// TestConnection performs a single request from NSU 0 and records nothing.
func (f *Fetcher) TestConnection(ctx context.Context, taxpayerID string, docType model.DocumentType) (*ConnectionStatus, error) {
	dist, ok := f.distributors[docType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, docType)
	}
	st := &ConnectionStatus{TaxpayerID: taxpayerID, DocumentType: docType, Endpoint: dist.Endpoint()}

	id, err := f.creds.Identity(ctx, taxpayerID)
	if id != nil {
		exp := id.NotAfter
		st.CertificateCN = id.CommonName
		st.CertificateTax = id.CertTaxID
		st.CertExpiresAt = &exp
		st.DaysUntilExpiry = id.DaysUntilExpiry(f.now())
	}
	if err != nil {
		st.Error = fmt.Errorf("%w: %v", ErrAuthenticationFailed, err).Error()
		return st, nil
	}

	start := f.now()
	page, err := dist.Distribute(ctx, f.newClient(id, f.opts.RequestTimeout), taxpayerID, 0)
	st.LatencyMS = f.now().Sub(start).Milliseconds()
	if err != nil {
		st.Error = err.Error()
		var rl *RateLimitedError
		st.Reachable = errors.As(err, &rl)
		if st.Reachable {
			st.Status = CStatRateLimited
		}
		return st, nil
	}
	st.Reachable = true
	st.HTTPStatus = page.HTTPStatus
	st.Status = page.Status
	st.Reason = page.Reason
	return st, nil
}

func fetchOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, ErrTransientNetwork):
		return "transient"
	case errors.Is(err, ErrUpstreamSchema):
		return "upstream_schema"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "error"
}

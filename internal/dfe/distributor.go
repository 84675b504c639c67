// Package dfe implements the incremental DF-e distribution client. It pages
// through the authority's feed per (taxpayer, document type), hands every raw
// document to the import ledger and advances the durable cursor only after
// the page is recorded.
package dfe

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"dfeingest/internal/config"
	"dfeingest/internal/credentials"
	"dfeingest/internal/model"
)

const maxResponseBytes = 32 << 20

// RawDocument is one entry of a distribution page. Err is set when the
// entry itself could not be decoded; the page is still usable.
type RawDocument struct {
	NSU     uint64
	Schema  string
	Content []byte
	Err     error
}

// Page is one distribution response.
type Page struct {
	HTTPStatus int
	Status     string
	Reason     string
	// LastNSU is the high-water mark reported for this page; MaxNSU is the
	// newest NSU known to the authority, zero when the feed does not say.
	LastNSU   uint64
	MaxNSU    uint64
	Documents []RawDocument
}

// CaughtUp reports whether paging from cursor can stop after this page.
func (p *Page) CaughtUp(cursor uint64) bool {
	if len(p.Documents) == 0 {
		return true
	}
	return p.MaxNSU > 0 && cursor >= p.MaxNSU
}

// Distributor performs one distribution request returning documents with
// NSU greater than afterNSU.
type Distributor interface {
	Distribute(ctx context.Context, hc *http.Client, taxpayerID string, afterNSU uint64) (*Page, error)
	Endpoint() string
}

const (
	nfeProductionURL   = "https://www1.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
	nfeHomologationURL = "https://hom.nfe.fazenda.gov.br/NFeDistribuicaoDFe/NFeDistribuicaoDFe.asmx"
	cteProductionURL   = "https://www1.cte.fazenda.gov.br/CTeDistribuicaoDFe/CTeDistribuicaoDFe.asmx"
	cteHomologationURL = "https://hom.cte.fazenda.gov.br/CTeDistribuicaoDFe/CTeDistribuicaoDFe.asmx"
	nfseURL            = "https://adn.nfse.gov.br/contribuintes/DFe"
)

// NewDistributors builds one distributor per document type from cfg.
// Explicit endpoints win over the environment defaults.
func NewDistributors(cfg config.SEFAZConfig) map[model.DocumentType]Distributor {
	nfe, cte := nfeProductionURL, cteProductionURL
	if !cfg.Production() {
		nfe, cte = nfeHomologationURL, cteHomologationURL
	}
	return map[model.DocumentType]Distributor{
		model.DocumentTypeNFe:  NewNFeDistributor(firstNonEmpty(cfg.NFeEndpoint, nfe), cfg.Production(), cfg.AuthorUF),
		model.DocumentTypeCTe:  NewCTeDistributor(firstNonEmpty(cfg.CTeEndpoint, cte), cfg.Production(), cfg.AuthorUF),
		model.DocumentTypeNFSe: NewNFSeDistributor(firstNonEmpty(cfg.NFSeEndpoint, nfseURL)),
	}
}

// NewHTTPClient returns a client presenting id as the TLS client identity.
// Every request is traced and bounded by timeout.
func NewHTTPClient(id *credentials.Identity, timeout time.Duration) *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.TLSClientConfig = &tls.Config{
		Certificates: []tls.Certificate{id.Certificate},
		MinVersion:   tls.VersionTLS12,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(base),
	}
}

// FormatNSU renders an NSU as the authority's 15-digit zero-padded form.
func FormatNSU(nsu uint64) string {
	return fmt.Sprintf("%015d", nsu)
}

func parseNSU(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

// send executes req and returns the body, mapping transport failures and
// throttling onto the fetch error taxonomy.
func send(ctx context.Context, hc *http.Client, req *http.Request) (*http.Response, []byte, error) {
	resp, err := hc.Do(req)
	if err != nil {
		return nil, nil, classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp, nil, classifyTransport(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp, body, &RateLimitedError{RetryAfter: retryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode >= 500:
		return resp, body, transient("http %d from %s", resp.StatusCode, req.URL.Host)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return resp, body, authFailed("http %d from %s", resp.StatusCode, req.URL.Host)
	}
	return resp, body, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var (
		verifyErr *tls.CertificateVerificationError
		authErr   x509.UnknownAuthorityError
	)
	if errors.As(err, &verifyErr) || errors.As(err, &authErr) || strings.Contains(err.Error(), "remote error: tls") {
		return authFailed("%v", err)
	}
	return transient("%v", err)
}

// retryAfter accepts both forms of the header: delta seconds and HTTP date.
func retryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

// decodeDocZip undoes the base64 + gzip wrapping of one feed entry. Entries
// that are base64 but not gzip are returned as plain XML.
func decodeDocZip(s string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	if len(raw) < 2 || raw[0] != 0x1f || raw[1] != 0x8b {
		if len(bytes.TrimSpace(raw)) == 0 {
			return nil, errors.New("empty document")
		}
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open gzip: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read gzip: %w", err)
	}
	return out, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

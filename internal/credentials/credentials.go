// Package credentials loads the taxpayer client certificates used for
// mutual TLS against the distribution services.
package credentials

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/pkcs12"
)

var (
	ErrNotFound    = errors.New("credential not found")
	ErrInvalid     = errors.New("credential invalid")
	ErrExpired     = errors.New("credential expired")
	ErrNotYetValid = errors.New("credential not yet valid")
)

// Identity is a client certificate ready to be used by a TLS client.
type Identity struct {
	TaxpayerID  string
	Certificate tls.Certificate
	CommonName  string
	// CertTaxID is the CNPJ/CPF embedded in the subject CN ("NAME:CNPJ").
	CertTaxID string
	NotBefore time.Time
	NotAfter  time.Time
}

// DaysUntilExpiry is zero once the certificate has expired.
func (i *Identity) DaysUntilExpiry(now time.Time) int {
	if !now.Before(i.NotAfter) {
		return 0
	}
	return int(i.NotAfter.Sub(now).Hours() / 24)
}

// Provider resolves the client identity of a taxpayer.
type Provider interface {
	Identity(ctx context.Context, taxpayerID string) (*Identity, error)
}

// PKCS12Provider reads <dir>/<taxpayer>.pfx protected by the password in
// <dir>/<taxpayer>.pass.
type PKCS12Provider struct {
	dir string
	now func() time.Time
}

// NewPKCS12Provider creates a provider rooted at dir.
func NewPKCS12Provider(dir string) *PKCS12Provider {
	return &PKCS12Provider{dir: dir, now: time.Now}
}

var _ Provider = (*PKCS12Provider)(nil)

func (p *PKCS12Provider) Identity(_ context.Context, taxpayerID string) (*Identity, error) {
	if taxpayerID == "" || strings.ContainsAny(taxpayerID, `/\.`) {
		return nil, fmt.Errorf("%w: bad taxpayer id %q", ErrNotFound, taxpayerID)
	}
	pfx, err := os.ReadFile(filepath.Join(p.dir, taxpayerID+".pfx"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: no certificate for %s", ErrNotFound, taxpayerID)
	}
	if err != nil {
		return nil, fmt.Errorf("read certificate: %w", err)
	}
	pass, err := os.ReadFile(filepath.Join(p.dir, taxpayerID+".pass"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read certificate password: %w", err)
	}
	return FromPKCS12(taxpayerID, pfx, strings.TrimRight(string(pass), "\r\n"), p.now())
}

// FromPKCS12 decodes a PFX bundle and checks its validity window at now.
func FromPKCS12(taxpayerID string, pfx []byte, password string, now time.Time) (*Identity, error) {
	blocks, err := pkcs12.ToPEM(pfx, password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var certPEM, keyPEM []byte
	for _, b := range blocks {
		switch {
		case b.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(b)...)
		case strings.HasSuffix(b.Type, "PRIVATE KEY"):
			keyPEM = append(keyPEM, pem.EncodeToMemory(b)...)
		}
	}
	return FromPEM(taxpayerID, certPEM, keyPEM, now)
}

// FromPEM builds an identity from a PEM certificate chain and key.
func FromPEM(taxpayerID string, certPEM, keyPEM []byte, now time.Time) (*Identity, error) {
	if len(certPEM) == 0 {
		return nil, fmt.Errorf("%w: bundle has no certificate", ErrInvalid)
	}
	if len(keyPEM) == 0 {
		return nil, fmt.Errorf("%w: bundle has no private key", ErrInvalid)
	}
	pair, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	pair.Leaf = leaf

	id := &Identity{
		TaxpayerID:  taxpayerID,
		Certificate: pair,
		CommonName:  leaf.Subject.CommonName,
		NotBefore:   leaf.NotBefore,
		NotAfter:    leaf.NotAfter,
	}
	if i := strings.LastIndex(id.CommonName, ":"); i >= 0 {
		id.CertTaxID = strings.TrimSpace(id.CommonName[i+1:])
	}

	if now.After(leaf.NotAfter) {
		return id, fmt.Errorf("%w on %s", ErrExpired, leaf.NotAfter.Format("2006-01-02"))
	}
	if now.Before(leaf.NotBefore) {
		return id, fmt.Errorf("%w until %s", ErrNotYetValid, leaf.NotBefore.Format("2006-01-02"))
	}
	return id, nil
}

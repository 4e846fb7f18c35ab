// Package mtls authenticates aggregator and operator clients by TLS client
// certificate. Roles are read from the certificate's organizational units.
package mtls

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	ErrNoCertificate          = errors.New("no client certificate provided")
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
	ErrUntrustedCertificate   = errors.New("certificate not from trusted CA")
)

// Identity is the authenticated client behind a certificate.
type Identity struct {
	CommonName   string
	Organization string
	Roles        []string
	Fingerprint  string
	SerialNumber string
	NotAfter     time.Time
}

// Verifier verifies client certificates against a CA pool.
type Verifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewVerifier creates a verifier trusting roots.
func NewVerifier(roots *x509.CertPool) *Verifier {
	return &Verifier{roots: roots, now: time.Now}
}

// NewVerifierFromPEM creates a verifier from PEM-encoded CA certificates.
func NewVerifierFromPEM(caPEM []byte) (*Verifier, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("failed to parse CA certificates")
	}
	return NewVerifier(pool), nil
}

// VerifyRequest verifies the leaf client certificate of r.
func (v *Verifier) VerifyRequest(r *http.Request) (*Identity, error) {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil, ErrNoCertificate
	}
	pool := x509.NewCertPool()
	for _, c := range r.TLS.PeerCertificates[1:] {
		pool.AddCert(c)
	}
	return v.verify(r.TLS.PeerCertificates[0], pool)
}

// VerifyCertificate verifies a single client certificate.
func (v *Verifier) VerifyCertificate(cert *x509.Certificate) (*Identity, error) {
	return v.verify(cert, nil)
}

func (v *Verifier) verify(cert *x509.Certificate, intermediates *x509.CertPool) (*Identity, error) {
	if cert == nil {
		return nil, ErrNoCertificate
	}

	now := v.now()
	if now.Before(cert.NotBefore) {
		return nil, ErrCertificateNotYetValid
	}
	if now.After(cert.NotAfter) {
		return nil, ErrCertificateExpired
	}

	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUntrustedCertificate, err)
	}

	sum := sha256.Sum256(cert.Raw)
	id := &Identity{
		CommonName:   cert.Subject.CommonName,
		Roles:        append([]string(nil), cert.Subject.OrganizationalUnit...),
		Fingerprint:  hex.EncodeToString(sum[:]),
		SerialNumber: cert.SerialNumber.String(),
		NotAfter:     cert.NotAfter,
	}
	if len(cert.Subject.Organization) > 0 {
		id.Organization = cert.Subject.Organization[0]
	}
	return id, nil
}

// TLSConfig returns a server TLS configuration that requests client
// certificates. When required is false, clients may also connect without one.
func (v *Verifier) TLSConfig(serverCert tls.Certificate, required bool) *tls.Config {
	auth := tls.VerifyClientCertIfGiven
	if required {
		auth = tls.RequireAndVerifyClientCert
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   auth,
		ClientCAs:    v.roots,
		MinVersion:   tls.VersionTLS12,
	}
}

type contextKey struct{}

// ContextWithIdentity stores the identity in ctx.
func ContextWithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(contextKey{}).(*Identity)
	return identity, ok
}

package certs

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

// MaxCertificateSize bounds the encoded certificate accepted by the parser.
const MaxCertificateSize = 16 << 10

// Certificate is a parsed certificate whose Birthmark extensions have been
// collected but not yet decoded.
type Certificate struct {
	X509 *x509.Certificate
	raw  rawExtensions
}

// Extensions decodes the Birthmark extensions.
func (c *Certificate) Extensions() (*Extensions, error) {
	return c.raw.decode()
}

// PublicKey returns the certificate's ECDSA P-256 key.
func (c *Certificate) PublicKey() (*ecdsa.PublicKey, error) {
	pub, ok := c.X509.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: public key is not ECDSA P-256", errors.ErrInvalidEncoding)
	}
	return pub, nil
}

// PEM returns the PEM encoding of the certificate.
func (c *Certificate) PEM() []byte {
	return EncodePEM(c.X509.Raw)
}

// Parse parses a DER certificate.
func Parse(der []byte) (*Certificate, error) {
	if len(der) == 0 || len(der) > MaxCertificateSize {
		return nil, fmt.Errorf("%w: certificate size %d out of range", errors.ErrInvalidEncoding, len(der))
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidEncoding, err)
	}
	raw, err := collectExtensions(cert.Extensions)
	if err != nil {
		return nil, err
	}
	return &Certificate{X509: cert, raw: raw}, nil
}

// ParsePEM parses the first CERTIFICATE block of a PEM document.
func ParsePEM(data []byte) (*Certificate, error) {
	if len(data) > 2*MaxCertificateSize {
		return nil, fmt.Errorf("%w: PEM document too large", errors.ErrInvalidEncoding)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: no CERTIFICATE PEM block", errors.ErrInvalidEncoding)
	}
	return Parse(block.Bytes)
}

// ParseBase64 parses base64 wrapping either a PEM document or DER.
func ParseBase64(s string) (*Certificate, error) {
	s = strings.TrimSpace(s)
	if len(s) > 3*MaxCertificateSize {
		return nil, fmt.Errorf("%w: encoded certificate too large", errors.ErrInvalidEncoding)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", errors.ErrInvalidEncoding, err)
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return ParsePEM(data)
	}
	return Parse(data)
}

// ParseTransmitted parses a certificate in any of the forms devices send:
// PEM text, base64 of PEM, or base64 of DER.
func ParseTransmitted(s string) (*Certificate, error) {
	if strings.HasPrefix(strings.TrimSpace(s), "-----BEGIN") {
		return ParsePEM([]byte(s))
	}
	return ParseBase64(s)
}

// EncodePEM wraps DER in a CERTIFICATE PEM block.
func EncodePEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

// EncodeTransmitted returns the base64-of-PEM form devices transmit.
func EncodeTransmitted(der []byte) string {
	return base64.StdEncoding.EncodeToString(EncodePEM(der))
}

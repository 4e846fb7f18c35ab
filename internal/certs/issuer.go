package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

const (
	// CameraValidity is the lifetime of a camera certificate.
	CameraValidity = 10 * 365 * 24 * time.Hour
	// SoftwareValidity is the lifetime of a software certificate.
	SoftwareValidity = 365 * 24 * time.Hour
)

// Issuer signs device certificates with the authority's CA key.
type Issuer struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	now  func() time.Time
}

// NewIssuer creates an issuer from a parsed CA certificate and its key.
func NewIssuer(cert *x509.Certificate, key *ecdsa.PrivateKey) (*Issuer, error) {
	if cert == nil || key == nil {
		return nil, errors.ErrIssuerNotConfigured
	}
	if !cert.IsCA {
		return nil, fmt.Errorf("issuer certificate is not a CA")
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, fmt.Errorf("issuer key does not match certificate")
	}
	return &Issuer{cert: cert, key: key, now: time.Now}, nil
}

// LoadIssuer parses a PEM CA certificate and a PEM EC private key
// (PKCS#8 or SEC 1).
func LoadIssuer(certPEM, keyPEM []byte) (*Issuer, error) {
	cert, err := ParsePEM(certPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	key, err := ParsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA key: %w", err)
	}
	return NewIssuer(cert.X509, key)
}

// NewSelfSignedIssuer generates a fresh P-256 CA, for bootstrapping and tests.
func NewSelfSignedIssuer(organization, commonName string, validity time.Duration) (*Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName, Organization: []string{organization}},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return NewIssuer(cert, key)
}

// Certificate returns the CA certificate.
func (i *Issuer) Certificate() *x509.Certificate {
	return i.cert
}

// CertificatePEM returns the CA certificate in PEM form.
func (i *Issuer) CertificatePEM() []byte {
	return EncodePEM(i.cert.Raw)
}

// KeyPEM returns the CA private key as PKCS#8 PEM.
func (i *Issuer) KeyPEM() ([]byte, error) {
	return EncodePrivateKeyPEM(i.key)
}

// Pool returns a cert pool trusting this issuer.
func (i *Issuer) Pool() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(i.cert)
	return pool
}

// CameraRequest describes a camera certificate.
type CameraRequest struct {
	DeviceSerial     string
	ManufacturerName string
	PublicKey        *ecdsa.PublicKey
	Extensions       CameraExtensions
	Validity         time.Duration
}

// SoftwareRequest describes a software certificate.
type SoftwareRequest struct {
	DeveloperName string
	PublicKey     *ecdsa.PublicKey
	Extensions    SoftwareExtensions
	Validity      time.Duration
}

// IssueCamera signs a camera certificate and returns its DER encoding.
func (i *Issuer) IssueCamera(req CameraRequest) ([]byte, error) {
	if req.DeviceSerial == "" {
		return nil, errors.NewValidationError("device_serial", "required")
	}
	exts, err := req.Extensions.encode()
	if err != nil {
		return nil, errors.NewValidationError("extensions", err.Error())
	}
	validity := req.Validity
	if validity <= 0 {
		validity = CameraValidity
	}
	org := req.ManufacturerName
	if org == "" {
		org = req.Extensions.ManufacturerID
	}
	return i.issue(pkix.Name{CommonName: req.DeviceSerial, Organization: []string{org}}, req.PublicKey, exts, validity)
}

// IssueSoftware signs a software certificate and returns its DER encoding.
func (i *Issuer) IssueSoftware(req SoftwareRequest) ([]byte, error) {
	exts, err := req.Extensions.encode()
	if err != nil {
		return nil, errors.NewValidationError("extensions", err.Error())
	}
	validity := req.Validity
	if validity <= 0 {
		validity = SoftwareValidity
	}
	org := req.DeveloperName
	if org == "" {
		org = req.Extensions.DeveloperID
	}
	subject := pkix.Name{CommonName: req.Extensions.AppIdentifier, Organization: []string{org}}
	return i.issue(subject, req.PublicKey, exts, validity)
}

func (i *Issuer) issue(subject pkix.Name, pub *ecdsa.PublicKey, exts []pkix.Extension, validity time.Duration) ([]byte, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, errors.NewValidationError("public_key", "must be an ECDSA P-256 key")
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	now := i.now().UTC()
	notAfter := now.Add(validity)
	if notAfter.After(i.cert.NotAfter) {
		notAfter = i.cert.NotAfter
	}

	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  false,
		ExtraExtensions:       exts,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, i.cert, pub, i.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign certificate: %w", err)
	}
	return der, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return serial, nil
}

// GenerateKey creates a P-256 device key pair.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes key as a PKCS#8 PEM block.
func EncodePrivateKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// EncodePublicKeyPEM encodes pub as a PKIX PEM block.
func EncodePublicKeyPEM(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 or SEC 1 EC private key.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	switch block.Type {
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		ec, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("private key is not ECDSA")
		}
		return ec, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
}

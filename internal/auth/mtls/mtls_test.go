package mtls_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/mtls"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
	pem  []byte
}

func newCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key, pem: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})}
}

func (ca *testCA) client(t *testing.T, cn string, roles []string, notAfter time.Time) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:         cn,
			Organization:       []string{"Birthmark Standard"},
			OrganizationalUnit: roles,
		},
		NotBefore:   time.Now().Add(-2 * time.Hour),
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestVerifier(t *testing.T) {
	ca := newCA(t, "Birthmark Client CA")
	v, err := mtls.NewVerifierFromPEM(ca.pem)
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		id, err := v.VerifyCertificate(ca.client(t, "aggregator-1", []string{"aggregator"}, time.Now().Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, "aggregator-1", id.CommonName)
		assert.Equal(t, "Birthmark Standard", id.Organization)
		assert.Equal(t, []string{"aggregator"}, id.Roles)
		assert.Len(t, id.Fingerprint, 64)
	})

	t.Run("expired", func(t *testing.T) {
		_, err := v.VerifyCertificate(ca.client(t, "old", nil, time.Now().Add(-time.Hour)))
		assert.ErrorIs(t, err, mtls.ErrCertificateExpired)
	})

	t.Run("untrusted", func(t *testing.T) {
		other := newCA(t, "Other CA")
		_, err := v.VerifyCertificate(other.client(t, "intruder", nil, time.Now().Add(time.Hour)))
		assert.ErrorIs(t, err, mtls.ErrUntrustedCertificate)
	})

	t.Run("nil", func(t *testing.T) {
		_, err := v.VerifyCertificate(nil)
		assert.ErrorIs(t, err, mtls.ErrNoCertificate)
	})
}

func TestNewVerifierFromPEMInvalid(t *testing.T) {
	_, err := mtls.NewVerifierFromPEM([]byte("not pem"))
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	ca := newCA(t, "Birthmark Client CA")
	v, err := mtls.NewVerifierFromPEM(ca.pem)
	require.NoError(t, err)

	var got *mtls.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = mtls.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	withCert := func(cert *x509.Certificate) *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", nil)
		req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{cert}}
		return req
	}

	t.Run("required without certificate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mtls.Middleware(v)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("required with certificate", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mtls.Middleware(v)(next).ServeHTTP(rec, withCert(ca.client(t, "agg", []string{"aggregator"}, time.Now().Add(time.Hour))))
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, got)
		assert.Equal(t, "agg", got.CommonName)
	})

	t.Run("optional without certificate", func(t *testing.T) {
		got = nil
		rec := httptest.NewRecorder()
		mtls.OptionalMiddleware(v)(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Nil(t, got)
	})
}

func TestTLSConfig(t *testing.T) {
	ca := newCA(t, "Birthmark Client CA")
	v, err := mtls.NewVerifierFromPEM(ca.pem)
	require.NoError(t, err)

	assert.Equal(t, tls.RequireAndVerifyClientCert, v.TLSConfig(tls.Certificate{}, true).ClientAuth)
	assert.Equal(t, tls.VerifyClientCertIfGiven, v.TLSConfig(tls.Certificate{}, false).ClientAuth)
}

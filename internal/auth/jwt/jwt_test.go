package jwt_test

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/jwt"
)

func publicPEM(t *testing.T, pub crypto.PublicKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func segment(t *testing.T, v any) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func signES256(t *testing.T, key *ecdsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signed := segment(t, map[string]string{"alg": "ES256", "typ": "JWT"}) + "." + segment(t, claims)
	digest := sha256.Sum256([]byte(signed))
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	require.NoError(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims map[string]any) string {
	t.Helper()
	signed := segment(t, map[string]string{"alg": "RS256", "typ": "JWT"}) + "." + segment(t, claims)
	digest := sha256.Sum256([]byte(signed))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return signed + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func operatorClaims(now time.Time) map[string]any {
	return map[string]any{
		"iss":   "birthmark-ops",
		"sub":   "alice",
		"aud":   "birthmark-authority",
		"exp":   now.Add(time.Hour).Unix(),
		"iat":   now.Unix(),
		"roles": []string{"operator"},
		"scope": []string{"device:read"},
	}
}

func TestValidator(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	v, err := jwt.NewValidator(jwt.ValidatorConfig{
		PublicKeyPEM:   publicPEM(t, &key.PublicKey),
		ExpectedIssuer: "birthmark-ops",
		ExpectedAuds:   []string{"birthmark-authority"},
		Now:            func() time.Time { return now },
	})
	require.NoError(t, err)

	t.Run("valid ES256", func(t *testing.T) {
		claims, err := v.Validate(signES256(t, key, operatorClaims(now)))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, []string{"operator"}, claims.Roles)
		assert.Equal(t, jwt.Audience{"birthmark-authority"}, claims.Audience)
	})

	tests := []struct {
		name   string
		mutate func(map[string]any)
		want   error
	}{
		{"expired", func(c map[string]any) { c["exp"] = now.Add(-time.Minute).Unix() }, jwt.ErrTokenExpired},
		{"within skew", func(c map[string]any) { c["exp"] = now.Add(-10 * time.Second).Unix() }, nil},
		{"not yet valid", func(c map[string]any) { c["nbf"] = now.Add(time.Hour).Unix() }, jwt.ErrTokenNotYetValid},
		{"wrong issuer", func(c map[string]any) { c["iss"] = "someone-else" }, jwt.ErrInvalidIssuer},
		{"wrong audience", func(c map[string]any) { c["aud"] = []string{"other"} }, jwt.ErrInvalidAudience},
		{"audience array", func(c map[string]any) { c["aud"] = []string{"x", "birthmark-authority"} }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := operatorClaims(now)
			tt.mutate(claims)
			_, err := v.Validate(signES256(t, key, claims))
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	t.Run("tampered payload", func(t *testing.T) {
		token := signES256(t, key, operatorClaims(now))
		other := signES256(t, key, map[string]any{"sub": "mallory", "roles": []string{"admin"}})
		parts := strings.Split(token, ".")
		forged := parts[0] + "." + strings.Split(other, ".")[1] + "." + parts[2]
		_, err := v.Validate(forged)
		assert.ErrorIs(t, err, jwt.ErrInvalidSignature)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := v.Validate("not-a-token")
		assert.ErrorIs(t, err, jwt.ErrInvalidToken)
	})

	t.Run("algorithm mismatch", func(t *testing.T) {
		rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = v.Validate(signRS256(t, rsaKey, operatorClaims(now)))
		assert.ErrorIs(t, err, jwt.ErrUnsupportedAlgorithm)
	})
}

func TestValidatorRS256(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v, err := jwt.NewValidator(jwt.ValidatorConfig{PublicKeyPEM: publicPEM(t, &key.PublicKey)})
	require.NoError(t, err)

	claims, err := v.Validate(signRS256(t, key, operatorClaims(time.Now())))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestNewValidatorInvalidKey(t *testing.T) {
	_, err := jwt.NewValidator(jwt.ValidatorConfig{PublicKeyPEM: []byte("invalid")})
	assert.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	v, err := jwt.NewValidator(jwt.ValidatorConfig{PublicKeyPEM: publicPEM(t, &key.PublicKey)})
	require.NoError(t, err)

	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = ""
		if claims, ok := jwt.ClaimsFromContext(r.Context()); ok {
			subject = claims.Subject
		}
		w.WriteHeader(http.StatusOK)
	})

	t.Run("required", func(t *testing.T) {
		h := jwt.Middleware(v)(next)

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signES256(t, key, operatorClaims(time.Now())))
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", subject)
	})

	t.Run("optional", func(t *testing.T) {
		h := jwt.OptionalMiddleware(v)(next)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer garbage")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, subject)
	})
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Empty(t, jwt.BearerToken(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, jwt.BearerToken(req))

	req.Header.Set("Authorization", "bearer abc.def.ghi")
	assert.Equal(t, "abc.def.ghi", jwt.BearerToken(req))
}

// Package jwt validates operator bearer tokens signed with RS256/384/512 or
// ES256/384/512.
package jwt

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

var (
	ErrInvalidToken         = errors.New("invalid token")
	ErrTokenExpired         = errors.New("token expired")
	ErrTokenNotYetValid     = errors.New("token not yet valid")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuer        = errors.New("invalid issuer")
	ErrInvalidAudience      = errors.New("invalid audience")
)

// Audience accepts both the string and array forms of the aud claim.
type Audience []string

func (a *Audience) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*a = Audience{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*a = many
	return nil
}

// Claims are the token claims the authority understands.
type Claims struct {
	Issuer    string   `json:"iss,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	Audience  Audience `json:"aud,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	JWTID     string   `json:"jti,omitempty"`

	Roles  []string `json:"roles,omitempty"`
	Scopes []string `json:"scope,omitempty"`
}

type header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
	KeyID     string `json:"kid,omitempty"`
}

// ValidatorConfig holds validator configuration.
type ValidatorConfig struct {
	PublicKeyPEM   []byte
	ExpectedIssuer string
	ExpectedAuds   []string
	ClockSkew      time.Duration
	Now            func() time.Time
}

// Validator validates bearer tokens against a single public key.
type Validator struct {
	publicKey crypto.PublicKey
	issuer    string
	audiences []string
	skew      time.Duration
	now       func() time.Time
}

// NewValidator creates a validator. ClockSkew defaults to 30s.
func NewValidator(cfg ValidatorConfig) (*Validator, error) {
	key, err := parsePublicKey(cfg.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	skew := cfg.ClockSkew
	if skew == 0 {
		skew = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Validator{
		publicKey: key,
		issuer:    cfg.ExpectedIssuer,
		audiences: cfg.ExpectedAuds,
		skew:      skew,
		now:       now,
	}, nil
}

// Validate checks the signature and claims of token.
func (v *Validator) Validate(token string) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	var h header
	if err := decodeSegment(parts[0], &h); err != nil {
		return nil, ErrInvalidToken
	}
	signature, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if err := v.verify(h.Algorithm, []byte(parts[0]+"."+parts[1]), signature); err != nil {
		return nil, err
	}

	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return nil, ErrInvalidToken
	}

	now := v.now()
	if claims.ExpiresAt != 0 && now.Add(-v.skew).Unix() > claims.ExpiresAt {
		return nil, ErrTokenExpired
	}
	if claims.NotBefore != 0 && now.Add(v.skew).Unix() < claims.NotBefore {
		return nil, ErrTokenNotYetValid
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return nil, ErrInvalidIssuer
	}
	if len(v.audiences) > 0 && !intersects(v.audiences, claims.Audience) {
		return nil, ErrInvalidAudience
	}
	return &claims, nil
}

func decodeSegment(seg string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func hashFor(alg string) (crypto.Hash, bool) {
	switch alg[2:] {
	case "256":
		return crypto.SHA256, true
	case "384":
		return crypto.SHA384, true
	case "512":
		return crypto.SHA512, true
	}
	return 0, false
}

func (v *Validator) verify(alg string, signed, signature []byte) error {
	if len(alg) != 5 {
		return ErrUnsupportedAlgorithm
	}
	hash, ok := hashFor(alg)
	if !ok {
		return ErrUnsupportedAlgorithm
	}
	h := hash.New()
	h.Write(signed)
	digest := h.Sum(nil)

	switch alg[:2] {
	case "RS":
		key, ok := v.publicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: key is not RSA", ErrUnsupportedAlgorithm)
		}
		if err := rsa.VerifyPKCS1v15(key, hash, digest, signature); err != nil {
			return ErrInvalidSignature
		}
		return nil
	case "ES":
		key, ok := v.publicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: key is not ECDSA", ErrUnsupportedAlgorithm)
		}
		// JWS carries r||s, each padded to the curve size.
		size := (key.Curve.Params().BitSize + 7) / 8
		if len(signature) != 2*size {
			return ErrInvalidSignature
		}
		r := new(big.Int).SetBytes(signature[:size])
		s := new(big.Int).SetBytes(signature[size:])
		if !ecdsa.Verify(key, digest, r, s) {
			return ErrInvalidSignature
		}
		return nil
	}
	return ErrUnsupportedAlgorithm
}

func intersects(want, have []string) bool {
	for _, w := range want {
		for _, h := range have {
			if w == h {
				return true
			}
		}
	}
	return false
}

func parsePublicKey(pemData []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "PUBLIC KEY":
		return x509.ParsePKIXPublicKey(block.Bytes)
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	case "CERTIFICATE":
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		return cert.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}

type contextKey struct{}

// ContextWithClaims stores claims in ctx.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, contextKey{}, claims)
}

// ClaimsFromContext returns the claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(contextKey{}).(*Claims)
	return claims, ok
}

package certs

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"strconv"
	"strings"
)

// BundlePayload holds the fields a device signs.
type BundlePayload struct {
	ContentHash  string
	Certificate  string
	Timestamp    int64
	LocationHash string
}

// CanonicalPayload builds the exact byte string both sides sign and verify:
//
//	lower(content_hash) \n certificate \n timestamp \n lower(location_hash) \n
//
// The certificate is used byte-for-byte as transmitted.
func CanonicalPayload(p BundlePayload) []byte {
	var b strings.Builder
	b.WriteString(strings.ToLower(p.ContentHash))
	b.WriteByte('\n')
	b.WriteString(p.Certificate)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(p.Timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(strings.ToLower(p.LocationHash))
	b.WriteByte('\n')
	return []byte(b.String())
}

// SignBundle signs the canonical payload with an ASN.1 DER ECDSA signature.
func SignBundle(key *ecdsa.PrivateKey, p BundlePayload) ([]byte, error) {
	digest := sha256.Sum256(CanonicalPayload(p))
	return ecdsa.SignASN1(rand.Reader, key, digest[:])
}

// VerifyBundle checks a DER ECDSA P-256/SHA-256 signature over the canonical payload.
func VerifyBundle(pub *ecdsa.PublicKey, p BundlePayload, sig []byte) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	digest := sha256.Sum256(CanonicalPayload(p))
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

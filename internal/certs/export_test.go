package certs

import (
	"crypto/ecdsa"
	"crypto/x509/pkix"
	"time"
)

// IssueRaw signs a leaf with arbitrary extensions.
func (i *Issuer) IssueRaw(cn string, pub *ecdsa.PublicKey, exts []pkix.Extension, validity time.Duration) ([]byte, error) {
	return i.issue(pkix.Name{CommonName: cn}, pub, exts, validity)
}

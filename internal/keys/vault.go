package keys

import (
	"context"
	"fmt"
)

// TransitEncrypter is the subset of the Vault transit client used to wrap keys.
type TransitEncrypter interface {
	Encrypt(ctx context.Context, keyName string, plaintext []byte) (string, error)
	Decrypt(ctx context.Context, keyName, ciphertext string) ([]byte, error)
}

// VaultWrapper wraps master keys with a Vault transit key.
type VaultWrapper struct {
	transit TransitEncrypter
	keyName string
}

// NewVaultWrapper creates a wrapper using the named transit key.
func NewVaultWrapper(transit TransitEncrypter, keyName string) *VaultWrapper {
	return &VaultWrapper{transit: transit, keyName: keyName}
}

var _ Wrapper = (*VaultWrapper)(nil)

func (w *VaultWrapper) Wrap(ctx context.Context, plaintext []byte) ([]byte, error) {
	ct, err := w.transit.Encrypt(ctx, w.keyName, plaintext)
	if err != nil {
		return nil, fmt.Errorf("transit wrap: %w", err)
	}
	return []byte(ct), nil
}

func (w *VaultWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	pt, err := w.transit.Decrypt(ctx, w.keyName, string(wrapped))
	if err != nil {
		return nil, fmt.Errorf("transit unwrap: %w", err)
	}
	return pt, nil
}

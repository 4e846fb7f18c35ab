// Package tokencipher seals and opens device secrets with AES-256-GCM.
package tokencipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// PlaintextSize is the length of a device secret.
	PlaintextSize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
	// PackedSize is the length of a packed Sealed blob.
	PackedSize = PlaintextSize + NonceSize + TagSize
)

// Sealed is the output of one encryption.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// Encrypt seals a 32-byte plaintext under key with a fresh random nonce.
func Encrypt(plaintext, key []byte) (*Sealed, error) {
	if len(plaintext) != PlaintextSize {
		return nil, errors.NewValidationError("plaintext",
			fmt.Sprintf("must be %d bytes, got %d", PlaintextSize, len(plaintext)))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := aead.Seal(nil, nonce, plaintext, nil)
	return &Sealed{
		Ciphertext: out[:PlaintextSize],
		Nonce:      nonce,
		Tag:        out[PlaintextSize:],
	}, nil
}

// Decrypt opens a sealed secret. Any tag mismatch, whether from tampering or
// a wrong key, yields ErrAuthenticationFailed.
func Decrypt(ciphertext, nonce, tag, key []byte) ([]byte, error) {
	if len(ciphertext) != PlaintextSize {
		return nil, errors.NewValidationError("ciphertext",
			fmt.Sprintf("must be %d bytes, got %d", PlaintextSize, len(ciphertext)))
	}
	if len(nonce) != NonceSize {
		return nil, errors.NewValidationError("nonce",
			fmt.Sprintf("must be %d bytes, got %d", NonceSize, len(nonce)))
	}
	if len(tag) != TagSize {
		return nil, errors.NewValidationError("auth_tag",
			fmt.Sprintf("must be %d bytes, got %d", TagSize, len(tag)))
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, PlaintextSize+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Open is Decrypt over a Sealed value.
func (s *Sealed) Open(key []byte) ([]byte, error) {
	return Decrypt(s.Ciphertext, s.Nonce, s.Tag, key)
}

// Pack encodes s as ciphertext || nonce || tag.
func (s *Sealed) Pack() []byte {
	out := make([]byte, 0, PackedSize)
	out = append(out, s.Ciphertext...)
	out = append(out, s.Nonce...)
	out = append(out, s.Tag...)
	return out
}

// Unpack splits a 60-byte blob produced by Pack.
func Unpack(b []byte) (*Sealed, error) {
	if len(b) != PackedSize {
		return nil, errors.NewValidationError("encrypted_secret",
			fmt.Sprintf("must be %d bytes, got %d", PackedSize, len(b)))
	}
	c := append([]byte(nil), b...)
	return &Sealed{
		Ciphertext: c[:PlaintextSize],
		Nonce:      c[PlaintextSize : PlaintextSize+NonceSize],
		Tag:        c[PlaintextSize+NonceSize:],
	}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.NewValidationError("key",
			fmt.Sprintf("must be %d bytes, got %d", KeySize, len(key)))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aead, nil
}

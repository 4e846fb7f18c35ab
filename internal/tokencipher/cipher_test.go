package tokencipher_test

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEncryptDecrypt(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			key := randomBytes(t, 32)
			secret := randomBytes(t, 32)
			sealed, err := tokencipher.Encrypt(secret, key)
			require.NoError(t, err)
			assert.Len(t, sealed.Ciphertext, 32)
			assert.Len(t, sealed.Nonce, 12)
			assert.Len(t, sealed.Tag, 16)

			got, err := tokencipher.Decrypt(sealed.Ciphertext, sealed.Nonce, sealed.Tag, key)
			require.NoError(t, err)
			assert.Equal(t, secret, got)
		}
	})

	t.Run("draws a fresh nonce per call", func(t *testing.T) {
		key := randomBytes(t, 32)
		secret := randomBytes(t, 32)
		seen := make(map[string]struct{})
		for i := 0; i < 100; i++ {
			sealed, err := tokencipher.Encrypt(secret, key)
			require.NoError(t, err)
			_, dup := seen[string(sealed.Nonce)]
			require.False(t, dup)
			seen[string(sealed.Nonce)] = struct{}{}
		}
	})

	t.Run("wrong key fails authentication", func(t *testing.T) {
		sealed, err := tokencipher.Encrypt(randomBytes(t, 32), randomBytes(t, 32))
		require.NoError(t, err)
		_, err = sealed.Open(randomBytes(t, 32))
		assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
	})

	t.Run("every single bit flip fails authentication", func(t *testing.T) {
		key := randomBytes(t, 32)
		sealed, err := tokencipher.Encrypt(randomBytes(t, 32), key)
		require.NoError(t, err)

		for _, field := range [][]byte{sealed.Ciphertext, sealed.Nonce, sealed.Tag} {
			for i := range field {
				for bit := 0; bit < 8; bit++ {
					field[i] ^= 1 << bit
					_, err := sealed.Open(key)
					assert.ErrorIs(t, err, errors.ErrAuthenticationFailed)
					field[i] ^= 1 << bit
				}
			}
		}

		_, err = sealed.Open(key)
		assert.NoError(t, err)
	})

	t.Run("rejects bad sizes before decrypting", func(t *testing.T) {
		key := randomBytes(t, 32)
		_, err := tokencipher.Encrypt(randomBytes(t, 31), key)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
		_, err = tokencipher.Encrypt(randomBytes(t, 32), randomBytes(t, 16))
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		_, err = tokencipher.Decrypt(randomBytes(t, 32), randomBytes(t, 11), randomBytes(t, 16), key)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
		_, err = tokencipher.Decrypt(randomBytes(t, 32), randomBytes(t, 12), randomBytes(t, 15), key)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
		_, err = tokencipher.Decrypt(randomBytes(t, 33), randomBytes(t, 12), randomBytes(t, 16), key)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestPackUnpack(t *testing.T) {
	key := randomBytes(t, 32)
	secret := randomBytes(t, 32)
	sealed, err := tokencipher.Encrypt(secret, key)
	require.NoError(t, err)

	blob := sealed.Pack()
	require.Len(t, blob, tokencipher.PackedSize)
	assert.Equal(t, sealed.Ciphertext, blob[:32])
	assert.Equal(t, sealed.Nonce, blob[32:44])
	assert.Equal(t, sealed.Tag, blob[44:])

	unpacked, err := tokencipher.Unpack(blob)
	require.NoError(t, err)
	got, err := unpacked.Open(key)
	require.NoError(t, err)
	assert.Equal(t, secret, got)

	_, err = tokencipher.Unpack(blob[:59])
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

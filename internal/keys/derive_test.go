package keys_test

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDerive(t *testing.T) {
	sequential := mustHex(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

	t.Run("matches published vectors", func(t *testing.T) {
		for _, v := range keys.TestVectors() {
			derived, err := keys.Derive(mustHex(t, v.MasterKey), v.KeyIndex)
			require.NoError(t, err, v.Name)
			assert.Equal(t, v.Expected, hex.EncodeToString(derived), v.Name)
		}
	})

	t.Run("derives index 42", func(t *testing.T) {
		derived, err := keys.Derive(sequential, 42)
		require.NoError(t, err)
		assert.Equal(t, "c13b03997112013e09fc642cd46adb24516c28b46cea50f7fc8e712e62e4cfd7", hex.EncodeToString(derived))
	})

	t.Run("is deterministic", func(t *testing.T) {
		a, err := keys.Derive(sequential, 7)
		require.NoError(t, err)
		b, err := keys.Derive(sequential, 7)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.Len(t, a, keys.DerivedKeySize)
	})

	t.Run("different indices give different keys", func(t *testing.T) {
		seen := make(map[string]struct{})
		for i := 0; i <= keys.MaxKeyIndex; i += 37 {
			d, err := keys.Derive(sequential, i)
			require.NoError(t, err)
			_, dup := seen[string(d)]
			assert.False(t, dup, "index %d collided", i)
			seen[string(d)] = struct{}{}
		}
	})

	t.Run("zero master key still derives", func(t *testing.T) {
		d, err := keys.Derive(make([]byte, 32), 0)
		require.NoError(t, err)
		assert.False(t, bytes.Equal(d, make([]byte, 32)))
	})

	t.Run("context change alters output", func(t *testing.T) {
		zero := make([]byte, 32)
		v2, err := keys.DeriveWithContext(zero, 0, "Birthmark-v2")
		require.NoError(t, err)
		assert.Equal(t, "abf4032affc0a5e99dbd74fefa56e3498ee16095bfb6c700bcacac5f99eb44b4", hex.EncodeToString(v2))

		v1, err := keys.Derive(zero, 0)
		require.NoError(t, err)
		assert.NotEqual(t, v1, v2)
	})

	t.Run("rejects index out of range", func(t *testing.T) {
		for _, idx := range []int{-1, 1000, 65535} {
			_, err := keys.Derive(sequential, idx)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrInvalidInput))
		}
	})

	t.Run("rejects wrong master key length", func(t *testing.T) {
		for _, n := range []int{0, 16, 31, 33, 64} {
			_, err := keys.Derive(make([]byte, n), 0)
			require.Error(t, err)
			var ve *errors.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "master_key", ve.Field)
		}
	})
}

func TestVerifyDerived(t *testing.T) {
	master := mustHex(t, "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	expected := mustHex(t, "ad3c454a3fe61dc48b070209137f758e30977c749259bd9bab7f9ab51316a721")

	assert.True(t, keys.VerifyDerived(master, 999, expected))
	assert.False(t, keys.VerifyDerived(master, 998, expected))
	assert.False(t, keys.VerifyDerived(master, 1000, expected))
}

func TestVerifyTestVectors(t *testing.T) {
	results, err := keys.VerifyTestVectors()
	require.NoError(t, err)
	require.Len(t, results, len(keys.TestVectors()))
	for _, r := range results {
		assert.True(t, r.Passed, "vector %s: got %s", r.Name, r.Actual)
	}
}

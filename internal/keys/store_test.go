package keys_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/testutil"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

// xorWrapper is a reversible wrapper that makes wrapped bytes differ from plaintext.
type xorWrapper struct{}

func (xorWrapper) Wrap(_ context.Context, p []byte) ([]byte, error) {
	out := make([]byte, len(p))
	for i := range p {
		out[i] = p[i] ^ 0x5a
	}
	return out, nil
}

func (w xorWrapper) Unwrap(ctx context.Context, c []byte) ([]byte, error) {
	return w.Wrap(ctx, c)
}

func TestStoreGenerateAll(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("generates n distinct 32-byte keys", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 10))

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		seen := make(map[string]struct{})
		for id := 0; id < 10; id++ {
			k, err := store.MasterKey(ctx, id)
			require.NoError(t, err)
			assert.Len(t, k, 32)
			seen[string(k)] = struct{}{}
		}
		assert.Len(t, seen, 10)
	})

	t.Run("rejects second generation", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 5))
		err := store.GenerateAll(ctx, 5)
		assert.ErrorIs(t, err, errors.ErrAlreadyInitialized)
	})

	t.Run("rejects fewer than three tables", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		err := store.GenerateAll(ctx, 2)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})

	t.Run("rejects tables beyond the addressable id range", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		err := store.GenerateAll(ctx, keys.MaxTables+1)
		assert.ErrorIs(t, err, errors.ErrInvalidInput)

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 2500, keys.MaxTables)
	})

	t.Run("concurrent generation succeeds exactly once", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)

		var wg sync.WaitGroup
		results := make(chan error, 8)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- store.GenerateAll(ctx, 20)
			}()
		}
		wg.Wait()
		close(results)

		succeeded := 0
		for err := range results {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, errors.ErrAlreadyInitialized)
		}
		assert.Equal(t, 1, succeeded)
	})

	t.Run("two stores sharing a repository cannot both initialize", func(t *testing.T) {
		repo := keys.NewMemoryRepository()
		a := keys.NewStore(repo, nil, nil)
		b := keys.NewStore(repo, nil, nil)
		require.NoError(t, a.GenerateAll(ctx, 4))
		assert.ErrorIs(t, b.GenerateAll(ctx, 4), errors.ErrAlreadyInitialized)
	})
}

func TestStoreMasterKey(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("returned key is a copy", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 3))
		first, err := store.MasterKey(ctx, 0)
		require.NoError(t, err)
		want := append([]byte(nil), first...)
		for i := range first {
			first[i] ^= 0xff
		}
		again, err := store.MasterKey(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, want, again)
	})

	t.Run("unknown table", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 3))
		_, err := store.MasterKey(ctx, 3)
		assert.ErrorIs(t, err, errors.ErrUnknownTable)
	})

	t.Run("wrapped keys round trip through a fresh store", func(t *testing.T) {
		repo := keys.NewMemoryRepository()
		writer := keys.NewStore(repo, xorWrapper{}, nil)
		require.NoError(t, writer.GenerateAll(ctx, 3))
		want, err := writer.MasterKey(ctx, 1)
		require.NoError(t, err)

		stored, err := repo.Get(ctx, 1)
		require.NoError(t, err)
		assert.NotEqual(t, want, stored.Key)

		reader := keys.NewStore(repo, xorWrapper{}, nil)
		got, err := reader.MasterKey(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		n, err := reader.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("master keys preserves order", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 5))
		got, err := store.MasterKeys(ctx, []int{4, 0, 2})
		require.NoError(t, err)
		require.Len(t, got, 3)
		k4, _ := store.MasterKey(ctx, 4)
		assert.Equal(t, k4, got[0])
	})

	t.Run("delete all allows regeneration", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 3))
		require.NoError(t, store.DeleteAll(ctx))
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		require.NoError(t, store.GenerateAll(ctx, 3))
	})
}

package keys_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/testutil"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
)

type fixedUsage map[int]int

func (u fixedUsage) TableUsage(context.Context) (map[int]int, error) { return u, nil }

func newManager(t *testing.T, n int) *keys.TableManager {
	t.Helper()
	store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
	require.NoError(t, store.GenerateAll(testutil.TestContext(t), n))
	return keys.NewTableManager(store, nil, nil)
}

func TestTableManagerAssign(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("assigns three distinct sorted tables", func(t *testing.T) {
		m := newManager(t, 10)
		for i := 0; i < 50; i++ {
			tables, err := m.Assign(ctx, "CAM-1", nil)
			require.NoError(t, err)
			require.Len(t, tables, 3)
			assert.Less(t, tables[0], tables[1])
			assert.Less(t, tables[1], tables[2])
			for _, id := range tables {
				assert.GreaterOrEqual(t, id, 0)
				assert.Less(t, id, 10)
			}
		}
	})

	t.Run("honors exclusions", func(t *testing.T) {
		m := newManager(t, 5)
		exclude := map[int]struct{}{0: {}, 2: {}}
		tables, err := m.Assign(ctx, "CAM-2", exclude)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3, 4}, tables)
	})

	t.Run("exactly three tables assigns all of them", func(t *testing.T) {
		m := newManager(t, 3)
		tables, err := m.Assign(ctx, "CAM-3", nil)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, tables)
	})

	t.Run("insufficient tables", func(t *testing.T) {
		m := newManager(t, 4)
		_, err := m.Assign(ctx, "CAM-4", map[int]struct{}{1: {}, 3: {}})
		assert.ErrorIs(t, err, errors.ErrInsufficientTables)
	})

	t.Run("empty store", func(t *testing.T) {
		m := keys.NewTableManager(keys.NewStore(keys.NewMemoryRepository(), nil, nil), nil, nil)
		_, err := m.Assign(ctx, "CAM-5", nil)
		assert.ErrorIs(t, err, errors.ErrInsufficientTables)
	})

	t.Run("every table is reachable", func(t *testing.T) {
		m := newManager(t, 6)
		hits := make(map[int]int)
		for i := 0; i < 300; i++ {
			tables, err := m.Assign(ctx, "CAM-6", nil)
			require.NoError(t, err)
			for _, id := range tables {
				hits[id]++
			}
		}
		assert.Len(t, hits, 6)
	})
}

func TestRandomKeyIndex(t *testing.T) {
	for i := 0; i < 1000; i++ {
		idx, err := keys.RandomKeyIndex()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, 0)
		assert.LessOrEqual(t, idx, keys.MaxKeyIndex)
	}
}

func TestTableManagerStatistics(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("without usage counter", func(t *testing.T) {
		m := newManager(t, 4)
		stats, err := m.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 4, stats.TotalTables)
		assert.Equal(t, 4, stats.UnusedTables)
		assert.Zero(t, stats.AssignedSlots)
	})

	t.Run("with usage counter", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
		require.NoError(t, store.GenerateAll(ctx, 4))
		m := keys.NewTableManager(store, fixedUsage{0: 2, 1: 1, 3: 3}, nil)
		stats, err := m.Statistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 6, stats.AssignedSlots)
		assert.Equal(t, 1, stats.UnusedTables)
		assert.Equal(t, 0, stats.MinUsage)
		assert.Equal(t, 3, stats.MaxUsage)
		assert.InDelta(t, 1.5, stats.MeanUsage, 0.0001)
	})

	t.Run("empty store", func(t *testing.T) {
		m := keys.NewTableManager(keys.NewStore(keys.NewMemoryRepository(), nil, nil), nil, nil)
		stats, err := m.Statistics(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.TotalTables)
	})
}

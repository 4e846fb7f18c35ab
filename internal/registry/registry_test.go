package registry_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/testutil"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

type tableCount int

func (n tableCount) Count(context.Context) (int, error) { return int(n), nil }

func newService(t *testing.T) *registry.Service {
	t.Helper()
	return registry.NewService(registry.NewMemoryRepository(), nil, registry.WithTableCounter(tableCount(10)))
}

func TestRegister(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("registers and looks up by serial and secret", func(t *testing.T) {
		svc := newService(t)
		secret := testutil.TestSecret(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", secret)))

		bySerial, err := svc.GetBySerial(ctx, "CAM-1")
		require.NoError(t, err)
		assert.Equal(t, secret, bySerial.Secret)
		assert.Equal(t, []int{3, 5, 7}, bySerial.TableAssignments)
		assert.False(t, bySerial.IsBlacklisted)

		bySecret, err := svc.GetBySecret(ctx, secret)
		require.NoError(t, err)
		assert.Equal(t, "CAM-1", bySecret.Serial)

		ok, err := svc.Exists(ctx, "CAM-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("second registration of a serial fails", func(t *testing.T) {
		svc := newService(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t))))
		err := svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t)))
		assert.ErrorIs(t, err, errors.ErrAlreadyProvisioned)
	})

	t.Run("duplicate secret is rejected", func(t *testing.T) {
		svc := newService(t)
		secret := testutil.TestSecret(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", secret)))
		err := svc.Register(ctx, testutil.TestDevice("CAM-2", secret))
		assert.ErrorIs(t, err, errors.ErrSecretCollision)
	})

	t.Run("concurrent registration of one serial succeeds once", func(t *testing.T) {
		svc := newService(t)
		var ok atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := svc.Register(ctx, testutil.TestDevice("CAM-RACE", testutil.TestSecret(t))); err == nil {
					ok.Add(1)
				} else {
					assert.ErrorIs(t, err, errors.ErrAlreadyProvisioned)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), ok.Load())
	})

	t.Run("validates record", func(t *testing.T) {
		svc := newService(t)
		tests := []struct {
			name   string
			device *models.DeviceRecord
			field  string
		}{
			{"empty serial", testutil.TestDevice("", testutil.TestSecret(t)), "device_serial"},
			{"short secret", testutil.TestDevice("CAM-X", make([]byte, 16)), "device_secret"},
			{"two tables", testutil.TestDevice("CAM-X", testutil.TestSecret(t), 1, 2), "table_assignments"},
			{"duplicate tables", testutil.TestDevice("CAM-X", testutil.TestSecret(t), 1, 1, 2), "table_assignments"},
			{"table out of range", testutil.TestDevice("CAM-X", testutil.TestSecret(t), 1, 2, 10), "table_assignments"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := svc.Register(ctx, tt.device)
				var ve *errors.ValidationError
				require.True(t, errors.As(err, &ve), "got %v", err)
				assert.Equal(t, tt.field, ve.Field)
			})
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		svc := newService(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t))))
		d, err := svc.GetBySerial(ctx, "CAM-1")
		require.NoError(t, err)
		d.TableAssignments[0] = 9
		d.IsBlacklisted = true

		again, err := svc.GetBySerial(ctx, "CAM-1")
		require.NoError(t, err)
		assert.Equal(t, 3, again.TableAssignments[0])
		assert.False(t, again.IsBlacklisted)
	})
}

func TestLookups(t *testing.T) {
	ctx := testutil.TestContext(t)
	svc := newService(t)

	_, err := svc.GetBySerial(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = svc.GetBySecret(ctx, testutil.TestSecret(t))
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)

	_, err = svc.GetBySecret(ctx, []byte("short"))
	assert.ErrorIs(t, err, errors.ErrUnknownDevice)

	ok, err := svc.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBlacklist(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("second blacklist keeps first timestamp and reason", func(t *testing.T) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		svc := registry.NewService(registry.NewMemoryRepository(), nil,
			registry.WithClock(func() time.Time { return clock }))
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t))))

		first, err := svc.Blacklist(ctx, "CAM-1", "first reason")
		require.NoError(t, err)
		require.True(t, first.IsBlacklisted)

		clock = clock.Add(time.Hour)
		second, err := svc.Blacklist(ctx, "CAM-1", "second reason")
		require.NoError(t, err)
		assert.Equal(t, "first reason", second.BlacklistReason)
		assert.Equal(t, *first.BlacklistedAt, *second.BlacklistedAt)
	})

	t.Run("unblacklist clears state", func(t *testing.T) {
		svc := newService(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t))))
		_, err := svc.Blacklist(ctx, "CAM-1", "abuse")
		require.NoError(t, err)

		d, err := svc.Unblacklist(ctx, "CAM-1")
		require.NoError(t, err)
		assert.False(t, d.IsBlacklisted)
		assert.Nil(t, d.BlacklistedAt)
		assert.Empty(t, d.BlacklistReason)
	})

	t.Run("listeners fire only on transitions", func(t *testing.T) {
		svc := newService(t)
		require.NoError(t, svc.Register(ctx, testutil.TestDevice("CAM-1", testutil.TestSecret(t))))

		var calls []bool
		svc.AddListener(func(_ context.Context, d *models.DeviceRecord) {
			calls = append(calls, d.IsBlacklisted)
		})

		_, _ = svc.Blacklist(ctx, "CAM-1", "abuse")
		_, _ = svc.Blacklist(ctx, "CAM-1", "abuse")
		_, _ = svc.Unblacklist(ctx, "CAM-1")
		_, _ = svc.Unblacklist(ctx, "CAM-1")
		assert.Equal(t, []bool{true, false}, calls)
	})

	t.Run("unknown serial", func(t *testing.T) {
		svc := newService(t)
		_, err := svc.Blacklist(ctx, "nope", "abuse")
		assert.ErrorIs(t, err, errors.ErrNotFound)
		_, err = svc.Unblacklist(ctx, "nope")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	})

	t.Run("reason required", func(t *testing.T) {
		svc := newService(t)
		_, err := svc.Blacklist(ctx, "CAM-1", " ")
		assert.ErrorIs(t, err, errors.ErrInvalidInput)
	})
}

func TestStatistics(t *testing.T) {
	ctx := testutil.TestContext(t)
	svc := newService(t)

	for i := 0; i < 4; i++ {
		d := testutil.TestDevice(fmt.Sprintf("CAM-%d", i), testutil.TestSecret(t), 0, 1, 2+i)
		if i%2 == 1 {
			d.DeviceFamily = "Sony IMX"
		}
		require.NoError(t, svc.Register(ctx, d))
	}
	_, err := svc.Blacklist(ctx, "CAM-0", "abuse")
	require.NoError(t, err)

	stats, err := svc.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.TotalDevices)
	assert.Equal(t, 1, stats.BlacklistedDevices)
	assert.Equal(t, 3, stats.ActiveDevices)
	assert.Equal(t, map[string]int{"Raspberry Pi": 2, "Sony IMX": 2}, stats.ByFamily)
	assert.Equal(t, 4, stats.TableUsage[0])
	assert.Equal(t, 1, stats.TableUsage[5])

	sony, err := svc.ListByFamily(ctx, "Sony IMX")
	require.NoError(t, err)
	assert.Len(t, sony, 2)

	black, err := svc.ListBlacklisted(ctx)
	require.NoError(t, err)
	require.Len(t, black, 1)
	assert.Equal(t, "CAM-0", black[0].Serial)

	page, err := svc.List(ctx, registry.ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "CAM-1", page[0].Serial)
}

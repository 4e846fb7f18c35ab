package keys

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// TableManager assigns key tables to devices and reports table usage.
type TableManager struct {
	store  Store
	usage  UsageCounter
	logger *slog.Logger
}

// NewTableManager creates a table manager. A nil usage reports every table as unused.
func NewTableManager(store Store, usage UsageCounter, logger *slog.Logger) *TableManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableManager{store: store, usage: usage, logger: logger}
}

// Assign draws 3 distinct table ids uniformly from the pool minus exclude,
// using crypto/rand. The result is sorted.
func (m *TableManager) Assign(ctx context.Context, deviceSerial string, exclude map[int]struct{}) ([]int, error) {
	total, err := m.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	available := make([]int, 0, total)
	for id := 0; id < total; id++ {
		if _, skip := exclude[id]; !skip {
			available = append(available, id)
		}
	}
	if len(available) < models.TablesPerDevice {
		return nil, fmt.Errorf("%w: need %d, have %d",
			errors.ErrInsufficientTables, models.TablesPerDevice, len(available))
	}

	assigned, err := pickDistinct(available, models.TablesPerDevice)
	if err != nil {
		return nil, err
	}
	sort.Ints(assigned)

	m.logger.DebugContext(ctx, "tables assigned", "device_serial", deviceSerial, "tables", assigned)
	return assigned, nil
}

// RandomKeyIndex returns a uniformly random key index in [0, MaxKeyIndex].
func RandomKeyIndex() (int, error) {
	return randIntn(KeysPerTable)
}

// pickDistinct runs a partial Fisher-Yates shuffle over pool.
func pickDistinct(pool []int, k int) ([]int, error) {
	work := append([]int(nil), pool...)
	for i := 0; i < k; i++ {
		j, err := randIntn(len(work) - i)
		if err != nil {
			return nil, err
		}
		j += i
		work[i], work[j] = work[j], work[i]
	}
	return work[:k], nil
}

func randIntn(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random source: %w", err)
	}
	return int(v.Int64()), nil
}

// Statistics summarizes table population and device usage.
type Statistics struct {
	TotalTables     int         `json:"total_tables"`
	TablesPerDevice int         `json:"tables_per_device"`
	AssignedSlots   int         `json:"assigned_slots"`
	UnusedTables    int         `json:"unused_tables"`
	MinUsage        int         `json:"min_usage"`
	MaxUsage        int         `json:"max_usage"`
	MeanUsage       float64     `json:"mean_usage"`
	Usage           map[int]int `json:"usage,omitempty"`
}

// Statistics returns usage statistics across all tables.
func (m *TableManager) Statistics(ctx context.Context) (*Statistics, error) {
	total, err := m.store.Count(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{TotalTables: total, TablesPerDevice: models.TablesPerDevice}
	if total == 0 {
		return stats, nil
	}

	usage := map[int]int{}
	if m.usage != nil {
		usage, err = m.usage.TableUsage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read table usage: %w", err)
		}
	}

	stats.MinUsage = -1
	for id := 0; id < total; id++ {
		n := usage[id]
		stats.AssignedSlots += n
		if n == 0 {
			stats.UnusedTables++
		}
		if stats.MinUsage < 0 || n < stats.MinUsage {
			stats.MinUsage = n
		}
		if n > stats.MaxUsage {
			stats.MaxUsage = n
		}
	}
	stats.MeanUsage = float64(stats.AssignedSlots) / float64(total)
	stats.Usage = usage
	return stats, nil
}

// RandomTable picks one of tables uniformly.
func RandomTable(tables []int) (int, error) {
	if len(tables) == 0 {
		return 0, errors.ErrInsufficientTables
	}
	i, err := randIntn(len(tables))
	if err != nil {
		return 0, err
	}
	return tables[i], nil
}

package registry

import (
	"context"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// MemoryRepository is an in-memory Repository indexed by serial and by
// SHA-256 of the secret.
type MemoryRepository struct {
	mu       sync.RWMutex
	bySerial map[string]*models.DeviceRecord
	bySecret map[[sha256.Size]byte]string
}

// NewMemoryRepository creates an empty in-memory device repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bySerial: make(map[string]*models.DeviceRecord),
		bySecret: make(map[[sha256.Size]byte]string),
	}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(_ context.Context, device *models.DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bySerial[device.Serial]; ok {
		return errors.ErrAlreadyProvisioned
	}
	idx := sha256.Sum256(device.Secret)
	if _, ok := r.bySecret[idx]; ok {
		return errors.ErrSecretCollision
	}
	r.bySerial[device.Serial] = device.Clone()
	r.bySecret[idx] = device.Serial
	return nil
}

func (r *MemoryRepository) GetBySerial(_ context.Context, serial string) (*models.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.bySerial[serial]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *MemoryRepository) GetBySecret(_ context.Context, secret []byte) (*models.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	serial, ok := r.bySecret[sha256.Sum256(secret)]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return r.bySerial[serial].Clone(), nil
}

func (r *MemoryRepository) List(_ context.Context, filter ListFilter) ([]*models.DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.DeviceRecord
	for _, d := range r.bySerial {
		if filter.Family != "" && d.DeviceFamily != filter.Family {
			continue
		}
		if filter.BlacklistedOnly && !d.IsBlacklisted {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) SetBlacklisted(_ context.Context, serial string, at time.Time, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bySerial[serial]
	if !ok {
		return false, errors.ErrNotFound
	}
	if d.IsBlacklisted {
		return false, nil
	}
	d.IsBlacklisted = true
	d.BlacklistedAt = &at
	d.BlacklistReason = reason
	return true, nil
}

func (r *MemoryRepository) ClearBlacklisted(_ context.Context, serial string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.bySerial[serial]
	if !ok {
		return false, errors.ErrNotFound
	}
	if !d.IsBlacklisted {
		return false, nil
	}
	d.IsBlacklisted = false
	d.BlacklistedAt = nil
	d.BlacklistReason = ""
	return true, nil
}

func (r *MemoryRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySerial), nil
}

func (r *MemoryRepository) FamilyCounts(_ context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, d := range r.bySerial {
		counts[d.DeviceFamily]++
	}
	return counts, nil
}

func (r *MemoryRepository) TableUsage(_ context.Context) (map[int]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	usage := make(map[int]int)
	for _, d := range r.bySerial {
		for _, t := range d.TableAssignments {
			usage[t]++
		}
	}
	return usage, nil
}

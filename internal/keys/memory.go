package keys

import (
	"context"
	"sync"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu   sync.RWMutex
	keys map[int]*models.MasterKey
}

// NewMemoryRepository creates an empty in-memory key repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[int]*models.MasterKey)}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) InsertAll(_ context.Context, keys []*models.MasterKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) > 0 {
		return errors.ErrAlreadyInitialized
	}
	for _, k := range keys {
		c := *k
		c.Key = append([]byte(nil), k.Key...)
		r.keys[k.TableID] = &c
	}
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, tableID int) (*models.MasterKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	k, ok := r.keys[tableID]
	if !ok {
		return nil, errors.ErrNotFound
	}
	c := *k
	c.Key = append([]byte(nil), k.Key...)
	return &c, nil
}

func (r *MemoryRepository) Count(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys), nil
}

func (r *MemoryRepository) DeleteAll(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = make(map[int]*models.MasterKey)
	return nil
}

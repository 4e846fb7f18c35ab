package audit

import (
	"context"
	"sort"
	"sync"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// MemoryRepository is an in-memory Repository.
type MemoryRepository struct {
	mu     sync.RWMutex
	events []*models.AuditEvent
	byID   map[string]*models.AuditEvent
}

// NewMemoryRepository creates an empty in-memory audit repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*models.AuditEvent)}
}

var _ Repository = (*MemoryRepository)(nil)

func (r *MemoryRepository) Create(_ context.Context, event *models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[event.ID]; ok {
		return errors.ErrConflict
	}
	c := clone(event)
	r.events = append(r.events, c)
	r.byID[c.ID] = c
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byID[id]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return clone(e), nil
}

func (r *MemoryRepository) Latest(_ context.Context) (*models.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var latest *models.AuditEvent
	for _, e := range r.events {
		if latest == nil || e.Sequence > latest.Sequence {
			latest = e
		}
	}
	if latest == nil {
		return nil, nil
	}
	return clone(latest), nil
}

func (r *MemoryRepository) Query(_ context.Context, q QueryParams) ([]*models.AuditEvent, error) {
	r.mu.RLock()
	var out []*models.AuditEvent
	for _, e := range r.events {
		if q.Matches(e) {
			out = append(out, clone(e))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Sequence > out[j].Sequence })
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Count(_ context.Context, q QueryParams) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var n int64
	for _, e := range r.events {
		if q.Matches(e) {
			n++
		}
	}
	return n, nil
}

func clone(e *models.AuditEvent) *models.AuditEvent {
	c := *e
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

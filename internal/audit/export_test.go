package audit

import "github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"

// Tamper replaces a stored event in place.
func (r *MemoryRepository) Tamper(id string, fn func(*models.AuditEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byID[id]; ok {
		fn(e)
	}
}

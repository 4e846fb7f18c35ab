// Package abuse records device submissions and blacklists devices that
// exceed the daily submission limit.
package abuse

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// Logger is the append-only submission log.
type Logger interface {
	Log(ctx context.Context, rec models.SubmissionRecord) error
	Count(ctx context.Context, serial string, since time.Time) (int, error)
	CountAll(ctx context.Context, since time.Time) (int, error)
	ActiveDevices(ctx context.Context, since time.Time) ([]string, error)
	TopSubmitters(ctx context.Context, since time.Time, limit int) ([]SubmitterCount, error)
	Statistics(ctx context.Context) (*LogStatistics, error)
	Prune(ctx context.Context, before time.Time) (int, error)
}

// SubmitterCount is one row of a top submitters listing.
type SubmitterCount struct {
	DeviceSerial  string `json:"device_serial"`
	Count         int    `json:"count"`
	IsBlacklisted bool   `json:"is_blacklisted"`
}

// LogStatistics summarizes the whole log.
type LogStatistics struct {
	TotalSubmissions int        `json:"total_submissions"`
	UniqueDevices    int        `json:"unique_devices"`
	Oldest           *time.Time `json:"oldest_submission,omitempty"`
	Newest           *time.Time `json:"newest_submission,omitempty"`
	Last24h          int        `json:"submissions_last_24h"`
	Last1h           int        `json:"submissions_last_1h"`
}

// MemoryLogger keeps the submission log in memory.
type MemoryLogger struct {
	mu      sync.RWMutex
	records []models.SubmissionRecord
	now     func() time.Time
}

// NewMemoryLogger creates an empty in-memory submission log.
func NewMemoryLogger() *MemoryLogger {
	return &MemoryLogger{now: time.Now}
}

var _ Logger = (*MemoryLogger)(nil)

func (l *MemoryLogger) Log(_ context.Context, rec models.SubmissionRecord) error {
	if rec.DeviceSerial == "" {
		return errors.NewValidationError("device_serial", "required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	l.records = append(l.records, rec)
	l.mu.Unlock()
	return nil
}

func (l *MemoryLogger) Count(_ context.Context, serial string, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, r := range l.records {
		if r.DeviceSerial == serial && !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLogger) CountAll(_ context.Context, since time.Time) (int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := 0
	for _, r := range l.records {
		if !r.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *MemoryLogger) ActiveDevices(_ context.Context, since time.Time) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, r := range l.records {
		if !r.Timestamp.Before(since) {
			seen[r.DeviceSerial] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

func (l *MemoryLogger) TopSubmitters(_ context.Context, since time.Time, limit int) ([]SubmitterCount, error) {
	l.mu.RLock()
	counts := make(map[string]int)
	for _, r := range l.records {
		if !r.Timestamp.Before(since) {
			counts[r.DeviceSerial]++
		}
	}
	l.mu.RUnlock()

	out := make([]SubmitterCount, 0, len(counts))
	for s, n := range counts {
		out = append(out, SubmitterCount{DeviceSerial: s, Count: n})
	}
	sortSubmitters(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortSubmitters orders by count descending, then serial.
func sortSubmitters(s []SubmitterCount) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].DeviceSerial < s[j].DeviceSerial
	})
}

func (l *MemoryLogger) Statistics(ctx context.Context) (*LogStatistics, error) {
	now := l.now()

	l.mu.RLock()
	stats := &LogStatistics{TotalSubmissions: len(l.records)}
	devices := make(map[string]struct{})
	for i := range l.records {
		r := &l.records[i]
		devices[r.DeviceSerial] = struct{}{}
		if stats.Oldest == nil || r.Timestamp.Before(*stats.Oldest) {
			t := r.Timestamp
			stats.Oldest = &t
		}
		if stats.Newest == nil || r.Timestamp.After(*stats.Newest) {
			t := r.Timestamp
			stats.Newest = &t
		}
	}
	stats.UniqueDevices = len(devices)
	l.mu.RUnlock()

	var err error
	if stats.Last24h, err = l.CountAll(ctx, now.Add(-24*time.Hour)); err != nil {
		return nil, err
	}
	if stats.Last1h, err = l.CountAll(ctx, now.Add(-time.Hour)); err != nil {
		return nil, err
	}
	return stats, nil
}

func (l *MemoryLogger) Prune(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.records[:0]
	for _, r := range l.records {
		if !r.Timestamp.Before(before) {
			kept = append(kept, r)
		}
	}
	removed := len(l.records) - len(kept)
	l.records = kept
	return removed, nil
}

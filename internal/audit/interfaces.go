// Package audit keeps a hash-chained log of authority mutations: table
// generation, provisioning, blacklisting and abuse checks.
package audit

import (
	"context"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// Repository defines audit log persistence operations.
type Repository interface {
	// Create persists a new audit event.
	Create(ctx context.Context, event *models.AuditEvent) error
	// Get retrieves an audit event by ID.
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	// Latest returns the event with the highest sequence, or nil when empty.
	Latest(ctx context.Context) (*models.AuditEvent, error)
	// Query retrieves events matching criteria, newest first.
	Query(ctx context.Context, query QueryParams) ([]*models.AuditEvent, error)
	// Count returns the number of events matching criteria.
	Count(ctx context.Context, query QueryParams) (int64, error)
}

// QueryParams filters audit queries. Zero fields match everything.
type QueryParams struct {
	EventType models.AuditEventType
	Actor     string
	Subject   string
	Result    models.AuditEventResult
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Matches reports whether e satisfies q, ignoring paging.
func (q QueryParams) Matches(e *models.AuditEvent) bool {
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Actor != "" && e.Actor != q.Actor {
		return false
	}
	if q.Subject != "" && e.Subject != q.Subject {
		return false
	}
	if q.Result != "" && e.Result != q.Result {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	return true
}

// Forwarder ships audit events to an external collector.
type Forwarder interface {
	Forward(ctx context.Context, event *models.AuditEvent) error
}

// ForwarderFunc adapts a function to Forwarder.
type ForwarderFunc func(ctx context.Context, event *models.AuditEvent) error

func (f ForwarderFunc) Forward(ctx context.Context, event *models.AuditEvent) error {
	return f(ctx, event)
}

// ExportFormat defines the export format.
type ExportFormat string

const (
	ExportFormatJSON ExportFormat = "json"
	ExportFormatCSV  ExportFormat = "csv"
)

// SIEMConfig configures HTTP forwarding.
type SIEMConfig struct {
	Endpoint   string        `mapstructure:"endpoint"`
	APIKey     string        `mapstructure:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout"`
	RetryCount int           `mapstructure:"retry_count"`
	Enabled    bool          `mapstructure:"enabled"`
}

// Stats summarizes audit activity since a point in time.
type Stats struct {
	TotalEvents  int64                           `json:"total_events"`
	SuccessCount int64                           `json:"success_count"`
	ErrorCount   int64                           `json:"error_count"`
	DeniedCount  int64                           `json:"denied_count"`
	EventsByType map[models.AuditEventType]int64 `json:"events_by_type"`
	UniqueActors int64                           `json:"unique_actors"`
}

// VerifyReport is the outcome of a chain verification.
type VerifyReport struct {
	Valid         bool   `json:"valid"`
	EventsChecked int    `json:"events_checked"`
	BrokenAt      string `json:"broken_at,omitempty"`
	Problem       string `json:"problem,omitempty"`
}

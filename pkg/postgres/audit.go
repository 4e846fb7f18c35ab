package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// AuditRepository implements audit.Repository.
type AuditRepository struct {
	db *DB
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Repository = (*AuditRepository)(nil)

const auditColumns = `id, sequence, timestamp, event_type, actor, subject, result, metadata, data_hash, prev_hash, chain_hash`

// Create persists a new audit event.
func (r *AuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	id, err := uuid.Parse(event.ID)
	if err != nil {
		return fmt.Errorf("invalid audit event ID: %w", err)
	}

	var metadata []byte
	if event.Metadata != nil {
		if metadata, err = json.Marshal(event.Metadata); err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO audit_events (`+auditColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		id, event.Sequence, event.Timestamp, event.EventType, event.Actor, event.Subject, event.Result,
		metadata, event.DataHash, event.PrevHash, event.ChainHash,
	)
	if uniqueConstraint(err) != "" {
		return errors.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create audit event: %w", err)
	}
	return nil
}

func scanAuditEvent(row scanner) (*models.AuditEvent, error) {
	event := &models.AuditEvent{}
	var subject sql.NullString
	var metadata []byte
	err := row.Scan(&event.ID, &event.Sequence, &event.Timestamp, &event.EventType, &event.Actor, &subject,
		&event.Result, &metadata, &event.DataHash, &event.PrevHash, &event.ChainHash)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan audit event: %w", err)
	}
	event.Subject = subject.String
	event.Timestamp = event.Timestamp.UTC()
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &event.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
		}
	}
	return event, nil
}

// Get retrieves an audit event by ID.
func (r *AuditRepository) Get(ctx context.Context, id string) (*models.AuditEvent, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, errors.ErrNotFound
	}
	return scanAuditEvent(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events WHERE id = $1`, uid))
}

// Latest returns the chain head, or nil for an empty log.
func (r *AuditRepository) Latest(ctx context.Context) (*models.AuditEvent, error) {
	event, err := scanAuditEvent(r.db.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`))
	if errors.Is(err, errors.ErrNotFound) {
		return nil, nil
	}
	return event, err
}

// auditWhere renders the filter part of q starting at placeholder 1.
func auditWhere(q audit.QueryParams) (string, []any) {
	clause := ` WHERE 1=1`
	args := []any{}
	add := func(cond string, v any) {
		args = append(args, v)
		clause += fmt.Sprintf(" AND "+cond, len(args))
	}
	if q.EventType != "" {
		add("event_type = $%d", q.EventType)
	}
	if q.Actor != "" {
		add("actor = $%d", q.Actor)
	}
	if q.Subject != "" {
		add("subject = $%d", q.Subject)
	}
	if q.Result != "" {
		add("result = $%d", q.Result)
	}
	if !q.Since.IsZero() {
		add("timestamp >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("timestamp <= $%d", q.Until)
	}
	return clause, args
}

// Query retrieves audit events matching criteria, newest first.
func (r *AuditRepository) Query(ctx context.Context, q audit.QueryParams) ([]*models.AuditEvent, error) {
	where, args := auditWhere(q)
	query := `SELECT ` + auditColumns + ` FROM audit_events` + where + ` ORDER BY sequence DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*models.AuditEvent
	for rows.Next() {
		event, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Count returns the count of events matching criteria.
func (r *AuditRepository) Count(ctx context.Context, q audit.QueryParams) (int64, error) {
	where, args := auditWhere(q)
	var count int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_events`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

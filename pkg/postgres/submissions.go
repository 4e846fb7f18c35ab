package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// SubmissionRepository implements abuse.Logger.
type SubmissionRepository struct {
	db *DB
}

// NewSubmissionRepository creates a new submission repository.
func NewSubmissionRepository(db *DB) *SubmissionRepository {
	return &SubmissionRepository{db: db}
}

var _ abuse.Logger = (*SubmissionRepository)(nil)

// Log appends one submission.
func (r *SubmissionRepository) Log(ctx context.Context, rec models.SubmissionRecord) error {
	if rec.DeviceSerial == "" {
		return errors.NewValidationError("device_serial", "required")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO submissions (device_serial, timestamp, validation_result) VALUES ($1, $2, $3)`,
		rec.DeviceSerial, rec.Timestamp, string(rec.Result),
	)
	if err != nil {
		return fmt.Errorf("failed to log submission: %w", err)
	}
	return nil
}

// Count returns submissions by serial since the given time.
func (r *SubmissionRepository) Count(ctx context.Context, serial string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE device_serial = $1 AND timestamp >= $2`,
		serial, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return n, nil
}

// CountAll returns submissions across devices since the given time.
func (r *SubmissionRepository) CountAll(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submissions WHERE timestamp >= $1`, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count submissions: %w", err)
	}
	return n, nil
}

// ActiveDevices returns serials with submissions since the given time.
func (r *SubmissionRepository) ActiveDevices(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT device_serial FROM submissions WHERE timestamp >= $1 ORDER BY device_serial`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan device serial: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TopSubmitters ranks devices by submission count. A limit of zero returns all.
func (r *SubmissionRepository) TopSubmitters(ctx context.Context, since time.Time, limit int) ([]abuse.SubmitterCount, error) {
	query := `SELECT device_serial, COUNT(*) AS n FROM submissions WHERE timestamp >= $1
		GROUP BY device_serial ORDER BY n DESC, device_serial`
	args := []any{since}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank submitters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []abuse.SubmitterCount{}
	for rows.Next() {
		var c abuse.SubmitterCount
		if err := rows.Scan(&c.DeviceSerial, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan submitter: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Statistics summarizes the whole submission log.
func (r *SubmissionRepository) Statistics(ctx context.Context) (*abuse.LogStatistics, error) {
	stats := &abuse.LogStatistics{}
	var oldest, newest sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT device_serial), MIN(timestamp), MAX(timestamp),
			COUNT(*) FILTER (WHERE timestamp >= NOW() - INTERVAL '24 hours'),
			COUNT(*) FILTER (WHERE timestamp >= NOW() - INTERVAL '1 hour')
		 FROM submissions`,
	).Scan(&stats.TotalSubmissions, &stats.UniqueDevices, &oldest, &newest, &stats.Last24h, &stats.Last1h)
	if err != nil {
		return nil, fmt.Errorf("failed to read submission statistics: %w", err)
	}
	if oldest.Valid {
		stats.Oldest = &oldest.Time
	}
	if newest.Valid {
		stats.Newest = &newest.Time
	}
	return stats, nil
}

// Prune deletes submissions older than before.
func (r *SubmissionRepository) Prune(ctx context.Context, before time.Time) (int, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM submissions WHERE timestamp < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune submissions: %w", err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

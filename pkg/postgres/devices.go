package postgres

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// DeviceRepository implements registry.Repository.
type DeviceRepository struct {
	db *DB
}

// NewDeviceRepository creates a new device repository.
func NewDeviceRepository(db *DB) *DeviceRepository {
	return &DeviceRepository{db: db}
}

var _ registry.Repository = (*DeviceRepository)(nil)

const deviceColumns = `serial, secret, table_assignments, certificate, public_key, device_family,
	provisioned_at, is_blacklisted, blacklisted_at, blacklist_reason`

// Create inserts a device. Uniqueness of serial and secret is enforced by
// the primary key and the secret_hash constraint.
func (r *DeviceRepository) Create(ctx context.Context, d *models.DeviceRecord) error {
	hash := sha256.Sum256(d.Secret)
	tables := make([]int64, len(d.TableAssignments))
	for i, t := range d.TableAssignments {
		tables[i] = int64(t)
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (serial, secret, secret_hash, table_assignments, certificate, public_key, device_family, provisioned_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.Serial, d.Secret, hash[:], pq.Array(tables), d.Certificate, d.PublicKey, d.DeviceFamily, d.ProvisionedAt,
	)
	switch uniqueConstraint(err) {
	case "":
	case "devices_secret_hash_key":
		return errors.ErrSecretCollision
	default:
		return errors.ErrAlreadyProvisioned
	}
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}
	return nil
}

// GetBySerial retrieves a device by serial.
func (r *DeviceRepository) GetBySerial(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE serial = $1`, serial)
	return scanDevice(row)
}

// GetBySecret retrieves a device through the secret hash index.
func (r *DeviceRepository) GetBySecret(ctx context.Context, secret []byte) (*models.DeviceRecord, error) {
	hash := sha256.Sum256(secret)
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE secret_hash = $1`, hash[:])
	return scanDevice(row)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDevice(row scanner) (*models.DeviceRecord, error) {
	d := &models.DeviceRecord{}
	var (
		tables        pq.Int64Array
		blacklistedAt sql.NullTime
		reason        sql.NullString
	)
	err := row.Scan(&d.Serial, &d.Secret, &tables, &d.Certificate, &d.PublicKey, &d.DeviceFamily,
		&d.ProvisionedAt, &d.IsBlacklisted, &blacklistedAt, &reason)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	d.TableAssignments = make([]int, len(tables))
	for i, t := range tables {
		d.TableAssignments[i] = int(t)
	}
	if blacklistedAt.Valid {
		at := blacklistedAt.Time
		d.BlacklistedAt = &at
	}
	d.BlacklistReason = reason.String
	return d, nil
}

// List returns devices matching filter ordered by serial.
func (r *DeviceRepository) List(ctx context.Context, filter registry.ListFilter) ([]*models.DeviceRecord, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE 1=1`
	args := []any{}
	argIdx := 1

	if filter.Family != "" {
		query += fmt.Sprintf(" AND device_family = $%d", argIdx)
		args = append(args, filter.Family)
		argIdx++
	}
	if filter.BlacklistedOnly {
		query += " AND is_blacklisted"
	}
	query += " ORDER BY serial"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
		argIdx++
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.DeviceRecord
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// SetBlacklisted marks a device blacklisted. The first reason is kept.
func (r *DeviceRepository) SetBlacklisted(ctx context.Context, serial string, at time.Time, reason string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_blacklisted = TRUE, blacklisted_at = $2, blacklist_reason = $3
		 WHERE serial = $1 AND NOT is_blacklisted`,
		serial, at, reason,
	)
	if err != nil {
		return false, fmt.Errorf("failed to blacklist device: %w", err)
	}
	return r.changed(ctx, result, serial)
}

// ClearBlacklisted lifts a blacklist.
func (r *DeviceRepository) ClearBlacklisted(ctx context.Context, serial string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE devices SET is_blacklisted = FALSE, blacklisted_at = NULL, blacklist_reason = NULL
		 WHERE serial = $1 AND is_blacklisted`,
		serial,
	)
	if err != nil {
		return false, fmt.Errorf("failed to unblacklist device: %w", err)
	}
	return r.changed(ctx, result, serial)
}

// changed distinguishes "already in that state" from "no such device".
func (r *DeviceRepository) changed(ctx context.Context, result sql.Result, serial string) (bool, error) {
	rows, _ := result.RowsAffected()
	if rows > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM devices WHERE serial = $1)`, serial).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check device: %w", err)
	}
	if !exists {
		return false, errors.ErrNotFound
	}
	return false, nil
}

// Count returns the number of devices.
func (r *DeviceRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count devices: %w", err)
	}
	return n, nil
}

// FamilyCounts returns device counts per family.
func (r *DeviceRepository) FamilyCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT device_family, COUNT(*) FROM devices GROUP BY device_family`)
	if err != nil {
		return nil, fmt.Errorf("failed to count device families: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var family string
		var n int
		if err := rows.Scan(&family, &n); err != nil {
			return nil, fmt.Errorf("failed to scan family count: %w", err)
		}
		out[family] = n
	}
	return out, rows.Err()
}

// TableUsage returns the number of devices holding each table.
func (r *DeviceRepository) TableUsage(ctx context.Context) (map[int]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t, COUNT(*) FROM devices, unnest(table_assignments) AS t GROUP BY t`)
	if err != nil {
		return nil, fmt.Errorf("failed to read table usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int]int)
	for rows.Next() {
		var table, n int
		if err := rows.Scan(&table, &n); err != nil {
			return nil, fmt.Errorf("failed to scan table usage: %w", err)
		}
		out[table] = n
	}
	return out, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// KeyTableRepository implements keys.Repository.
type KeyTableRepository struct {
	db *DB
}

// NewKeyTableRepository creates a new key table repository.
func NewKeyTableRepository(db *DB) *KeyTableRepository {
	return &KeyTableRepository{db: db}
}

var _ keys.Repository = (*KeyTableRepository)(nil)

// InsertAll writes every table in one transaction. An exclusive table lock
// makes concurrent generation fail cleanly instead of interleaving.
func (r *KeyTableRepository) InsertAll(ctx context.Context, mks []*models.MasterKey) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `LOCK TABLE key_tables IN EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("failed to lock key tables: %w", err)
		}
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_tables`).Scan(&n); err != nil {
			return fmt.Errorf("failed to count key tables: %w", err)
		}
		if n > 0 {
			return errors.ErrAlreadyInitialized
		}

		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO key_tables (table_id, master_key, created_at) VALUES ($1, $2, $3)`)
		if err != nil {
			return fmt.Errorf("failed to prepare key table insert: %w", err)
		}
		defer func() { _ = stmt.Close() }()

		for _, k := range mks {
			if _, err := stmt.ExecContext(ctx, k.TableID, k.Key, k.CreatedAt); err != nil {
				if uniqueConstraint(err) != "" {
					return errors.ErrAlreadyInitialized
				}
				return fmt.Errorf("failed to insert key table %d: %w", k.TableID, err)
			}
		}
		return nil
	})
}

// Get retrieves a wrapped master key.
func (r *KeyTableRepository) Get(ctx context.Context, tableID int) (*models.MasterKey, error) {
	mk := &models.MasterKey{}
	err := r.db.QueryRowContext(ctx,
		`SELECT table_id, master_key, created_at FROM key_tables WHERE table_id = $1`,
		tableID,
	).Scan(&mk.TableID, &mk.Key, &mk.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key table: %w", err)
	}
	return mk, nil
}

// Count returns the number of key tables.
func (r *KeyTableRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_tables`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count key tables: %w", err)
	}
	return n, nil
}

// DeleteAll removes every key table.
func (r *KeyTableRepository) DeleteAll(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM key_tables`); err != nil {
		return fmt.Errorf("failed to delete key tables: %w", err)
	}
	return nil
}

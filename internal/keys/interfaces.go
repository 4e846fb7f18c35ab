package keys

import (
	"context"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// Repository defines master key persistence operations. Keys handed to a
// repository are already wrapped.
type Repository interface {
	// InsertAll persists a full table set. It must fail with
	// ErrAlreadyInitialized if any table already exists.
	InsertAll(ctx context.Context, keys []*models.MasterKey) error
	// Get retrieves a wrapped master key by table id.
	Get(ctx context.Context, tableID int) (*models.MasterKey, error)
	// Count returns the number of stored tables.
	Count(ctx context.Context) (int, error)
	// DeleteAll removes every table.
	DeleteAll(ctx context.Context) error
}

// Wrapper protects master keys at rest.
type Wrapper interface {
	Wrap(ctx context.Context, plaintext []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// Store owns all master keys.
type Store interface {
	// GenerateAll creates n random master keys for table ids 0..n-1. One-shot.
	GenerateAll(ctx context.Context, n int) error
	// MasterKey returns the plaintext master key for tableID.
	MasterKey(ctx context.Context, tableID int) ([]byte, error)
	// MasterKeys returns master keys in the order of tableIDs.
	MasterKeys(ctx context.Context, tableIDs []int) ([][]byte, error)
	// Count returns the number of tables.
	Count(ctx context.Context) (int, error)
	// DeleteAll removes every table. Required before regeneration.
	DeleteAll(ctx context.Context) error
}

// UsageCounter reports how many devices hold each table.
type UsageCounter interface {
	TableUsage(ctx context.Context) (map[int]int, error)
}

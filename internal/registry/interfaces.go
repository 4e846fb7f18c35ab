// Package registry is the durable store of provisioned device identities.
package registry

import (
	"context"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// Repository defines device record persistence operations.
type Repository interface {
	// Create persists a new device. It must fail with ErrAlreadyProvisioned
	// when the serial exists and ErrSecretCollision when the secret exists,
	// atomically with respect to concurrent Create calls.
	Create(ctx context.Context, device *models.DeviceRecord) error
	// GetBySerial retrieves a device by serial.
	GetBySerial(ctx context.Context, serial string) (*models.DeviceRecord, error)
	// GetBySecret retrieves a device by its 32-byte secret.
	GetBySecret(ctx context.Context, secret []byte) (*models.DeviceRecord, error)
	// List returns devices matching filter.
	List(ctx context.Context, filter ListFilter) ([]*models.DeviceRecord, error)
	// SetBlacklisted marks a device blacklisted unless it already is.
	// It reports whether the record changed.
	SetBlacklisted(ctx context.Context, serial string, at time.Time, reason string) (bool, error)
	// ClearBlacklisted lifts a blacklist. It reports whether the record changed.
	ClearBlacklisted(ctx context.Context, serial string) (bool, error)
	// Count returns the total number of devices.
	Count(ctx context.Context) (int, error)
	// FamilyCounts returns device counts per device family.
	FamilyCounts(ctx context.Context) (map[string]int, error)
	// TableUsage returns the number of devices assigned to each table.
	TableUsage(ctx context.Context) (map[int]int, error)
}

// ListFilter narrows List results.
type ListFilter struct {
	Family          string
	BlacklistedOnly bool
	Limit           int
	Offset          int
}

// TableCounter reports how many key tables exist.
type TableCounter interface {
	Count(ctx context.Context) (int, error)
}

// Listener is notified after a device's blacklist state changes.
type Listener func(ctx context.Context, device *models.DeviceRecord)

// Statistics summarizes the registry.
type Statistics struct {
	TotalDevices       int            `json:"total_devices"`
	BlacklistedDevices int            `json:"blacklisted_devices"`
	ActiveDevices      int            `json:"active_devices"`
	ByFamily           map[string]int `json:"by_family"`
	TableUsage         map[int]int    `json:"table_usage,omitempty"`
}

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

const maxSerialLength = 255

// Service manages device identity records.
type Service struct {
	repo   Repository
	tables TableCounter
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []Listener
}

// Option configures a Service.
type Option func(*Service)

// WithTableCounter bounds table assignments by the number of existing tables.
func WithTableCounter(tables TableCounter) Option {
	return func(s *Service) { s.tables = tables }
}

// WithClock overrides the blacklist timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a registry service over repo.
func NewService(repo Repository, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddListener registers fn for blacklist transitions.
func (s *Service) AddListener(fn Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Register stores a newly provisioned device.
func (s *Service) Register(ctx context.Context, device *models.DeviceRecord) error {
	if err := s.validate(ctx, device); err != nil {
		return err
	}

	rec := device.Clone()
	rec.IsBlacklisted = false
	rec.BlacklistedAt = nil
	rec.BlacklistReason = ""
	if rec.ProvisionedAt.IsZero() {
		rec.ProvisionedAt = s.now()
	}

	if err := s.repo.Create(ctx, rec); err != nil {
		if errors.Is(err, errors.ErrAlreadyProvisioned) || errors.Is(err, errors.ErrSecretCollision) {
			return err
		}
		return errors.NewStorageError("create device", err)
	}

	s.logger.InfoContext(ctx, "device registered",
		"device_serial", rec.Serial,
		"device_family", rec.DeviceFamily,
		"tables", rec.TableAssignments)
	return nil
}

func (s *Service) validate(ctx context.Context, d *models.DeviceRecord) error {
	if d == nil {
		return errors.NewValidationError("device", "required")
	}
	if strings.TrimSpace(d.Serial) == "" {
		return errors.NewValidationError("device_serial", "required")
	}
	if len(d.Serial) > maxSerialLength {
		return errors.NewValidationError("device_serial",
			fmt.Sprintf("must be at most %d characters", maxSerialLength))
	}
	if len(d.Secret) != models.SecretSize {
		return errors.NewValidationError("device_secret",
			fmt.Sprintf("must be %d bytes, got %d", models.SecretSize, len(d.Secret)))
	}
	if len(d.TableAssignments) != models.TablesPerDevice {
		return errors.NewValidationError("table_assignments",
			fmt.Sprintf("must contain exactly %d tables", models.TablesPerDevice))
	}

	limit := -1
	if s.tables != nil {
		n, err := s.tables.Count(ctx)
		if err != nil {
			return errors.NewStorageError("count key tables", err)
		}
		limit = n
	}
	seen := make(map[int]struct{}, len(d.TableAssignments))
	for _, t := range d.TableAssignments {
		if t < 0 || (limit >= 0 && t >= limit) {
			return errors.NewValidationError("table_assignments", fmt.Sprintf("invalid table id %d", t))
		}
		if _, dup := seen[t]; dup {
			return errors.NewValidationError("table_assignments", fmt.Sprintf("duplicate table id %d", t))
		}
		seen[t] = struct{}{}
	}
	return nil
}

// GetBySerial retrieves a device by serial.
func (s *Service) GetBySerial(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	d, err := s.repo.GetBySerial(ctx, serial)
	if err != nil {
		return nil, s.lookupError("get device by serial", err, errors.ErrNotFound)
	}
	return d, nil
}

// GetBySecret resolves a decrypted secret to its device. Unknown secrets
// yield ErrUnknownDevice.
func (s *Service) GetBySecret(ctx context.Context, secret []byte) (*models.DeviceRecord, error) {
	if len(secret) != models.SecretSize {
		return nil, errors.ErrUnknownDevice
	}
	d, err := s.repo.GetBySecret(ctx, secret)
	if err != nil {
		return nil, s.lookupError("get device by secret", err, errors.ErrUnknownDevice)
	}
	return d, nil
}

func (s *Service) lookupError(op string, err, notFound error) error {
	if errors.Is(err, errors.ErrNotFound) {
		return notFound
	}
	return errors.NewStorageError(op, err)
}

// Exists reports whether serial is registered.
func (s *Service) Exists(ctx context.Context, serial string) (bool, error) {
	_, err := s.repo.GetBySerial(ctx, serial)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, errors.ErrNotFound) {
		return false, nil
	}
	return false, errors.NewStorageError("check device", err)
}

// TableAssignments returns the tables assigned to serial.
func (s *Service) TableAssignments(ctx context.Context, serial string) ([]int, error) {
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	return d.TableAssignments, nil
}

// Blacklist marks serial blacklisted. Blacklisting an already blacklisted
// device is a no-op that keeps the original timestamp and reason.
func (s *Service) Blacklist(ctx context.Context, serial, reason string) (*models.DeviceRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.NewValidationError("reason", "required")
	}
	changed, err := s.repo.SetBlacklisted(ctx, serial, s.now(), reason)
	if err != nil {
		return nil, s.lookupError("blacklist device", err, errors.ErrNotFound)
	}
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.WarnContext(ctx, "device blacklisted", "device_serial", serial, "reason", reason)
		s.notify(ctx, d)
	}
	return d, nil
}

// Unblacklist lifts a blacklist after manual review.
func (s *Service) Unblacklist(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	changed, err := s.repo.ClearBlacklisted(ctx, serial)
	if err != nil {
		return nil, s.lookupError("unblacklist device", err, errors.ErrNotFound)
	}
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.InfoContext(ctx, "device restored", "device_serial", serial)
		s.notify(ctx, d)
	}
	return d, nil
}

func (s *Service) notify(ctx context.Context, d *models.DeviceRecord) {
	s.mu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ctx, d.Clone())
	}
}

// IsBlacklisted reports the blacklist state of serial.
func (s *Service) IsBlacklisted(ctx context.Context, serial string) (bool, error) {
	d, err := s.GetBySerial(ctx, serial)
	if err != nil {
		return false, err
	}
	return d.IsBlacklisted, nil
}

// List returns devices matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*models.DeviceRecord, error) {
	devices, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, errors.NewStorageError("list devices", err)
	}
	return devices, nil
}

// ListBlacklisted returns all blacklisted devices.
func (s *Service) ListBlacklisted(ctx context.Context) ([]*models.DeviceRecord, error) {
	return s.List(ctx, ListFilter{BlacklistedOnly: true})
}

// ListByFamily returns all devices of family.
func (s *Service) ListByFamily(ctx context.Context, family string) ([]*models.DeviceRecord, error) {
	return s.List(ctx, ListFilter{Family: family})
}

// Count returns the number of registered devices.
func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, errors.NewStorageError("count devices", err)
	}
	return n, nil
}

// TableUsage returns per-table device counts.
func (s *Service) TableUsage(ctx context.Context) (map[int]int, error) {
	usage, err := s.repo.TableUsage(ctx)
	if err != nil {
		return nil, errors.NewStorageError("table usage", err)
	}
	return usage, nil
}

// Statistics summarizes registry contents.
func (s *Service) Statistics(ctx context.Context) (*Statistics, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	blacklisted, err := s.ListBlacklisted(ctx)
	if err != nil {
		return nil, err
	}
	families, err := s.repo.FamilyCounts(ctx)
	if err != nil {
		return nil, errors.NewStorageError("family counts", err)
	}
	usage, err := s.TableUsage(ctx)
	if err != nil {
		return nil, err
	}
	return &Statistics{
		TotalDevices:       total,
		BlacklistedDevices: len(blacklisted),
		ActiveDevices:      total - len(blacklisted),
		ByFamily:           families,
		TableUsage:         usage,
	}, nil
}

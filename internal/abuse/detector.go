package abuse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// Default thresholds.
const (
	DefaultBlacklistThreshold = 10000
	DefaultWarnThreshold      = 8000
	DefaultWindow             = 24 * time.Hour
	DefaultRetention          = 90 * 24 * time.Hour
)

// Action is what a check decided for one device.
type Action string

const (
	ActionNone      Action = "none"
	ActionWarn      Action = "warn"
	ActionBlacklist Action = "blacklist"
	// ActionSkipped marks a device that was already blacklisted.
	ActionSkipped Action = "skipped"
)

// Config holds the detector thresholds.
type Config struct {
	WarnThreshold      int           `mapstructure:"warn_threshold"`
	BlacklistThreshold int           `mapstructure:"blacklist_threshold"`
	Window             time.Duration `mapstructure:"window"`
	Retention          time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns the standard limits: warn at 8,000 and blacklist at
// 10,000 submissions per 24 hours, keeping 90 days of history.
func DefaultConfig() Config {
	return Config{
		WarnThreshold:      DefaultWarnThreshold,
		BlacklistThreshold: DefaultBlacklistThreshold,
		Window:             DefaultWindow,
		Retention:          DefaultRetention,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BlacklistThreshold <= 0 {
		c.BlacklistThreshold = d.BlacklistThreshold
	}
	if c.WarnThreshold <= 0 || c.WarnThreshold > c.BlacklistThreshold {
		c.WarnThreshold = min(d.WarnThreshold, c.BlacklistThreshold)
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	return c
}

// Devices is the subset of the registry the detector acts on.
type Devices interface {
	IsBlacklisted(ctx context.Context, serial string) (bool, error)
	Blacklist(ctx context.Context, serial, reason string) (*models.DeviceRecord, error)
}

var _ Devices = (*registry.Service)(nil)

// AuditService records automatic blacklisting.
type AuditService interface {
	Log(ctx context.Context, event *models.AuditEvent) error
}

// Observer receives detector outcomes.
type Observer interface {
	ObserveAbuseRun(warned, blacklisted int, elapsed time.Duration)
}

// Finding is the outcome of checking one device.
type Finding struct {
	DeviceSerial string `json:"device_serial"`
	Count        int    `json:"submission_count"`
	Action       Action `json:"action"`
	Reason       string `json:"reason,omitempty"`
}

// RunReport summarizes one pass over all active devices.
type RunReport struct {
	CheckedAt      time.Time `json:"checked_at"`
	DevicesChecked int       `json:"devices_checked"`
	Warned         []Finding `json:"warned"`
	Blacklisted    []Finding `json:"blacklisted"`
}

// Detector applies the submission thresholds.
type Detector struct {
	log      Logger
	devices  Devices
	cfg      Config
	audit    AuditService
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithAudit records automatic blacklisting.
func WithAudit(a AuditService) Option {
	return func(d *Detector) { d.audit = a }
}

// WithObserver reports run outcomes to o.
func WithObserver(o Observer) Option {
	return func(d *Detector) { d.observer = o }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// NewDetector creates a detector. Zero config fields take their defaults.
func NewDetector(log Logger, devices Devices, cfg Config, opts ...Option) *Detector {
	d := &Detector{
		log:     log,
		devices: devices,
		cfg:     cfg.withDefaults(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config {
	return d.cfg
}

// CheckDevice evaluates one device and blacklists it when over the limit.
func (d *Detector) CheckDevice(ctx context.Context, serial string) (*Finding, error) {
	if serial == "" {
		return nil, errors.NewValidationError("device_serial", "required")
	}
	count, err := d.log.Count(ctx, serial, d.now().Add(-d.cfg.Window))
	if err != nil {
		return nil, fmt.Errorf("failed to count submissions: %w", err)
	}
	return d.check(ctx, serial, count)
}

func (d *Detector) check(ctx context.Context, serial string, count int) (*Finding, error) {
	f := &Finding{DeviceSerial: serial, Count: count, Action: ActionNone}
	if count < d.cfg.WarnThreshold {
		return f, nil
	}

	blacklisted, err := d.devices.IsBlacklisted(ctx, serial)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return f, nil
		}
		return nil, err
	}
	if blacklisted {
		f.Action = ActionSkipped
		return f, nil
	}

	window := formatWindow(d.cfg.Window)
	if count >= d.cfg.BlacklistThreshold {
		f.Action = ActionBlacklist
		f.Reason = fmt.Sprintf("exceeded daily limit: %d in %s", count, window)
		if _, err := d.devices.Blacklist(ctx, serial, f.Reason); err != nil {
			return nil, fmt.Errorf("failed to blacklist device: %w", err)
		}
		d.logger.WarnContext(ctx, "device automatically blacklisted",
			"device_serial", serial, "count", count, "threshold", d.cfg.BlacklistThreshold)
		d.auditBlacklist(ctx, f)
		return f, nil
	}

	f.Action = ActionWarn
	f.Reason = fmt.Sprintf("approaching limit: %d in %s", count, window)
	d.logger.WarnContext(ctx, "device approaching submission limit",
		"device_serial", serial, "count", count, "threshold", d.cfg.BlacklistThreshold)
	return f, nil
}

// Run checks every device with submissions inside the window.
func (d *Detector) Run(ctx context.Context) (*RunReport, error) {
	start := d.now()
	since := start.Add(-d.cfg.Window)

	serials, err := d.log.ActiveDevices(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list active devices: %w", err)
	}

	report := &RunReport{CheckedAt: start.UTC(), Warned: []Finding{}, Blacklisted: []Finding{}}
	for _, serial := range serials {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		count, err := d.log.Count(ctx, serial, since)
		if err != nil {
			return report, fmt.Errorf("failed to count submissions: %w", err)
		}
		f, err := d.check(ctx, serial, count)
		if err != nil {
			return report, err
		}
		report.DevicesChecked++
		switch f.Action {
		case ActionWarn:
			report.Warned = append(report.Warned, *f)
		case ActionBlacklist:
			report.Blacklisted = append(report.Blacklisted, *f)
		}
	}

	d.logger.InfoContext(ctx, "abuse check complete",
		"devices_checked", report.DevicesChecked,
		"warned", len(report.Warned),
		"blacklisted", len(report.Blacklisted))
	if d.observer != nil {
		d.observer.ObserveAbuseRun(len(report.Warned), len(report.Blacklisted), time.Since(start))
	}
	return report, nil
}

// Schedule runs the check every interval until ctx is done.
func (d *Detector) Schedule(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Run(ctx); err != nil && ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "abuse check failed", "error", err)
			}
			if _, err := d.Prune(ctx); err != nil && ctx.Err() == nil {
				d.logger.ErrorContext(ctx, "submission pruning failed", "error", err)
			}
		}
	}
}

// Thresholds echoes the limits in a report.
type Thresholds struct {
	Warn        int `json:"warning"`
	Blacklist   int `json:"blacklist"`
	WindowHours int `json:"time_window_hours"`
}

// Report is a read-only view of current submission pressure.
type Report struct {
	GeneratedAt        time.Time        `json:"timestamp"`
	TotalDevices       int              `json:"total_devices"`
	CleanDevices       int              `json:"clean_devices"`
	WarningDevices     int              `json:"warning_devices"`
	BlacklistedDevices int              `json:"blacklisted_devices"`
	Thresholds         Thresholds       `json:"thresholds"`
	TopSubmitters      []SubmitterCount `json:"top_submitters"`
	Log                *LogStatistics   `json:"submissions"`
}

// Report classifies active devices without taking action.
func (d *Detector) Report(ctx context.Context, top int) (*Report, error) {
	if top <= 0 {
		top = 10
	}
	now := d.now()
	since := now.Add(-d.cfg.Window)

	counts, err := d.log.TopSubmitters(ctx, since, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to rank submitters: %w", err)
	}

	r := &Report{
		GeneratedAt:  now.UTC(),
		TotalDevices: len(counts),
		Thresholds: Thresholds{
			Warn:        d.cfg.WarnThreshold,
			Blacklist:   d.cfg.BlacklistThreshold,
			WindowHours: int(d.cfg.Window / time.Hour),
		},
		TopSubmitters: []SubmitterCount{},
	}
	for i := range counts {
		c := &counts[i]
		blacklisted, err := d.devices.IsBlacklisted(ctx, c.DeviceSerial)
		if err != nil && !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		c.IsBlacklisted = blacklisted
		switch {
		case blacklisted:
			r.BlacklistedDevices++
		case c.Count >= d.cfg.WarnThreshold:
			r.WarningDevices++
		default:
			r.CleanDevices++
		}
		if i < top {
			r.TopSubmitters = append(r.TopSubmitters, *c)
		}
	}

	if r.Log, err = d.log.Statistics(ctx); err != nil {
		return nil, fmt.Errorf("failed to read submission statistics: %w", err)
	}
	return r, nil
}

// Prune drops submissions older than the retention period.
func (d *Detector) Prune(ctx context.Context) (int, error) {
	n, err := d.log.Prune(ctx, d.now().Add(-d.cfg.Retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune submissions: %w", err)
	}
	if n > 0 {
		d.logger.InfoContext(ctx, "submissions pruned", "removed", n)
	}
	return n, nil
}

func (d *Detector) auditBlacklist(ctx context.Context, f *Finding) {
	if d.audit == nil {
		return
	}
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: d.now().UTC(),
		EventType: models.AuditEventTypeDeviceBlacklisted,
		Actor:     "abuse-detector",
		Subject:   f.DeviceSerial,
		Result:    models.AuditEventResultSuccess,
		Metadata:  map[string]any{"reason": f.Reason, "count": f.Count},
	}
	if err := d.audit.Log(ctx, event); err != nil {
		d.logger.WarnContext(ctx, "failed to write audit event", "error", err)
	}
}

func formatWindow(w time.Duration) string {
	if w%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(w/time.Hour))
	}
	return w.String()
}

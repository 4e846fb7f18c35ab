// Package provisioning issues device identities: key pair, secret, table
// assignment and signed certificate, registered as one unit.
package provisioning

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/certs"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
)

var tracer = otel.Tracer("birthmark/provisioning")

// DefaultDeviceFamily is used when a request names none.
const DefaultDeviceFamily = "Raspberry Pi"

// MaxBulkSize bounds one bulk provisioning call.
const MaxBulkSize = 1000

const secretAttempts = 3

// Registry is the subset of the device registry used during provisioning.
type Registry interface {
	Exists(ctx context.Context, serial string) (bool, error)
	Register(ctx context.Context, device *models.DeviceRecord) error
}

// AuditService records provisioning events.
type AuditService interface {
	Log(ctx context.Context, event *models.AuditEvent) error
}

// Observer receives provisioning outcomes, typically for metrics.
type Observer interface {
	ObserveProvision(kind, result string, elapsed time.Duration)
}

// Config identifies the authority inside issued certificates.
type Config struct {
	ManufacturerID   string
	ManufacturerName string
	MAEndpoint       string
	DeveloperID      string
	SAEndpoint       string
}

// Request asks for one camera identity.
type Request struct {
	DeviceSerial string `json:"device_serial"`
	DeviceFamily string `json:"device_family,omitempty"`
	// Secret is an optional caller-supplied 32-byte device secret.
	Secret []byte `json:"-"`
	// IncludeKeyMaterial adds the master keys of the assigned tables.
	IncludeKeyMaterial bool   `json:"include_key_material,omitempty"`
	Actor              string `json:"-"`
}

// Bundle is everything a device needs, returned as one unit.
type Bundle struct {
	DeviceSerial     string         `json:"device_serial"`
	DeviceFamily     string         `json:"device_family"`
	Certificate      string         `json:"device_certificate"`
	CertificateChain string         `json:"certificate_chain"`
	PrivateKey       string         `json:"device_private_key"`
	PublicKey        string         `json:"device_public_key"`
	TableAssignments []int          `json:"table_assignments"`
	KeyTableID       int            `json:"key_table_id"`
	KeyIndex         int            `json:"key_index"`
	SecretHex        string         `json:"device_secret"`
	MasterKeys       map[int]string `json:"master_keys,omitempty"`
	ProtocolVersion  int            `json:"protocol_version"`
}

// Provisioner issues camera and software identities.
type Provisioner struct {
	cfg      Config
	store    keys.Store
	tables   *keys.TableManager
	registry Registry
	issuer   *certs.Issuer
	audit    AuditService
	observer Observer
	logger   *slog.Logger
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithAudit records every provisioning attempt.
func WithAudit(a AuditService) Option {
	return func(p *Provisioner) { p.audit = a }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(p *Provisioner) { p.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) { p.logger = l }
}

// NewProvisioner creates a provisioner.
func NewProvisioner(cfg Config, store keys.Store, tables *keys.TableManager, reg Registry, issuer *certs.Issuer, opts ...Option) *Provisioner {
	p := &Provisioner{
		cfg:      cfg,
		store:    store,
		tables:   tables,
		registry: reg,
		issuer:   issuer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var _ Registry = (*registry.Service)(nil)

// Provision issues a camera identity. Nothing is registered unless every
// step succeeds.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Bundle, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "provisioning.camera")
	defer span.End()

	bundle, err := p.provision(ctx, req)
	p.finish(ctx, span, "camera", models.AuditEventTypeDeviceProvisioned, req.Actor, req.DeviceSerial, start, err)
	return bundle, err
}

func (p *Provisioner) provision(ctx context.Context, req Request) (*Bundle, error) {
	if p.issuer == nil {
		return nil, errors.ErrIssuerNotConfigured
	}
	serial := strings.TrimSpace(req.DeviceSerial)
	if serial == "" {
		return nil, errors.NewValidationError("device_serial", "required")
	}
	family := strings.TrimSpace(req.DeviceFamily)
	if family == "" {
		family = DefaultDeviceFamily
	}
	if req.Secret != nil && len(req.Secret) != models.SecretSize {
		return nil, errors.NewValidationError("device_secret",
			fmt.Sprintf("must be %d bytes, got %d", models.SecretSize, len(req.Secret)))
	}

	exists, err := p.registry.Exists(ctx, serial)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, errors.ErrAlreadyProvisioned
	}

	deviceKey, err := certs.GenerateKey()
	if err != nil {
		return nil, err
	}

	tables, err := p.tables.Assign(ctx, serial, nil)
	if err != nil {
		return nil, err
	}
	tableID, err := keys.RandomTable(tables)
	if err != nil {
		return nil, err
	}
	keyIndex, err := keys.RandomKeyIndex()
	if err != nil {
		return nil, err
	}

	master, err := p.store.MasterKey(ctx, tableID)
	if err != nil {
		return nil, err
	}
	derived, err := keys.Derive(master, keyIndex)
	if err != nil {
		return nil, err
	}

	var (
		secret []byte
		der    []byte
	)
	for attempt := 0; ; attempt++ {
		secret = req.Secret
		if secret == nil {
			secret = make([]byte, models.SecretSize)
			if _, err := rand.Read(secret); err != nil {
				return nil, fmt.Errorf("failed to generate device secret: %w", err)
			}
		}

		sealed, err := tokencipher.Encrypt(secret, derived)
		if err != nil {
			return nil, err
		}
		der, err = p.issuer.IssueCamera(certs.CameraRequest{
			DeviceSerial:     serial,
			ManufacturerName: p.cfg.ManufacturerName,
			PublicKey:        &deviceKey.PublicKey,
			Extensions: certs.CameraExtensions{
				ManufacturerID:  p.cfg.ManufacturerID,
				MAEndpoint:      p.cfg.MAEndpoint,
				EncryptedSecret: sealed.Pack(),
				KeyTableID:      tableID,
				KeyIndex:        keyIndex,
				DeviceFamily:    family,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to issue certificate: %w", err)
		}

		pubDER, err := marshalPublicKey(&deviceKey.PublicKey)
		if err != nil {
			return nil, err
		}
		err = p.registry.Register(ctx, &models.DeviceRecord{
			Serial:           serial,
			Secret:           secret,
			TableAssignments: tables,
			Certificate:      der,
			PublicKey:        pubDER,
			DeviceFamily:     family,
			ProvisionedAt:    time.Now().UTC(),
		})
		if err == nil {
			break
		}
		if errors.Is(err, errors.ErrSecretCollision) && req.Secret == nil && attempt+1 < secretAttempts {
			p.logger.WarnContext(ctx, "device secret collision, regenerating")
			continue
		}
		return nil, err
	}

	bundle, err := p.bundle(serial, family, deviceKey, der, tables, tableID, keyIndex, secret)
	if err != nil {
		return nil, err
	}
	if req.IncludeKeyMaterial {
		masters, err := p.store.MasterKeys(ctx, tables)
		if err != nil {
			return nil, err
		}
		bundle.MasterKeys = make(map[int]string, len(tables))
		for i, id := range tables {
			bundle.MasterKeys[id] = hex.EncodeToString(masters[i])
		}
	}
	return bundle, nil
}

// BulkResult is the outcome for one serial of a bulk call.
type BulkResult struct {
	DeviceSerial string  `json:"device_serial"`
	Bundle       *Bundle `json:"bundle,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// ProvisionBulk provisions each serial independently. A failure for one
// serial does not stop the others.
func (p *Provisioner) ProvisionBulk(ctx context.Context, serials []string, family, actor string) ([]BulkResult, error) {
	if len(serials) == 0 {
		return nil, errors.NewValidationError("device_serials", "required")
	}
	if len(serials) > MaxBulkSize {
		return nil, errors.NewValidationError("device_serials",
			fmt.Sprintf("at most %d serials per call", MaxBulkSize))
	}

	results := make([]BulkResult, 0, len(serials))
	for _, serial := range serials {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		bundle, err := p.Provision(ctx, Request{DeviceSerial: serial, DeviceFamily: family, Actor: actor})
		r := BulkResult{DeviceSerial: serial, Bundle: bundle}
		if err != nil {
			r.Error = err.Error()
		}
		results = append(results, r)
	}
	return results, nil
}

func (p *Provisioner) bundle(serial, family string, key *ecdsa.PrivateKey, der []byte, tables []int, tableID, keyIndex int, secret []byte) (*Bundle, error) {
	keyPEM, err := certs.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := certs.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Bundle{
		DeviceSerial:     serial,
		DeviceFamily:     family,
		Certificate:      string(certs.EncodePEM(der)),
		CertificateChain: string(p.issuer.CertificatePEM()),
		PrivateKey:       string(keyPEM),
		PublicKey:        string(pubPEM),
		TableAssignments: append([]int(nil), tables...),
		KeyTableID:       tableID,
		KeyIndex:         keyIndex,
		SecretHex:        hex.EncodeToString(secret),
		ProtocolVersion:  keys.ProtocolVersion,
	}, nil
}

func marshalPublicKey(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// SoftwareRequest asks for a software identity.
type SoftwareRequest struct {
	DeveloperName   string   `json:"developer_name,omitempty"`
	AppIdentifier   string   `json:"app_identifier"`
	VersionString   string   `json:"version_string"`
	AllowedVersions []string `json:"allowed_versions"`
	Actor           string   `json:"-"`
}

// SoftwareBundle is the issued software identity.
type SoftwareBundle struct {
	AppIdentifier    string   `json:"app_identifier"`
	Certificate      string   `json:"certificate"`
	CertificateChain string   `json:"certificate_chain"`
	PrivateKey       string   `json:"private_key"`
	PublicKey        string   `json:"public_key"`
	AllowedVersions  []string `json:"allowed_versions"`
}

// ProvisionSoftware issues a software certificate. Software identities are
// not registered as devices.
func (p *Provisioner) ProvisionSoftware(ctx context.Context, req SoftwareRequest) (*SoftwareBundle, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "provisioning.software")
	defer span.End()

	bundle, err := p.provisionSoftware(req)
	p.finish(ctx, span, "software", models.AuditEventTypeSoftwareIssued, req.Actor, req.AppIdentifier, start, err)
	return bundle, err
}

func (p *Provisioner) provisionSoftware(req SoftwareRequest) (*SoftwareBundle, error) {
	if p.issuer == nil {
		return nil, errors.ErrIssuerNotConfigured
	}
	key, err := certs.GenerateKey()
	if err != nil {
		return nil, err
	}
	ext := certs.SoftwareExtensions{
		DeveloperID:     p.cfg.DeveloperID,
		SAEndpoint:      p.cfg.SAEndpoint,
		AppIdentifier:   strings.TrimSpace(req.AppIdentifier),
		VersionString:   strings.TrimSpace(req.VersionString),
		AllowedVersions: req.AllowedVersions,
	}
	if len(ext.AllowedVersions) == 0 && ext.VersionString != "" {
		ext.AllowedVersions = []string{ext.VersionString}
	}
	der, err := p.issuer.IssueSoftware(certs.SoftwareRequest{
		DeveloperName: req.DeveloperName,
		PublicKey:     &key.PublicKey,
		Extensions:    ext,
	})
	if err != nil {
		return nil, err
	}

	keyPEM, err := certs.EncodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	pubPEM, err := certs.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &SoftwareBundle{
		AppIdentifier:    ext.AppIdentifier,
		Certificate:      string(certs.EncodePEM(der)),
		CertificateChain: string(p.issuer.CertificatePEM()),
		PrivateKey:       string(keyPEM),
		PublicKey:        string(pubPEM),
		AllowedVersions:  ext.AllowedVersions,
	}, nil
}

// Statistics reports key table usage across provisioned devices.
func (p *Provisioner) Statistics(ctx context.Context) (*keys.Statistics, error) {
	return p.tables.Statistics(ctx)
}

// finish logs, audits and observes one provisioning attempt.
func (p *Provisioner) finish(ctx context.Context, span trace.Span, kind string, eventType models.AuditEventType, actor, subject string, start time.Time, err error) {
	result := models.AuditEventResultSuccess
	switch {
	case err == nil:
		p.logger.InfoContext(ctx, "identity provisioned", "kind", kind, "subject", subject)
	case errors.Is(err, errors.ErrAlreadyProvisioned), errors.Is(err, errors.ErrInvalidInput):
		result = models.AuditEventResultDenied
	default:
		result = models.AuditEventResultError
		p.logger.ErrorContext(ctx, "provisioning failed", "kind", kind, "subject", subject, "error", err)
		span.SetStatus(codes.Error, "provisioning failed")
	}
	span.SetAttributes(telemetry.NewSafeAttributes().
		Operation(kind).
		Result(string(result)).
		Duration(time.Since(start)).
		Build()...)

	if p.observer != nil {
		p.observer.ObserveProvision(kind, string(result), time.Since(start))
	}
	if p.audit == nil {
		return
	}
	if actor == "" {
		actor = "system"
	}
	event := &models.AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		EventType: eventType,
		Actor:     actor,
		Subject:   subject,
		Result:    result,
	}
	if err != nil {
		event.Metadata = map[string]any{"error": err.Error()}
	}
	if aerr := p.audit.Log(ctx, event); aerr != nil {
		p.logger.WarnContext(ctx, "failed to write audit event", "error", aerr)
	}
}

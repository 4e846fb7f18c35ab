// Package api exposes the authority over HTTP.
package api

import (
	"context"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/certs"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/provisioning"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// TokenValidator validates encrypted device proofs.
type TokenValidator interface {
	Validate(ctx context.Context, proof *tokencipher.EncryptedProof) validation.Result
	ValidateBatch(ctx context.Context, proofs []*tokencipher.EncryptedProof) ([]validation.Result, error)
}

// CertificateValidator validates certificate bundles.
type CertificateValidator interface {
	Validate(ctx context.Context, req certs.BundleRequest) validation.Result
}

// Provisioner issues camera and software identities.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.Request) (*provisioning.Bundle, error)
	ProvisionBulk(ctx context.Context, serials []string, family, actor string) ([]provisioning.BulkResult, error)
	ProvisionSoftware(ctx context.Context, req provisioning.SoftwareRequest) (*provisioning.SoftwareBundle, error)
}

// DeviceRegistry is the registry surface used by the device endpoints.
type DeviceRegistry interface {
	GetBySerial(ctx context.Context, serial string) (*models.DeviceRecord, error)
	List(ctx context.Context, filter registry.ListFilter) ([]*models.DeviceRecord, error)
	Blacklist(ctx context.Context, serial, reason string) (*models.DeviceRecord, error)
	Unblacklist(ctx context.Context, serial string) (*models.DeviceRecord, error)
	Statistics(ctx context.Context) (*registry.Statistics, error)
}

// KeyTables generates the master key tables.
type KeyTables interface {
	GenerateAll(ctx context.Context, n int) error
	Count(ctx context.Context) (int, error)
}

// TableStatistics reports key table usage.
type TableStatistics interface {
	Statistics(ctx context.Context) (*keys.Statistics, error)
}

// AbuseDetector runs and reports submission threshold checks.
type AbuseDetector interface {
	Run(ctx context.Context) (*abuse.RunReport, error)
	CheckDevice(ctx context.Context, serial string) (*abuse.Finding, error)
	Report(ctx context.Context, top int) (*abuse.Report, error)
}

// AuditService records and serves the audit chain.
type AuditService interface {
	Log(ctx context.Context, event *models.AuditEvent) error
	Query(ctx context.Context, query audit.QueryParams) ([]*models.AuditEvent, error)
	Get(ctx context.Context, id string) (*models.AuditEvent, error)
	Export(ctx context.Context, query audit.QueryParams, format audit.ExportFormat) ([]byte, error)
	Verify(ctx context.Context) (*audit.VerifyReport, error)
	Stats(ctx context.Context, since time.Time) (*audit.Stats, error)
}

package certs

import (
	"context"
	"crypto/x509"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
)

var tracer = otel.Tracer("birthmark/certs")

// BundleRequest is a certificate-mode submission.
type BundleRequest struct {
	// Certificate is the certificate exactly as the device transmitted it.
	Certificate  string
	ContentHash  string
	Timestamp    int64
	LocationHash string
	Signature    []byte
}

// Payload returns the fields covered by the bundle signature.
func (r BundleRequest) Payload() BundlePayload {
	return BundlePayload{
		ContentHash:  r.ContentHash,
		Certificate:  r.Certificate,
		Timestamp:    r.Timestamp,
		LocationHash: r.LocationHash,
	}
}

// Validator checks certificate bundles against trusted issuers and the
// device registry.
type Validator struct {
	roots    *x509.CertPool
	keys     validation.KeyProvider
	devices  validation.DeviceResolver
	recorder validation.SubmissionRecorder
	observer validation.Observer
	logger   *slog.Logger
	now      func() time.Time
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithRegistry enables embedded-secret recovery and the blacklist check.
func WithRegistry(keyProvider validation.KeyProvider, devices validation.DeviceResolver) ValidatorOption {
	return func(v *Validator) {
		v.keys = keyProvider
		v.devices = devices
	}
}

// WithSubmissionRecorder logs every device-identifying attempt.
func WithSubmissionRecorder(rec validation.SubmissionRecorder) ValidatorOption {
	return func(v *Validator) { v.recorder = rec }
}

// WithValidationObserver reports outcomes to o.
func WithValidationObserver(o validation.Observer) ValidatorOption {
	return func(v *Validator) { v.observer = o }
}

// WithClock overrides the time used for validity checks.
func WithClock(now func() time.Time) ValidatorOption {
	return func(v *Validator) { v.now = now }
}

// WithValidatorLogger sets the logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// NewValidator creates a validator trusting roots.
func NewValidator(roots *x509.CertPool, opts ...ValidatorOption) *Validator {
	v := &Validator{
		roots:  roots,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate never returns an error. Storage failures become ReasonInternalError.
func (v *Validator) Validate(ctx context.Context, req BundleRequest) validation.Result {
	res, err := v.ValidateE(ctx, req)
	if err != nil {
		v.logger.ErrorContext(ctx, "certificate validation failed", "error", err)
	}
	return res
}

// ValidateE runs parse, chain, validity window, extensions, registry and
// bundle signature checks in that order.
func (v *Validator) ValidateE(ctx context.Context, req BundleRequest) (validation.Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "validation.certificate")
	defer span.End()

	res, device, err := v.validate(ctx, req)
	if err != nil {
		res = validation.Fail(validation.ReasonInternalError)
	}
	span.SetAttributes(telemetry.NewSafeAttributes().Valid(res.Valid).Reason(string(res.Reason)).Build()...)

	if device != nil {
		v.record(ctx, device.Serial, res.Valid)
	}
	if v.observer != nil {
		label := string(res.Reason)
		if res.Valid {
			label = "pass"
		}
		v.observer.ObserveValidation("certificate", label, time.Since(start))
	}
	return res, err
}

func (v *Validator) validate(ctx context.Context, req BundleRequest) (validation.Result, *models.DeviceRecord, error) {
	cert, err := ParseTransmitted(req.Certificate)
	if err != nil {
		return validation.Fail(validation.ReasonInvalidEncoding), nil, nil
	}

	exts, err := v.VerifyCertificate(cert)
	if err != nil {
		return validation.Fail(validation.ReasonFor(err)), nil, nil
	}

	var device *models.DeviceRecord
	switch exts.Kind {
	case KindCamera:
		device, err = v.resolveDevice(ctx, exts.Camera)
		if err != nil {
			reason := validation.ReasonFor(err)
			if reason == validation.ReasonInternalError {
				return validation.Result{}, nil, err
			}
			return validation.Fail(reason), nil, nil
		}
		if device != nil && device.IsBlacklisted {
			res := validation.Fail(validation.ReasonBlacklisted)
			res.DeviceSerial = device.Serial
			res.BlacklistReason = device.BlacklistReason
			return res, device, nil
		}
	case KindSoftware:
		if !exts.Software.VersionAllowed() {
			return validation.Fail(validation.ReasonVersionNotAllowed), nil, nil
		}
	}

	pub, err := cert.PublicKey()
	if err != nil || !VerifyBundle(pub, req.Payload(), req.Signature) {
		res := validation.Fail(validation.ReasonInvalidSignature)
		if device != nil {
			res.DeviceSerial = device.Serial
		}
		return res, device, nil
	}

	if exts.Kind == KindSoftware {
		return validation.Pass(cert.X509.Subject.CommonName, exts.Software.DeveloperID, 0), nil, nil
	}
	res := validation.Pass(cert.X509.Subject.CommonName, exts.Camera.DeviceFamily, exts.Camera.KeyTableID)
	if device != nil {
		res.DeviceSerial = device.Serial
		res.DeviceFamily = device.DeviceFamily
	}
	return res, device, nil
}

// VerifyCertificate checks the chain, the validity window and the extension
// layout of cert, returning the decoded extensions.
func (v *Validator) VerifyCertificate(cert *Certificate) (*Extensions, error) {
	if v.roots == nil {
		return nil, errors.ErrIssuerNotConfigured
	}

	// Chain is checked at a time inside the leaf's own window so that an
	// expired but genuine certificate reports expiry rather than distrust.
	opts := x509.VerifyOptions{
		Roots:       v.roots,
		CurrentTime: cert.X509.NotBefore.Add(time.Second),
		KeyUsages:   []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := cert.X509.Verify(opts); err != nil {
		return nil, errors.ErrUntrustedChain
	}

	now := v.now()
	if now.Before(cert.X509.NotBefore) || now.After(cert.X509.NotAfter) {
		return nil, errors.ErrCertificateExpired
	}

	return cert.Extensions()
}

// resolveDevice recovers the embedded secret and looks up its device.
// It returns nil without error when no registry is configured.
func (v *Validator) resolveDevice(ctx context.Context, ext *CameraExtensions) (*models.DeviceRecord, error) {
	if v.keys == nil || v.devices == nil {
		return nil, nil
	}
	secret, err := RecoverSecret(ctx, v.keys, ext)
	if err != nil {
		return nil, err
	}
	return v.devices.GetBySecret(ctx, secret)
}

// RecoverSecret decrypts the secret embedded in a camera certificate.
func RecoverSecret(ctx context.Context, provider validation.KeyProvider, ext *CameraExtensions) ([]byte, error) {
	master, err := provider.MasterKey(ctx, ext.KeyTableID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrUnknownTable
		}
		return nil, err
	}
	key, err := keys.Derive(master, ext.KeyIndex)
	if err != nil {
		return nil, err
	}
	sealed, err := tokencipher.Unpack(ext.EncryptedSecret)
	if err != nil {
		return nil, err
	}
	return sealed.Open(key)
}

func (v *Validator) record(ctx context.Context, serial string, valid bool) {
	if v.recorder == nil {
		return
	}
	result := models.SubmissionFail
	if valid {
		result = models.SubmissionPass
	}
	rec := models.SubmissionRecord{DeviceSerial: serial, Timestamp: v.now().UTC(), Result: result}
	if err := v.recorder.Log(ctx, rec); err != nil {
		v.logger.WarnContext(ctx, "failed to record submission", "error", err)
	}
}

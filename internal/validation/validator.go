package validation

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
)

var tracer = otel.Tracer("birthmark/validation")

// KeyProvider looks up key-table master keys.
type KeyProvider interface {
	MasterKey(ctx context.Context, tableID int) ([]byte, error)
}

// DeviceResolver maps a decrypted secret to its device.
type DeviceResolver interface {
	GetBySecret(ctx context.Context, secret []byte) (*models.DeviceRecord, error)
}

// SubmissionRecorder receives one record per validation attempt that
// identified a device.
type SubmissionRecorder interface {
	Log(ctx context.Context, rec models.SubmissionRecord) error
}

// Observer receives validation outcomes, typically for metrics.
type Observer interface {
	ObserveValidation(mode string, reason string, elapsed time.Duration)
	ObserveCache(hit bool)
}

// TokenValidator runs the token validation state machine.
type TokenValidator struct {
	keys     KeyProvider
	devices  DeviceResolver
	recorder SubmissionRecorder
	cache    *Cache
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a TokenValidator.
type Option func(*TokenValidator)

// WithRecorder logs every device-identifying attempt to rec.
func WithRecorder(rec SubmissionRecorder) Option {
	return func(v *TokenValidator) { v.recorder = rec }
}

// WithCache enables result caching.
func WithCache(c *Cache) Option {
	return func(v *TokenValidator) { v.cache = c }
}

// WithObserver reports outcomes to o.
func WithObserver(o Observer) Option {
	return func(v *TokenValidator) { v.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *TokenValidator) { v.logger = l }
}

// NewTokenValidator creates a validator.
func NewTokenValidator(keyProvider KeyProvider, devices DeviceResolver, opts ...Option) *TokenValidator {
	v := &TokenValidator{
		keys:    keyProvider,
		devices: devices,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Cache returns the validator's result cache, or nil.
func (v *TokenValidator) Cache() *Cache {
	return v.cache
}

// Validate never returns an error. Storage failures become ReasonInternalError.
func (v *TokenValidator) Validate(ctx context.Context, proof *tokencipher.EncryptedProof) Result {
	res, err := v.ValidateE(ctx, proof)
	if err != nil {
		v.logger.ErrorContext(ctx, "token validation failed", "error", err)
		return Fail(ReasonInternalError)
	}
	return res
}

// ValidateE returns a typed result for every protocol failure and an error
// only when storage is unavailable.
func (v *TokenValidator) ValidateE(ctx context.Context, proof *tokencipher.EncryptedProof) (Result, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "validation.token")
	defer span.End()

	res, cached, err := v.validate(ctx, proof)
	if err != nil {
		span.SetStatus(codes.Error, "storage unavailable")
		v.observe("token", ReasonInternalError, start)
		return Fail(ReasonInternalError), err
	}

	attrs := telemetry.NewSafeAttributes().
		Valid(res.Valid).
		Reason(string(res.Reason)).
		Cached(cached)
	if proof != nil {
		attrs.KeyTable(proof.TableID)
	}
	span.SetAttributes(attrs.Build()...)
	v.record(ctx, res)
	v.observe("token", res.Reason, start)
	return res, nil
}

func (v *TokenValidator) validate(ctx context.Context, proof *tokencipher.EncryptedProof) (Result, bool, error) {
	if proof == nil {
		return Fail(ReasonInvalidInput), false, nil
	}
	if err := proof.Validate(); err != nil {
		return Fail(ReasonInvalidInput), false, nil
	}
	if proof.ProtocolVersion != 0 && proof.ProtocolVersion != keys.ProtocolVersion {
		return Fail(ReasonUnsupportedProtocol), false, nil
	}

	var (
		key CacheKey
		gen uint64
	)
	if v.cache != nil {
		key = ProofKey(proof)
		gen = v.cache.Generation()
		if res, ok := v.cache.Get(key); ok {
			v.observeCache(true)
			return res, true, nil
		}
		v.observeCache(false)
	}

	res, err := v.decide(ctx, proof)
	if err != nil {
		return Result{}, false, err
	}
	if v.cache != nil {
		v.cache.Add(key, res, gen)
	}
	return res, false, nil
}

// decide runs the state machine proper.
func (v *TokenValidator) decide(ctx context.Context, proof *tokencipher.EncryptedProof) (Result, error) {
	master, err := v.keys.MasterKey(ctx, proof.TableID)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownTable) || errors.Is(err, errors.ErrNotFound) {
			return Fail(ReasonUnknownTable), nil
		}
		return Result{}, err
	}

	derived, err := keys.Derive(master, proof.KeyIndex)
	if err != nil {
		return Fail(ReasonFor(err)), nil
	}

	secret, err := tokencipher.Decrypt(proof.Ciphertext, proof.Nonce, proof.Tag, derived)
	if err != nil {
		return Fail(ReasonAuthenticationFailed), nil
	}

	device, err := v.devices.GetBySecret(ctx, secret)
	if err != nil {
		if errors.Is(err, errors.ErrUnknownDevice) || errors.Is(err, errors.ErrNotFound) {
			return Fail(ReasonUnknownDevice), nil
		}
		return Result{}, err
	}

	if !device.HasTable(proof.TableID) {
		res := Fail(ReasonNotAssignedToTable)
		res.DeviceSerial = device.Serial
		return res, nil
	}

	if device.IsBlacklisted {
		res := Fail(ReasonBlacklisted)
		res.DeviceSerial = device.Serial
		res.BlacklistReason = device.BlacklistReason
		return res, nil
	}

	return Pass(device.Serial, device.DeviceFamily, proof.TableID), nil
}

func (v *TokenValidator) record(ctx context.Context, res Result) {
	if v.recorder == nil || res.DeviceSerial == "" {
		return
	}
	result := models.SubmissionFail
	if res.Valid {
		result = models.SubmissionPass
	}
	rec := models.SubmissionRecord{DeviceSerial: res.DeviceSerial, Timestamp: v.now(), Result: result}
	if err := v.recorder.Log(ctx, rec); err != nil {
		v.logger.WarnContext(ctx, "failed to record submission", "error", err)
	}
}

func (v *TokenValidator) observe(mode string, reason ReasonCode, start time.Time) {
	if v.observer == nil {
		return
	}
	label := string(reason)
	if reason == ReasonNone {
		label = "pass"
	}
	v.observer.ObserveValidation(mode, label, time.Since(start))
}

func (v *TokenValidator) observeCache(hit bool) {
	if v.observer != nil {
		v.observer.ObserveCache(hit)
	}
}

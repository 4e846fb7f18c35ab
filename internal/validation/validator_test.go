package validation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/testutil"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

type fixture struct {
	store    keys.Store
	registry *registry.Service
	secret   []byte
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := testutil.TestContext(t)
	store := keys.NewStore(keys.NewMemoryRepository(), nil, nil)
	require.NoError(t, store.GenerateAll(ctx, 10))
	reg := registry.NewService(registry.NewMemoryRepository(), nil)
	secret := testutil.TestSecret(t)
	require.NoError(t, reg.Register(ctx, testutil.TestDevice("TEST-CAMERA-123", secret, 3, 5, 7)))
	return &fixture{store: store, registry: reg, secret: secret}
}

func (f *fixture) proof(t *testing.T, secret []byte, table, index int) *tokencipher.EncryptedProof {
	t.Helper()
	master, err := f.store.MasterKey(context.Background(), table)
	require.NoError(t, err)
	key, err := keys.Derive(master, index)
	require.NoError(t, err)
	p, err := tokencipher.NewProof(secret, key, table, index)
	require.NoError(t, err)
	return p
}

type memoryRecorder struct {
	mu      sync.Mutex
	records []models.SubmissionRecord
}

func (r *memoryRecorder) Log(_ context.Context, rec models.SubmissionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type failingKeys struct{}

func (failingKeys) MasterKey(context.Context, int) ([]byte, error) {
	return nil, errors.NewStorageError("get master key", context.DeadlineExceeded)
}

func TestTokenValidatorScenario(t *testing.T) {
	f := newFixture(t)
	v := validation.NewTokenValidator(f.store, f.registry)
	ctx := testutil.TestContext(t)

	var res validation.Result
	testutil.NewScenario(t, "validating a provisioned camera").
		Given("TEST-CAMERA-123 is assigned tables 3, 5 and 7", func() {}).
		When("the camera encrypts its secret under table 3 key index 42", func() {
			res = v.Validate(ctx, f.proof(t, f.secret, 3, 42))
		}).
		Then("the proof passes and identifies the camera", func() {
			assert.True(t, res.Valid)
			assert.Equal(t, validation.ReasonNone, res.Reason)
			assert.Equal(t, "TEST-CAMERA-123", res.DeviceSerial)
			assert.Equal(t, 3, res.TableID)
		}).
		When("the same secret is encrypted under table 1 key index 42", func() {
			res = v.Validate(ctx, f.proof(t, f.secret, 1, 42))
		}).
		Then("the proof is rejected as not assigned", func() {
			assert.False(t, res.Valid)
			assert.Equal(t, validation.ReasonNotAssignedToTable, res.Reason)
		})
}

func TestTokenValidator(t *testing.T) {
	ctx := testutil.TestContext(t)

	t.Run("passes for every assigned table", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		for _, table := range []int{3, 5, 7} {
			res := v.Validate(ctx, f.proof(t, f.secret, table, 999))
			assert.True(t, res.Valid, "table %d", table)
		}
	})

	t.Run("unknown table", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		p := f.proof(t, f.secret, 3, 0)
		p.TableID = 11
		res := v.Validate(ctx, p)
		assert.Equal(t, validation.ReasonUnknownTable, res.Reason)
	})

	t.Run("tampered ciphertext fails authentication", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		p := f.proof(t, f.secret, 3, 0)
		p.Ciphertext[0] ^= 0x01
		assert.Equal(t, validation.ReasonAuthenticationFailed, v.Validate(ctx, p).Reason)
	})

	t.Run("wrong key index fails authentication", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		p := f.proof(t, f.secret, 3, 10)
		p.KeyIndex = 11
		assert.Equal(t, validation.ReasonAuthenticationFailed, v.Validate(ctx, p).Reason)
	})

	t.Run("unknown device", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		res := v.Validate(ctx, f.proof(t, testutil.TestSecret(t), 3, 0))
		assert.Equal(t, validation.ReasonUnknownDevice, res.Reason)
		assert.Empty(t, res.DeviceSerial)
	})

	t.Run("blacklisted device carries reason", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		_, err := f.registry.Blacklist(ctx, "TEST-CAMERA-123", "exceeded daily limit: 10000 in 24h")
		require.NoError(t, err)

		res := v.Validate(ctx, f.proof(t, f.secret, 5, 1))
		assert.False(t, res.Valid)
		assert.Equal(t, validation.ReasonBlacklisted, res.Reason)
		assert.Equal(t, "exceeded daily limit: 10000 in 24h", res.BlacklistReason)
	})

	t.Run("malformed proof", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		p := f.proof(t, f.secret, 3, 0)
		p.Nonce = p.Nonce[:8]
		assert.Equal(t, validation.ReasonInvalidInput, v.Validate(ctx, p).Reason)
		assert.Equal(t, validation.ReasonInvalidInput, v.Validate(ctx, nil).Reason)
	})

	t.Run("unsupported protocol version", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(f.store, f.registry)
		p := f.proof(t, f.secret, 3, 0)
		p.ProtocolVersion = keys.ProtocolVersion + 1
		assert.Equal(t, validation.ReasonUnsupportedProtocol, v.Validate(ctx, p).Reason)

		p.ProtocolVersion = keys.ProtocolVersion
		assert.True(t, v.Validate(ctx, p).Valid)
	})

	t.Run("storage failure is the only error", func(t *testing.T) {
		f := newFixture(t)
		v := validation.NewTokenValidator(failingKeys{}, f.registry)
		res, err := v.ValidateE(ctx, f.proof(t, f.secret, 3, 0))
		assert.ErrorIs(t, err, errors.ErrStorageUnavailable)
		assert.Equal(t, validation.ReasonInternalError, res.Reason)

		assert.Equal(t, validation.ReasonInternalError, v.Validate(ctx, f.proof(t, f.secret, 3, 0)).Reason)
	})

	t.Run("records identified attempts only", func(t *testing.T) {
		f := newFixture(t)
		rec := &memoryRecorder{}
		v := validation.NewTokenValidator(f.store, f.registry, validation.WithRecorder(rec))

		v.Validate(ctx, f.proof(t, f.secret, 3, 0))
		v.Validate(ctx, f.proof(t, f.secret, 1, 0))
		v.Validate(ctx, f.proof(t, testutil.TestSecret(t), 3, 0))

		require.Len(t, rec.records, 2)
		assert.Equal(t, models.SubmissionPass, rec.records[0].Result)
		assert.Equal(t, models.SubmissionFail, rec.records[1].Result)
		assert.Equal(t, "TEST-CAMERA-123", rec.records[1].DeviceSerial)
	})
}

func TestTokenValidatorCache(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	cache := validation.NewCache(100, time.Minute)
	rec := &memoryRecorder{}
	v := validation.NewTokenValidator(f.store, f.registry,
		validation.WithCache(cache), validation.WithRecorder(rec))
	f.registry.AddListener(func(context.Context, *models.DeviceRecord) { cache.Purge() })

	p := f.proof(t, f.secret, 3, 0)
	assert.True(t, v.Validate(ctx, p).Valid)
	assert.Equal(t, 1, cache.Len())
	assert.True(t, v.Validate(ctx, p).Valid)
	assert.Len(t, rec.records, 2, "cached hits are still recorded")

	_, err := f.registry.Blacklist(ctx, "TEST-CAMERA-123", "manual")
	require.NoError(t, err)
	assert.Zero(t, cache.Len())
	assert.Equal(t, validation.ReasonBlacklisted, v.Validate(ctx, p).Reason)

	unknown := f.proof(t, testutil.TestSecret(t), 3, 0)
	v.Validate(ctx, unknown)
	_, ok := cache.Get(validation.ProofKey(unknown))
	assert.False(t, ok)
}

// blacklistingResolver blacklists the device after reading it, so the read
// record is stale by the time the validator sees it.
type blacklistingResolver struct {
	registry *registry.Service
	once     sync.Once
}

func (r *blacklistingResolver) GetBySecret(ctx context.Context, secret []byte) (*models.DeviceRecord, error) {
	device, err := r.registry.GetBySecret(ctx, secret)
	if err != nil {
		return nil, err
	}
	r.once.Do(func() {
		_, err = r.registry.Blacklist(ctx, device.Serial, "auto: flood")
	})
	return device, err
}

func TestTokenValidatorCacheBlacklistRace(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	cache := validation.NewCache(100, time.Minute)
	f.registry.AddListener(func(context.Context, *models.DeviceRecord) { cache.Purge() })
	v := validation.NewTokenValidator(f.store, &blacklistingResolver{registry: f.registry},
		validation.WithCache(cache))

	p := f.proof(t, f.secret, 3, 0)
	assert.True(t, v.Validate(ctx, p).Valid, "device was active when read")
	assert.Zero(t, cache.Len(), "result computed before the purge must not be cached")

	res := v.Validate(ctx, p)
	assert.False(t, res.Valid)
	assert.Equal(t, validation.ReasonBlacklisted, res.Reason)
}

func TestCacheGeneration(t *testing.T) {
	cache := validation.NewCache(10, time.Minute)
	var key validation.CacheKey
	pass := validation.Pass("CAM-1", "Sony", 3)

	gen := cache.Generation()
	cache.Purge()
	assert.False(t, cache.Add(key, pass, gen))
	_, ok := cache.Get(key)
	assert.False(t, ok)

	assert.True(t, cache.Add(key, pass, cache.Generation()))
	assert.False(t, cache.Add(key, validation.Fail(validation.ReasonUnknownDevice), cache.Generation()))
}

func TestValidateBatch(t *testing.T) {
	ctx := testutil.TestContext(t)
	f := newFixture(t)
	v := validation.NewTokenValidator(f.store, f.registry)

	proofs := []*tokencipher.EncryptedProof{
		f.proof(t, f.secret, 3, 1),
		f.proof(t, f.secret, 1, 1),
		f.proof(t, f.secret, 7, 2),
	}
	results, err := v.ValidateBatch(ctx, proofs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Valid)
	assert.Equal(t, validation.ReasonNotAssignedToTable, results[1].Reason)
	assert.True(t, results[2].Valid)

	_, err = v.ValidateBatch(ctx, make([]*tokencipher.EncryptedProof, validation.MaxBatchSize+1))
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
}

func TestReasonFor(t *testing.T) {
	assert.Equal(t, validation.ReasonNone, validation.ReasonFor(nil))
	assert.Equal(t, validation.ReasonBlacklisted, validation.ReasonFor(errors.ErrBlacklisted))
	assert.Equal(t, validation.ReasonInvalidInput, validation.ReasonFor(errors.NewValidationError("x", "y")))
	assert.Equal(t, validation.ReasonInternalError, validation.ReasonFor(errors.ErrStorageUnavailable))
	assert.ErrorIs(t, validation.ReasonExpired.Err(), errors.ErrCertificateExpired)
	assert.NoError(t, validation.ReasonNone.Err())
}

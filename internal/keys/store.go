package keys

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// NewStore creates a key store over repo. A nil wrapper stores keys as-is.
func NewStore(repo Repository, wrapper Wrapper, logger *slog.Logger) Store {
	if wrapper == nil {
		wrapper = NoopWrapper{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &storeImpl{
		repo:    repo,
		wrapper: wrapper,
		logger:  logger,
		cache:   make(map[int][]byte),
	}
}

type storeImpl struct {
	repo    Repository
	wrapper Wrapper
	logger  *slog.Logger

	// genMu serializes generation and deletion.
	genMu sync.Mutex

	mu    sync.RWMutex
	cache map[int][]byte
	count int
}

func (s *storeImpl) GenerateAll(ctx context.Context, n int) error {
	if n < models.TablesPerDevice || n > MaxTables {
		return errors.NewValidationError("total_tables",
			fmt.Sprintf("must be between %d and %d, got %d", models.TablesPerDevice, MaxTables, n))
	}

	s.genMu.Lock()
	defer s.genMu.Unlock()

	existing, err := s.repo.Count(ctx)
	if err != nil {
		return errors.NewStorageError("count key tables", err)
	}
	if existing > 0 {
		return errors.ErrAlreadyInitialized
	}

	now := time.Now().UTC()
	plain := make(map[int][]byte, n)
	wrapped := make([]*models.MasterKey, 0, n)
	for id := 0; id < n; id++ {
		key := make([]byte, models.MasterKeySize)
		if _, err := rand.Read(key); err != nil {
			return fmt.Errorf("failed to generate master key: %w", err)
		}
		w, err := s.wrapper.Wrap(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to wrap master key %d: %w", id, err)
		}
		plain[id] = key
		wrapped = append(wrapped, &models.MasterKey{TableID: id, Key: w, CreatedAt: now})
	}

	if err := s.repo.InsertAll(ctx, wrapped); err != nil {
		if errors.Is(err, errors.ErrAlreadyInitialized) {
			return err
		}
		return errors.NewStorageError("insert key tables", err)
	}

	s.mu.Lock()
	s.cache = plain
	s.count = n
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "key tables generated", "total_tables", n)
	return nil
}

func (s *storeImpl) MasterKey(ctx context.Context, tableID int) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.cache[tableID]
	s.mu.RUnlock()
	if ok {
		return bytes.Clone(key), nil
	}

	mk, err := s.repo.Get(ctx, tableID)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			return nil, errors.ErrUnknownTable
		}
		return nil, errors.NewStorageError("get master key", err)
	}
	key, err = s.wrapper.Unwrap(ctx, mk.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap master key %d: %w", tableID, err)
	}
	if len(key) != models.MasterKeySize {
		return nil, fmt.Errorf("master key %d has invalid length %d", tableID, len(key))
	}

	s.mu.Lock()
	s.cache[tableID] = key
	s.mu.Unlock()
	return bytes.Clone(key), nil
}

func (s *storeImpl) MasterKeys(ctx context.Context, tableIDs []int) ([][]byte, error) {
	out := make([][]byte, 0, len(tableIDs))
	for _, id := range tableIDs {
		key, err := s.MasterKey(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("table %d: %w", id, err)
		}
		out = append(out, key)
	}
	return out, nil
}

func (s *storeImpl) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	n := s.count
	s.mu.RUnlock()
	if n > 0 {
		return n, nil
	}

	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, errors.NewStorageError("count key tables", err)
	}
	s.mu.Lock()
	s.count = n
	s.mu.Unlock()
	return n, nil
}

func (s *storeImpl) DeleteAll(ctx context.Context) error {
	s.genMu.Lock()
	defer s.genMu.Unlock()

	if err := s.repo.DeleteAll(ctx); err != nil {
		return errors.NewStorageError("delete key tables", err)
	}

	s.mu.Lock()
	s.cache = make(map[int][]byte)
	s.count = 0
	s.mu.Unlock()

	s.logger.WarnContext(ctx, "key tables deleted")
	return nil
}

// NoopWrapper stores master keys unwrapped.
type NoopWrapper struct{}

func (NoopWrapper) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	return append([]byte(nil), plaintext...), nil
}

func (NoopWrapper) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	return append([]byte(nil), wrapped...), nil
}

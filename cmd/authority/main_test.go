package main

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/config"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)

	buf.Reset()
	newLogger(&buf, "debug", "text").Debug("details")
	assert.Contains(t, buf.String(), "msg=details")
}

func TestEnsureTables(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("disabled leaves store empty", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, logger)
		auditSvc := audit.NewService(audit.NewMemoryRepository(), logger)

		require.NoError(t, ensureTables(ctx, config.AuthorityConfig{TotalTables: 10}, store, auditSvc, logger))
		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("generates and audits once", func(t *testing.T) {
		store := keys.NewStore(keys.NewMemoryRepository(), nil, logger)
		auditSvc := audit.NewService(audit.NewMemoryRepository(), logger)
		cfg := config.AuthorityConfig{TotalTables: 10, AutoGenerateTables: true}

		require.NoError(t, ensureTables(ctx, cfg, store, auditSvc, logger))
		require.NoError(t, ensureTables(ctx, cfg, store, auditSvc, logger))

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 10, n)

		events, err := auditSvc.Query(ctx, audit.QueryParams{EventType: models.AuditEventTypeTablesGenerated})
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "system:startup", events[0].Actor)
	})
}

func TestOpenMemoryStorage(t *testing.T) {
	cfg := &config.Config{Storage: config.StorageConfig{Driver: config.DriverMemory}}
	repos, err := openStorage(context.Background(), cfg, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, repos.ping)
	assert.NoError(t, repos.close())
}

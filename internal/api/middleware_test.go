package api_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/api"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/mtls"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/metrics"
)

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = api.RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	t.Run("generates request ID when not present", func(t *testing.T) {
		handler := api.RequestIDMiddleware(nextHandler)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		assert.Equal(t, w.Header().Get("X-Request-ID"), seen)
	})

	t.Run("uses existing request ID from header", func(t *testing.T) {
		handler := api.RequestIDMiddleware(nextHandler)

		req := httptest.NewRequest("GET", "/test", nil)
		req.Header.Set("X-Request-ID", "existing-id-123")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, "existing-id-123", w.Header().Get("X-Request-ID"))
		assert.Equal(t, "existing-id-123", seen)
	})
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("OK"))
	})

	handler := api.LoggingMiddleware(logger, metrics.SanitizePath)(nextHandler)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/devices/CAM-SECRET-1", nil))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "OK", w.Body.String())

	logged := buf.String()
	assert.Contains(t, logged, `"status":202`)
	assert.Contains(t, logged, "{device_serial}")
	assert.NotContains(t, logged, "CAM-SECRET-1")
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	t.Run("recovers from panic", func(t *testing.T) {
		panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		})
		handler := api.RecoveryMiddleware(logger)(panicHandler)

		w := httptest.NewRecorder()
		assert.NotPanics(t, func() {
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		})

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "INTERNAL_ERROR")
	})

	t.Run("passes through normal requests", func(t *testing.T) {
		normalHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		handler := api.RecoveryMiddleware(logger)(normalHandler)

		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestContentTypeMiddleware(t *testing.T) {
	handler := api.ContentTypeMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/test", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestDefaultServerConfig(t *testing.T) {
	config := api.DefaultServerConfig()

	assert.Equal(t, ":8443", config.Addr)
	assert.Equal(t, 30*time.Second, config.ReadTimeout)
	assert.Equal(t, 30*time.Second, config.WriteTimeout)
	assert.Equal(t, 120*time.Second, config.IdleTimeout)
	assert.Equal(t, 30*time.Second, config.ShutdownTimeout)
	assert.NotNil(t, config.Logger)
	assert.False(t, config.TLSEnabled)
	assert.Nil(t, config.ClientVerifier)
}

func TestNewServer(t *testing.T) {
	t.Run("nil config uses defaults", func(t *testing.T) {
		server, err := api.NewServer(chi.NewRouter(), nil)
		require.NoError(t, err)
		assert.Equal(t, ":8443", server.Addr())
	})

	t.Run("missing key pair", func(t *testing.T) {
		_, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{
			Addr:        ":0",
			TLSEnabled:  true,
			TLSCertFile: "/nonexistent/cert.pem",
			TLSKeyFile:  "/nonexistent/key.pem",
		})
		assert.Error(t, err)
	})

	t.Run("client certificates without TLS", func(t *testing.T) {
		_, err := api.NewServer(chi.NewRouter(), &api.ServerConfig{
			Addr:           ":0",
			ClientVerifier: mtls.NewVerifier(nil),
		})
		assert.Error(t, err)
	})
}

func TestServerLifecycle(t *testing.T) {
	router := chi.NewRouter()
	router.Get("/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("alive"))
	})

	server, err := api.NewServer(router, &api.ServerConfig{
		Addr:            "127.0.0.1:0",
		ShutdownTimeout: time.Second,
	})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return !strings.HasSuffix(server.Addr(), ":0")
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + server.Addr() + "/live")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Shutdown(context.Background()))
	require.NoError(t, <-errCh)
	assert.Error(t, server.Start(context.Background()))
}

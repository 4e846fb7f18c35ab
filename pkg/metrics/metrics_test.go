package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetRegistry(t *testing.T) {
	reg := GetRegistry()
	require.NotNil(t, reg)
	assert.Same(t, reg, GetRegistry())
}

func TestNewServiceMetrics(t *testing.T) {
	ResetRegistry()
	m := NewServiceMetrics("authority", "1.0.0")
	require.NotNil(t, m)
	assert.Equal(t, "authority", m.ServiceName)
	assert.NotNil(t, m.RequestsTotal)
	assert.NotNil(t, m.RequestDuration)
	assert.NotNil(t, m.ActiveRequests)
	assert.NotNil(t, m.ErrorsTotal)
}

func TestHashID(t *testing.T) {
	assert.Equal(t, HashID("CAM-123"), HashID("CAM-123"))
	assert.NotEqual(t, HashID("CAM-123"), HashID("CAM-456"))
	assert.Len(t, HashID("CAM-123"), 16)
	assert.Equal(t, "unknown", HashID(""))
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/api/v1/devices/CAM-123", "/api/v1/devices/{device_serial}"},
		{"/api/v1/devices/CAM-123/blacklist", "/api/v1/devices/{device_serial}/blacklist"},
		{"/api/v1/devices/stats", "/api/v1/devices/stats"},
		{"/api/v1/devices", "/api/v1/devices"},
		{"/api/v1/audit/5a0c/", "/api/v1/audit/{event_id}/"},
		{"/api/v1/audit/verify", "/api/v1/audit/verify"},
		{"/api/v1/abuse/check/CAM-9", "/api/v1/abuse/check/{device_serial}"},
		{"/api/v1/abuse/check", "/api/v1/abuse/check"},
		{"/api/v1/validate", "/api/v1/validate"},
		{"/health", "/health"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizePath(tt.input))
		})
	}
}

func TestSanitizePath_JWTToken(t *testing.T) {
	path := "/auth/validate/eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9.eyJzdWIiOiIxMjM0NTY3ODkwIn0.signature"
	assert.NotContains(t, SanitizePath(path), "eyJ")
}

func TestHandler(t *testing.T) {
	ResetRegistry()
	m := NewServiceMetrics("authority", "test")

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/devices/CAM-1", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `birthmark_authority_http_requests_total{method="GET",path="/api/v1/devices/{device_serial}",status="418"} 1`), body)
	assert.NotContains(t, body, "CAM-1")
}

func TestMiddlewareRoutePattern(t *testing.T) {
	ResetRegistry()
	m := NewServiceMetrics("authority", "test")

	r := chi.NewRouter()
	r.Use(Middleware(m))
	r.Post("/api/v1/devices/{serial}/blacklist", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/v1/devices/CAM-9/blacklist", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nowhere", nil))

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()

	assert.Contains(t, body, `path="/api/v1/devices/{serial}/blacklist",status="500"} 1`)
	assert.Contains(t, body, `birthmark_authority_errors_total{type="server"} 1`)
	assert.Contains(t, body, `birthmark_authority_errors_total{type="client"} 1`)
	assert.NotContains(t, body, "CAM-9")
}

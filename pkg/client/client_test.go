package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, Token: "tok"})
}

func TestValidateToken(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/validate", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var req tokencipher.ProofRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, 7, req.TableID)

		_ = json.NewEncoder(w).Encode(validation.Pass("", "", 7).Public())
	})

	res, err := c.ValidateToken(context.Background(), tokencipher.ProofRequest{TableID: 7})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 7, res.TableID)
}

func TestListDevicesQuery(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices", r.URL.Path)
		assert.Equal(t, "Raspberry Pi", r.URL.Query().Get("family"))
		assert.Equal(t, "true", r.URL.Query().Get("blacklisted"))
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"devices": []*models.DeviceRecord{{Serial: "CAM-1", IsBlacklisted: true}},
			"count":   1,
		})
	})

	devices, err := c.ListDevices(context.Background(), DeviceFilter{Family: "Raspberry Pi", Blacklisted: true, Limit: 5})
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "CAM-1", devices[0].Serial)
}

func TestErrorResponse(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"NOT_FOUND","message":"resource not found"}}`))
	})

	_, err := c.GetDevice(context.Background(), "CAM-404")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "NOT_FOUND", apiErr.Code)
	assert.Equal(t, "resource not found", apiErr.Message)
}

func TestPlainTextError(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	err := c.GenerateTables(context.Background(), 2500)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "forbidden", apiErr.Message)
	assert.False(t, IsNotFound(err))
}

func TestBlacklistDevice(t *testing.T) {
	c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/CAM-9/blacklist", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(models.DeviceRecord{
			Serial:          "CAM-9",
			IsBlacklisted:   r.Method == http.MethodPost,
			BlacklistReason: body["reason"],
		})
	})

	d, err := c.BlacklistDevice(context.Background(), "CAM-9", "stolen")
	require.NoError(t, err)
	assert.True(t, d.IsBlacklisted)
	assert.Equal(t, "stolen", d.BlacklistReason)
}

// Package client provides an HTTP client for the Birthmark authority API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/abuse"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/keys"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/provisioning"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
)

// Client is the authority API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// Config holds client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	// TLS carries client certificates for mTLS deployments.
	TLS *tls.Config
}

// New creates a new API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}
	if cfg.TLS != nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.TLSClientConfig = cfg.TLS
		httpClient.Transport = transport
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: httpClient,
		token:      cfg.Token,
	}
}

// SetToken sets the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// Error is a non-2xx API response.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// request makes an HTTP request to the API.
func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, result any) error {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return fmt.Errorf("build URL: %w", err)
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	telemetry.InjectContext(ctx, req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &Error{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(respBody))}
		var errResp errorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			apiErr.Code = errResp.Error.Code
			apiErr.Message = errResp.Error.Message
		}
		return apiErr
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// Validation API

// ValidateToken submits one encrypted proof.
func (c *Client) ValidateToken(ctx context.Context, proof tokencipher.ProofRequest) (*validation.Result, error) {
	var result validation.Result
	if err := c.request(ctx, http.MethodPost, "/api/v1/validate", nil, proof, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BatchResult holds batch validation results in request order.
type BatchResult struct {
	Results []validation.Result `json:"results"`
	Count   int                 `json:"count"`
	Valid   int                 `json:"valid_count"`
}

// ValidateBatch submits up to 100 proofs.
func (c *Client) ValidateBatch(ctx context.Context, proofs []tokencipher.ProofRequest) (*BatchResult, error) {
	var result BatchResult
	body := map[string]any{"proofs": proofs}
	if err := c.request(ctx, http.MethodPost, "/api/v1/validate/batch", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CertificateBundle is a certificate-mode submission. Signature is base64.
type CertificateBundle struct {
	Certificate  string `json:"camera_cert"`
	ContentHash  string `json:"image_hash"`
	Timestamp    int64  `json:"timestamp"`
	LocationHash string `json:"gps_hash,omitempty"`
	Signature    string `json:"bundle_signature"`
}

// ValidateCertificate submits a certificate bundle.
func (c *Client) ValidateCertificate(ctx context.Context, bundle CertificateBundle) (*validation.Result, error) {
	var result validation.Result
	if err := c.request(ctx, http.MethodPost, "/api/v1/validate/certificate", nil, bundle, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Provisioning API

// ProvisionCamera issues a camera identity.
func (c *Client) ProvisionCamera(ctx context.Context, req provisioning.Request) (*provisioning.Bundle, error) {
	var result provisioning.Bundle
	if err := c.request(ctx, http.MethodPost, "/api/v1/provision", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BulkResult summarizes a bulk provisioning call.
type BulkResult struct {
	Results   []provisioning.BulkResult `json:"results"`
	Count     int                       `json:"count"`
	Succeeded int                       `json:"succeeded"`
	Failed    int                       `json:"failed"`
}

// ProvisionBulk provisions many serials of one family.
func (c *Client) ProvisionBulk(ctx context.Context, serials []string, family string) (*BulkResult, error) {
	var result BulkResult
	body := map[string]any{"device_serials": serials, "device_family": family}
	if err := c.request(ctx, http.MethodPost, "/api/v1/provision/bulk", nil, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProvisionSoftware issues a software identity.
func (c *Client) ProvisionSoftware(ctx context.Context, req provisioning.SoftwareRequest) (*provisioning.SoftwareBundle, error) {
	var result provisioning.SoftwareBundle
	if err := c.request(ctx, http.MethodPost, "/api/v1/provision/software", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Device API

// GetDevice retrieves a device by serial.
func (c *Client) GetDevice(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	var result models.DeviceRecord
	if err := c.request(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(serial), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeviceFilter narrows ListDevices.
type DeviceFilter struct {
	Family      string
	Blacklisted bool
	Limit       int
	Offset      int
}

// ListDevices lists registered devices.
func (c *Client) ListDevices(ctx context.Context, filter DeviceFilter) ([]*models.DeviceRecord, error) {
	q := url.Values{}
	if filter.Family != "" {
		q.Set("family", filter.Family)
	}
	if filter.Blacklisted {
		q.Set("blacklisted", "true")
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}

	var result struct {
		Devices []*models.DeviceRecord `json:"devices"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/devices", q, nil, &result); err != nil {
		return nil, err
	}
	return result.Devices, nil
}

// BlacklistDevice blacklists a device with a reason.
func (c *Client) BlacklistDevice(ctx context.Context, serial, reason string) (*models.DeviceRecord, error) {
	var result models.DeviceRecord
	path := "/api/v1/devices/" + url.PathEscape(serial) + "/blacklist"
	if err := c.request(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UnblacklistDevice lifts a blacklist.
func (c *Client) UnblacklistDevice(ctx context.Context, serial string) (*models.DeviceRecord, error) {
	var result models.DeviceRecord
	path := "/api/v1/devices/" + url.PathEscape(serial) + "/blacklist"
	if err := c.request(ctx, http.MethodDelete, path, nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DeviceStats returns registry statistics.
func (c *Client) DeviceStats(ctx context.Context) (*registry.Statistics, error) {
	var result registry.Statistics
	if err := c.request(ctx, http.MethodGet, "/api/v1/devices/stats", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Key table API

// GenerateTables creates the key table pool. It fails once tables exist.
func (c *Client) GenerateTables(ctx context.Context, total int) error {
	return c.request(ctx, http.MethodPost, "/api/v1/tables/generate", nil, map[string]int{"total_tables": total}, nil)
}

// TableStats returns key table usage.
func (c *Client) TableStats(ctx context.Context) (*keys.Statistics, error) {
	var result keys.Statistics
	if err := c.request(ctx, http.MethodGet, "/api/v1/tables/stats", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Abuse API

// RunAbuseCheck checks all active devices now.
func (c *Client) RunAbuseCheck(ctx context.Context) (*abuse.RunReport, error) {
	var result abuse.RunReport
	if err := c.request(ctx, http.MethodPost, "/api/v1/abuse/check", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CheckDevice checks one device now.
func (c *Client) CheckDevice(ctx context.Context, serial string) (*abuse.Finding, error) {
	var result abuse.Finding
	if err := c.request(ctx, http.MethodPost, "/api/v1/abuse/check/"+url.PathEscape(serial), nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// AbuseReport returns submission pressure without acting on it.
func (c *Client) AbuseReport(ctx context.Context, top int) (*abuse.Report, error) {
	q := url.Values{}
	if top > 0 {
		q.Set("top", strconv.Itoa(top))
	}
	var result abuse.Report
	if err := c.request(ctx, http.MethodGet, "/api/v1/abuse/report", q, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Audit API

// AuditFilter narrows QueryAudit.
type AuditFilter struct {
	EventType models.AuditEventType
	Actor     string
	Subject   string
	Since     time.Time
	Limit     int
}

// QueryAudit lists audit events, newest first.
func (c *Client) QueryAudit(ctx context.Context, filter AuditFilter) ([]*models.AuditEvent, error) {
	q := url.Values{}
	if filter.EventType != "" {
		q.Set("event_type", string(filter.EventType))
	}
	if filter.Actor != "" {
		q.Set("actor", filter.Actor)
	}
	if filter.Subject != "" {
		q.Set("subject", filter.Subject)
	}
	if !filter.Since.IsZero() {
		q.Set("since", filter.Since.Format(time.RFC3339))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}

	var result struct {
		Events []*models.AuditEvent `json:"events"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/audit", q, nil, &result); err != nil {
		return nil, err
	}
	return result.Events, nil
}

// VerifyAudit checks the audit hash chain.
func (c *Client) VerifyAudit(ctx context.Context) (*audit.VerifyReport, error) {
	var result audit.VerifyReport
	if err := c.request(ctx, http.MethodPost, "/api/v1/audit/verify", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health API

// HealthStatus is the /health response.
type HealthStatus struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health checks server health.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var result HealthStatus
	if err := c.request(ctx, http.MethodGet, "/health", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

package api

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/audit"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/authz"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/certs"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/provisioning"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/registry"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/tokencipher"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/validation"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/errors"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/models"
)

// =============================================================================
// Helper functions
// =============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON reads and decodes a JSON request body.
func readJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		return err
	}
	defer func() { _ = r.Body.Close() }()
	return json.Unmarshal(body, v)
}

// handleError writes appropriate error response based on error type.
func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errors.ErrNotFound), errors.Is(err, errors.ErrUnknownDevice):
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, errors.ErrUnauthorized):
		writeJSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, errors.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, errors.ErrInvalidInput):
		writeJSONError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
	case errors.Is(err, errors.ErrAlreadyProvisioned):
		writeJSONError(w, http.StatusConflict, "ALREADY_PROVISIONED", err.Error())
	case errors.Is(err, errors.ErrAlreadyInitialized):
		writeJSONError(w, http.StatusConflict, "ALREADY_INITIALIZED", err.Error())
	case errors.Is(err, errors.ErrConflict):
		writeJSONError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, errors.ErrInsufficientTables):
		writeJSONError(w, http.StatusConflict, "INSUFFICIENT_TABLES", err.Error())
	case errors.Is(err, errors.ErrIssuerNotConfigured):
		writeJSONError(w, http.StatusServiceUnavailable, "ISSUER_NOT_CONFIGURED", err.Error())
	case errors.Is(err, errors.ErrStorageUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "storage unavailable")
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

// getPaginationParams extracts pagination parameters.
func getPaginationParams(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return
}

// parseTime parses an RFC3339 value; empty or malformed input yields zero.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// resultView strips identity fields unless the caller is authenticated.
// Devices only ever learn valid/invalid and the reason code.
func resultView(r *http.Request, res validation.Result) validation.Result {
	if _, ok := authz.SubjectFromRequest(r); ok {
		return res
	}
	return res.Public()
}

// logAudit records an admin mutation. Failures are logged, not returned.
func logAudit(r *http.Request, svc AuditService, logger *slog.Logger, event *models.AuditEvent) {
	if svc == nil {
		return
	}
	event.Actor = auth.Actor(r)
	if err := svc.Log(r.Context(), event); err != nil {
		logger.WarnContext(r.Context(), "failed to write audit event",
			"event_type", event.EventType, "error", err)
	}
}

// =============================================================================
// Validation Handler
// =============================================================================

// ValidationHandler handles validation API requests.
type ValidationHandler struct {
	tokens TokenValidator
	certs  CertificateValidator
}

// NewValidationHandler creates a new validation handler. Either validator
// may be nil, disabling the matching endpoints.
func NewValidationHandler(tokens TokenValidator, certificates CertificateValidator) *ValidationHandler {
	return &ValidationHandler{tokens: tokens, certs: certificates}
}

// Token handles POST /api/v1/validate.
func (h *ValidationHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokencipher.ProofRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	proof, err := req.Decode()
	if err != nil {
		writeJSON(w, http.StatusOK, resultView(r, validation.Fail(validation.ReasonFor(err))))
		return
	}
	writeJSON(w, http.StatusOK, resultView(r, h.tokens.Validate(r.Context(), proof)))
}

// BatchRequest carries several proofs.
type BatchRequest struct {
	Proofs []tokencipher.ProofRequest `json:"proofs"`
}

// BatchResponse returns results in request order.
type BatchResponse struct {
	Results []validation.Result `json:"results"`
	Count   int                 `json:"count"`
	Valid   int                 `json:"valid_count"`
}

// Batch handles POST /api/v1/validate/batch.
func (h *ValidationHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if len(req.Proofs) == 0 {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "proofs are required")
		return
	}
	if len(req.Proofs) > validation.MaxBatchSize {
		writeJSONError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			"batch exceeds "+strconv.Itoa(validation.MaxBatchSize)+" proofs")
		return
	}

	results := make([]validation.Result, len(req.Proofs))
	decoded := make([]*tokencipher.EncryptedProof, 0, len(req.Proofs))
	positions := make([]int, 0, len(req.Proofs))
	for i := range req.Proofs {
		proof, err := req.Proofs[i].Decode()
		if err != nil {
			results[i] = validation.Fail(validation.ReasonFor(err))
			continue
		}
		decoded = append(decoded, proof)
		positions = append(positions, i)
	}

	if len(decoded) > 0 {
		validated, err := h.tokens.ValidateBatch(r.Context(), decoded)
		if err != nil {
			handleError(w, err)
			return
		}
		for j, res := range validated {
			results[positions[j]] = res
		}
	}

	resp := BatchResponse{Results: make([]validation.Result, len(results)), Count: len(results)}
	for i, res := range results {
		resp.Results[i] = resultView(r, res)
		if res.Valid {
			resp.Valid++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// CertificateRequest is the JSON form of a certificate bundle.
type CertificateRequest struct {
	Certificate  string `json:"camera_cert"`
	ContentHash  string `json:"image_hash"`
	Timestamp    int64  `json:"timestamp"`
	LocationHash string `json:"gps_hash,omitempty"`
	Signature    string `json:"bundle_signature"`
}

// Certificate handles POST /api/v1/validate/certificate.
func (h *ValidationHandler) Certificate(w http.ResponseWriter, r *http.Request) {
	var req CertificateRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	sig, err := base64.StdEncoding.DecodeString(req.Signature)
	if err != nil || req.Certificate == "" || req.ContentHash == "" {
		writeJSON(w, http.StatusOK, resultView(r, validation.Fail(validation.ReasonInvalidInput)))
		return
	}

	res := h.certs.Validate(r.Context(), certs.BundleRequest{
		Certificate:  req.Certificate,
		ContentHash:  req.ContentHash,
		Timestamp:    req.Timestamp,
		LocationHash: req.LocationHash,
		Signature:    sig,
	})
	writeJSON(w, http.StatusOK, resultView(r, res))
}

// =============================================================================
// Provisioning Handler
// =============================================================================

// ProvisioningHandler handles provisioning API requests.
type ProvisioningHandler struct {
	provisioner Provisioner
}

// NewProvisioningHandler creates a new provisioning handler.
func NewProvisioningHandler(provisioner Provisioner) *ProvisioningHandler {
	return &ProvisioningHandler{provisioner: provisioner}
}

// Camera handles POST /api/v1/provision.
func (h *ProvisioningHandler) Camera(w http.ResponseWriter, r *http.Request) {
	var req provisioning.Request
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	if req.DeviceSerial == "" {
		writeJSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "device_serial is required")
		return
	}
	req.Actor = auth.Actor(r)

	bundle, err := h.provisioner.Provision(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

// BulkProvisionRequest provisions many serials of one family.
type BulkProvisionRequest struct {
	DeviceSerials []string `json:"device_serials"`
	DeviceFamily  string   `json:"device_family,omitempty"`
}

// Bulk handles POST /api/v1/provision/bulk.
func (h *ProvisioningHandler) Bulk(w http.ResponseWriter, r *http.Request) {
	var req BulkProvisionRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	results, err := h.provisioner.ProvisionBulk(r.Context(), req.DeviceSerials, req.DeviceFamily, auth.Actor(r))
	if err != nil {
		handleError(w, err)
		return
	}

	failed := 0
	for _, res := range results {
		if res.Error != "" {
			failed++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results":   results,
		"count":     len(results),
		"succeeded": len(results) - failed,
		"failed":    failed,
	})
}

// Software handles POST /api/v1/provision/software.
func (h *ProvisioningHandler) Software(w http.ResponseWriter, r *http.Request) {
	var req provisioning.SoftwareRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}
	req.Actor = auth.Actor(r)

	bundle, err := h.provisioner.ProvisionSoftware(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, bundle)
}

// =============================================================================
// Device Handler
// =============================================================================

// DeviceHandler handles registry API requests.
type DeviceHandler struct {
	registry DeviceRegistry
	audit    AuditService
	logger   *slog.Logger
}

// NewDeviceHandler creates a new device handler. audit may be nil.
func NewDeviceHandler(reg DeviceRegistry, auditSvc AuditService, logger *slog.Logger) *DeviceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceHandler{registry: reg, audit: auditSvc, logger: logger}
}

// Get handles GET /api/v1/devices/{serial}.
func (h *DeviceHandler) Get(w http.ResponseWriter, r *http.Request) {
	device, err := h.registry.GetBySerial(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

// List handles GET /api/v1/devices.
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := getPaginationParams(r)
	blacklisted, _ := strconv.ParseBool(r.URL.Query().Get("blacklisted"))

	devices, err := h.registry.List(r.Context(), registry.ListFilter{
		Family:          r.URL.Query().Get("family"),
		BlacklistedOnly: blacklisted,
		Limit:           limit,
		Offset:          offset,
	})
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// Stats handles GET /api/v1/devices/stats.
func (h *DeviceHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Statistics(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// BlacklistRequest explains a manual blacklist.
type BlacklistRequest struct {
	Reason string `json:"reason"`
}

// Blacklist handles POST /api/v1/devices/{serial}/blacklist.
func (h *DeviceHandler) Blacklist(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	var req BlacklistRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	device, err := h.registry.Blacklist(r.Context(), serial, req.Reason)
	if err != nil {
		handleError(w, err)
		return
	}

	logAudit(r, h.audit, h.logger, &models.AuditEvent{
		EventType: models.AuditEventTypeDeviceBlacklisted,
		Subject:   serial,
		Metadata:  map[string]any{"reason": req.Reason},
	})
	writeJSON(w, http.StatusOK, device)
}

// Unblacklist handles DELETE /api/v1/devices/{serial}/blacklist.
func (h *DeviceHandler) Unblacklist(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")

	device, err := h.registry.Unblacklist(r.Context(), serial)
	if err != nil {
		handleError(w, err)
		return
	}

	logAudit(r, h.audit, h.logger, &models.AuditEvent{
		EventType: models.AuditEventTypeDeviceRestored,
		Subject:   serial,
	})
	writeJSON(w, http.StatusOK, device)
}

// =============================================================================
// Table Handler
// =============================================================================

// TableHandler handles key table API requests.
type TableHandler struct {
	tables KeyTables
	stats  TableStatistics
	audit  AuditService
	logger *slog.Logger
}

// NewTableHandler creates a new table handler. audit may be nil.
func NewTableHandler(tables KeyTables, stats TableStatistics, auditSvc AuditService, logger *slog.Logger) *TableHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TableHandler{tables: tables, stats: stats, audit: auditSvc, logger: logger}
}

// GenerateTablesRequest sizes the table pool.
type GenerateTablesRequest struct {
	TotalTables int `json:"total_tables"`
}

// Generate handles POST /api/v1/tables/generate.
func (h *TableHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req GenerateTablesRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	err := h.tables.GenerateAll(r.Context(), req.TotalTables)
	event := &models.AuditEvent{
		EventType: models.AuditEventTypeTablesGenerated,
		Metadata:  map[string]any{"total_tables": req.TotalTables},
	}
	if err != nil {
		if errors.Is(err, errors.ErrAlreadyInitialized) {
			event.Result = models.AuditEventResultDenied
			logAudit(r, h.audit, h.logger, event)
		}
		handleError(w, err)
		return
	}
	logAudit(r, h.audit, h.logger, event)

	writeJSON(w, http.StatusCreated, map[string]any{"total_tables": req.TotalTables})
}

// Stats handles GET /api/v1/tables/stats.
func (h *TableHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.stats.Statistics(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// =============================================================================
// Abuse Handler
// =============================================================================

// AbuseHandler handles abuse detection API requests.
type AbuseHandler struct {
	detector AbuseDetector
}

// NewAbuseHandler creates a new abuse handler.
func NewAbuseHandler(detector AbuseDetector) *AbuseHandler {
	return &AbuseHandler{detector: detector}
}

// Check handles POST /api/v1/abuse/check.
func (h *AbuseHandler) Check(w http.ResponseWriter, r *http.Request) {
	report, err := h.detector.Run(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// CheckDevice handles POST /api/v1/abuse/check/{serial}.
func (h *AbuseHandler) CheckDevice(w http.ResponseWriter, r *http.Request) {
	finding, err := h.detector.CheckDevice(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, finding)
}

// Report handles GET /api/v1/abuse/report.
func (h *AbuseHandler) Report(w http.ResponseWriter, r *http.Request) {
	top := 10
	if t := r.URL.Query().Get("top"); t != "" {
		if parsed, err := strconv.Atoi(t); err == nil && parsed > 0 && parsed <= 100 {
			top = parsed
		}
	}

	report, err := h.detector.Report(r.Context(), top)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// Audit Handler
// =============================================================================

// AuditHandler handles audit API requests.
type AuditHandler struct {
	service AuditService
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(service AuditService) *AuditHandler {
	return &AuditHandler{service: service}
}

func auditQuery(r *http.Request) audit.QueryParams {
	query := r.URL.Query()
	limit, offset := getPaginationParams(r)
	return audit.QueryParams{
		EventType: models.AuditEventType(query.Get("event_type")),
		Actor:     query.Get("actor"),
		Subject:   query.Get("subject"),
		Result:    models.AuditEventResult(query.Get("result")),
		Since:     parseTime(query.Get("since")),
		Until:     parseTime(query.Get("until")),
		Limit:     limit,
		Offset:    offset,
	}
}

// Query handles GET /api/v1/audit.
func (h *AuditHandler) Query(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.Query(r.Context(), auditQuery(r))
	if err != nil {
		handleError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Get handles GET /api/v1/audit/{id}.
func (h *AuditHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// ExportAuditRequest represents audit export request.
type ExportAuditRequest struct {
	EventType string             `json:"event_type"`
	Actor     string             `json:"actor"`
	Subject   string             `json:"subject"`
	Since     string             `json:"since"`
	Until     string             `json:"until"`
	Format    audit.ExportFormat `json:"format"`
}

// Export handles POST /api/v1/audit/export.
func (h *AuditHandler) Export(w http.ResponseWriter, r *http.Request) {
	var req ExportAuditRequest
	if err := readJSON(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_JSON", "invalid request body")
		return
	}

	format := req.Format
	if format == "" {
		format = audit.ExportFormatJSON
	}

	data, err := h.service.Export(r.Context(), audit.QueryParams{
		EventType: models.AuditEventType(req.EventType),
		Actor:     req.Actor,
		Subject:   req.Subject,
		Since:     parseTime(req.Since),
		Until:     parseTime(req.Until),
	}, format)
	if err != nil {
		handleError(w, err)
		return
	}

	contentType := "application/json"
	if format == audit.ExportFormatCSV {
		contentType = "text/csv"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", "attachment; filename=audit-export."+string(format))
	_, _ = w.Write(data)
}

// Verify handles POST /api/v1/audit/verify.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.Verify(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Stats handles GET /api/v1/audit/stats.
func (h *AuditHandler) Stats(w http.ResponseWriter, r *http.Request) {
	since := parseTime(r.URL.Query().Get("since"))
	if since.IsZero() {
		since = time.Now().Add(-24 * time.Hour)
	}

	stats, err := h.service.Stats(r.Context(), since)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

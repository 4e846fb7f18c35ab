package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/authz"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/metrics"
	"github.com/Birthmark-Standard/Birthmark-sub000/pkg/telemetry"
)

// RouterConfig holds router configuration.
type RouterConfig struct {
	Logger      *slog.Logger
	ServiceName string
	Version     string
	// Auth may be nil, leaving every route open.
	Auth    *auth.Handler
	Metrics *metrics.ServiceMetrics
	// Tracing wraps each request in a server span.
	Tracing bool
	Health  *HealthChecker
}

// Services holds all service dependencies for the API. Nil services leave
// their routes unregistered.
type Services struct {
	Tokens       TokenValidator
	Certificates CertificateValidator
	Provisioner  Provisioner
	Devices      DeviceRegistry
	Tables       KeyTables
	TableStats   TableStatistics
	Abuse        AbuseDetector
	Audit        AuditService
}

// NewRouter creates a new chi router with all middleware and routes.
func NewRouter(config *RouterConfig, services *Services) chi.Router {
	if config == nil {
		config = &RouterConfig{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ServiceName == "" {
		config.ServiceName = "birthmark-authority"
	}
	if config.Health == nil {
		config.Health = NewHealthChecker(config.Logger)
	}
	if services == nil {
		services = &Services{}
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(RecoveryMiddleware(config.Logger))
	r.Use(LoggingMiddleware(config.Logger, metrics.SanitizePath))
	r.Use(middleware.RealIP)
	if config.Tracing {
		r.Use(telemetry.Middleware(config.ServiceName, metrics.SanitizePath))
	}
	if config.Metrics != nil {
		r.Use(metrics.Middleware(config.Metrics))
	}

	registerHealthRoutes(r, config)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeMiddleware)
		if config.Auth != nil {
			r.Use(config.Auth.Middleware())
		}
		guard := authorizer(config.Auth)

		registerValidationRoutes(r, services, guard)
		registerProvisioningRoutes(r, services, guard)
		registerDeviceRoutes(r, services, guard, config.Logger)
		registerTableRoutes(r, services, guard, config.Logger)
		registerAbuseRoutes(r, services, guard)
		registerAuditRoutes(r, services, guard)
	})

	return r
}

type guardFunc func(resource, action string) func(http.Handler) http.Handler

func authorizer(h *auth.Handler) guardFunc {
	if h == nil {
		return func(string, string) func(http.Handler) http.Handler {
			return func(next http.Handler) http.Handler { return next }
		}
	}
	return h.Authorize
}

// registerHealthRoutes registers health check endpoints.
func registerHealthRoutes(r chi.Router, config *RouterConfig) {
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		result := config.Health.Check(r.Context())
		status := http.StatusOK
		if result.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, HealthResponse{
			Status:     result.Status,
			Version:    config.Version,
			Components: result.Components,
		})
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if config.Health.Check(r.Context()).Status != "healthy" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	r.Get("/live", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// HealthResponse represents health check response.
type HealthResponse struct {
	Status     string                            `json:"status"`
	Version    string                            `json:"version,omitempty"`
	Components map[string]*ComponentHealthResult `json:"components,omitempty"`
}

// registerValidationRoutes registers the aggregator-facing validation
// endpoints.
func registerValidationRoutes(r chi.Router, services *Services, guard guardFunc) {
	if services.Tokens == nil && services.Certificates == nil {
		return
	}
	h := NewValidationHandler(services.Tokens, services.Certificates)
	r.Route("/validate", func(r chi.Router) {
		r.Use(guard(authz.ResourceValidation, authz.ActionCreate))
		if services.Tokens != nil {
			r.Post("/", h.Token)
			r.Post("/batch", h.Batch)
		}
		if services.Certificates != nil {
			r.Post("/certificate", h.Certificate)
		}
	})
}

// registerProvisioningRoutes registers provisioning endpoints.
func registerProvisioningRoutes(r chi.Router, services *Services, guard guardFunc) {
	if services.Provisioner == nil {
		return
	}
	h := NewProvisioningHandler(services.Provisioner)
	r.Route("/provision", func(r chi.Router) {
		r.Use(guard(authz.ResourceProvisioning, authz.ActionCreate))
		r.Post("/", h.Camera)
		r.Post("/bulk", h.Bulk)
		r.Post("/software", h.Software)
	})
}

// registerDeviceRoutes registers registry endpoints.
func registerDeviceRoutes(r chi.Router, services *Services, guard guardFunc, logger *slog.Logger) {
	if services.Devices == nil {
		return
	}
	h := NewDeviceHandler(services.Devices, services.Audit, logger)
	r.Route("/devices", func(r chi.Router) {
		r.With(guard(authz.ResourceDevice, authz.ActionRead)).Get("/", h.List)
		r.With(guard(authz.ResourceDevice, authz.ActionRead)).Get("/stats", h.Stats)
		r.With(guard(authz.ResourceDevice, authz.ActionRead)).Get("/{serial}", h.Get)
		r.With(guard(authz.ResourceDevice, authz.ActionUpdate)).Post("/{serial}/blacklist", h.Blacklist)
		r.With(guard(authz.ResourceDevice, authz.ActionUpdate)).Delete("/{serial}/blacklist", h.Unblacklist)
	})
}

// registerTableRoutes registers key table endpoints.
func registerTableRoutes(r chi.Router, services *Services, guard guardFunc, logger *slog.Logger) {
	if services.Tables == nil || services.TableStats == nil {
		return
	}
	h := NewTableHandler(services.Tables, services.TableStats, services.Audit, logger)
	r.Route("/tables", func(r chi.Router) {
		r.With(guard(authz.ResourceTable, authz.ActionGenerate)).Post("/generate", h.Generate)
		r.With(guard(authz.ResourceTable, authz.ActionRead)).Get("/stats", h.Stats)
	})
}

// registerAbuseRoutes registers abuse detection endpoints.
func registerAbuseRoutes(r chi.Router, services *Services, guard guardFunc) {
	if services.Abuse == nil {
		return
	}
	h := NewAbuseHandler(services.Abuse)
	r.Route("/abuse", func(r chi.Router) {
		r.With(guard(authz.ResourceAbuse, authz.ActionCheck)).Post("/check", h.Check)
		r.With(guard(authz.ResourceAbuse, authz.ActionCheck)).Post("/check/{serial}", h.CheckDevice)
		r.With(guard(authz.ResourceAbuse, authz.ActionRead)).Get("/report", h.Report)
	})
}

// registerAuditRoutes registers audit endpoints.
func registerAuditRoutes(r chi.Router, services *Services, guard guardFunc) {
	if services.Audit == nil {
		return
	}
	h := NewAuditHandler(services.Audit)
	r.Route("/audit", func(r chi.Router) {
		r.With(guard(authz.ResourceAudit, authz.ActionRead)).Get("/", h.Query)
		r.With(guard(authz.ResourceAudit, authz.ActionRead)).Get("/stats", h.Stats)
		r.With(guard(authz.ResourceAudit, authz.ActionRead)).Get("/{id}", h.Get)
		r.With(guard(authz.ResourceAudit, authz.ActionRead)).Post("/export", h.Export)
		r.With(guard(authz.ResourceAudit, authz.ActionVerify)).Post("/verify", h.Verify)
	})
}

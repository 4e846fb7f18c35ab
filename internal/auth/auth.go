// Package auth composes client-certificate and bearer-token authentication
// with policy-based authorization for the authority's HTTP surface.
package auth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/authz"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/jwt"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/mtls"
)

// Config holds authentication configuration.
type Config struct {
	MTLSEnabled  bool
	MTLSRequired bool
	ClientCAPEM  []byte

	JWTEnabled   bool
	JWTPublicKey []byte
	JWTIssuer    string
	JWTAudiences []string

	// AuthzEnabled guards admin routes with the OPA policy. When false every
	// route is open, which is only suitable for local development.
	AuthzEnabled bool
	AuthzPolicy  string
}

// Handler wraps authentication and authorization around HTTP handlers.
type Handler struct {
	cfg      Config
	verifier *mtls.Verifier
	tokens   *jwt.Validator
	enforcer *authz.Enforcer
}

// New creates a handler from cfg.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	h := &Handler{cfg: cfg}

	if cfg.MTLSEnabled {
		verifier, err := mtls.NewVerifierFromPEM(cfg.ClientCAPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to create mTLS verifier: %w", err)
		}
		h.verifier = verifier
	}

	if cfg.JWTEnabled {
		validator, err := jwt.NewValidator(jwt.ValidatorConfig{
			PublicKeyPEM:   cfg.JWTPublicKey,
			ExpectedIssuer: cfg.JWTIssuer,
			ExpectedAuds:   cfg.JWTAudiences,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create JWT validator: %w", err)
		}
		h.tokens = validator
	}

	if cfg.AuthzEnabled {
		policy := cfg.AuthzPolicy
		if policy == "" {
			policy = authz.DefaultPolicy
		}
		enforcer, err := authz.NewEnforcer(ctx, policy)
		if err != nil {
			return nil, fmt.Errorf("failed to create authorization enforcer: %w", err)
		}
		h.enforcer = enforcer
	}

	return h, nil
}

// Middleware authenticates callers. Identities are attached to the request
// context; rejection of anonymous callers is left to Authorize unless mTLS
// is required.
func (h *Handler) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		if h.tokens != nil {
			handler = jwt.OptionalMiddleware(h.tokens)(handler)
		}
		if h.verifier != nil {
			if h.cfg.MTLSRequired {
				handler = mtls.Middleware(h.verifier)(handler)
			} else {
				handler = mtls.OptionalMiddleware(h.verifier)(handler)
			}
		}
		return handler
	}
}

// Authorize guards a route with the policy for resource/action.
func (h *Handler) Authorize(resource, action string) func(http.Handler) http.Handler {
	if h.enforcer == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return authz.Middleware(h.enforcer, resource, action)
}

// Enabled reports whether admin routes are policy-guarded.
func (h *Handler) Enabled() bool {
	return h.enforcer != nil
}

// Verifier returns the client-certificate verifier, or nil.
func (h *Handler) Verifier() *mtls.Verifier {
	return h.verifier
}

// Actor names the authenticated caller for audit records.
func Actor(r *http.Request) string {
	if s, ok := authz.SubjectFromRequest(r); ok && s.ID != "" {
		return s.Type + ":" + s.ID
	}
	return "anonymous"
}

package authz

import (
	"net/http"

	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/jwt"
	"github.com/Birthmark-Standard/Birthmark-sub000/internal/auth/mtls"
)

// Middleware rejects requests the policy does not allow for resource/action.
func Middleware(enforcer *Enforcer, resource, action string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subject, ok := SubjectFromRequest(r)
			if !ok {
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			decision, err := enforcer.Authorize(r.Context(), Input{
				Subject:  subject,
				Action:   action,
				Resource: Resource{Type: resource},
				Context:  map[string]any{"method": r.Method},
			})
			if err != nil {
				http.Error(w, "authorization error", http.StatusInternalServerError)
				return
			}
			if !decision.Allowed {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SubjectFromRequest builds the policy subject from JWT claims or, failing
// that, the mTLS identity attached to r.
func SubjectFromRequest(r *http.Request) (Subject, bool) {
	if claims, ok := jwt.ClaimsFromContext(r.Context()); ok {
		return Subject{
			ID:     claims.Subject,
			Type:   SubjectUser,
			Roles:  claims.Roles,
			Scopes: claims.Scopes,
		}, true
	}
	if id, ok := mtls.IdentityFromContext(r.Context()); ok {
		return Subject{ID: id.CommonName, Type: SubjectService, Roles: id.Roles}, true
	}
	return Subject{}, false
}

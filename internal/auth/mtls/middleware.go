package mtls

import "net/http"

// Middleware rejects requests without a verified client certificate.
func Middleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := verifier.VerifyRequest(r)
			if err != nil {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(ContextWithIdentity(r.Context(), identity)))
		})
	}
}

// OptionalMiddleware attaches an identity when a valid certificate is presented.
func OptionalMiddleware(verifier *Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity, err := verifier.VerifyRequest(r); err == nil {
				r = r.WithContext(ContextWithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

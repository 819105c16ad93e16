package middleware

import (
	"net/http"
	"strings"

	"nexa/internal/domain"
)

// Identity reads the tenant and user headers set by the authenticating
// proxy and stores them on the request context. Requests missing either
// header are rejected with 401.
func Identity(tenantHeader, userHeader string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := domain.Identity{
				TenantID: strings.TrimSpace(r.Header.Get(tenantHeader)),
				UserID:   strings.TrimSpace(r.Header.Get(userHeader)),
			}
			if id.TenantID == "" || id.UserID == "" {
				writeJSONError(w, http.StatusUnauthorized,
					"missing "+tenantHeader+" or "+userHeader+" header",
					string(domain.CodeIdentityMissing))
				return
			}
			next.ServeHTTP(w, r.WithContext(domain.ContextWithIdentity(r.Context(), id)))
		})
	}
}

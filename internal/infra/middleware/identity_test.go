package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"nexa/internal/domain"
)

func TestIdentity(t *testing.T) {
	var seen domain.Identity
	var seenOK bool
	handler := Identity("X-Tenant-ID", "X-User-ID")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, seenOK = domain.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name     string
		tenant   string
		user     string
		wantCode int
	}{
		{"both present", "acme", "u-1", http.StatusNoContent},
		{"missing tenant", "", "u-1", http.StatusUnauthorized},
		{"missing user", "acme", "", http.StatusUnauthorized},
		{"blank user", "acme", "   ", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen, seenOK = domain.Identity{}, false
			req := httptest.NewRequest("POST", "/v1/ask", nil)
			if tt.tenant != "" {
				req.Header.Set("X-Tenant-ID", tt.tenant)
			}
			if tt.user != "" {
				req.Header.Set("X-User-ID", tt.user)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode != http.StatusNoContent {
				if seenOK {
					t.Error("handler should not run without identity")
				}
				return
			}
			if !seenOK || seen.TenantID != tt.tenant || seen.UserID != tt.user {
				t.Errorf("identity = %+v (ok=%v), want %s/%s", seen, seenOK, tt.tenant, tt.user)
			}
		})
	}
}

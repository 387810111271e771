package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"tenauth.org/internal/authz"
	"tenauth.org/internal/token"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/openapi.yaml",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth authenticates bearer tokens and rejects callers whose token is
// pinned to a different tenant than the one addressed by the request path.
func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || !a.requireAuth {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := token.ParseAndValidate(raw)
		if err != nil {
			if errors.Is(err, token.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		if pathTenant := tenantFromPath(r.URL.Path); pathTenant != "" && pathTenant != claims.TenantID {
			writeError(w, r, http.StatusForbidden, "token is not valid for this tenant")
			return
		}

		ctx := token.ContextWithActor(r.Context(), authz.Actor{UserID: claims.Subject, Type: claims.ActorType})
		ctx = token.ContextWithTenant(ctx, claims.TenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	tok := strings.TrimSpace(header[len(bearer):])
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

// tenantFromPath pulls the tenant segment out of /v1/tenants/{tenantID}/...
func tenantFromPath(path string) string {
	const prefix = "/v1/tenants/"
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

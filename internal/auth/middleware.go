package auth

import (
	"net/http"

	"go.uber.org/zap"
)

// Middleware authenticates requests with either a Bearer JWT or an API key.
type Middleware struct {
	jwt    *JWTManager
	keys   *APIKeyStore
	logger *zap.Logger
	// SkipAuth injects a static admin principal; development only.
	SkipAuth    bool
	DevTenantID string
}

// NewMiddleware creates the middleware.
func NewMiddleware(jwt *JWTManager, keys *APIKeyStore, logger *zap.Logger) *Middleware {
	return &Middleware{jwt: jwt, keys: keys, logger: logger}
}

// Handler wraps next with authentication. A valid principal lands in the
// request context; X-Tenant-ID switches the acting tenant for system admins
// only.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.SkipAuth {
			tenant := m.DevTenantID
			if tenant == "" {
				tenant = "default"
			}
			if override := r.Header.Get("X-Tenant-ID"); override != "" {
				tenant = override
			}
			principal := &Principal{
				TenantID:    tenant,
				UserID:      "dev",
				Roles:       []string{RoleSystemAdmin},
				Permissions: PermissionsForRoles([]string{RoleSystemAdmin}),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
			return
		}

		principal, errMsg := m.authenticate(r)
		if principal == nil {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}

		if override := r.Header.Get("X-Tenant-ID"); override != "" && override != principal.TenantID {
			if !principal.HasRole(RoleSystemAdmin) {
				http.Error(w, `{"error":"tenant override requires system admin"}`, http.StatusForbidden)
				return
			}
			acting := *principal
			acting.TenantID = override
			principal = &acting
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (*Principal, string) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		token, err := ExtractBearerToken(authHeader)
		if err != nil {
			return nil, "invalid authorization header"
		}
		principal, err := m.jwt.Validate(token)
		if err != nil {
			m.logger.Debug("jwt rejected", zap.Error(err))
			return nil, "invalid token"
		}
		return principal, ""
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		principal, err := m.keys.Validate(r.Context(), apiKey)
		if err != nil {
			m.logger.Debug("api key rejected", zap.Error(err))
			return nil, "invalid API key"
		}
		return principal, ""
	}
	// Websocket upgrades from browsers cannot set custom headers.
	if apiKey := r.URL.Query().Get("api_key"); apiKey != "" {
		principal, err := m.keys.Validate(r.Context(), apiKey)
		if err != nil {
			return nil, "invalid API key"
		}
		return principal, ""
	}
	return nil, "authentication required"
}

// RequirePermission wraps a handler with a permission check.
func RequirePermission(perm string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, `{"error":"authentication required"}`, http.StatusUnauthorized)
			return
		}
		if !principal.HasPermission(perm) {
			http.Error(w, `{"error":"missing permission: `+perm+`"}`, http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

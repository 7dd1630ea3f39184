package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testJWT(t *testing.T) *JWTManager {
	t.Helper()
	m, err := NewJWTManager(JWTConfig{SecretKey: "test-secret", Issuer: "notifyx-test", Audience: "api"})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestJWTRoundTrip(t *testing.T) {
	m := testJWT(t)
	token, err := m.Generate("acme", "u-1", []string{RoleOperator})
	if err != nil {
		t.Fatal(err)
	}
	principal, err := m.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if principal.TenantID != "acme" || principal.UserID != "u-1" {
		t.Errorf("principal: %+v", principal)
	}
	if !principal.HasPermission(PermRunsExecute) || principal.HasPermission(PermCredentialsManage) {
		t.Errorf("operator permissions: %v", principal.Permissions)
	}
}

func TestJWTRejectsWrongSecretAndIssuer(t *testing.T) {
	m := testJWT(t)
	token, _ := m.Generate("acme", "u-1", []string{RoleViewer})

	other, _ := NewJWTManager(JWTConfig{SecretKey: "other-secret", Issuer: "notifyx-test", Audience: "api"})
	if _, err := other.Validate(token); err == nil {
		t.Error("wrong secret should fail")
	}

	badIssuer, _ := NewJWTManager(JWTConfig{SecretKey: "test-secret", Issuer: "someone-else", Audience: "api"})
	if _, err := badIssuer.Validate(token); err == nil {
		t.Error("wrong issuer should fail")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	store := NewAPIKeyStore()
	ctx := context.Background()
	raw, key, err := store.Create(ctx, "acme", "ci", []string{RoleOperator}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if raw[:3] != "nx_" || key.Prefix != raw[:keyPrefixLen] {
		t.Errorf("key shape: %q prefix %q", raw, key.Prefix)
	}

	principal, err := store.Validate(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if principal.TenantID != "acme" || !principal.APIKey {
		t.Errorf("principal: %+v", principal)
	}

	if _, err := store.Validate(ctx, raw[:len(raw)-2]+"xx"); err == nil {
		t.Error("tampered key should fail")
	}

	if !store.Revoke(ctx, "acme", key.ID) {
		t.Error("revoke should find the key")
	}
	if _, err := store.Validate(ctx, raw); err == nil {
		t.Error("revoked key should fail")
	}
}

func TestAPIKeyExpiry(t *testing.T) {
	store := NewAPIKeyStore()
	raw, _, err := store.Create(context.Background(), "acme", "short", []string{RoleViewer}, time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	if _, err := store.Validate(context.Background(), raw); err == nil {
		t.Error("expired key should fail")
	}
}

func TestMiddlewareBearerAndAPIKey(t *testing.T) {
	keys := NewAPIKeyStore()
	jwtm := testJWT(t)
	m := NewMiddleware(jwtm, keys, zap.NewNop())
	var seen *Principal
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))

	token, _ := jwtm.Generate("acme", "u-1", []string{RoleAdmin})
	req := httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || seen.TenantID != "acme" {
		t.Fatalf("bearer auth: %d %+v", rec.Code, seen)
	}

	raw, _, _ := keys.Create(context.Background(), "globex", "test", []string{RoleViewer}, 0)
	req = httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	req.Header.Set("X-API-Key", raw)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen.TenantID != "globex" {
		t.Fatalf("api key auth: %d %+v", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/workflows", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing auth: %d", rec.Code)
	}
}

func TestMiddlewareTenantOverride(t *testing.T) {
	keys := NewAPIKeyStore()
	jwtm := testJWT(t)
	m := NewMiddleware(jwtm, keys, zap.NewNop())
	var seen *Principal
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))

	admin, _ := jwtm.Generate("platform", "root", []string{RoleSystemAdmin})
	req := httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+admin)
	req.Header.Set("X-Tenant-ID", "acme")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen.TenantID != "acme" {
		t.Fatalf("system admin override: %d %+v", rec.Code, seen)
	}

	user, _ := jwtm.Generate("globex", "u-2", []string{RoleAdmin})
	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	req.Header.Set("Authorization", "Bearer "+user)
	req.Header.Set("X-Tenant-ID", "acme")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin override: %d", rec.Code)
	}
}

func TestRequirePermission(t *testing.T) {
	handler := RequirePermission(PermWorkflowsWrite, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	viewer := &Principal{TenantID: "acme", Roles: []string{RoleViewer},
		Permissions: PermissionsForRoles([]string{RoleViewer})}
	req := httptest.NewRequest(http.MethodPost, "/api/workflows", nil)
	rec := httptest.NewRecorder()
	handler(rec, req.WithContext(WithPrincipal(req.Context(), viewer)))
	if rec.Code != http.StatusForbidden {
		t.Errorf("viewer write: %d", rec.Code)
	}

	admin := &Principal{TenantID: "acme", Roles: []string{RoleAdmin},
		Permissions: PermissionsForRoles([]string{RoleAdmin})}
	rec = httptest.NewRecorder()
	handler(rec, req.WithContext(WithPrincipal(req.Context(), admin)))
	if rec.Code != http.StatusNoContent {
		t.Errorf("admin write: %d", rec.Code)
	}
}

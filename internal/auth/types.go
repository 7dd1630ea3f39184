// Package auth issues and validates the credentials callers present to the
// REST and websocket surfaces: tenant-scoped JWTs and API keys.
package auth

import "context"

// Roles. SystemAdmin may act across tenants.
const (
	RoleSystemAdmin = "system:admin"
	RoleAdmin       = "admin"
	RoleOperator    = "operator"
	RoleViewer      = "viewer"
)

// Permissions checked by the HTTP layer.
const (
	PermNotificationsSend = "notifications:send"
	PermNotificationsRead = "notifications:read"
	PermNotificationsAck  = "notifications:ack"
	PermWorkflowsRead     = "workflows:read"
	PermWorkflowsWrite    = "workflows:write"
	PermRunsExecute       = "runs:execute"
	PermRunsRead          = "runs:read"
	PermCredentialsManage = "credentials:manage"
	PermAPIKeysManage     = "api_keys:manage"
)

// rolePermissions maps each role to its granted permissions.
var rolePermissions = map[string][]string{
	RoleSystemAdmin: {
		PermNotificationsSend, PermNotificationsRead, PermNotificationsAck,
		PermWorkflowsRead, PermWorkflowsWrite,
		PermRunsExecute, PermRunsRead,
		PermCredentialsManage, PermAPIKeysManage,
	},
	RoleAdmin: {
		PermNotificationsSend, PermNotificationsRead, PermNotificationsAck,
		PermWorkflowsRead, PermWorkflowsWrite,
		PermRunsExecute, PermRunsRead,
		PermCredentialsManage, PermAPIKeysManage,
	},
	RoleOperator: {
		PermNotificationsSend, PermNotificationsRead, PermNotificationsAck,
		PermWorkflowsRead,
		PermRunsExecute, PermRunsRead,
	},
	RoleViewer: {
		PermNotificationsRead,
		PermWorkflowsRead,
		PermRunsRead,
	},
}

// PermissionsForRoles expands roles into the union of their permissions.
func PermissionsForRoles(roles []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, role := range roles {
		for _, p := range rolePermissions[role] {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	return out
}

// Principal is the authenticated caller attached to request contexts.
type Principal struct {
	TenantID    string   `json:"tenantId"`
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	// APIKey marks principals authenticated via X-API-Key.
	APIKey bool `json:"-"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// HasPermission reports whether the principal carries the permission.
func (p *Principal) HasPermission(perm string) bool {
	for _, have := range p.Permissions {
		if have == perm {
			return true
		}
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal attaches the principal to a context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the authenticated principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey).(*Principal)
	return p, ok
}

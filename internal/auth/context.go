package auth

import (
	"context"
	"strings"
)

type ctxKey string

const (
	userIDKey ctxKey = "auth_user_id"
	nameKey   ctxKey = "auth_user_name"
	rolesKey  ctxKey = "auth_roles"
)

// ContextWithUser stores user identity in the context.
func ContextWithUser(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, userIDKey, strings.TrimSpace(userID))
	if len(roles) > 0 {
		ctx = context.WithValue(ctx, rolesKey, dedupeRoles(roles))
	}
	return ctx
}

// ContextWithClaims stores the identity carried by verified claims.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	if c == nil {
		return ctx
	}
	if c.Name != "" {
		ctx = context.WithValue(ctx, nameKey, c.Name)
	}
	return ContextWithUser(ctx, c.Subject, c.Roles)
}

// UserIDFromContext extracts the authenticated user ID from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// UserNameFromContext returns the display name from the token, if any.
func UserNameFromContext(ctx context.Context) string {
	v, _ := ctx.Value(nameKey).(string)
	return v
}

// RolesFromContext returns the roles stored in context (deduplicated and lower-cased).
func RolesFromContext(ctx context.Context) []string {
	v, ok := ctx.Value(rolesKey).([]string)
	if !ok || len(v) == 0 {
		return nil
	}
	out := make([]string, len(v))
	copy(out, v)
	return out
}

// HasRole checks whether the context contains any of the given roles.
func HasRole(ctx context.Context, roles ...string) bool {
	have := RolesFromContext(ctx)
	for _, want := range roles {
		want = strings.TrimSpace(strings.ToLower(want))
		if want == "" {
			continue
		}
		for _, r := range have {
			if r == want {
				return true
			}
		}
	}
	return false
}

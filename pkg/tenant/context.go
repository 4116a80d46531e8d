package tenant

import (
	"context"
	"errors"
)

// contextKey is a private type for context keys to prevent collisions
type contextKey string

const (
	orgIDKey   contextKey = "org_id"
	plantIDKey contextKey = "plant_id"
	userIDKey  contextKey = "user_id"
)

var (
	// ErrNoScopeInContext is returned when the org/plant scope is missing
	ErrNoScopeInContext = errors.New("no tenant scope in context")
)

// Scope identifies the organization and plant a request operates on.
// Every row in the database carries both columns and every query filters
// on them, so a missing scope must fail before any repository call.
type Scope struct {
	OrgID   string
	PlantID string
}

// WithScope adds the org/plant scope to the context.
// Called by middleware after reading the gateway headers.
func WithScope(ctx context.Context, scope Scope) context.Context {
	ctx = context.WithValue(ctx, orgIDKey, scope.OrgID)
	ctx = context.WithValue(ctx, plantIDKey, scope.PlantID)
	return ctx
}

// WithUserID adds the acting user ID to the context
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// FromContext extracts the org/plant scope from context.
// Returns ErrNoScopeInContext if either half is missing.
func FromContext(ctx context.Context) (Scope, error) {
	orgID, ok := ctx.Value(orgIDKey).(string)
	if !ok || orgID == "" {
		return Scope{}, ErrNoScopeInContext
	}
	plantID, ok := ctx.Value(plantIDKey).(string)
	if !ok || plantID == "" {
		return Scope{}, ErrNoScopeInContext
	}
	return Scope{OrgID: orgID, PlantID: plantID}, nil
}

// UserID extracts the acting user ID from context, empty when absent
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDKey).(string)
	return id
}

// Package auth carries the caller's identity through request contexts.
// There is no process-wide token state.
package auth

import (
	"context"
	"fmt"

	"agentcal/internal/apperr"
)

// Role is what a principal may do.
type Role string

const (
	RoleAgent   Role = "agent"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleAdmin, RoleService:
		return true
	}
	return false
}

// Principal is the authenticated caller of one request.
type Principal struct {
	Subject string
	Role    Role
}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal of the request, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// CanActFor reports whether p may manage the given agent's calendar.
func (p Principal) CanActFor(agentID string) bool {
	switch p.Role {
	case RoleAdmin, RoleService:
		return true
	case RoleAgent:
		return p.Subject == agentID
	}
	return false
}

// RequireAdmin fails unless the context carries an admin principal.
func RequireAdmin(ctx context.Context, action string) error {
	p, ok := FromContext(ctx)
	if !ok || p.Role != RoleAdmin {
		return &apperr.ForbiddenError{Action: action}
	}
	return nil
}

// RequireAgentAccess fails unless the context principal may act for agentID.
func RequireAgentAccess(ctx context.Context, agentID string) error {
	p, ok := FromContext(ctx)
	if !ok || !p.CanActFor(agentID) {
		return &apperr.ForbiddenError{Action: fmt.Sprintf("manage calendar of %s", agentID)}
	}
	return nil
}

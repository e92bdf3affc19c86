// Package authctx carries the resolved caller identity through a request.
// The core trusts it; credential checks happen before it is built.
package authctx

import (
	"context"
	"slices"

	"switchyard/internal/apperr"
)

type Caller struct {
	TenantID     string
	ProgramID    string
	SessionID    string
	SessionKey   []byte
	Capabilities []string
}

type callerKey struct{}

func With(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func From(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// Require returns the caller on ctx or an access-denied error.
func Require(ctx context.Context) (Caller, error) {
	c, ok := From(ctx)
	if !ok || c.TenantID == "" || c.ProgramID == "" {
		return Caller{}, apperr.AccessDenied("authentication required")
	}
	return c, nil
}

func (c Caller) Has(capability string) bool {
	return slices.Contains(c.Capabilities, capability)
}

// Policy decides which capabilities lift the per-program restrictions.
type Policy struct {
	Privileged []string
}

func DefaultPolicy() Policy {
	return Policy{Privileged: []string{"admin", "orchestrator"}}
}

func (p Policy) IsPrivileged(c Caller) bool {
	for _, capability := range p.Privileged {
		if c.Has(capability) {
			return true
		}
	}
	return false
}

// RequirePrivileged returns the caller if it holds a privileged capability.
func (p Policy) RequirePrivileged(ctx context.Context) (Caller, error) {
	c, err := Require(ctx)
	if err != nil {
		return c, err
	}
	if !p.IsPrivileged(c) {
		return c, apperr.AccessDenied("privileged capability required")
	}
	return c, nil
}

package engine

import (
	"context"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/domain"
)

// RegisterProgram registers p in the caller's tenant. Programs may register
// themselves; registering another id needs a privileged caller.
func (e *Engine) RegisterProgram(ctx context.Context, p domain.Program) (domain.Program, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.Program{}, err
	}
	if p.ID == "" {
		p.ID = caller.ProgramID
	}
	if p.ID != caller.ProgramID && !e.Policy.IsPrivileged(caller) {
		return domain.Program{}, apperr.AccessDenied("%s may not register %s", caller.ProgramID, p.ID)
	}
	return e.Directory.Register(ctx, caller.TenantID, p)
}

func (e *Engine) ListPrograms(ctx context.Context) ([]domain.Program, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return nil, err
	}
	return e.Directory.Programs(ctx, caller.TenantID)
}

// SetGroup replaces a group's members. Privileged only.
func (e *Engine) SetGroup(ctx context.Context, groupID string, members []string) (domain.Group, error) {
	caller, err := e.Policy.RequirePrivileged(ctx)
	if err != nil {
		return domain.Group{}, err
	}
	return e.Directory.SetGroup(ctx, caller.TenantID, groupID, members)
}

// SweepCaller runs both sweeps for the caller's tenant. Privileged only.
func (e *Engine) SweepCaller(ctx context.Context) (TenantSweep, error) {
	caller, err := e.Policy.RequirePrivileged(ctx)
	if err != nil {
		return TenantSweep{}, err
	}
	res, err := e.SweepTenant(ctx, caller.TenantID)
	if err != nil {
		return res, apperr.Upstream(err, "sweep")
	}
	return res, nil
}

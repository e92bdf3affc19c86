package authctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/apperr"
)

func TestRequire(t *testing.T) {
	_, err := Require(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))

	ctx := With(context.Background(), Caller{TenantID: "acme", ProgramID: "builder"})
	c, err := Require(ctx)
	require.NoError(t, err)
	assert.Equal(t, "builder", c.ProgramID)
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	worker := Caller{TenantID: "acme", ProgramID: "builder", Capabilities: []string{"build"}}
	boss := Caller{TenantID: "acme", ProgramID: "lead", Capabilities: []string{"orchestrator"}}
	assert.False(t, p.IsPrivileged(worker))
	assert.True(t, p.IsPrivileged(boss))

	_, err := p.RequirePrivileged(With(context.Background(), worker))
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	_, err = p.RequirePrivileged(With(context.Background(), boss))
	assert.NoError(t, err)
}

package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(NotFound("task %s not found", "t1")))
	assert.Equal(t, KindPreconditionFailed, KindOf(fmt.Errorf("claim: %w", Precondition("not claimable"))))
	assert.Equal(t, KindUpstream, KindOf(errors.New("disk full")))
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.True(t, Is(AccessDenied("nope"), KindAccessDenied))
	assert.False(t, Is(nil, KindAccessDenied))
}

func TestResultOfHidesUpstreamDetail(t *testing.T) {
	res := ResultOf(Upstream(errors.New("database is locked"), "read task"))
	assert.False(t, res.Success)
	assert.Equal(t, "internal error", res.Error)
	assert.Equal(t, KindUpstream, res.Code)

	res = ResultOf(Validation("title is required"))
	assert.Equal(t, "title is required", res.Error)
	assert.Equal(t, KindValidation, res.Code)

	assert.True(t, ResultOf(nil).Success)
}

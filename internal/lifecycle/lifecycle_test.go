package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/apperr"
	"switchyard/internal/domain"
)

func TestTransitionTables(t *testing.T) {
	cases := []struct {
		kind     domain.Kind
		from, to domain.Status
		ok       bool
	}{
		{domain.KindTask, domain.StatusCreated, domain.StatusActive, true},
		{domain.KindTask, domain.StatusActive, domain.StatusDone, true},
		{domain.KindTask, domain.StatusActive, domain.StatusFailed, true},
		{domain.KindTask, domain.StatusCreated, domain.StatusDone, false},
		{domain.KindTask, domain.StatusDone, domain.StatusActive, false},
		{domain.KindQuestion, domain.StatusCreated, domain.StatusActive, true},
		{domain.KindQuestion, domain.StatusFailed, domain.StatusCreated, false},
		{domain.KindDream, domain.StatusCreated, domain.StatusFailed, true},
		{domain.KindDream, domain.StatusActive, domain.StatusFailed, true},
		{domain.KindDream, domain.StatusDone, domain.StatusFailed, false},
		{domain.KindSprintStory, domain.StatusFailed, domain.StatusCreated, true},
		{domain.KindSprintStory, domain.StatusActive, domain.StatusArchived, true},
		{domain.KindSprintStory, domain.StatusCreated, domain.StatusFailed, false},
		{domain.KindSprintStory, domain.StatusFailed, domain.StatusFailed, false},
		{domain.KindSprint, domain.StatusCreated, domain.StatusActive, true},
		{domain.KindSprint, domain.StatusActive, domain.StatusDone, true},
		{domain.KindSprint, domain.StatusActive, domain.StatusFailed, false},
	}
	for _, tc := range cases {
		err := Transition(tc.kind, tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s %s->%s", tc.kind, tc.from, tc.to)
			continue
		}
		require.Error(t, err, "%s %s->%s", tc.kind, tc.from, tc.to)
		assert.Equal(t, apperr.KindPreconditionFailed, apperr.KindOf(err))
	}
}

func TestUnknownKindIsValidationError(t *testing.T) {
	err := Transition("epic", domain.StatusCreated, domain.StatusActive)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestTerminal(t *testing.T) {
	assert.True(t, Terminal(domain.StatusDone))
	assert.True(t, Terminal(domain.StatusFailed))
	assert.True(t, Terminal(domain.StatusArchived))
	assert.False(t, Terminal(domain.StatusCreated))
	assert.False(t, Terminal(domain.StatusActive))
}

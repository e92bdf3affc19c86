package directory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"switchyard/internal/apperr"
	"switchyard/internal/domain"
	"switchyard/internal/store/storetest"
)

func newDirectory(t *testing.T) (Directory, *storetest.Clock) {
	clock := storetest.NewClock()
	db := storetest.Open(t, clock.Now)
	return Directory{Stores: db, Log: zerolog.Nop(), Now: clock.Now, WriteBack: true}, clock
}

func TestResolveTargets(t *testing.T) {
	ctx := context.Background()
	d, clock := newDirectory(t)
	s := d.Stores.Tenant("acme")

	_, err := d.Register(ctx, "acme", domain.Program{ID: "builder-b", Capabilities: []string{"build"}})
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = d.Register(ctx, "acme", domain.Program{ID: "builder-c", Capabilities: []string{"build"}})
	require.NoError(t, err)
	_, err = d.Register(ctx, "acme", domain.Program{ID: "reviewer"})
	require.NoError(t, err)
	_, err = d.SetGroup(ctx, "acme", "all-builders", []string{"builder-b", "builder-c", "builder-b", ""})
	require.NoError(t, err)

	res, err := d.Resolve(ctx, s, "all", nil)
	require.NoError(t, err)
	assert.Equal(t, TargetBroadcast, res.Kind)

	res, err = d.Resolve(ctx, s, "reviewer", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"reviewer"}, res.Targets)

	res, err = d.Resolve(ctx, s, "all-builders", nil)
	require.NoError(t, err)
	assert.Equal(t, TargetGroup, res.Kind)
	assert.Equal(t, []string{"builder-b", "builder-c"}, res.Targets)

	res, err = d.Resolve(ctx, s, "cap:build", nil)
	require.NoError(t, err)
	assert.Equal(t, "builder-c", res.Resolved, "online program wins over the idle one")

	clock.Advance(2 * time.Hour)
	res, err = d.Resolve(ctx, s, "cap:build", nil)
	require.NoError(t, err)
	assert.Equal(t, "builder-b", res.Resolved, "no one online: lowest id")

	res, err = d.Resolve(ctx, s, "ghost", []string{"nobody", "reviewer"})
	require.NoError(t, err)
	assert.True(t, res.ViaFallback)
	assert.Equal(t, "reviewer", res.Resolved)
	assert.Equal(t, "ghost", res.Requested)

	_, err = d.Resolve(ctx, s, "ghost", nil)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	_, err = d.Resolve(ctx, s, "cap:deploy", nil)
	assert.True(t, apperr.Is(err, apperr.KindAccessDenied))
	_, err = d.Resolve(ctx, s, " ", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	groups, err := d.GroupsOf(ctx, s, "builder-c")
	require.NoError(t, err)
	assert.Equal(t, []string{"all-builders"}, groups)
}

func TestRegisterAndGroupValidation(t *testing.T) {
	ctx := context.Background()
	d, _ := newDirectory(t)

	_, err := d.Register(ctx, "acme", domain.Program{ID: "all"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = d.Register(ctx, "acme", domain.Program{ID: "cap:x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	first, err := d.Register(ctx, "acme", domain.Program{ID: "builder", DisplayName: "Builder", Capabilities: []string{"build"}})
	require.NoError(t, err)
	again, err := d.Register(ctx, "acme", domain.Program{ID: "builder"})
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
	assert.Equal(t, "Builder", again.DisplayName)
	assert.Equal(t, []string{"build"}, again.Capabilities)

	_, err = d.SetGroup(ctx, "acme", "builder", []string{"x"})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	_, err = d.SetGroup(ctx, "acme", "empty", nil)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestProgramsDecayOnRead(t *testing.T) {
	ctx := context.Background()
	d, clock := newDirectory(t)
	_, err := d.Register(ctx, "acme", domain.Program{ID: "builder"})
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	programs, err := d.Programs(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, programs, 1)
	assert.Equal(t, domain.PresenceIdle, programs[0].Presence)

	var stored domain.Program
	require.NoError(t, d.Stores.Tenant("acme").Get(ctx, "programs", "builder", &stored))
	assert.Equal(t, domain.PresenceIdle, stored.Presence, "write-back persisted the decay")

	require.NoError(t, d.Touch(ctx, "acme", "builder"))
	require.NoError(t, d.Touch(ctx, "acme", "unknown"))
	programs, err = d.Programs(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, domain.PresenceOnline, programs[0].Presence)
}

func TestDecay(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name     string
		lastSeen string
		want     domain.Presence
	}{
		{"recent", domain.FormatTime(now.Add(-time.Minute)), domain.PresenceOnline},
		{"idle", domain.FormatTime(now.Add(-10 * time.Minute)), domain.PresenceIdle},
		{"gone", domain.FormatTime(now.Add(-2 * time.Hour)), domain.PresenceOffline},
		{"never", "", domain.PresenceOffline},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := domain.Program{ID: "p", LastSeenAt: tc.lastSeen, Presence: domain.PresenceOnline}
			out, report := Decay(in, now)
			assert.Equal(t, tc.want, out.Presence)
			assert.Equal(t, tc.want != domain.PresenceOnline, report.Changed)
			assert.Equal(t, domain.PresenceOnline, in.Presence, "input is not mutated")
		})
	}
}

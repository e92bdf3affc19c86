// Package directory keeps the tenant's programs and groups and resolves
// message and task targets against them.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/apperr"
	"switchyard/internal/domain"
	"switchyard/internal/store"
)

const (
	OnlineWindow = 5 * time.Minute
	IdleWindow   = time.Hour
)

type Directory struct {
	Stores store.Provider
	Log    zerolog.Logger
	Now    func() time.Time
	// WriteBack persists presence changes found while reading.
	WriteBack bool
}

func (d Directory) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register creates or refreshes a program and marks it online.
func (d Directory) Register(ctx context.Context, tenantID string, p domain.Program) (domain.Program, error) {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return domain.Program{}, apperr.Validation("programId is required")
	}
	if p.ID == domain.BroadcastTarget || strings.HasPrefix(p.ID, domain.CapabilityPrefix) {
		return domain.Program{}, apperr.Validation("programId %q is reserved", p.ID)
	}
	s := d.Stores.Tenant(tenantID)
	now := domain.FormatTime(d.now())
	var existing domain.Program
	err := s.Get(ctx, store.Programs, p.ID, &existing)
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.CreatedAt = now
	case err != nil:
		return domain.Program{}, apperr.Upstream(err, "read program")
	default:
		p.CreatedAt = existing.CreatedAt
		if p.DisplayName == "" {
			p.DisplayName = existing.DisplayName
		}
		if p.Capabilities == nil {
			p.Capabilities = existing.Capabilities
		}
	}
	p.LastSeenAt = now
	p.Presence = domain.PresenceOnline
	if err := s.Set(ctx, store.Programs, p.ID, p, false); err != nil {
		return domain.Program{}, apperr.Upstream(err, "write program")
	}
	return p, nil
}

// Touch records activity for a known program. Unknown programs are ignored.
func (d Directory) Touch(ctx context.Context, tenantID, programID string) error {
	err := d.Stores.Tenant(tenantID).Update(ctx, store.Programs, programID, map[string]any{
		"lastSeenAt": domain.FormatTime(d.now()),
		"presence":   domain.PresenceOnline,
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return apperr.Upstream(err, "touch program")
	}
	return nil
}

// Programs lists the tenant's programs with presence decayed to now.
func (d Directory) Programs(ctx context.Context, tenantID string) ([]domain.Program, error) {
	s := d.Stores.Tenant(tenantID)
	programs, err := store.QueryAs[domain.Program](ctx, s, store.Query{
		Collection: store.Programs,
		OrderBy:    []store.Order{{Field: "id"}},
	})
	if err != nil {
		return nil, apperr.Upstream(err, "list programs")
	}
	now := d.now()
	for i, p := range programs {
		decayed, report := Decay(p, now)
		programs[i] = decayed
		if !report.Changed || !d.WriteBack {
			continue
		}
		if err := s.Update(ctx, store.Programs, p.ID, map[string]any{"presence": decayed.Presence}); err != nil {
			d.Log.Warn().Err(err).Str("program", p.ID).Msg("presence write-back failed")
		}
	}
	return programs, nil
}

func (d Directory) SetGroup(ctx context.Context, tenantID, groupID string, members []string) (domain.Group, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return domain.Group{}, apperr.Validation("groupId is required")
	}
	if groupID == domain.BroadcastTarget || strings.HasPrefix(groupID, domain.CapabilityPrefix) {
		return domain.Group{}, apperr.Validation("groupId %q is reserved", groupID)
	}
	s := d.Stores.Tenant(tenantID)
	var taken domain.Program
	if err := s.Get(ctx, store.Programs, groupID, &taken); err == nil {
		return domain.Group{}, apperr.Validation("groupId %q collides with a program", groupID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return domain.Group{}, apperr.Upstream(err, "read program")
	}
	seen := map[string]bool{}
	var clean []string
	for _, m := range members {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		clean = append(clean, m)
	}
	if len(clean) == 0 {
		return domain.Group{}, apperr.Validation("group %s needs at least one member", groupID)
	}
	g := domain.Group{ID: groupID, Members: clean, UpdatedAt: domain.FormatTime(d.now())}
	if err := s.Set(ctx, store.Groups, groupID, g, false); err != nil {
		return domain.Group{}, apperr.Upstream(err, "write group")
	}
	return g, nil
}

// GroupsOf lists the ids of groups that include programID.
func (d Directory) GroupsOf(ctx context.Context, r store.Reader, programID string) ([]string, error) {
	groups, err := store.QueryAs[domain.Group](ctx, r, store.Query{Collection: store.Groups})
	if err != nil {
		return nil, apperr.Upstream(err, "list groups")
	}
	var ids []string
	for _, g := range groups {
		for _, m := range g.Members {
			if m == programID {
				ids = append(ids, g.ID)
				break
			}
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type TargetKind string

const (
	TargetBroadcast  TargetKind = "broadcast"
	TargetProgram    TargetKind = "program"
	TargetGroup      TargetKind = "group"
	TargetCapability TargetKind = "capability"
)

// Resolution is the outcome of resolving one target reference.
type Resolution struct {
	Requested string
	Resolved  string
	Kind      TargetKind
	Targets   []string
	// ViaFallback is set when the requested target did not resolve and a
	// fallback entry did.
	ViaFallback bool
}

// Resolve maps target onto concrete targets, trying fallback entries in order
// when target is unknown. An unresolvable target is access-denied.
func (d Directory) Resolve(ctx context.Context, r store.Reader, target string, fallback []string) (Resolution, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Resolution{}, apperr.Validation("target is required")
	}
	res, ok, err := d.resolveOne(ctx, r, target)
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		res.Requested = target
		return res, nil
	}
	for _, alt := range fallback {
		alt = strings.TrimSpace(alt)
		if alt == "" || alt == target {
			continue
		}
		res, ok, err := d.resolveOne(ctx, r, alt)
		if err != nil {
			return Resolution{}, err
		}
		if ok {
			res.Requested = target
			res.ViaFallback = true
			return res, nil
		}
	}
	return Resolution{}, apperr.AccessDenied("unknown target %q", target)
}

func (d Directory) resolveOne(ctx context.Context, r store.Reader, target string) (Resolution, bool, error) {
	if target == domain.BroadcastTarget {
		return Resolution{Resolved: target, Kind: TargetBroadcast, Targets: []string{target}}, true, nil
	}
	if name, ok := strings.CutPrefix(target, domain.CapabilityPrefix); ok {
		id, err := d.byCapability(ctx, r, name)
		if err != nil || id == "" {
			return Resolution{}, false, err
		}
		return Resolution{Resolved: id, Kind: TargetCapability, Targets: []string{id}}, true, nil
	}
	var p domain.Program
	err := r.Get(ctx, store.Programs, target, &p)
	if err == nil {
		return Resolution{Resolved: target, Kind: TargetProgram, Targets: []string{target}}, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Resolution{}, false, apperr.Upstream(err, "read program")
	}
	var g domain.Group
	err = r.Get(ctx, store.Groups, target, &g)
	if errors.Is(err, store.ErrNotFound) {
		return Resolution{}, false, nil
	}
	if err != nil {
		return Resolution{}, false, apperr.Upstream(err, "read group")
	}
	if len(g.Members) == 0 {
		return Resolution{}, false, nil
	}
	return Resolution{Resolved: target, Kind: TargetGroup, Targets: append([]string(nil), g.Members...)}, true, nil
}

// byCapability picks one program holding the capability: online programs
// first, then by id.
func (d Directory) byCapability(ctx context.Context, r store.Reader, name string) (string, error) {
	programs, err := store.QueryAs[domain.Program](ctx, r, store.Query{
		Collection: store.Programs,
		OrderBy:    []store.Order{{Field: "id"}},
	})
	if err != nil {
		return "", apperr.Upstream(err, "list programs")
	}
	now := d.now()
	best := ""
	bestOnline := false
	for _, p := range programs {
		if !hasCapability(p, name) {
			continue
		}
		decayed, _ := Decay(p, now)
		online := decayed.Presence == domain.PresenceOnline
		if best == "" || (online && !bestOnline) {
			best, bestOnline = p.ID, online
		}
	}
	return best, nil
}

func hasCapability(p domain.Program, name string) bool {
	for _, c := range p.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

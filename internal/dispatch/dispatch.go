// Package dispatch owns work items: listing, creation, the exactly-once claim
// and the completion protocol, dreams and the TTL sweep.
package dispatch

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/directory"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/issuesync"
	"switchyard/internal/observability"
	"switchyard/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultSweep     = 100
)

// Encryptor is the field encryption collaborator.
type Encryptor interface {
	Encrypt(text string, key []byte) (string, error)
	Decrypt(token string, key []byte) (string, error)
	IsEncrypted(value string) bool
}

// Alerter delivers system notices, used for budget alerts.
type Alerter interface {
	Alert(ctx context.Context, tenantID string, alert Alert) error
}

type Alert struct {
	Target  string
	Text    string
	Payload map[string]any
}

// StoryObserver is told about sprint stories finished through Complete.
type StoryObserver interface {
	StoryCompleted(ctx context.Context, caller authctx.Caller, item domain.WorkItem)
}

type Service struct {
	Stores    store.Provider
	Directory directory.Directory
	Policy    authctx.Policy
	Crypto    Encryptor
	Sync      issuesync.Syncer
	Events    events.Sink
	Alerts    Alerter
	Stories   StoryObserver
	Metrics   *observability.Metrics
	Log       zerolog.Logger
	Now       func() time.Time

	SweepBatch int
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type ListFilter struct {
	Status domain.Status
	Kind   domain.Kind
	Target string
	Limit  int
	// IncludeExpired is honored for privileged callers only.
	IncludeExpired bool
}

// List returns items newest first. Non-privileged callers only see items
// targeted at themselves, the broadcast target, or a group they belong to.
func (s *Service) List(ctx context.Context, f ListFilter) ([]domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return nil, err
	}
	st := s.Stores.Tenant(caller.TenantID)
	q := store.Query{
		Collection: store.WorkItems,
		OrderBy:    []store.Order{{Field: "createdAt", Desc: true}},
		Limit:      clampLimit(f.Limit),
	}
	if f.Status != "" {
		q.Filters = append(q.Filters, store.Eq("status", f.Status))
	}
	if f.Kind != "" {
		if !f.Kind.Valid() {
			return nil, apperr.Validation("unknown kind %q", f.Kind)
		}
		q.Filters = append(q.Filters, store.Eq("kind", f.Kind))
	}
	privileged := s.Policy.IsPrivileged(caller)
	if privileged {
		if f.Target != "" {
			q.Filters = append(q.Filters, store.Eq("target", f.Target))
		}
		if !f.IncludeExpired {
			q.Filters = append(q.Filters, store.Eq("expired", false))
		}
	} else {
		visible, err := s.visibleTargets(ctx, st, caller)
		if err != nil {
			return nil, err
		}
		if f.Target != "" {
			if !slices.Contains(visible, f.Target) {
				return nil, apperr.AccessDenied("target %q is not visible to %s", f.Target, caller.ProgramID)
			}
			visible = []string{f.Target}
		}
		q.Filters = append(q.Filters, store.Where("target", store.OpIn, visible), store.Eq("expired", false))
	}
	items, err := store.QueryAs[domain.WorkItem](ctx, st, q)
	if err != nil {
		return nil, apperr.Upstream(err, "list work items")
	}
	if !privileged || !f.IncludeExpired {
		now := s.now()
		items = slices.DeleteFunc(items, func(item domain.WorkItem) bool { return lapsed(item, now) })
	}
	for i := range items {
		s.decrypt(caller, &items[i])
	}
	return items, nil
}

// lapsed reports whether a created item is past its expiresAt, whether or not
// the sweep has stamped it yet.
func lapsed(item domain.WorkItem, now time.Time) bool {
	if item.Expired {
		return true
	}
	return item.Status == domain.StatusCreated && item.ExpiresAt != "" && item.ExpiresAt <= domain.FormatTime(now)
}

// Get returns one item the caller may see.
func (s *Service) Get(ctx context.Context, id string) (domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	st := s.Stores.Tenant(caller.TenantID)
	item, err := getItem(ctx, st, id)
	if err != nil {
		return item, err
	}
	if err := s.checkVisible(ctx, st, caller, item); err != nil {
		return domain.WorkItem{}, err
	}
	s.decrypt(caller, &item)
	return item, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultListLimit
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}

func (s *Service) visibleTargets(ctx context.Context, r store.Reader, caller authctx.Caller) ([]string, error) {
	groups, err := s.Directory.GroupsOf(ctx, r, caller.ProgramID)
	if err != nil {
		return nil, err
	}
	return append([]string{caller.ProgramID, domain.BroadcastTarget}, groups...), nil
}

// checkVisible allows privileged callers, the item's source and its targets.
func (s *Service) checkVisible(ctx context.Context, r store.Reader, caller authctx.Caller, item domain.WorkItem) error {
	if s.Policy.IsPrivileged(caller) || item.Source == caller.ProgramID {
		return nil
	}
	visible, err := s.visibleTargets(ctx, r, caller)
	if err != nil {
		return err
	}
	if slices.Contains(visible, item.Target) {
		return nil
	}
	return apperr.AccessDenied("work item %s is not addressed to %s", item.ID, caller.ProgramID)
}

func getItem(ctx context.Context, r store.Reader, id string) (domain.WorkItem, error) {
	if strings.TrimSpace(id) == "" {
		return domain.WorkItem{}, apperr.Validation("taskId is required")
	}
	var item domain.WorkItem
	if err := r.Get(ctx, store.WorkItems, id, &item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return item, apperr.NotFound("work item %s not found", id)
		}
		return item, apperr.Upstream(err, "read work item")
	}
	return item, nil
}

type CreateInput struct {
	// ID is optional; callers that need deterministic ids set it.
	ID           string
	Kind         domain.Kind
	Title        string
	Instructions string
	domain.Envelope
	DreamID string
	Sprint  *domain.SprintRef
	Retry   *domain.RetryState
	Dream   *domain.DreamState
	Plan    *domain.SprintPlan
	Status  domain.Status
}

// Prepare validates in and builds the item Create would write, without
// writing it. The sprint orchestrator uses it to batch-write stories.
func (s *Service) Prepare(ctx context.Context, caller authctx.Caller, in CreateInput) (domain.WorkItem, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.WorkItem{}, apperr.Validation("title is required")
	}
	if in.Kind == "" {
		in.Kind = domain.KindTask
	}
	if !in.Kind.Valid() {
		return domain.WorkItem{}, apperr.Validation("unknown kind %q", in.Kind)
	}
	in.Envelope.Normalize()
	if !in.Priority.Valid() {
		return domain.WorkItem{}, apperr.Validation("unknown priority %q", in.Priority)
	}
	if !in.Action.Valid() {
		return domain.WorkItem{}, apperr.Validation("unknown action %q", in.Action)
	}
	if in.TTLSeconds != nil && *in.TTLSeconds <= 0 {
		return domain.WorkItem{}, apperr.Validation("ttlSeconds must be positive")
	}
	if in.Source == "" {
		in.Source = caller.ProgramID
	}
	if in.Source != caller.ProgramID && !s.Policy.IsPrivileged(caller) {
		return domain.WorkItem{}, apperr.AccessDenied("%s may not create items on behalf of %s", caller.ProgramID, in.Source)
	}

	st := s.Stores.Tenant(caller.TenantID)
	requested := strings.TrimSpace(in.Target)
	if in.Kind != domain.KindSprint {
		res, err := s.Directory.Resolve(ctx, st, requested, in.Fallback)
		if err != nil {
			return domain.WorkItem{}, err
		}
		in.Target = res.Resolved
	}
	if in.DreamID != "" {
		dream, err := getItem(ctx, st, in.DreamID)
		if err != nil {
			return domain.WorkItem{}, err
		}
		if dream.Kind != domain.KindDream {
			return domain.WorkItem{}, apperr.Validation("%s is not a dream", in.DreamID)
		}
	}

	now := s.now()
	item := domain.WorkItem{
		ID:           in.ID,
		Kind:         in.Kind,
		Title:        in.Title,
		Instructions: in.Instructions,
		Envelope:     in.Envelope,
		Status:       domain.StatusCreated,
		CreatedAt:    domain.FormatTime(now),
		DreamID:      in.DreamID,
		Sprint:       in.Sprint,
		Retry:        in.Retry,
		Dream:        in.Dream,
		Plan:         in.Plan,
	}
	if in.Status != "" {
		item.Status = in.Status
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if requested != item.Target {
		item.RequestedTarget = requested
	}
	if in.TTLSeconds != nil {
		item.ExpiresAt = domain.FormatTime(now.Add(time.Duration(*in.TTLSeconds) * time.Second))
	}
	if err := s.encrypt(caller, &item.Instructions); err != nil {
		return domain.WorkItem{}, err
	}
	return item, nil
}

// Create writes a new task or question. Dreams and sprint kinds have their
// own entry points.
func (s *Service) Create(ctx context.Context, in CreateInput) (domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	switch in.Kind {
	case "", domain.KindTask, domain.KindQuestion:
	default:
		return domain.WorkItem{}, apperr.Validation("create_task does not create %s items", in.Kind)
	}
	in.ID, in.Status = "", ""
	return s.create(ctx, caller, in)
}

func (s *Service) create(ctx context.Context, caller authctx.Caller, in CreateInput) (domain.WorkItem, error) {
	item, err := s.Prepare(ctx, caller, in)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := s.Stores.Tenant(caller.TenantID).Set(ctx, store.WorkItems, item.ID, item, false); err != nil {
		return domain.WorkItem{}, apperr.Upstream(err, "write work item")
	}
	s.Announce(ctx, caller, item)
	s.decrypt(caller, &item)
	return item, nil
}

// Announce fires the created side effects for an item already written.
func (s *Service) Announce(ctx context.Context, caller authctx.Caller, item domain.WorkItem) {
	s.Sync.SyncCreated(ctx, caller.TenantID, item)
	s.Events.Emit(ctx, caller.TenantID, events.TaskCreated, events.Fields{
		"entityId":  item.ID,
		"programId": caller.ProgramID,
		"kind":      item.Kind,
		"target":    item.Target,
		"priority":  item.Priority,
	})
}

func (s *Service) encrypt(caller authctx.Caller, field *string) error {
	if s.Crypto == nil || len(caller.SessionKey) == 0 || *field == "" || s.Crypto.IsEncrypted(*field) {
		return nil
	}
	token, err := s.Crypto.Encrypt(*field, caller.SessionKey)
	if err != nil {
		return apperr.Upstream(err, "encrypt field")
	}
	*field = token
	return nil
}

// Reveal decrypts an item read directly from the store with the caller's session key.
func (s *Service) Reveal(caller authctx.Caller, item *domain.WorkItem) {
	s.decrypt(caller, item)
}

func (s *Service) decrypt(caller authctx.Caller, item *domain.WorkItem) {
	item.Instructions = s.plain(caller, item.ID, item.Instructions)
	if item.Completion != nil {
		item.Completion.Result = s.plain(caller, item.ID, item.Completion.Result)
	}
}

func (s *Service) plain(caller authctx.Caller, id, value string) string {
	if s.Crypto == nil || !s.Crypto.IsEncrypted(value) {
		return value
	}
	out, err := s.Crypto.Decrypt(value, caller.SessionKey)
	if err != nil {
		s.Log.Warn().Err(err).Str("item", id).Msg("decrypt field failed")
		return value
	}
	return out
}

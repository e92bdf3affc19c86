// Package sprint runs wave-based sprints: a sprint work item holding the plan
// and one sprint-story child per planned story, linked by sprint.parentId.
// Story retries, escalation and the parent rollup live here.
package sprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/issuesync"
	"switchyard/internal/lifecycle"
	"switchyard/internal/observability"
	"switchyard/internal/relay"
	"switchyard/internal/store"
)

const (
	DefaultOrchestratorTarget = "orchestrator"
	DefaultRetryBackoff       = 30 * time.Second

	// BacklogWave sorts a story after every planned wave.
	BacklogWave = 999
)

type Service struct {
	Stores  store.Provider
	Tasks   *dispatch.Service
	Relay   *relay.Service
	Policy  authctx.Policy
	Sync    issuesync.Syncer
	Events  events.Sink
	Metrics *observability.Metrics
	Log     zerolog.Logger
	Now     func() time.Time

	OrchestratorTarget string
	RetryBackoff       time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) backoffUnit() time.Duration {
	if s.RetryBackoff > 0 {
		return s.RetryBackoff
	}
	return DefaultRetryBackoff
}

func (s *Service) orchestrator() string {
	if s.OrchestratorTarget != "" {
		return s.OrchestratorTarget
	}
	return DefaultOrchestratorTarget
}

// StoryTaskID is the work item id of a story. It is derived from the sprint
// and story ids so a story can be addressed without a lookup.
func StoryTaskID(sprintID, storyID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(sprintID+"|"+storyID)).String()
}

type CreateInput struct {
	ProjectName string
	Branch      string
	Title       string
	Stories     []domain.StoryDefinition
	DreamID     string
	domain.Envelope
}

type CreateResult struct {
	SprintID   string   `json:"sprintId"`
	StoryCount int      `json:"storyCount"`
	StoryIDs   []string `json:"storyTaskIds"`
}

// Create writes an active sprint and one created story per definition in a
// single batch. A failed batch fails the whole call.
func (s *Service) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return CreateResult{}, err
	}
	in.ProjectName = strings.TrimSpace(in.ProjectName)
	in.Branch = strings.TrimSpace(in.Branch)
	if in.ProjectName == "" || in.Branch == "" {
		return CreateResult{}, apperr.Validation("projectName and branch are required")
	}
	if len(in.Stories) == 0 {
		return CreateResult{}, apperr.Validation("a sprint needs at least one story")
	}
	seen := map[string]bool{}
	for i := range in.Stories {
		if err := normalizeStory(&in.Stories[i]); err != nil {
			return CreateResult{}, err
		}
		if seen[in.Stories[i].ID] {
			return CreateResult{}, apperr.Validation("duplicate story id %q", in.Stories[i].ID)
		}
		seen[in.Stories[i].ID] = true
	}
	if err := lifecycle.Transition(domain.KindSprint, domain.StatusCreated, domain.StatusActive); err != nil {
		return CreateResult{}, err
	}

	title := in.Title
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("%s (%s)", in.ProjectName, in.Branch)
	}
	env := in.Envelope
	if env.Target == "" {
		env.Target = s.orchestrator()
	}
	env.Action = domain.ActionSprint
	parent, err := s.Tasks.Prepare(ctx, caller, dispatch.CreateInput{
		Kind:     domain.KindSprint,
		Title:    title,
		Envelope: env,
		DreamID:  in.DreamID,
		Status:   domain.StatusActive,
		Plan: &domain.SprintPlan{
			ProjectName: in.ProjectName,
			Branch:      in.Branch,
			Stories:     in.Stories,
			StatusText:  fmt.Sprintf("0/%d complete", len(in.Stories)),
		},
	})
	if err != nil {
		return CreateResult{}, err
	}
	parent.StartedAt = parent.CreatedAt

	writes := []store.Write{{Collection: store.WorkItems, ID: parent.ID, Doc: parent}}
	children := make([]domain.WorkItem, 0, len(in.Stories))
	for _, def := range in.Stories {
		child, err := s.prepareStory(ctx, caller, parent, def)
		if err != nil {
			return CreateResult{}, err
		}
		children = append(children, child)
		writes = append(writes, store.Write{Collection: store.WorkItems, ID: child.ID, Doc: child})
	}
	if err := s.Stores.Tenant(caller.TenantID).BatchWrite(ctx, writes); err != nil {
		return CreateResult{}, apperr.Upstream(err, "write sprint")
	}

	res := CreateResult{SprintID: parent.ID, StoryCount: len(children)}
	s.Tasks.Announce(ctx, caller, parent)
	for _, child := range children {
		res.StoryIDs = append(res.StoryIDs, child.ID)
		s.Tasks.Announce(ctx, caller, child)
	}
	s.Events.Emit(ctx, caller.TenantID, events.SprintCreated, events.Fields{
		"entityId":    parent.ID,
		"programId":   caller.ProgramID,
		"projectName": in.ProjectName,
		"branch":      in.Branch,
		"stories":     len(children),
	})
	return res, nil
}

func normalizeStory(def *domain.StoryDefinition) error {
	def.ID = strings.TrimSpace(def.ID)
	def.Title = strings.TrimSpace(def.Title)
	if def.ID == "" || def.Title == "" {
		return apperr.Validation("every story needs an id and a title")
	}
	if def.RetryPolicy == "" {
		def.RetryPolicy = domain.RetryNone
	}
	if !def.RetryPolicy.Valid() {
		return apperr.Validation("story %s: unknown retryPolicy %q", def.ID, def.RetryPolicy)
	}
	if def.MaxRetries < 0 {
		return apperr.Validation("story %s: maxRetries must not be negative", def.ID)
	}
	if def.Wave <= 0 {
		def.Wave = 1
	}
	return nil
}

func (s *Service) prepareStory(ctx context.Context, caller authctx.Caller, parent domain.WorkItem, def domain.StoryDefinition) (domain.WorkItem, error) {
	target := def.Target
	if target == "" {
		target = domain.BroadcastTarget
	}
	return s.Tasks.Prepare(ctx, caller, dispatch.CreateInput{
		ID:           StoryTaskID(parent.ID, def.ID),
		Kind:         domain.KindSprintStory,
		Title:        def.Title,
		Instructions: def.Instructions,
		Envelope: domain.Envelope{
			Source:   parent.Source,
			Target:   target,
			Priority: parent.Priority,
			Action:   domain.ActionSprint,
			ThreadID: parent.ID,
		},
		Sprint: &domain.SprintRef{
			ParentID:     parent.ID,
			StoryID:      def.ID,
			Wave:         def.Wave,
			Dependencies: def.Dependencies,
			Complexity:   def.Complexity,
		},
		Retry: &domain.RetryState{Policy: def.RetryPolicy, MaxRetries: def.MaxRetries},
	})
}

// getSprint reads a sprint parent.
func getSprint(ctx context.Context, r store.Reader, id string) (domain.WorkItem, error) {
	if strings.TrimSpace(id) == "" {
		return domain.WorkItem{}, apperr.Validation("sprintId is required")
	}
	var item domain.WorkItem
	if err := r.Get(ctx, store.WorkItems, id, &item); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return item, apperr.NotFound("sprint %s not found", id)
		}
		return item, apperr.Upstream(err, "read sprint")
	}
	if item.Kind != domain.KindSprint || item.Plan == nil {
		return item, apperr.NotFound("%s is not a sprint", id)
	}
	return item, nil
}

// canManage allows privileged callers and the program that created the sprint.
func (s *Service) canManage(caller authctx.Caller, parent domain.WorkItem) error {
	if s.Policy.IsPrivileged(caller) || parent.Source == caller.ProgramID {
		return nil
	}
	return apperr.AccessDenied("%s may not manage sprint %s", caller.ProgramID, parent.ID)
}

type InsertionMode string

const (
	InsertCurrentWave InsertionMode = "current_wave"
	InsertNextWave    InsertionMode = "next_wave"
	InsertBacklog     InsertionMode = "backlog"
)

// Wave maps an insertion mode to the wave a new story is recorded in.
func (m InsertionMode) Wave() (int, error) {
	switch m {
	case "", InsertCurrentWave, InsertNextWave:
		return 1, nil
	case InsertBacklog:
		return BacklogWave, nil
	}
	return 0, apperr.Validation("unknown insertionMode %q", m)
}

type AddStoryInput struct {
	SprintID      string
	Story         domain.StoryDefinition
	InsertionMode InsertionMode
}

type AddStoryResult struct {
	StoryID string `json:"storyId"`
	TaskID  string `json:"taskId"`
	Wave    int    `json:"wave"`
}

// AddStory appends a story to a running sprint.
func (s *Service) AddStory(ctx context.Context, in AddStoryInput) (AddStoryResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return AddStoryResult{}, err
	}
	wave, err := in.InsertionMode.Wave()
	if err != nil {
		return AddStoryResult{}, err
	}
	def := in.Story
	if strings.TrimSpace(def.ID) == "" {
		def.ID = "story-" + uuid.NewString()[:8]
	}
	if err := normalizeStory(&def); err != nil {
		return AddStoryResult{}, err
	}
	def.Wave = wave

	st := s.Stores.Tenant(caller.TenantID)
	parent, err := getSprint(ctx, st, in.SprintID)
	if err != nil {
		return AddStoryResult{}, err
	}
	if err := s.canManage(caller, parent); err != nil {
		return AddStoryResult{}, err
	}
	child, err := s.prepareStory(ctx, caller, parent, def)
	if err != nil {
		return AddStoryResult{}, err
	}
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		current, err := getSprint(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		if current.Status != domain.StatusActive {
			return apperr.Precondition("sprint %s is %s", current.ID, current.Status)
		}
		for _, existing := range current.Plan.Stories {
			if existing.ID == def.ID {
				return apperr.Validation("story %s already exists in sprint %s", def.ID, current.ID)
			}
		}
		stories := append(current.Plan.Stories, def)
		if err := tx.Update(ctx, store.WorkItems, current.ID, map[string]any{"plan": map[string]any{"stories": stories}}); err != nil {
			return err
		}
		return tx.Set(ctx, store.WorkItems, child.ID, child, false)
	})
	if err != nil {
		return AddStoryResult{}, err
	}
	s.Tasks.Announce(ctx, caller, child)
	s.cascade(ctx, caller.TenantID, parent.ID)
	return AddStoryResult{StoryID: def.ID, TaskID: child.ID, Wave: wave}, nil
}

type CompleteResult struct {
	SprintID string `json:"sprintId"`
	Summary  string `json:"summary"`
	Stats    Stats  `json:"stats"`
}

// Complete closes a sprint. Without a summary one is computed from the stories.
func (s *Service) Complete(ctx context.Context, sprintID, summary string) (CompleteResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return CompleteResult{}, err
	}
	st := s.Stores.Tenant(caller.TenantID)
	parent, err := getSprint(ctx, st, sprintID)
	if err != nil {
		return CompleteResult{}, err
	}
	if err := s.canManage(caller, parent); err != nil {
		return CompleteResult{}, err
	}
	children, err := stories(ctx, st, parent.ID)
	if err != nil {
		return CompleteResult{}, err
	}
	stats := Tally(children)
	if strings.TrimSpace(summary) == "" {
		summary = fmt.Sprintf("%d completed, %d failed, %d skipped of %d stories",
			stats.Completed, stats.Failed, stats.Skipped, stats.Total)
	}
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		current, err := getSprint(ctx, tx, parent.ID)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(domain.KindSprint, current.Status, domain.StatusDone); err != nil {
			return err
		}
		parent = current
		parent.Status = domain.StatusDone
		parent.CompletedAt = domain.FormatTime(s.now())
		parent.Plan.Summary = summary
		return tx.Update(ctx, store.WorkItems, parent.ID, map[string]any{
			"status":      parent.Status,
			"completedAt": parent.CompletedAt,
			"plan":        map[string]any{"summary": summary},
		})
	})
	if err != nil {
		return CompleteResult{}, err
	}
	if s.Metrics != nil {
		s.Metrics.Completions.WithLabelValues(string(domain.StatusDone)).Inc()
	}
	s.Sync.SyncCompleted(ctx, caller.TenantID, parent)
	s.Events.Emit(ctx, caller.TenantID, events.SprintComplete, events.Fields{
		"entityId":  parent.ID,
		"programId": caller.ProgramID,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"skipped":   stats.Skipped,
		"total":     stats.Total,
	})
	return CompleteResult{SprintID: parent.ID, Summary: summary, Stats: stats}, nil
}

type View struct {
	Sprint  domain.WorkItem   `json:"sprint"`
	Stories []domain.WorkItem `json:"stories"`
	Stats   Stats             `json:"stats"`
}

// Get returns the sprint, its stories in wave order and their counts.
func (s *Service) Get(ctx context.Context, sprintID string) (View, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return View{}, err
	}
	parent, err := s.Tasks.Get(ctx, sprintID)
	if err != nil {
		return View{}, err
	}
	if parent.Kind != domain.KindSprint {
		return View{}, apperr.NotFound("%s is not a sprint", sprintID)
	}
	children, err := stories(ctx, s.Stores.Tenant(caller.TenantID), parent.ID)
	if err != nil {
		return View{}, err
	}
	for i := range children {
		s.Tasks.Reveal(caller, &children[i])
	}
	return View{Sprint: parent, Stories: children, Stats: Tally(children)}, nil
}

func stories(ctx context.Context, r store.Reader, sprintID string) ([]domain.WorkItem, error) {
	items, err := store.QueryAs[domain.WorkItem](ctx, r, store.Query{
		Collection: store.WorkItems,
		Filters: []store.Filter{
			store.Eq("kind", domain.KindSprintStory),
			store.Eq("sprint.parentId", sprintID),
		},
		OrderBy: []store.Order{{Field: "sprint.wave"}, {Field: "createdAt"}},
	})
	if err != nil {
		return nil, apperr.Upstream(err, "query sprint stories")
	}
	return items, nil
}

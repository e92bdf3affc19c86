package sprint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/lifecycle"
	"switchyard/internal/relay"
	"switchyard/internal/store"
)

// Backoff is the wait before retry number retryCount+1.
func Backoff(retryCount int, unit time.Duration) time.Duration {
	return time.Duration(retryCount+1) * unit
}

type failureOutcome int

const (
	failTerminal failureOutcome = iota
	failRetry
	failEscalate
)

// planFailure decides what a failure of story means under its retry policy
// and returns the fields to write over the failed story.
func (s *Service) planFailure(story domain.WorkItem, now time.Time, reason string) (failureOutcome, map[string]any) {
	retry := domain.RetryState{Policy: domain.RetryNone}
	if story.Retry != nil {
		retry = *story.Retry
	}
	stamp := domain.FormatTime(now)
	switch {
	case retry.Policy == domain.RetryAuto && retry.RetryCount < retry.MaxRetries:
		history := append(retry.History, domain.RetryAttempt{
			Attempt:  retry.RetryCount + 1,
			FailedAt: stamp,
			Error:    reason,
		})
		return failRetry, map[string]any{
			"status":        domain.StatusCreated,
			"sessionId":     nil,
			"completedAt":   nil,
			"completion":    nil,
			"currentAction": nil,
			"progress":      0,
			"retry": map[string]any{
				"retryCount": retry.RetryCount + 1,
				"retryAfter": domain.FormatTime(now.Add(Backoff(retry.RetryCount, s.backoffUnit()))),
				"history":    history,
			},
		}
	case retry.EscalatedAt == "" && (retry.Policy == domain.RetryAuto || retry.Policy == domain.RetryEscalate):
		return failEscalate, map[string]any{
			"retry": map[string]any{"escalatedAt": stamp},
		}
	}
	return failTerminal, nil
}

type UpdateStoryInput struct {
	SprintID      string
	StoryID       string
	Status        domain.Status
	Progress      *float64
	CurrentAction string
	Error         string
}

type UpdateStoryResult struct {
	Story     domain.WorkItem `json:"story"`
	Retried   bool            `json:"retried,omitempty"`
	Escalated bool            `json:"escalated,omitempty"`
}

// UpdateStory records a story's reported status, progress and current action.
// A reported failure goes through the story's retry policy, so the written
// status may be created rather than failed.
func (s *Service) UpdateStory(ctx context.Context, in UpdateStoryInput) (UpdateStoryResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return UpdateStoryResult{}, err
	}
	if strings.TrimSpace(in.StoryID) == "" {
		return UpdateStoryResult{}, apperr.Validation("storyId is required")
	}
	if in.Progress != nil && (*in.Progress < 0 || *in.Progress > 100) {
		return UpdateStoryResult{}, apperr.Validation("progress must be between 0 and 100")
	}
	st := s.Stores.Tenant(caller.TenantID)
	parent, err := getSprint(ctx, st, in.SprintID)
	if err != nil {
		return UpdateStoryResult{}, err
	}

	var (
		story   domain.WorkItem
		outcome = failTerminal
	)
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		var err error
		story, err = findStory(ctx, tx, parent.ID, in.StoryID)
		if err != nil {
			return err
		}
		if err := s.canUpdate(caller, parent, story); err != nil {
			return err
		}
		now := s.now()
		fields := map[string]any{}
		if in.Progress != nil {
			fields["progress"] = *in.Progress
		}
		if in.CurrentAction != "" {
			fields["currentAction"] = in.CurrentAction
		}
		if in.Status != "" && in.Status != story.Status {
			// Only planFailure may reset a failed story.
			if story.Status == domain.StatusFailed {
				return apperr.Precondition("story %s has failed and cannot move to %s", story.ID, in.Status)
			}
			if err := lifecycle.Transition(story.Kind, story.Status, in.Status); err != nil {
				return err
			}
			stamp := domain.FormatTime(now)
			fields["status"] = in.Status
			switch in.Status {
			case domain.StatusActive:
				fields["startedAt"] = stamp
				fields["attemptCount"] = story.AttemptCount + 1
				if caller.SessionID != "" {
					fields["sessionId"] = caller.SessionID
				}
			case domain.StatusDone:
				fields["completedAt"] = stamp
				fields["sessionId"] = nil
				fields["progress"] = 100
			case domain.StatusArchived:
				fields["completedAt"] = stamp
				fields["sessionId"] = nil
			case domain.StatusFailed:
				fields["completedAt"] = stamp
				fields["sessionId"] = nil
				var extra map[string]any
				outcome, extra = s.planFailure(story, now, in.Error)
				if outcome == failRetry {
					if err := lifecycle.Transition(story.Kind, domain.StatusFailed, domain.StatusCreated); err != nil {
						return err
					}
				}
				for k, v := range extra {
					fields[k] = v
				}
			}
		}
		if len(fields) == 0 {
			return nil
		}
		if err := tx.Update(ctx, store.WorkItems, story.ID, fields); err != nil {
			return apperr.Upstream(err, "write story")
		}
		return tx.Get(ctx, store.WorkItems, story.ID, &story)
	})
	if err != nil {
		return UpdateStoryResult{}, err
	}
	s.afterFailure(ctx, caller.TenantID, parent, story, outcome, in.Error)
	s.cascade(ctx, caller.TenantID, parent.ID)
	s.Tasks.Reveal(caller, &story)
	return UpdateStoryResult{Story: story, Retried: outcome == failRetry, Escalated: outcome == failEscalate}, nil
}

// findStory accepts either the planned story id or the story's work item id.
func findStory(ctx context.Context, r store.Reader, sprintID, storyID string) (domain.WorkItem, error) {
	var story domain.WorkItem
	err := r.Get(ctx, store.WorkItems, StoryTaskID(sprintID, storyID), &story)
	if errors.Is(err, store.ErrNotFound) {
		err = r.Get(ctx, store.WorkItems, storyID, &story)
	}
	if errors.Is(err, store.ErrNotFound) {
		return story, apperr.NotFound("story %s not found in sprint %s", storyID, sprintID)
	}
	if err != nil {
		return story, apperr.Upstream(err, "read story")
	}
	if story.Kind != domain.KindSprintStory || story.Sprint == nil || story.Sprint.ParentID != sprintID {
		return story, apperr.NotFound("story %s not found in sprint %s", storyID, sprintID)
	}
	return story, nil
}

// canUpdate allows sprint managers, the story's target and its claiming session.
func (s *Service) canUpdate(caller authctx.Caller, parent, story domain.WorkItem) error {
	if s.canManage(caller, parent) == nil || story.Target == caller.ProgramID {
		return nil
	}
	if caller.SessionID != "" && story.SessionID == caller.SessionID {
		return nil
	}
	return apperr.AccessDenied("%s may not update story %s", caller.ProgramID, story.ID)
}

// StoryCompleted applies the retry policy to a story that failed through the
// task completion path, then refreshes the sprint rollup.
func (s *Service) StoryCompleted(ctx context.Context, caller authctx.Caller, item domain.WorkItem) {
	if item.Sprint == nil || item.Sprint.ParentID == "" {
		return
	}
	parentID := item.Sprint.ParentID
	defer s.cascade(ctx, caller.TenantID, parentID)
	if item.Status != domain.StatusFailed {
		return
	}
	reason := ""
	if c := item.Completion; c != nil {
		reason = c.ErrorCode
		if reason == "" {
			reason = c.Outcome
		}
	}
	st := s.Stores.Tenant(caller.TenantID)
	var (
		story   domain.WorkItem
		outcome = failTerminal
	)
	err := st.RunAtomic(ctx, func(tx store.Tx) error {
		if err := tx.Get(ctx, store.WorkItems, item.ID, &story); err != nil {
			return err
		}
		if story.Status != domain.StatusFailed {
			return nil
		}
		var fields map[string]any
		outcome, fields = s.planFailure(story, s.now(), reason)
		if outcome == failRetry {
			if err := lifecycle.Transition(story.Kind, story.Status, domain.StatusCreated); err != nil {
				return err
			}
		}
		if len(fields) == 0 {
			return nil
		}
		if err := tx.Update(ctx, store.WorkItems, story.ID, fields); err != nil {
			return err
		}
		return tx.Get(ctx, store.WorkItems, story.ID, &story)
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("story", item.ID).Msg("apply story retry policy")
		return
	}
	parent, err := getSprint(ctx, st, parentID)
	if err != nil {
		s.Log.Warn().Err(err).Str("sprint", parentID).Msg("read sprint for story failure")
		parent = domain.WorkItem{ID: parentID}
	}
	s.afterFailure(ctx, caller.TenantID, parent, story, outcome, reason)
}

func (s *Service) afterFailure(ctx context.Context, tenantID string, parent, story domain.WorkItem, outcome failureOutcome, reason string) {
	storyID := ""
	if story.Sprint != nil {
		storyID = story.Sprint.StoryID
	}
	retry := domain.RetryState{}
	if story.Retry != nil {
		retry = *story.Retry
	}
	switch outcome {
	case failRetry:
		if s.Metrics != nil {
			s.Metrics.StoryRetries.Inc()
		}
		s.Events.Emit(ctx, tenantID, events.StoryRetry, events.Fields{
			"entityId":   story.ID,
			"sprintId":   parent.ID,
			"storyId":    storyID,
			"retryCount": retry.RetryCount,
			"retryAfter": retry.RetryAfter,
			"error":      reason,
		})
	case failEscalate:
		if s.Metrics != nil {
			s.Metrics.Escalations.Inc()
		}
		s.Events.Emit(ctx, tenantID, events.RetryExhausted, events.Fields{
			"entityId":   story.ID,
			"sprintId":   parent.ID,
			"storyId":    storyID,
			"retryCount": retry.RetryCount,
			"policy":     retry.Policy,
			"error":      reason,
		})
		s.escalate(ctx, tenantID, parent, story, storyID, retry, reason)
	}
}

func (s *Service) escalate(ctx context.Context, tenantID string, parent, story domain.WorkItem, storyID string, retry domain.RetryState, reason string) {
	if s.Relay == nil {
		return
	}
	project := parent.ID
	if parent.Plan != nil {
		project = parent.Plan.ProjectName
	}
	text := fmt.Sprintf("Story %q in sprint %s failed after %d retries", story.Title, project, retry.RetryCount)
	if reason != "" {
		text += ": " + reason
	}
	_, err := s.Relay.Notify(ctx, tenantID, relay.Notice{
		Target:      s.orchestrator(),
		MessageType: domain.MessageResult,
		Message:     text,
		Priority:    domain.PriorityHigh,
		Action:      domain.ActionInterrupt,
		ThreadID:    parent.ID,
		Payload: map[string]any{
			"outcome":    "failed",
			"sprintId":   parent.ID,
			"storyId":    storyID,
			"taskId":     story.ID,
			"policy":     retry.Policy,
			"retryCount": retry.RetryCount,
			"error":      reason,
		},
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("story", story.ID).Msg("escalate story failure")
	}
}

package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/lifecycle"
	"switchyard/internal/store"
)

type ClaimResult struct {
	Item           domain.WorkItem `json:"item"`
	AlreadyClaimed bool            `json:"alreadyClaimed"`
}

// Claim moves a created item to active for the caller's session. Concurrent
// claims serialize in the store; exactly one of them writes active. A repeat
// claim from the winning session succeeds without side effects.
func (s *Service) Claim(ctx context.Context, taskID string) (ClaimResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return ClaimResult{}, err
	}
	if caller.SessionID == "" {
		return ClaimResult{}, apperr.Validation("sessionId is required to claim")
	}
	st := s.Stores.Tenant(caller.TenantID)
	var res ClaimResult
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		item, err := getItem(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if err := s.checkVisible(ctx, tx, caller, item); err != nil {
			return err
		}
		if item.Status == domain.StatusActive && item.SessionID == caller.SessionID {
			res = ClaimResult{Item: item, AlreadyClaimed: true}
			return nil
		}
		if lapsed(item, s.now()) {
			return apperr.Precondition("work item %s expired at %s", item.ID, item.ExpiresAt)
		}
		if item.Status != domain.StatusCreated {
			return apperr.Precondition("work item %s is %s and cannot be claimed", item.ID, item.Status)
		}
		if item.Retry != nil && item.Retry.RetryAfter != "" && item.Retry.RetryAfter > domain.FormatTime(s.now()) {
			return apperr.Precondition("work item %s may not be retried before %s", item.ID, item.Retry.RetryAfter)
		}
		if err := lifecycle.Transition(item.Kind, item.Status, domain.StatusActive); err != nil {
			return err
		}
		now := domain.FormatTime(s.now())
		item.Status = domain.StatusActive
		item.SessionID = caller.SessionID
		item.StartedAt = now
		item.AttemptCount++
		if err := tx.Update(ctx, store.WorkItems, item.ID, map[string]any{
			"status":       item.Status,
			"sessionId":    item.SessionID,
			"startedAt":    item.StartedAt,
			"attemptCount": item.AttemptCount,
		}); err != nil {
			return apperr.Upstream(err, "write claim")
		}
		res = ClaimResult{Item: item}
		return nil
	})
	if err != nil {
		s.countClaim("rejected")
		return ClaimResult{}, err
	}
	if err := s.Directory.Touch(ctx, caller.TenantID, caller.ProgramID); err != nil {
		s.Log.Warn().Err(err).Str("program", caller.ProgramID).Msg("presence touch failed")
	}
	if res.AlreadyClaimed {
		s.countClaim("already_claimed")
	} else {
		s.countClaim("claimed")
		s.Sync.SyncClaimed(ctx, caller.TenantID, res.Item)
		s.Events.Emit(ctx, caller.TenantID, events.TaskClaimed, events.Fields{
			"entityId":  res.Item.ID,
			"programId": caller.ProgramID,
			"sessionId": caller.SessionID,
			"attempt":   res.Item.AttemptCount,
		})
	}
	s.decrypt(caller, &res.Item)
	return res, nil
}

func (s *Service) countClaim(result string) {
	if s.Metrics != nil {
		s.Metrics.Claims.WithLabelValues(result).Inc()
	}
}

type CompleteInput struct {
	TaskID     string
	Outcome    string
	Tokens     int
	CostUSD    float64
	Model      string
	Provider   string
	ErrorCode  string
	ErrorClass string
	Result     string
}

// OutcomeStatus maps an outcome code onto the terminal status it produces.
func OutcomeStatus(outcome string) (domain.Status, error) {
	switch strings.ToUpper(strings.TrimSpace(outcome)) {
	case "SUCCESS":
		return domain.StatusDone, nil
	case "FAILURE", "ERROR", "TIMEOUT", "CANCELLED":
		return domain.StatusFailed, nil
	case "":
		return "", apperr.Validation("outcome is required")
	}
	return "", apperr.Validation("unknown outcome %q", outcome)
}

// Complete ends an active item. Only the claiming session or a privileged
// caller may complete it.
func (s *Service) Complete(ctx context.Context, in CompleteInput) (domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	to, err := OutcomeStatus(in.Outcome)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if in.Tokens < 0 || in.CostUSD < 0 {
		return domain.WorkItem{}, apperr.Validation("tokens and costUsd must not be negative")
	}
	result := in.Result
	if err := s.encrypt(caller, &result); err != nil {
		return domain.WorkItem{}, err
	}
	st := s.Stores.Tenant(caller.TenantID)
	var item domain.WorkItem
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		var err error
		item, err = getItem(ctx, tx, in.TaskID)
		if err != nil {
			return err
		}
		if err := lifecycle.Transition(item.Kind, item.Status, to); err != nil {
			return err
		}
		if item.SessionID != caller.SessionID && !s.Policy.IsPrivileged(caller) {
			return apperr.AccessDenied("work item %s is claimed by another session", item.ID)
		}
		item.Status = to
		item.CompletedAt = domain.FormatTime(s.now())
		item.SessionID = ""
		item.Completion = &domain.Completion{
			Outcome:    strings.ToUpper(strings.TrimSpace(in.Outcome)),
			Tokens:     in.Tokens,
			CostUSD:    in.CostUSD,
			Model:      in.Model,
			Provider:   in.Provider,
			ErrorCode:  in.ErrorCode,
			ErrorClass: in.ErrorClass,
			Result:     result,
		}
		if to == domain.StatusDone && item.Kind == domain.KindSprintStory {
			item.Progress = 100
		}
		if err := tx.Update(ctx, store.WorkItems, item.ID, map[string]any{
			"status":      item.Status,
			"completedAt": item.CompletedAt,
			"sessionId":   nil,
			"completion":  item.Completion,
			"progress":    item.Progress,
		}); err != nil {
			return apperr.Upstream(err, "write completion")
		}
		return nil
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	s.decrypt(caller, &item)
	s.afterComplete(ctx, caller, item)
	return item, nil
}

func (s *Service) afterComplete(ctx context.Context, caller authctx.Caller, item domain.WorkItem) {
	if s.Metrics != nil {
		s.Metrics.Completions.WithLabelValues(string(item.Status)).Inc()
	}
	s.Sync.SyncCompleted(ctx, caller.TenantID, item)
	c := item.Completion
	s.Events.Emit(ctx, caller.TenantID, events.TaskCompleted, events.Fields{
		"entityId":    item.ID,
		"programId":   caller.ProgramID,
		"status":      item.Status,
		"outcome":     c.Outcome,
		"tokens":      c.Tokens,
		"costUsd":     c.CostUSD,
		"model":       c.Model,
		"provider":    c.Provider,
		"errorCode":   c.ErrorCode,
		"contentHash": ContentHash(item.Instructions),
		"configHash":  ConfigHash(item.Source, item.Target, c.Model),
	})
	events.Gap(ctx, s.Events, s.Log, caller.TenantID, item.ID, map[string]string{
		"model":    c.Model,
		"provider": c.Provider,
		"outcome":  c.Outcome,
		"result":   c.Result,
	})
	if c.CostUSD > 0 {
		s.chargeDream(ctx, caller, item)
	}
	if item.Kind == domain.KindSprintStory && s.Stories != nil {
		s.Stories.StoryCompleted(ctx, caller, item)
	}
}

// ContentHash fingerprints instructions for provenance.
func ContentHash(instructions string) string {
	sum := sha256.Sum256([]byte(instructions))
	return hex.EncodeToString(sum[:])
}

// ConfigHash fingerprints the routing and model a completion ran under.
func ConfigHash(source, target, model string) string {
	sum := sha256.Sum256([]byte(source + "\x00" + target + "\x00" + model))
	return hex.EncodeToString(sum[:])
}

package dispatch

import (
	"context"
	"fmt"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/lifecycle"
	"switchyard/internal/store"
)

// BudgetAlertTTLSeconds bounds how long a budget alert waits for its reader.
const BudgetAlertTTLSeconds = 3600

type DreamInput struct {
	Title        string
	Instructions string
	domain.Envelope
	Agent        string
	BudgetCapUSD float64
	TimeoutHours float64
}

// CreateDream writes a dream item. Claiming it activates the run.
func (s *Service) CreateDream(ctx context.Context, in DreamInput) (domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if in.BudgetCapUSD <= 0 {
		return domain.WorkItem{}, apperr.Validation("budgetCapUsd must be positive")
	}
	if in.TimeoutHours < 0 {
		return domain.WorkItem{}, apperr.Validation("timeoutHours must not be negative")
	}
	return s.create(ctx, caller, CreateInput{
		Kind:         domain.KindDream,
		Title:        in.Title,
		Instructions: in.Instructions,
		Envelope:     in.Envelope,
		Dream: &domain.DreamState{
			Agent:        in.Agent,
			BudgetCapUSD: in.BudgetCapUSD,
			TimeoutHours: in.TimeoutHours,
		},
	})
}

// KillDream fails a non-terminal dream. It is a status change, not a signal
// to whatever is running the dream.
func (s *Service) KillDream(ctx context.Context, dreamID, reason string) (domain.WorkItem, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	st := s.Stores.Tenant(caller.TenantID)
	var item domain.WorkItem
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		var err error
		item, err = getItem(ctx, tx, dreamID)
		if err != nil {
			return err
		}
		if item.Kind != domain.KindDream {
			return apperr.Validation("%s is a %s, not a dream", item.ID, item.Kind)
		}
		if item.Source != caller.ProgramID && !s.Policy.IsPrivileged(caller) {
			return apperr.AccessDenied("only the dream's source may kill it")
		}
		if err := lifecycle.Transition(item.Kind, item.Status, domain.StatusFailed); err != nil {
			return err
		}
		item.Status = domain.StatusFailed
		item.CompletedAt = domain.FormatTime(s.now())
		item.SessionID = ""
		item.Completion = &domain.Completion{Outcome: "CANCELLED", ErrorCode: "KILLED", ErrorClass: "killed", Result: reason}
		return tx.Update(ctx, store.WorkItems, item.ID, map[string]any{
			"status":      item.Status,
			"completedAt": item.CompletedAt,
			"sessionId":   nil,
			"completion":  item.Completion,
		})
	})
	if err != nil {
		return domain.WorkItem{}, err
	}
	s.Sync.SyncCompleted(ctx, caller.TenantID, item)
	s.Events.Emit(ctx, caller.TenantID, events.DreamKilled, events.Fields{
		"entityId":  item.ID,
		"programId": caller.ProgramID,
		"reason":    reason,
	})
	s.decrypt(caller, &item)
	return item, nil
}

// chargeDream adds a completion's cost to the dream it belongs to, directly
// or through the story's parent sprint. Failures are logged only.
func (s *Service) chargeDream(ctx context.Context, caller authctx.Caller, item domain.WorkItem) {
	st := s.Stores.Tenant(caller.TenantID)
	dreamID := item.DreamID
	if dreamID == "" && item.Sprint != nil && item.Sprint.ParentID != "" {
		parent, err := getItem(ctx, st, item.Sprint.ParentID)
		if err != nil {
			s.Log.Warn().Err(err).Str("item", item.ID).Msg("budget: read parent sprint")
			return
		}
		dreamID = parent.DreamID
	}
	if dreamID == "" {
		return
	}
	cost := item.Completion.CostUSD
	var (
		dream   domain.WorkItem
		crossed bool
	)
	err := st.RunAtomic(ctx, func(tx store.Tx) error {
		var err error
		dream, err = getItem(ctx, tx, dreamID)
		if err != nil {
			return err
		}
		if dream.Kind != domain.KindDream || dream.Dream == nil {
			return apperr.Validation("%s is not a dream", dreamID)
		}
		before := dream.Dream.BudgetConsumedUSD
		dream.Dream.BudgetConsumedUSD = before + cost
		fields := map[string]any{"budgetConsumedUsd": dream.Dream.BudgetConsumedUSD}
		limit := dream.Dream.BudgetCapUSD
		if limit > 0 && before <= limit && dream.Dream.BudgetConsumedUSD > limit {
			crossed = true
			dream.Dream.BudgetExceededAt = domain.FormatTime(s.now())
			fields["budgetExceededAt"] = dream.Dream.BudgetExceededAt
		}
		return tx.Update(ctx, store.WorkItems, dream.ID, map[string]any{"dream": fields})
	})
	if err != nil {
		s.Log.Warn().Err(err).Str("dream", dreamID).Str("item", item.ID).Msg("budget: charge dream")
		return
	}
	if !crossed {
		return
	}
	if s.Metrics != nil {
		s.Metrics.BudgetAlerts.Inc()
	}
	d := dream.Dream
	s.Events.Emit(ctx, caller.TenantID, events.BudgetExceeded, events.Fields{
		"entityId":          dream.ID,
		"programId":         caller.ProgramID,
		"budgetCapUsd":      d.BudgetCapUSD,
		"budgetConsumedUsd": d.BudgetConsumedUSD,
		"triggeredBy":       item.ID,
	})
	if s.Alerts == nil {
		return
	}
	alert := Alert{
		Target: dream.Source,
		Text:   fmt.Sprintf("dream %q exceeded its budget: $%.2f of $%.2f", dream.Title, d.BudgetConsumedUSD, d.BudgetCapUSD),
		Payload: map[string]any{
			"state":             "budget_exceeded",
			"dreamId":           dream.ID,
			"budgetCapUsd":      d.BudgetCapUSD,
			"budgetConsumedUsd": d.BudgetConsumedUSD,
		},
	}
	if err := s.Alerts.Alert(ctx, caller.TenantID, alert); err != nil {
		s.Log.Warn().Err(err).Str("dream", dream.ID).Msg("budget: send alert")
	}
}

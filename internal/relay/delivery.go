package relay

import (
	"context"
	"slices"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/store"
)

type PendingInput struct {
	// Target defaults to the caller; other targets need a privileged caller.
	Target string
	Peek   bool
	Limit  int
}

// GetPending returns unexpired pending messages for the caller's target and
// the broadcast target, high priority first and newest first within a tier.
// In claim mode each returned message has been flipped to delivered; one
// claimed by a concurrent reader is left out.
func (s *Service) GetPending(ctx context.Context, in PendingInput) ([]domain.RelayMessage, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return nil, err
	}
	if caller.SessionID == "" {
		return nil, apperr.Validation("sessionId is required")
	}
	target := in.Target
	if target == "" {
		target = caller.ProgramID
	}
	if target != caller.ProgramID && !s.Policy.IsPrivileged(caller) {
		return nil, apperr.AccessDenied("%s may not read messages for %s", caller.ProgramID, target)
	}
	st := s.Stores.Tenant(caller.TenantID)
	now := domain.FormatTime(s.now())
	candidates, err := store.QueryAs[domain.RelayMessage](ctx, st, store.Query{
		Collection: store.Messages,
		Filters: []store.Filter{
			store.Eq("status", domain.MessagePending),
			store.Where("target", store.OpIn, []string{target, domain.BroadcastTarget}),
			store.Where("expiresAt", store.OpGt, now),
		},
		OrderBy: []store.Order{{Field: "priorityRank"}, {Field: "createdAt", Desc: true}},
		Limit:   clampLimit(in.Limit),
	})
	if err != nil {
		return nil, apperr.Upstream(err, "query pending messages")
	}
	if err := s.Directory.Touch(ctx, caller.TenantID, caller.ProgramID); err != nil {
		s.Log.Warn().Err(err).Str("program", caller.ProgramID).Msg("presence touch failed")
	}
	if in.Peek || len(candidates) == 0 {
		return candidates, nil
	}

	var claimed []domain.RelayMessage
	err = st.RunAtomic(ctx, func(tx store.Tx) error {
		claimed = claimed[:0]
		for _, c := range candidates {
			var msg domain.RelayMessage
			if err := tx.Get(ctx, store.Messages, c.ID, &msg); err != nil {
				return err
			}
			if msg.Status != domain.MessagePending || msg.ExpiresAt <= now {
				continue
			}
			msg.Status = domain.MessageDelivered
			msg.DeliveredAt = now
			msg.DeliveredTo = caller.ProgramID
			msg.DeliveryAttempts++
			if err := tx.Update(ctx, store.Messages, msg.ID, map[string]any{
				"status":           msg.Status,
				"deliveredAt":      msg.DeliveredAt,
				"deliveredTo":      msg.DeliveredTo,
				"deliveryAttempts": msg.DeliveryAttempts,
			}); err != nil {
				return err
			}
			claimed = append(claimed, msg)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Upstream(err, "claim messages")
	}
	if s.Metrics != nil {
		s.Metrics.MessagesDelivered.Add(float64(len(claimed)))
	}
	return claimed, nil
}

func clampLimit(n int) int {
	switch {
	case n <= 0:
		return defaultReadLimit
	case n > maxReadLimit:
		return maxReadLimit
	}
	return n
}

type DeadLetterSweepResult struct {
	Scanned      int `json:"scanned"`
	DeadLettered int `json:"deadLettered"`
	ExpiredTTL   int `json:"expiredTtl"`
	MaxAttempts  int `json:"maxAttemptsExceeded"`
}

// DeadLetterReason classifies an expired pending message.
func DeadLetterReason(m domain.RelayMessage) string {
	if m.MaxDeliveryAttempts > 0 && m.DeliveryAttempts >= m.MaxDeliveryAttempts {
		return domain.DeadLetterMaxAttempts
	}
	return domain.DeadLetterExpiredTTL
}

// SweepDeadLetters dead-letters up to one batch of expired pending messages.
// Messages are never deleted. Repeated runs skip what earlier runs handled.
func (s *Service) SweepDeadLetters(ctx context.Context, tenantID string) (DeadLetterSweepResult, error) {
	batch := s.SweepBatch
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	st := s.Stores.Tenant(tenantID)
	now := domain.FormatTime(s.now())
	due, err := store.QueryAs[domain.RelayMessage](ctx, st, store.Query{
		Collection: store.Messages,
		Filters: []store.Filter{
			store.Eq("status", domain.MessagePending),
			store.Where("expiresAt", store.OpLte, now),
		},
		OrderBy: []store.Order{{Field: "expiresAt"}},
		Limit:   batch,
	})
	if err != nil {
		return DeadLetterSweepResult{}, apperr.Upstream(err, "query expired messages")
	}
	res := DeadLetterSweepResult{Scanned: len(due)}
	for _, candidate := range due {
		var (
			reason string
			moved  bool
		)
		err := st.RunAtomic(ctx, func(tx store.Tx) error {
			var msg domain.RelayMessage
			if err := tx.Get(ctx, store.Messages, candidate.ID, &msg); err != nil {
				return err
			}
			if msg.Status != domain.MessagePending || msg.ExpiresAt > now {
				return nil
			}
			reason = DeadLetterReason(msg)
			moved = true
			return tx.Update(ctx, store.Messages, msg.ID, map[string]any{
				"status":           domain.MessageDeadLettered,
				"deadLetteredAt":   now,
				"deadLetterReason": reason,
			})
		})
		if err != nil {
			s.Log.Warn().Err(err).Str("message", candidate.ID).Msg("dead-letter sweep")
			continue
		}
		if !moved {
			continue
		}
		res.DeadLettered++
		if reason == domain.DeadLetterMaxAttempts {
			res.MaxAttempts++
		} else {
			res.ExpiredTTL++
		}
		if s.Metrics != nil {
			s.Metrics.DeadLetters.WithLabelValues(reason).Inc()
		}
		s.Events.Emit(ctx, tenantID, events.DeadLettered, events.Fields{
			"entityId":    candidate.ID,
			"reason":      reason,
			"target":      candidate.Target,
			"source":      candidate.Source,
			"multicastId": candidate.MulticastID,
		})
	}
	return res, nil
}

// GetDeadLetters lists dead-lettered messages, newest first. Privileged only.
func (s *Service) GetDeadLetters(ctx context.Context, target string, limit int) ([]domain.RelayMessage, error) {
	caller, err := s.Policy.RequirePrivileged(ctx)
	if err != nil {
		return nil, err
	}
	q := store.Query{
		Collection: store.Messages,
		Filters:    []store.Filter{store.Eq("status", domain.MessageDeadLettered)},
		OrderBy:    []store.Order{{Field: "deadLetteredAt", Desc: true}},
		Limit:      clampLimit(limit),
	}
	if target != "" {
		q.Filters = append(q.Filters, store.Eq("target", target))
	}
	msgs, err := store.QueryAs[domain.RelayMessage](ctx, s.Stores.Tenant(caller.TenantID), q)
	if err != nil {
		return nil, apperr.Upstream(err, "query dead letters")
	}
	return msgs, nil
}

type HistoryFilter struct {
	ThreadID    string
	Source      string
	Target      string
	MessageType domain.MessageType
	Status      domain.MessageStatus
	Since       string
	Until       string
	Limit       int
}

// GetSent lists messages the caller sent. Privileged callers may name any source.
func (s *Service) GetSent(ctx context.Context, f HistoryFilter) ([]domain.RelayMessage, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return nil, err
	}
	if f.Source == "" {
		f.Source = caller.ProgramID
	}
	if f.Source != caller.ProgramID && !s.Policy.IsPrivileged(caller) {
		return nil, apperr.AccessDenied("%s may not read messages sent by %s", caller.ProgramID, f.Source)
	}
	return s.history(ctx, caller.TenantID, f)
}

// History queries all messages. Privileged only. Results are oldest first
// when filtering by thread, newest first otherwise.
func (s *Service) History(ctx context.Context, f HistoryFilter) ([]domain.RelayMessage, error) {
	caller, err := s.Policy.RequirePrivileged(ctx)
	if err != nil {
		return nil, err
	}
	return s.history(ctx, caller.TenantID, f)
}

var messageStatuses = []domain.MessageStatus{domain.MessagePending, domain.MessageDelivered, domain.MessageDeadLettered}

func (s *Service) history(ctx context.Context, tenantID string, f HistoryFilter) ([]domain.RelayMessage, error) {
	var filters []store.Filter
	add := func(field string, op store.Op, v string) {
		if v != "" {
			filters = append(filters, store.Where(field, op, v))
		}
	}
	if f.MessageType != "" && !f.MessageType.Valid() {
		return nil, apperr.Validation("unknown messageType %q", f.MessageType)
	}
	if f.Status != "" && !slices.Contains(messageStatuses, f.Status) {
		return nil, apperr.Validation("unknown status %q", f.Status)
	}
	add("threadId", store.OpEq, f.ThreadID)
	add("source", store.OpEq, f.Source)
	add("target", store.OpEq, f.Target)
	add("messageType", store.OpEq, string(f.MessageType))
	add("status", store.OpEq, string(f.Status))
	add("createdAt", store.OpGte, f.Since)
	add("createdAt", store.OpLt, f.Until)
	msgs, err := store.QueryAs[domain.RelayMessage](ctx, s.Stores.Tenant(tenantID), store.Query{
		Collection: store.Messages,
		Filters:    filters,
		OrderBy:    []store.Order{{Field: "createdAt", Desc: f.ThreadID == ""}},
		Limit:      clampLimit(f.Limit),
	})
	if err != nil {
		return nil, apperr.Upstream(err, "query message history")
	}
	return msgs, nil
}

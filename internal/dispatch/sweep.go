package dispatch

import (
	"context"

	"switchyard/internal/apperr"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/store"
)

type ExpirySweepResult struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
}

// SweepExpired marks created items whose expiresAt passed. Status is left
// alone; expired items are no longer claimable. Safe to run repeatedly.
func (s *Service) SweepExpired(ctx context.Context, tenantID string) (ExpirySweepResult, error) {
	batch := s.SweepBatch
	if batch <= 0 {
		batch = defaultSweep
	}
	st := s.Stores.Tenant(tenantID)
	now := domain.FormatTime(s.now())
	due, err := store.QueryAs[domain.WorkItem](ctx, st, store.Query{
		Collection: store.WorkItems,
		Filters: []store.Filter{
			store.Eq("status", domain.StatusCreated),
			store.Eq("expired", false),
			store.Where("expiresAt", store.OpLte, now),
		},
		OrderBy: []store.Order{{Field: "expiresAt"}},
		Limit:   batch,
	})
	if err != nil {
		return ExpirySweepResult{}, apperr.Upstream(err, "query expired work items")
	}
	res := ExpirySweepResult{Scanned: len(due)}
	for _, candidate := range due {
		marked := false
		err := st.RunAtomic(ctx, func(tx store.Tx) error {
			item, err := getItem(ctx, tx, candidate.ID)
			if err != nil {
				return err
			}
			if item.Status != domain.StatusCreated || item.Expired || item.ExpiresAt == "" || item.ExpiresAt > now {
				return nil
			}
			marked = true
			return tx.Update(ctx, store.WorkItems, item.ID, map[string]any{"expired": true, "expiredAt": now})
		})
		if err != nil {
			s.Log.Warn().Err(err).Str("item", candidate.ID).Msg("ttl sweep: mark expired")
			continue
		}
		if !marked {
			continue
		}
		res.Expired++
		if s.Metrics != nil {
			s.Metrics.TasksExpired.Inc()
		}
		s.Events.Emit(ctx, tenantID, events.TaskExpired, events.Fields{"entityId": candidate.ID, "expiresAt": candidate.ExpiresAt})
	}
	return res, nil
}

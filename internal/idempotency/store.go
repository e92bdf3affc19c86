package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"switchyard/internal/domain"
	"switchyard/internal/store"
)

// Store keeps records in the tenant's idempotency collection. Expiry is
// checked on read; stale records are overwritten by the next Reserve.
type Store struct {
	Stores store.Provider
	Now    func() time.Time
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s Store) Reserve(ctx context.Context, scope Scope, ttl time.Duration) (*Record, bool, error) {
	var (
		existing *Record
		reserved bool
	)
	now := s.now()
	err := s.Stores.Tenant(scope.Tenant).RunAtomic(ctx, func(tx store.Tx) error {
		var rec Record
		err := tx.Get(ctx, store.Idempo, scope.docID(), &rec)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err == nil && rec.ExpiresAt > domain.FormatTime(now) {
			existing = &rec
			return nil
		}
		reserved = true
		return tx.Set(ctx, store.Idempo, scope.docID(), Record{
			State:     StateInflight,
			ExpiresAt: domain.FormatTime(now.Add(ttl)),
		}, false)
	})
	if err != nil {
		return nil, false, err
	}
	return existing, reserved, nil
}

func (s Store) Complete(ctx context.Context, scope Scope, result json.RawMessage, ttl time.Duration) error {
	return s.Stores.Tenant(scope.Tenant).Set(ctx, store.Idempo, scope.docID(), Record{
		State:     StateDone,
		Result:    result,
		ExpiresAt: domain.FormatTime(s.now().Add(ttl)),
	}, false)
}

func (s Store) Release(ctx context.Context, scope Scope) error {
	err := s.Stores.Tenant(scope.Tenant).Delete(ctx, store.Idempo, scope.docID())
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

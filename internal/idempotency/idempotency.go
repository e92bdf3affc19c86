// Package idempotency remembers the result of a send under a caller-chosen
// key so a retried request replays the original result instead of sending again.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	StateInflight = "inflight"
	StateDone     = "done"
)

// Scope identifies one record. Keys are private to tenant and source.
type Scope struct {
	Tenant string
	Source string
	Key    string
}

// RedisKey returns the namespaced Redis key for a scope.
func (s Scope) RedisKey() string {
	return fmt.Sprintf("switchyard:%s:idem:%s:%s", s.Tenant, s.Source, s.Key)
}

func (s Scope) docID() string {
	return s.Source + ":" + s.Key
}

type Record struct {
	State     string          `json:"state"`
	Result    json.RawMessage `json:"result,omitempty"`
	ExpiresAt string          `json:"expiresAt,omitempty"`
}

// Cache reserves a key before the guarded work runs, then either completes
// it with the result or releases it when the work failed.
type Cache interface {
	// Reserve claims scope for ttl. When a live record already exists it is
	// returned and reserved is false.
	Reserve(ctx context.Context, scope Scope, ttl time.Duration) (existing *Record, reserved bool, err error)
	Complete(ctx context.Context, scope Scope, result json.RawMessage, ttl time.Duration) error
	Release(ctx context.Context, scope Scope) error
}

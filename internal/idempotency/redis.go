package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keeps records as JSON strings with a TTL; SETNX makes Reserve atomic
// across processes.
type Redis struct {
	rdb *redis.Client
}

func NewRedis(opts *redis.Options) *Redis {
	return &Redis{rdb: redis.NewClient(opts)}
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *Redis) Reserve(ctx context.Context, scope Scope, ttl time.Duration) (*Record, bool, error) {
	key := scope.RedisKey()
	placeholder, err := json.Marshal(Record{State: StateInflight})
	if err != nil {
		return nil, false, err
	}
	ok, err := r.rdb.SetNX(ctx, key, placeholder, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if ok {
		return nil, true, nil
	}
	raw, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; try once more.
		ok, err = r.rdb.SetNX(ctx, key, placeholder, ttl).Result()
		if err != nil {
			return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if ok {
			return nil, true, nil
		}
		raw, err = r.rdb.Get(ctx, key).Bytes()
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return &rec, false, nil
}

func (r *Redis) Complete(ctx context.Context, scope Scope, result json.RawMessage, ttl time.Duration) error {
	data, err := json.Marshal(Record{State: StateDone, Result: result})
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, scope.RedisKey(), data, ttl).Err()
}

func (r *Redis) Release(ctx context.Context, scope Scope) error {
	return r.rdb.Del(ctx, scope.RedisKey()).Err()
}

// Package engine is the composition root. It opens the store, builds every
// service from config and runs the scheduled sweeps.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"switchyard/internal/authctx"
	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/directory"
	"switchyard/internal/dispatch"
	"switchyard/internal/events"
	"switchyard/internal/fieldcrypt"
	"switchyard/internal/idempotency"
	"switchyard/internal/issuesync"
	"switchyard/internal/observability"
	"switchyard/internal/outbound"
	"switchyard/internal/relay"
	"switchyard/internal/sprint"
	"switchyard/internal/store"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Log       zerolog.Logger
	Metrics   *observability.Metrics
	Now       func() time.Time
	// Inline runs outbound jobs synchronously instead of on the queue.
	Inline bool
}

type Engine struct {
	Config    *config.Config
	Log       zerolog.Logger
	Metrics   *observability.Metrics
	Store     store.SQLite
	Policy    authctx.Policy
	Directory directory.Directory
	Tasks     *dispatch.Service
	Relay     *relay.Service
	Sprints   *sprint.Service
	Events    events.Writer
	Now       func() time.Time

	keys  map[string][]byte
	queue *outbound.Queue
	redis *idempotency.Redis
}

func New(ctx context.Context, opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics()
	}
	log := opts.Log

	keys := map[string][]byte{}
	for tenant, encoded := range cfg.Auth.EncryptionKeys {
		key, err := fieldcrypt.DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("encryption key for tenant %s: %w", tenant, err)
		}
		keys[tenant] = key
	}

	st, err := store.Open(ctx, db.Config{Path: cfg.Store.Path, Workspace: opts.Workspace}, now)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	e := &Engine{Config: cfg, Log: log, Metrics: metrics, Store: st, Now: now, keys: keys}

	var enqueuer outbound.Enqueuer = outbound.Inline{Log: log}
	if !opts.Inline {
		e.queue = outbound.NewQueue(cfg.Outbound.Buffer, 2, log, metrics.OutboundDropped)
		enqueuer = e.queue
	}

	var idem idempotency.Cache = idempotency.Store{Stores: st, Now: now}
	if cfg.Redis.Addr != "" {
		e.redis = idempotency.NewRedis(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := e.redis.Ping(ctx); err != nil {
			e.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		idem = e.redis
	}

	var syncer issuesync.Syncer = issuesync.Noop{}
	if cfg.Sync.WebhookURL != "" {
		syncer = issuesync.Webhook{
			URL:     cfg.Sync.WebhookURL,
			Secret:  cfg.Sync.Secret,
			Timeout: cfg.SyncTimeout(),
			Client:  &http.Client{Timeout: cfg.SyncTimeout()},
			Queue:   enqueuer,
			Log:     log,
		}
	}

	e.Policy = authctx.Policy{Privileged: cfg.Auth.PrivilegedCapabilities}
	e.Events = events.Writer{Store: st, Queue: enqueuer, Metrics: metrics, Log: log, Now: now}
	e.Directory = directory.Directory{Stores: st, Log: log, Now: now, WriteBack: cfg.Presence.WriteBack}
	e.Tasks = &dispatch.Service{
		Stores:     st,
		Directory:  e.Directory,
		Policy:     e.Policy,
		Crypto:     fieldcrypt.AESGCM{},
		Sync:       syncer,
		Events:     e.Events,
		Metrics:    metrics,
		Log:        log.With().Str("component", "dispatch").Logger(),
		Now:        now,
		SweepBatch: cfg.Tasks.SweepBatchSize,
	}
	e.Relay = &relay.Service{
		Stores:              st,
		Directory:           e.Directory,
		Policy:              e.Policy,
		Tasks:               e.Tasks,
		Idempotency:         idem,
		Events:              e.Events,
		Metrics:             metrics,
		Log:                 log.With().Str("component", "relay").Logger(),
		Now:                 now,
		DefaultTTL:          time.Duration(cfg.Relay.DefaultTTLSeconds) * time.Second,
		MaxDeliveryAttempts: cfg.Relay.MaxDeliveryAttempts,
		SweepBatch:          cfg.Relay.SweepBatchSize,
		IdempotencyTTL:      time.Duration(cfg.Relay.IdempotencyTTLSeconds) * time.Second,
	}
	e.Sprints = &sprint.Service{
		Stores:             st,
		Tasks:              e.Tasks,
		Relay:              e.Relay,
		Policy:             e.Policy,
		Sync:               syncer,
		Events:             e.Events,
		Metrics:            metrics,
		Log:                log.With().Str("component", "sprint").Logger(),
		Now:                now,
		OrchestratorTarget: cfg.Sprint.OrchestratorTarget,
		RetryBackoff:       time.Duration(cfg.Sprint.RetryBackoffSeconds) * time.Second,
	}
	e.Tasks.Alerts = e.Relay
	e.Tasks.Stories = e.Sprints
	return e, nil
}

// Close drains the outbound queue and releases the store and Redis.
func (e *Engine) Close() error {
	if e.queue != nil {
		e.queue.Close()
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil {
			e.Log.Warn().Err(err).Msg("close redis")
		}
	}
	return e.Store.Close()
}

// Caller builds the auth context for an authenticated program, attaching the
// tenant's field encryption key when one is configured.
func (e *Engine) Caller(tenantID, programID, sessionID string, capabilities []string) authctx.Caller {
	return authctx.Caller{
		TenantID:     tenantID,
		ProgramID:    programID,
		SessionID:    sessionID,
		SessionKey:   e.keys[tenantID],
		Capabilities: capabilities,
	}
}

type TenantSweep struct {
	Tenant      string                      `json:"tenant"`
	Tasks       dispatch.ExpirySweepResult  `json:"tasks"`
	DeadLetters relay.DeadLetterSweepResult `json:"deadLetters"`
}

// SweepTenant runs the task TTL sweep and the dead-letter sweep for one tenant.
func (e *Engine) SweepTenant(ctx context.Context, tenantID string) (TenantSweep, error) {
	res := TenantSweep{Tenant: tenantID}
	var err error
	if res.Tasks, err = e.Tasks.SweepExpired(ctx, tenantID); err != nil {
		return res, err
	}
	if res.DeadLetters, err = e.Relay.SweepDeadLetters(ctx, tenantID); err != nil {
		return res, err
	}
	return res, nil
}

// Sweep runs both sweeps for every tenant in the store. A failing tenant is
// logged and skipped.
func (e *Engine) Sweep(ctx context.Context) ([]TenantSweep, error) {
	tenants, err := e.Store.Tenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	var out []TenantSweep
	for _, tenant := range tenants {
		res, err := e.SweepTenant(ctx, tenant)
		if err != nil {
			e.Log.Warn().Err(err).Str("tenant", tenant).Msg("sweep failed")
			continue
		}
		if res.Tasks.Expired > 0 || res.DeadLetters.DeadLettered > 0 {
			e.Log.Info().
				Str("tenant", tenant).
				Int("expired_tasks", res.Tasks.Expired).
				Int("dead_letters", res.DeadLetters.DeadLettered).
				Msg("sweep")
		}
		out = append(out, res)
	}
	return out, nil
}

// RunScheduler sweeps every interval until ctx is done.
func (e *Engine) RunScheduler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = e.Config.SweepInterval()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.Log.Warn().Err(err).Msg("scheduled sweep")
			}
		}
	}
}

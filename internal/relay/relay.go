// Package relay is ephemeral messaging between programs. Each resolved target
// gets its own message document, which ends either delivered or dead-lettered.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/apperr"
	"switchyard/internal/authctx"
	"switchyard/internal/directory"
	"switchyard/internal/dispatch"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/idempotency"
	"switchyard/internal/observability"
	"switchyard/internal/store"
)

const (
	DefaultTTL                 = time.Hour
	DefaultMaxDeliveryAttempts = 3
	DefaultSweepBatch          = 100
	DefaultIdempotencyTTL      = 24 * time.Hour

	defaultReadLimit = 50
	maxReadLimit     = 500
)

type Service struct {
	Stores      store.Provider
	Directory   directory.Directory
	Policy      authctx.Policy
	Tasks       *dispatch.Service
	Idempotency idempotency.Cache
	Events      events.Sink
	Metrics     *observability.Metrics
	Log         zerolog.Logger
	Now         func() time.Time

	DefaultTTL          time.Duration
	MaxDeliveryAttempts int
	SweepBatch          int
	IdempotencyTTL      time.Duration
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) ttl() time.Duration {
	if s.DefaultTTL > 0 {
		return s.DefaultTTL
	}
	return DefaultTTL
}

func (s *Service) maxAttempts() int {
	if s.MaxDeliveryAttempts > 0 {
		return s.MaxDeliveryAttempts
	}
	return DefaultMaxDeliveryAttempts
}

type SendInput struct {
	Message string
	domain.Envelope
	MessageType       domain.MessageType
	StructuredPayload map[string]any
	IdempotencyKey    string
}

type SendResult struct {
	MessageID     string   `json:"messageId,omitempty"`
	MulticastID   string   `json:"multicastId,omitempty"`
	MessageIDs    []string `json:"messageIds"`
	Targets       []string `json:"targets"`
	SummaryTaskID string   `json:"summaryTaskId,omitempty"`
	Replayed      bool     `json:"replayed,omitempty"`
}

// Send writes one pending message per resolved target. With an idempotency
// key, a repeat of a completed send replays its result and writes nothing.
func (s *Service) Send(ctx context.Context, in SendInput) (SendResult, error) {
	caller, err := authctx.Require(ctx)
	if err != nil {
		return SendResult{}, err
	}
	if in.Source == "" {
		in.Source = caller.ProgramID
	}
	if in.Source != caller.ProgramID && !s.Policy.IsPrivileged(caller) {
		return SendResult{}, apperr.AccessDenied("%s may not send on behalf of %s", caller.ProgramID, in.Source)
	}
	if err := validateSend(&in); err != nil {
		return SendResult{}, err
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" || s.Idempotency == nil {
		return s.send(ctx, caller, in, false)
	}

	scope := idempotency.Scope{Tenant: caller.TenantID, Source: in.Source, Key: key}
	idemTTL := s.IdempotencyTTL
	if idemTTL <= 0 {
		idemTTL = DefaultIdempotencyTTL
	}
	existing, reserved, err := s.Idempotency.Reserve(ctx, scope, idemTTL)
	if err != nil {
		return SendResult{}, apperr.Upstream(err, "reserve idempotency key")
	}
	if !reserved {
		if existing.State != idempotency.StateDone {
			return SendResult{}, apperr.Precondition("a send with idempotency key %q is already in progress", key)
		}
		var replay SendResult
		if err := json.Unmarshal(existing.Result, &replay); err != nil {
			return SendResult{}, apperr.Upstream(err, "decode idempotent result")
		}
		replay.Replayed = true
		return replay, nil
	}
	res, err := s.send(ctx, caller, in, false)
	if err != nil {
		if rerr := s.Idempotency.Release(ctx, scope); rerr != nil {
			s.Log.Warn().Err(rerr).Str("key", key).Msg("release idempotency key")
		}
		return SendResult{}, err
	}
	data, err := json.Marshal(res)
	if err == nil {
		err = s.Idempotency.Complete(ctx, scope, data, idemTTL)
	}
	if err != nil {
		s.Log.Warn().Err(err).Str("key", key).Msg("record idempotent result")
	}
	return res, nil
}

func validateSend(in *SendInput) error {
	if strings.TrimSpace(in.Message) == "" {
		return apperr.Validation("message is required")
	}
	if strings.TrimSpace(in.Target) == "" {
		return apperr.Validation("target is required")
	}
	if !in.MessageType.Valid() {
		return apperr.Validation("unknown messageType %q", in.MessageType)
	}
	in.Envelope.Normalize()
	if !in.Priority.Valid() {
		return apperr.Validation("unknown priority %q", in.Priority)
	}
	if !in.Action.Valid() {
		return apperr.Validation("unknown action %q", in.Action)
	}
	if in.TTLSeconds != nil && *in.TTLSeconds <= 0 {
		return apperr.Validation("ttlSeconds must be positive")
	}
	return nil
}

// send resolves and writes. literalTarget delivers to the target as given
// when the directory does not know it; only system notices use it.
func (s *Service) send(ctx context.Context, caller authctx.Caller, in SendInput, literalTarget bool) (SendResult, error) {
	st := s.Stores.Tenant(caller.TenantID)
	res, err := s.Directory.Resolve(ctx, st, in.Target, in.Fallback)
	if err != nil {
		if !literalTarget || !apperr.Is(err, apperr.KindAccessDenied) {
			return SendResult{}, err
		}
		res = directory.Resolution{Requested: in.Target, Resolved: in.Target, Kind: directory.TargetProgram, Targets: []string{in.Target}}
	}
	s.checkShape(ctx, caller.TenantID, in)

	now := s.now()
	ttl := s.ttl()
	if in.TTLSeconds != nil {
		ttl = time.Duration(*in.TTLSeconds) * time.Second
	}
	multicastID := ""
	if len(res.Targets) > 1 {
		multicastID = uuid.NewString()
	}
	out := SendResult{MulticastID: multicastID, Targets: res.Targets}
	var writes []store.Write
	for _, target := range res.Targets {
		env := in.Envelope
		env.Target = target
		msg := domain.RelayMessage{
			ID:                  uuid.NewString(),
			Envelope:            env,
			PriorityRank:        in.Priority.Rank(),
			MessageType:         in.MessageType,
			Payload:             in.Message,
			StructuredPayload:   in.StructuredPayload,
			Status:              domain.MessagePending,
			MaxDeliveryAttempts: s.maxAttempts(),
			CreatedAt:           domain.FormatTime(now),
			ExpiresAt:           domain.FormatTime(now.Add(ttl)),
			MulticastID:         multicastID,
		}
		out.MessageIDs = append(out.MessageIDs, msg.ID)
		writes = append(writes, store.Write{Collection: store.Messages, ID: msg.ID, Doc: msg})
	}
	if len(out.MessageIDs) == 1 {
		out.MessageID = out.MessageIDs[0]
	}

	var summary *domain.WorkItem
	if multicastID != "" && s.Tasks != nil {
		item, err := s.Tasks.Prepare(ctx, caller, dispatch.CreateInput{
			Kind:         domain.KindTask,
			Title:        summaryTitle(in.MessageType, res.Resolved, in.Message),
			Instructions: in.Message,
			Envelope: domain.Envelope{
				Source:   in.Source,
				Target:   res.Resolved,
				Priority: in.Priority,
				Action:   in.Action,
				ThreadID: in.ThreadID,
				ReplyTo:  in.ReplyTo,
			},
		})
		if err != nil {
			return SendResult{}, err
		}
		item.MulticastID = multicastID
		summary = &item
		out.SummaryTaskID = item.ID
		writes = append(writes, store.Write{Collection: store.WorkItems, ID: item.ID, Doc: item})
	}
	if err := st.BatchWrite(ctx, writes); err != nil {
		return SendResult{}, apperr.Upstream(err, "write relay messages")
	}

	if s.Metrics != nil {
		s.Metrics.MessagesSent.WithLabelValues(string(in.MessageType)).Add(float64(len(out.MessageIDs)))
	}
	if summary != nil {
		s.Tasks.Announce(ctx, caller, *summary)
	}
	s.Events.Emit(ctx, caller.TenantID, events.MessageSent, events.Fields{
		"entityId":    firstNonEmpty(out.MulticastID, out.MessageID),
		"programId":   caller.ProgramID,
		"messageType": in.MessageType,
		"target":      res.Requested,
		"fanout":      len(out.MessageIDs),
		"viaFallback": res.ViaFallback,
	})
	return out, nil
}

func summaryTitle(t domain.MessageType, target, message string) string {
	const maxTitle = 80
	text := strings.Join(strings.Fields(message), " ")
	if utf8.RuneCountInString(text) > maxTitle {
		text = string([]rune(text)[:maxTitle]) + "..."
	}
	return fmt.Sprintf("%s to %s: %s", t, target, text)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// payloadKeys lists the field a structured payload of each type is expected to carry.
var payloadKeys = map[domain.MessageType]string{
	domain.MessageTypeStatus: "state",
	domain.MessageResult:     "outcome",
	domain.MessageQuery:      "question",
	domain.MessageDirective:  "command",
	domain.MessageAck:        "ackedId",
	domain.MessageHandshake:  "capabilities",
}

// checkShape warns when a structured payload misses its type's key. The send proceeds.
func (s *Service) checkShape(ctx context.Context, tenantID string, in SendInput) {
	if in.StructuredPayload == nil {
		return
	}
	want, ok := payloadKeys[in.MessageType]
	if !ok {
		return
	}
	if _, present := in.StructuredPayload[want]; present {
		return
	}
	s.Log.Warn().Str("messageType", string(in.MessageType)).Str("missing", want).Msg("structured payload does not match message type")
	s.Events.Emit(ctx, tenantID, events.PayloadShape, events.Fields{
		"messageType": in.MessageType,
		"missing":     want,
		"source":      in.Source,
	})
}

// Notice is a message the system itself sends.
type Notice struct {
	Source      string
	Target      string
	MessageType domain.MessageType
	Message     string
	Payload     map[string]any
	Priority    domain.Priority
	Action      domain.Action
	TTLSeconds  int
	ThreadID    string
}

// Notify sends a system notice. A target the directory does not know is
// delivered to as a literal program id.
func (s *Service) Notify(ctx context.Context, tenantID string, n Notice) (SendResult, error) {
	if n.Source == "" {
		n.Source = "switchyard"
	}
	caller := authctx.Caller{TenantID: tenantID, ProgramID: n.Source, Capabilities: s.Policy.Privileged}
	in := SendInput{
		Message:           n.Message,
		MessageType:       n.MessageType,
		StructuredPayload: n.Payload,
		Envelope: domain.Envelope{
			Source:   n.Source,
			Target:   n.Target,
			Priority: n.Priority,
			Action:   n.Action,
			ThreadID: n.ThreadID,
		},
	}
	if n.TTLSeconds > 0 {
		in.TTLSeconds = &n.TTLSeconds
	}
	if err := validateSend(&in); err != nil {
		return SendResult{}, err
	}
	return s.send(ctx, caller, in, true)
}

// Alert delivers a budget alert as a high-priority STATUS notice.
func (s *Service) Alert(ctx context.Context, tenantID string, a dispatch.Alert) error {
	_, err := s.Notify(ctx, tenantID, Notice{
		Target:      a.Target,
		MessageType: domain.MessageTypeStatus,
		Message:     a.Text,
		Payload:     a.Payload,
		Priority:    domain.PriorityHigh,
		Action:      domain.ActionInterrupt,
		TTLSeconds:  dispatch.BudgetAlertTTLSeconds,
	})
	return err
}

// Package router implements the message ingest contract: validate the
// envelope, resolve idempotency and routing policy, redact the payload, and
// persist + publish atomically.
package router

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/PSEUDONYM97/zeroclaw/internal/apierr"
	"github.com/PSEUDONYM97/zeroclaw/internal/eventbus"
	"github.com/PSEUDONYM97/zeroclaw/internal/redact"
	"github.com/PSEUDONYM97/zeroclaw/internal/registry"
)

const maxPayloadBytes = 64 * 1024
const maxHopCount = 8

// Envelope is the caller-supplied ingest body (canonical fields from the
// external interface contract).
type Envelope struct {
	From           string          `json:"from"`
	To             string          `json:"to"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	TTLSeconds     *int            `json:"ttl_seconds,omitempty"`
	HopCount       int             `json:"-"`
}

// Result is the ingest response: `{id, status, created_at}`.
type Result struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// MessageEventPublished is broadcast on the Event Bus whenever Send
// persists a new message (duplicate-suppressed sends publish nothing).
type MessageEventPublished struct {
	MessageID string
	Kind      string
}

// Router ties the registry, redactor and event bus together for ingest.
type Router struct {
	Reg               *registry.Registry
	Bus               *eventbus.Bus
	Redactor          *redact.Redactor
	DefaultTTL        time.Duration
	DefaultMaxRetries int
}

// New constructs a Router with the control plane's default policy values.
func New(reg *registry.Registry, bus *eventbus.Bus, defaultTTL time.Duration, defaultMaxRetries int) *Router {
	return &Router{
		Reg:               reg,
		Bus:               bus,
		Redactor:          redact.Default(),
		DefaultTTL:        defaultTTL,
		DefaultMaxRetries: defaultMaxRetries,
	}
}

// Send implements the ingest contract described in the component design
// section: validate, evaluate policy, redact, persist, publish. Rejection is
// synchronous and never enqueues a row. Idempotency is resolved by
// EnqueueMessage itself, inside the same write transaction as the insert;
// Send treats a registry.ErrIdempotentReplay as success and returns the
// prior result instead of publishing a second queued event.
func (rt *Router) Send(env Envelope) (*Result, error) {
	if err := rt.validate(env); err != nil {
		return nil, err
	}

	from, err := rt.Reg.GetInstanceByName(env.From)
	if err != nil || from.ArchivedAt != nil {
		return nil, apierr.New(apierr.KindValidation, "from instance does not exist or is archived").WithField("from", env.From)
	}
	to, err := rt.Reg.GetInstanceByName(env.To)
	if err != nil || to.ArchivedAt != nil {
		return nil, apierr.New(apierr.KindValidation, "to instance does not exist or is archived").WithField("to", env.To)
	}

	rule, err := rt.Reg.MatchRoutingRule(env.From, env.To, env.Type)
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "policy lookup failed")
	}
	if rule == nil {
		return nil, apierr.New(apierr.KindForbidden, "no routing rule admits this message")
	}

	ttl := rt.DefaultTTL
	if rule.TTLSeconds != nil {
		ttl = time.Duration(*rule.TTLSeconds) * time.Second
	} else if env.TTLSeconds != nil {
		ttl = time.Duration(*env.TTLSeconds) * time.Second
	}
	if ttl < 5*time.Minute {
		ttl = 5 * time.Minute
	}
	if ttl > 24*time.Hour {
		ttl = 24 * time.Hour
	}

	maxRetries := rt.DefaultMaxRetries
	if rule.MaxRetries != nil {
		maxRetries = *rule.MaxRetries
	}

	redactedPayload, err := rt.redactPayload(env.Payload)
	if err != nil {
		return nil, apierr.New(apierr.KindValidation, "payload is not valid JSON")
	}
	if len(redactedPayload) > maxPayloadBytes {
		return nil, apierr.New(apierr.KindValidation, "payload exceeds 64 KiB after redaction")
	}

	var correlationID *string
	if env.CorrelationID != "" {
		correlationID = &env.CorrelationID
	}

	m, err := rt.Reg.EnqueueMessage(registry.EnqueueParams{
		FromInstance:   env.From,
		ToInstance:     env.To,
		Type:           env.Type,
		Payload:        string(redactedPayload),
		CorrelationID:  correlationID,
		IdempotencyKey: env.IdempotencyKey,
		TTL:            ttl,
		MaxRetries:     maxRetries,
		HopCount:       env.HopCount,
	})
	if errors.Is(err, registry.ErrIdempotentReplay) {
		return &Result{ID: m.ID, Status: m.Status, CreatedAt: registry.FormatWire(m.CreatedAt)}, nil
	}
	if err != nil {
		return nil, apierr.New(apierr.KindInternal, "failed to persist message")
	}

	if rt.Bus != nil {
		rt.Bus.Publish(MessageEventPublished{MessageID: m.ID, Kind: registry.EvtQueued})
	}

	return &Result{ID: m.ID, Status: m.Status, CreatedAt: registry.FormatWire(m.CreatedAt)}, nil
}

func (rt *Router) validate(env Envelope) error {
	if env.From == "" || env.To == "" {
		return apierr.New(apierr.KindValidation, "from and to are required")
	}
	if env.Type == "" {
		return apierr.New(apierr.KindValidation, "type is required")
	}
	if env.IdempotencyKey == "" {
		return apierr.New(apierr.KindValidation, "idempotency_key is required")
	}
	if env.HopCount > maxHopCount {
		return apierr.New(apierr.KindValidation, "hop_count exceeds maximum").WithField("hop_count", "8")
	}
	return nil
}

// redactPayload decodes the payload as JSON, applies redaction, and
// re-encodes it for storage.
func (rt *Router) redactPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, err
	}
	redacted := rt.Redactor.Value(decoded)
	return json.Marshal(redacted)
}

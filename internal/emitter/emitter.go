// Package emitter constructs canonical event envelopes for every significant
// mutation and routes them to an online transport or the durable offline
// queue. Emission is fail-safe: it never propagates an error to the caller.
package emitter

import (
	"context"
	"time"

	"github.com/speckitty/speckitty/internal/eventstore"
	"github.com/speckitty/speckitty/internal/log"
)

// Aggregate types used in envelopes.
const (
	AggregateWorkPackage = "work_package"
	AggregateFeature     = "feature"
	AggregateExecution   = "execution"
)

// Event types used in envelopes.
const (
	TypeStatusTransition = "status.transition"
	TypeWPCreated        = "wp.created"
	TypeWPAssigned       = "wp.assigned"
	TypeFeatureCreated   = "feature.created"
	TypeHistoryNote      = "history.note"
	TypeExecution        = "execution.telemetry"
)

// Scope binds an emitter to one account. Queue entries are keyed by scope so
// switching accounts never leaks events across queues.
type Scope struct {
	ServerURL string `json:"server_url"`
	Username  string `json:"username"`
	TeamSlug  string `json:"team_slug"`
}

// Envelope is the canonical wire shape for emitted events.
type Envelope struct {
	EventID       string         `json:"event_id"`
	EventType     string         `json:"event_type"`
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Payload       map[string]any `json:"payload"`
	NodeID        string         `json:"node_id"`
	LamportClock  uint64         `json:"lamport_clock"`
	CausationID   string         `json:"causation_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	TeamSlug      string         `json:"team_slug"`
}

// Transport delivers envelopes to the server while online.
type Transport interface {
	// Connected reports whether the transport believes it can deliver
	// right now (connectivity and authentication).
	Connected() bool
	Send(ctx context.Context, env *Envelope) error
}

// Queue durably stores envelopes for later sync.
type Queue interface {
	Enqueue(scope Scope, env *Envelope) error
}

// Emitter builds envelopes and routes them transport-first with queue
// fallback. A nil transport means offline-only operation.
type Emitter struct {
	scope     Scope
	clock     *Clock
	transport Transport
	queue     Queue
}

// New creates an emitter bound to one account scope.
func New(scope Scope, clock *Clock, transport Transport, queue Queue) *Emitter {
	return &Emitter{scope: scope, clock: clock, transport: transport, queue: queue}
}

// Scope returns the account scope this emitter is bound to.
func (em *Emitter) Scope() Scope { return em.scope }

// Emit constructs and routes one envelope. Identifier fields are normalized;
// a rejected id or any downstream failure logs once and returns nil rather
// than surfacing an error, so emission can never break the mutation that
// triggered it.
func (em *Emitter) Emit(ctx context.Context, eventType, aggregateType, aggregateID string, payload map[string]any) *Envelope {
	return em.emit(ctx, eventType, aggregateType, aggregateID, payload, "", "")
}

// EmitCaused is Emit with causal lineage attached.
func (em *Emitter) EmitCaused(ctx context.Context, eventType, aggregateType, aggregateID string, payload map[string]any, causationID, correlationID string) *Envelope {
	return em.emit(ctx, eventType, aggregateType, aggregateID, payload, causationID, correlationID)
}

// EmitStatusTransition emits the envelope form of a stored status event,
// reusing its event_id so the log line and the envelope correlate.
func (em *Emitter) EmitStatusTransition(ctx context.Context, e *eventstore.StatusEvent) *Envelope {
	env := &Envelope{
		EventID:       e.EventID,
		EventType:     TypeStatusTransition,
		AggregateID:   e.FeatureSlug + "/" + e.WPID,
		AggregateType: AggregateWorkPackage,
		Payload: map[string]any{
			"feature_slug":   e.FeatureSlug,
			"wp_id":          e.WPID,
			"from_lane":      string(e.FromLane),
			"to_lane":        string(e.ToLane),
			"actor":          e.Actor,
			"force":          e.Force,
			"execution_mode": e.ExecutionMode,
			"at":             e.At.Format(time.RFC3339Nano),
		},
		CausationID:   e.CausationID,
		CorrelationID: e.CorrelationID,
	}
	if e.Reason != "" {
		env.Payload["reason"] = e.Reason
	}
	if e.ReviewRef != "" {
		env.Payload["review_ref"] = e.ReviewRef
	}
	return em.finishAndRoute(ctx, env)
}

func (em *Emitter) emit(ctx context.Context, eventType, aggregateType, aggregateID string, payload map[string]any, causationID, correlationID string) *Envelope {
	env := &Envelope{
		EventID:       eventstore.NewEventID(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Payload:       payload,
		CausationID:   causationID,
		CorrelationID: correlationID,
	}
	return em.finishAndRoute(ctx, env)
}

func (em *Emitter) finishAndRoute(ctx context.Context, env *Envelope) *Envelope {
	id, err := NormalizeID(env.EventID)
	if err != nil {
		log.ErrorErr(log.CatEmit, "Dropping envelope with invalid event_id", err, "type", env.EventType)
		return nil
	}
	env.EventID = id
	if env.CausationID != "" {
		if env.CausationID, err = NormalizeID(env.CausationID); err != nil {
			log.ErrorErr(log.CatEmit, "Dropping envelope with invalid causation_id", err, "type", env.EventType)
			return nil
		}
	}
	if env.CorrelationID != "" {
		if env.CorrelationID, err = NormalizeID(env.CorrelationID); err != nil {
			log.ErrorErr(log.CatEmit, "Dropping envelope with invalid correlation_id", err, "type", env.EventType)
			return nil
		}
	}

	env.NodeID = NodeID()
	env.LamportClock = em.clock.Tick()
	env.Timestamp = time.Now().UTC()
	env.TeamSlug = em.scope.TeamSlug

	em.route(ctx, env)
	return env
}

// route tries the online transport first and falls back to the durable queue
// on any failure. A queue rejection (capacity) is logged as a warning; the
// envelope is still returned to the caller.
func (em *Emitter) route(ctx context.Context, env *Envelope) {
	if em.transport != nil && em.transport.Connected() {
		err := em.transport.Send(ctx, env)
		if err == nil {
			log.Debug(log.CatEmit, "Event sent", "type", env.EventType, "eventID", env.EventID)
			return
		}
		log.Warn(log.CatEmit, "Transport send failed; falling back to queue",
			"type", env.EventType, "eventID", env.EventID, "error", err)
	}
	if em.queue == nil {
		log.Warn(log.CatEmit, "No queue configured; event not persisted", "eventID", env.EventID)
		return
	}
	if err := em.queue.Enqueue(em.scope, env); err != nil {
		log.Warn(log.CatEmit, "Queue rejected event", "eventID", env.EventID, "error", err)
	}
}

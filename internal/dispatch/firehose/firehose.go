// Package firehose fans out dispatcher events to subscribed clients over
// server-sent events, keyed by a client-chosen session UUID: one topic per
// session, one Event per (job, category) publication. Its fan-out bus
// (bus.go) is adapted from the teacher's generic in-memory pubsub.PubSub[T],
// narrowed to firehose's own ordered, no-drop delivery requirement.
package firehose

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/forgelabs/dispatchd/internal/dispatch/types"
)

// Category names the kind of event published for a job. The core only ever
// emits these two; job types may not introduce new categories.
type Category string

const (
	// CategorySelf carries "created" and "finalized" payloads.
	CategorySelf Category = "self"
	// CategoryStatus carries a frozen JobStatus payload.
	CategoryStatus Category = "status"
)

// Event is one firehose publication: ("job", jobUUID, category) -> payload,
// matching spec.md's wire tuple but typed instead of a loose tuple.
type Event struct {
	JobUUID  uuid.UUID
	Category Category
	Payload  interface{}
}

// Hub fans Events out to subscribed sessions. Each session subscribes to
// every event published while it is active; filtering by job is the
// caller's responsibility (the core publishes to all sessions registered
// for a job at creation time, per spec.md's firehoseSession parameter).
type Hub struct {
	ps *bus[Event]

	mu       sync.Mutex
	sessions map[uuid.UUID]map[string]struct{} // session -> set of topics it's subscribed to, for Close bookkeeping
}

// NewHub creates an empty firehose hub.
func NewHub() *Hub {
	return &Hub{
		ps:       newBus[Event](64),
		sessions: make(map[uuid.UUID]map[string]struct{}),
	}
}

func topicFor(session uuid.UUID) string {
	return "firehose." + session.String()
}

// Subscribe opens a subscription for session. The returned channel receives
// every Event published to this session until ctx is done or the returned
// cancel func is called.
func (h *Hub) Subscribe(ctx context.Context, session uuid.UUID) (<-chan Message[Event], func(), error) {
	ch, cancel, err := h.ps.subscribe(ctx, topicFor(session))
	if err != nil {
		return nil, nil, err
	}

	h.mu.Lock()
	if h.sessions[session] == nil {
		h.sessions[session] = make(map[string]struct{})
	}
	h.sessions[session][topicFor(session)] = struct{}{}
	h.mu.Unlock()

	return ch, cancel, nil
}

// Publish delivers event to session. Publishing to a session with no
// subscriber is a silent no-op (mirrors rmake: firehose events to a session
// that never subscribed, or already disconnected, are simply dropped).
func (h *Hub) Publish(ctx context.Context, session uuid.UUID, event Event) error {
	return h.ps.publish(ctx, topicFor(session), event)
}

// PublishCreated emits CategorySelf="created" for jobUUID to session.
func (h *Hub) PublishCreated(ctx context.Context, session, jobUUID uuid.UUID) error {
	return h.Publish(ctx, session, Event{JobUUID: jobUUID, Category: CategorySelf, Payload: "created"})
}

// PublishFinalized emits CategorySelf="finalized" for jobUUID to session.
func (h *Hub) PublishFinalized(ctx context.Context, session, jobUUID uuid.UUID) error {
	return h.Publish(ctx, session, Event{JobUUID: jobUUID, Category: CategorySelf, Payload: "finalized"})
}

// PublishStatus emits CategoryStatus with status for jobUUID to session.
func (h *Hub) PublishStatus(ctx context.Context, session, jobUUID uuid.UUID, status types.JobStatus) error {
	return h.Publish(ctx, session, Event{JobUUID: jobUUID, Category: CategoryStatus, Payload: status})
}

// Close shuts the hub down, disconnecting every session.
func (h *Hub) Close() error {
	return h.ps.close()
}

// SessionFromString parses a firehose session identifier, returning
// InvalidFirehoseSession-flavored errors the caller can map to an RPC
// fault; kept here rather than in the rpc package since both the RPC
// surface and the SSE handler need it.
func SessionFromString(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("invalid firehose session %q: %w", s, err)
	}
	return id, nil
}

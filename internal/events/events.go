// Package events implements the per-project live event bus: every domain
// mutation publishes an envelope here, and GET /v1/status/stream consumers
// subscribe with a server-side filter. Built on the same go-redis Pub/Sub
// client the ephemeral store uses for presence and reservations.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chronicle/api/internal/ephemeral"
)

type Type string

const (
	TypeBeadClaimed          Type = "bead.claimed"
	TypeBeadUnclaimed        Type = "bead.unclaimed"
	TypeBeadStatusChanged    Type = "bead.status_changed"
	TypeMessageDelivered     Type = "message.delivered"
	TypeMessageAcknowledged  Type = "message.acknowledged"
	TypeChatMessageSent      Type = "chat.message_sent"
	TypeEscalationCreated    Type = "escalation.created"
	TypeEscalationResponded  Type = "escalation.responded"
	TypeReservationAcquired  Type = "reservation.acquired"
	TypeReservationReleased  Type = "reservation.released"
	TypeReservationRenewed   Type = "reservation.renewed"
	TypeSyncCompleted       Type = "sync.completed"
)

// Envelope is the common shape of every published event. Fields is the
// typed per-event payload, kept as a map so encoding/json round-trips it
// without a type switch at the bus layer; handlers downstream decode the
// fields they care about.
type Envelope struct {
	Sequence  uint64         `json:"sequence"`
	Type      Type           `json:"type"`
	Project   string         `json:"project"`
	Workspace string         `json:"workspace,omitempty"`
	Repo      string         `json:"repo,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Bus publishes and fans out events for a single process. Sequence numbers
// are assigned per-project so a subscriber can detect a gap (dropped
// event) by comparing consecutive sequence numbers.
type Bus struct {
	store *ephemeral.Store

	mu  sync.Mutex
	seq map[string]uint64
}

func NewBus(store *ephemeral.Store) *Bus {
	return &Bus{store: store, seq: make(map[string]uint64)}
}

func (b *Bus) nextSequence(project string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq[project]++
	return b.seq[project]
}

// Publish assigns the next sequence number for the project and publishes
// the envelope on the project's Redis channel.
func (b *Bus) Publish(ctx context.Context, project string, typ Type, workspace, repo string, fields map[string]any) error {
	env := Envelope{
		Sequence:  b.nextSequence(project),
		Type:      typ,
		Project:   project,
		Workspace: workspace,
		Repo:      repo,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	if err := b.store.PublishEvent(ctx, project, payload); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Filter narrows a subscription to a subset of events, applied
// server-side after the Redis subscription is already live.
type Filter struct {
	Repo       string
	HumanName  string
	EventTypes []Type
}

func (f Filter) matches(env Envelope, humanNameOf func(workspace string) string) bool {
	if f.Repo != "" && f.Repo != env.Repo {
		return false
	}
	if f.HumanName != "" && humanNameOf != nil && humanNameOf(env.Workspace) != f.HumanName {
		return false
	}
	if len(f.EventTypes) > 0 {
		ok := false
		for _, t := range f.EventTypes {
			if t == env.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

const subscriberBufferSize = 64

// Subscription is a bounded, filtered view of a project's event stream.
// Events published faster than the consumer reads are dropped once the
// buffer fills; Dropped() reports whether that has happened so the
// consumer can tell its caller to re-read REST state instead of trusting
// the stream as authoritative.
type Subscription struct {
	Events <-chan Envelope

	dropped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe opens a Redis subscription on the project's channel and
// returns a filtered, bounded local stream once Redis has confirmed the
// subscription. humanNameOf resolves a workspace id to its current
// human_name for the human_name filter; it may be nil if that filter is
// unused.
func (b *Bus) Subscribe(ctx context.Context, project string, filter Filter, humanNameOf func(workspace string) string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	pubsub := b.store.SubscribeEvents(subCtx, project)
	if _, err := pubsub.Receive(subCtx); err != nil {
		_ = pubsub.Close()
		cancel()
		return nil, fmt.Errorf("subscribe events: %w", err)
	}

	out := make(chan Envelope, subscriberBufferSize)
	sub := &Subscription{Events: out, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					continue
				}
				if !filter.matches(env, humanNameOf) {
					continue
				}
				select {
				case out <- env:
				default:
					sub.dropped.Store(true)
				}
			}
		}
	}()

	return sub, nil
}

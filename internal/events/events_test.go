package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chronicle/api/internal/ephemeral"
)

func newTestBus(t *testing.T) *Bus {
	s := miniredis.RunT(t)
	t.Cleanup(s.Close)
	store, err := ephemeral.NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("ephemeral.NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewBus(store)
}

func TestPublishAndSubscribe(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "proj-1", Filter{}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "proj-1", TypeBeadClaimed, "ws-1", "repo-a", map[string]any{"bead_id": "bd-1"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-sub.Events:
		if env.Type != TypeBeadClaimed || env.Sequence != 1 {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeFiltersByEventType(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "proj-1", Filter{EventTypes: []Type{TypeChatMessageSent}}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "proj-1", TypeBeadClaimed, "ws-1", "repo-a", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "proj-1", TypeChatMessageSent, "ws-1", "repo-a", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-sub.Events:
		if env.Type != TypeChatMessageSent {
			t.Fatalf("expected only chat.message_sent to pass the filter, got %s", env.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestSubscribeFiltersByRepo(t *testing.T) {
	bus := newTestBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "proj-1", Filter{Repo: "repo-b"}, nil)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := bus.Publish(ctx, "proj-1", TypeBeadClaimed, "ws-1", "repo-a", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := bus.Publish(ctx, "proj-1", TypeBeadClaimed, "ws-2", "repo-b", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case env := <-sub.Events:
		if env.Repo != "repo-b" {
			t.Fatalf("expected only repo-b event, got %s", env.Repo)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}
}

func TestSequenceIncreasesPerProject(t *testing.T) {
	bus := newTestBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := bus.Publish(ctx, "proj-1", TypeBeadClaimed, "ws-1", "repo-a", nil); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if bus.seq["proj-1"] != 3 {
		t.Fatalf("expected sequence 3, got %d", bus.seq["proj-1"])
	}

	if err := bus.Publish(ctx, "proj-2", TypeBeadClaimed, "ws-1", "repo-a", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if bus.seq["proj-2"] != 1 {
		t.Fatalf("expected independent sequence for proj-2, got %d", bus.seq["proj-2"])
	}
}

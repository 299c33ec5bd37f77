package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*Store, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewStorePings(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	defer store.Close()

	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestTouchAndGetPresence(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	state := PresenceState{WorkspaceID: "ws-1", Alias: "swift-falcon", LastSeenAt: time.Now()}

	if err := store.TouchPresence(ctx, "proj-1", state, time.Minute); err != nil {
		t.Fatalf("TouchPresence failed: %v", err)
	}

	got, found, err := store.GetPresence(ctx, "proj-1", "ws-1")
	if err != nil {
		t.Fatalf("GetPresence failed: %v", err)
	}
	if !found {
		t.Fatal("expected presence to be found")
	}
	if got.Alias != "swift-falcon" {
		t.Errorf("expected alias swift-falcon, got %s", got.Alias)
	}
}

func TestPresenceExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	state := PresenceState{WorkspaceID: "ws-1", Alias: "swift-falcon", LastSeenAt: time.Now()}
	if err := store.TouchPresence(ctx, "proj-1", state, time.Millisecond); err != nil {
		t.Fatalf("TouchPresence failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	_, found, err := store.GetPresence(ctx, "proj-1", "ws-1")
	if err != nil {
		t.Fatalf("GetPresence failed: %v", err)
	}
	if found {
		t.Error("expected presence to have expired")
	}
}

func TestListPresenceSince(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	now := time.Now()
	for i, alias := range []string{"ws-new", "ws-old"} {
		ts := now.Add(-time.Duration(i) * time.Hour)
		state := PresenceState{WorkspaceID: alias, Alias: alias, LastSeenAt: ts}
		if err := store.TouchPresence(ctx, "proj-1", state, time.Hour); err != nil {
			t.Fatalf("TouchPresence %s failed: %v", alias, err)
		}
	}

	ids, err := store.ListPresenceSince(ctx, "proj-1", now.Add(-30*time.Minute))
	if err != nil {
		t.Fatalf("ListPresenceSince failed: %v", err)
	}
	if len(ids) != 1 || ids[0] != "ws-new" {
		t.Errorf("expected only ws-new since threshold, got %v", ids)
	}
}

func TestAcquireReservationConflict(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	res := Reservation{Path: "src/app.go", WorkspaceID: "ws-1", Alias: "swift-falcon", Reason: "refactor"}
	if _, err := store.AcquireReservation(ctx, "proj-1", res, time.Minute); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	other := Reservation{Path: "src/app.go", WorkspaceID: "ws-2", Alias: "bright-otter", Reason: "also editing"}
	_, err := store.AcquireReservation(ctx, "proj-1", other, time.Minute)
	if err != ErrReservationHeld {
		t.Fatalf("expected ErrReservationHeld, got %v", err)
	}
}

func TestAcquireReservationIsIdempotentForSameWorkspace(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	res := Reservation{Path: "src/app.go", WorkspaceID: "ws-1", Alias: "swift-falcon", Reason: "refactor"}
	if _, err := store.AcquireReservation(ctx, "proj-1", res, time.Minute); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := store.AcquireReservation(ctx, "proj-1", res, time.Minute); err != nil {
		t.Fatalf("renewal by the same workspace should succeed, got %v", err)
	}
}

func TestReleaseReservationByOtherWorkspaceIsNoop(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	res := Reservation{Path: "src/app.go", WorkspaceID: "ws-1", Alias: "swift-falcon", Reason: "refactor"}
	if _, err := store.AcquireReservation(ctx, "proj-1", res, time.Minute); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	if err := store.ReleaseReservation(ctx, "proj-1", "src/app.go", "ws-2"); err != nil {
		t.Fatalf("release by non-holder should not error: %v", err)
	}

	_, found, err := store.GetReservation(ctx, "proj-1", "src/app.go")
	if err != nil {
		t.Fatalf("GetReservation failed: %v", err)
	}
	if !found {
		t.Error("reservation should still be held after a no-op release attempt")
	}
}

func TestListReservations(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	for _, path := range []string{"a.go", "b.go"} {
		res := Reservation{Path: path, WorkspaceID: "ws-1", Alias: "swift-falcon"}
		if _, err := store.AcquireReservation(ctx, "proj-1", res, time.Minute); err != nil {
			t.Fatalf("acquire %s failed: %v", path, err)
		}
	}

	items, err := store.ListReservations(ctx, "proj-1")
	if err != nil {
		t.Fatalf("ListReservations failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 reservations, got %d", len(items))
	}
}

func TestWakeInboxDeliversToSubscriber(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	sub := store.SubscribeInbox(ctx, "ws-1")
	defer sub.Close()
	// miniredis delivers synchronously once the subscription is registered;
	// Receive blocks until the subscribe confirmation arrives.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe confirmation failed: %v", err)
	}

	if err := store.WakeInbox(ctx, "ws-1", "msg-1"); err != nil {
		t.Fatalf("WakeInbox failed: %v", err)
	}

	msg, err := sub.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	if msg.Payload != "msg-1" {
		t.Errorf("expected payload msg-1, got %s", msg.Payload)
	}
}

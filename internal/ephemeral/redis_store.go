// Package ephemeral wraps the Redis-backed transient state: presence TTLs,
// file reservations, inbox-wake signals, chat-wait signals, and the event
// bus pub/sub channels. Nothing here is the source of truth — on Redis
// being wiped, presence rebuilds from last_seen_at and in-flight chat waits
// are simply lost (the caller retries).
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type Store struct {
	client *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Store{client: client}, nil
}

func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// --- presence (C4) ---

type PresenceState struct {
	WorkspaceID string    `json:"workspace_id"`
	Alias       string    `json:"alias"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

func presenceKey(projectID, workspaceID string) string {
	return fmt.Sprintf("presence:%s:%s", projectID, workspaceID)
}

func presenceIndexKey(projectID string) string {
	return fmt.Sprintf("presence:idx:%s", projectID)
}

// TouchPresence records a workspace as seen now, refreshing its TTL and its
// position in the per-project sorted-set index used for O(log n)
// active/idle listing.
func (s *Store) TouchPresence(ctx context.Context, projectID string, state PresenceState, ttl time.Duration) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence state: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, presenceKey(projectID, state.WorkspaceID), payload, ttl)
	pipe.ZAdd(ctx, presenceIndexKey(projectID), redis.Z{Score: float64(state.LastSeenAt.Unix()), Member: state.WorkspaceID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch presence: %w", err)
	}
	return nil
}

// GetPresence returns the cached presence state, or ok=false if expired or
// never set (the caller falls back to the durable last_seen_at column).
func (s *Store) GetPresence(ctx context.Context, projectID, workspaceID string) (PresenceState, bool, error) {
	raw, err := s.client.Get(ctx, presenceKey(projectID, workspaceID)).Result()
	if err == redis.Nil {
		return PresenceState{}, false, nil
	}
	if err != nil {
		return PresenceState{}, false, fmt.Errorf("get presence: %w", err)
	}
	var state PresenceState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return PresenceState{}, false, fmt.Errorf("unmarshal presence: %w", err)
	}
	return state, true, nil
}

// ListPresenceSince returns workspace ids last seen at or after `since`,
// using the sorted-set index so listing active/idle workspaces is O(log n).
func (s *Store) ListPresenceSince(ctx context.Context, projectID string, since time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, presenceIndexKey(projectID), &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", since.Unix()),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	return ids, nil
}

// --- reservations (C6) ---

type Reservation struct {
	Path        string    `json:"path"`
	WorkspaceID string    `json:"workspace_id"`
	Alias       string    `json:"alias"`
	Reason      string    `json:"reason"`
	AcquiredAt  time.Time `json:"acquired_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func reservationKey(projectID, path string) string {
	return fmt.Sprintf("reservation:%s:%s", projectID, path)
}

func reservationIndexKey(projectID string) string {
	return fmt.Sprintf("reservation:idx:%s", projectID)
}

var ErrReservationHeld = fmt.Errorf("ephemeral: path already reserved")

// AcquireReservation sets the reservation key with the given TTL, unless a
// live reservation held by a *different* workspace already exists, in
// which case it returns the existing holder and ErrReservationHeld. Renewal
// by the same workspace (idempotent reacquire) always succeeds.
func (s *Store) AcquireReservation(ctx context.Context, projectID string, res Reservation, ttl time.Duration) (Reservation, error) {
	key := reservationKey(projectID, res.Path)
	existing, found, err := s.getReservation(ctx, key)
	if err != nil {
		return Reservation{}, err
	}
	if found && existing.WorkspaceID != res.WorkspaceID {
		return existing, ErrReservationHeld
	}

	res.AcquiredAt = time.Now()
	res.ExpiresAt = res.AcquiredAt.Add(ttl)
	payload, err := json.Marshal(res)
	if err != nil {
		return Reservation{}, fmt.Errorf("marshal reservation: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, payload, ttl)
	pipe.ZAdd(ctx, reservationIndexKey(projectID), redis.Z{Score: float64(res.ExpiresAt.Unix()), Member: res.Path})
	if _, err := pipe.Exec(ctx); err != nil {
		return Reservation{}, fmt.Errorf("acquire reservation: %w", err)
	}
	return res, nil
}

func (s *Store) getReservation(ctx context.Context, key string) (Reservation, bool, error) {
	raw, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return Reservation{}, false, nil
	}
	if err != nil {
		return Reservation{}, false, fmt.Errorf("get reservation: %w", err)
	}
	var res Reservation
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return Reservation{}, false, fmt.Errorf("unmarshal reservation: %w", err)
	}
	return res, true, nil
}

// GetReservation returns the live holder of a path, if any. Expired
// entries are indistinguishable from absent ones since Redis expires the
// key itself — no lazy-purge bookkeeping is needed here.
func (s *Store) GetReservation(ctx context.Context, projectID, path string) (Reservation, bool, error) {
	return s.getReservation(ctx, reservationKey(projectID, path))
}

func (s *Store) ReleaseReservation(ctx context.Context, projectID, path, workspaceID string) error {
	key := reservationKey(projectID, path)
	existing, found, err := s.getReservation(ctx, key)
	if err != nil {
		return err
	}
	if !found || existing.WorkspaceID != workspaceID {
		return nil
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.ZRem(ctx, reservationIndexKey(projectID), path)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("release reservation: %w", err)
	}
	return nil
}

// ListReservations returns every live reservation for a project, pruning
// the sorted-set index of any path whose key has since expired.
func (s *Store) ListReservations(ctx context.Context, projectID string) ([]Reservation, error) {
	paths, err := s.client.ZRange(ctx, reservationIndexKey(projectID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}
	items := make([]Reservation, 0, len(paths))
	for _, path := range paths {
		res, found, err := s.getReservation(ctx, reservationKey(projectID, path))
		if err != nil {
			return nil, err
		}
		if !found {
			s.client.ZRem(ctx, reservationIndexKey(projectID), path)
			continue
		}
		items = append(items, res)
	}
	return items, nil
}

// --- inbox wake signals (C8 mail) ---

func inboxChannel(workspaceID string) string {
	return "inbox:" + workspaceID
}

func (s *Store) WakeInbox(ctx context.Context, workspaceID, messageID string) error {
	return s.client.Publish(ctx, inboxChannel(workspaceID), messageID).Err()
}

func (s *Store) SubscribeInbox(ctx context.Context, workspaceID string) *redis.PubSub {
	return s.client.Subscribe(ctx, inboxChannel(workspaceID))
}

// --- chat wait signals (C8 chat) ---

func chatWaitChannel(sessionID, workspaceID string) string {
	return fmt.Sprintf("chatwait:%s:%s", sessionID, workspaceID)
}

// SignalChatWait publishes a wake on a sender's wait channel, carrying the
// given payload; the app layer passes the id of the message that released
// the wait, including a peer's send-and-leave message.
func (s *Store) SignalChatWait(ctx context.Context, sessionID, waiterWorkspaceID, payload string) error {
	return s.client.Publish(ctx, chatWaitChannel(sessionID, waiterWorkspaceID), payload).Err()
}

func (s *Store) SubscribeChatWait(ctx context.Context, sessionID, waiterWorkspaceID string) *redis.PubSub {
	return s.client.Subscribe(ctx, chatWaitChannel(sessionID, waiterWorkspaceID))
}

// --- event bus channel (C9) ---

func eventsChannel(projectID string) string {
	return "events:" + projectID
}

func (s *Store) PublishEvent(ctx context.Context, projectID string, payload []byte) error {
	return s.client.Publish(ctx, eventsChannel(projectID), payload).Err()
}

func (s *Store) SubscribeEvents(ctx context.Context, projectID string) *redis.PubSub {
	return s.client.Subscribe(ctx, eventsChannel(projectID))
}

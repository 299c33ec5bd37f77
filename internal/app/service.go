// Package app is the request boundary (C13) and the coordination-plane
// services it dispatches to: identity, workspaces, claims, reservations,
// sync, messaging, the event bus, the policy engine, and escalations.
// Every service method returns a *DomainError on any client- or
// environment-caused failure so http.go can map it to a response body
// without a second switch per endpoint.
package app

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"chronicle/api/internal/config"
	"chronicle/api/internal/email"
	"chronicle/api/internal/ephemeral"
	"chronicle/api/internal/events"
	"chronicle/api/internal/gitrepo"
	"chronicle/api/internal/policy"
	"chronicle/api/internal/search"
	"chronicle/api/internal/store"
)

// dataStore is the slice of *store.PostgresStore that the coordination
// plane actually calls. Declaring it here (rather than depending on the
// concrete type) lets tests substitute a fake without a live database;
// *store.PostgresStore satisfies it unmodified.
type dataStore interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)

	GetProjectByID(ctx context.Context, id string) (store.Project, error)
	EnsureProjectBySlug(ctx context.Context, id, tenantID, slug, visibility string) (store.Project, error)

	EnsureRepo(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error)
	CreateRepo(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error)
	ListRepos(ctx context.Context, projectID string) ([]store.Repo, error)
	DeleteRepo(ctx context.Context, projectID, id string) error

	CreateWorkspace(ctx context.Context, tx *sql.Tx, in store.NewWorkspace) (store.Workspace, error)
	GetWorkspace(ctx context.Context, projectID, id string) (store.Workspace, error)
	GetWorkspaceByAlias(ctx context.Context, projectID, alias string) (store.Workspace, error)
	UpdateWorkspace(ctx context.Context, projectID, id string, patch store.WorkspacePatch) (store.Workspace, error)
	TouchLastSeen(ctx context.Context, projectID, id string, at time.Time) error
	SoftDeleteWorkspace(ctx context.Context, projectID, id string) error
	RestoreWorkspace(ctx context.Context, projectID, id string) error
	ListWorkspaces(ctx context.Context, projectID string, filter store.WorkspaceFilter) ([]store.Workspace, error)

	AcquireClaim(ctx context.Context, in store.NewClaim) (store.Claim, error)
	ReleaseClaim(ctx context.Context, projectID, beadID, workspaceID string) error
	ReleaseAllClaimsForWorkspace(ctx context.Context, projectID, workspaceID string) ([]string, error)
	ListClaims(ctx context.Context, projectID string) ([]store.Claim, error)
	ListClaimsByWorkspace(ctx context.Context, projectID, workspaceID string) ([]store.Claim, error)
	ListClaimsForBead(ctx context.Context, projectID, beadID string) ([]store.Claim, error)

	GetIssue(ctx context.Context, projectID, beadID string) (store.Issue, error)
	UpsertIssue(ctx context.Context, iss store.Issue) (previousStatus string, err error)
	DeleteIssuesNotIn(ctx context.Context, projectID string, keepBeadIDs []string) ([]string, error)
	ListIssues(ctx context.Context, projectID string, filter store.IssueFilter) ([]store.Issue, error)

	CreateSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error)
	DeleteSubscription(ctx context.Context, projectID, id string) error
	ListSubscriptions(ctx context.Context, projectID, workspaceID string) ([]store.Subscription, error)
	ListSubscribersForBead(ctx context.Context, tx *sql.Tx, projectID, beadID, repoID string) ([]store.Subscription, error)

	InsertOutboxEntry(ctx context.Context, tx *sql.Tx, e store.OutboxEntry) error
	ExistsOutboxFingerprint(ctx context.Context, tx *sql.Tx, projectID, fingerprint string) (bool, error)
	ClaimOutboxBatch(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEntry, error)
	CompleteOutboxEntry(ctx context.Context, id, messageID string) error
	FailOutboxEntry(ctx context.Context, id, lastError string, attempts, maxAttempts int, backoff time.Duration) error

	InsertMail(ctx context.Context, m store.Mail) (store.Mail, error)
	ListInbox(ctx context.Context, projectID, toWS string, unreadOnly bool, limit int) ([]store.Mail, error)
	AckMail(ctx context.Context, projectID, id, readerWS string) (store.Mail, error)

	GetOrCreateChatSession(ctx context.Context, sessionID, projectID string, participants []string) (store.ChatSession, bool, error)
	GetChatSession(ctx context.Context, projectID, id string) (store.ChatSession, error)
	InsertChatMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error)
	ListChatMessages(ctx context.Context, sessionID string, since string, limit int) ([]store.ChatMessage, error)
	ListChatSessionsForParticipant(ctx context.Context, projectID, workspaceID string) ([]store.ChatSession, error)
	ListChatSessions(ctx context.Context, projectID string) ([]store.ChatSession, error)
	AddChatParticipant(ctx context.Context, projectID, sessionID, workspaceID string) (bool, error)

	CreateEscalation(ctx context.Context, e store.Escalation) (store.Escalation, error)
	GetEscalation(ctx context.Context, projectID, id string) (store.Escalation, error)
	ListEscalations(ctx context.Context, projectID, status string, limit int) ([]store.Escalation, error)
	RespondToEscalation(ctx context.Context, projectID, id, response, note string) (store.Escalation, error)
	ExpirePendingEscalations(ctx context.Context) (int64, error)

	CreateAgent(ctx context.Context, a store.Agent) (store.Agent, error)
	CreateApiKey(ctx context.Context, k store.ApiKey) (store.ApiKey, error)
	GetApiKeyByHash(ctx context.Context, secretHash string) (store.ApiKey, error)

	InsertAuditEntry(ctx context.Context, e store.AuditEntry) error

	DB() *sql.DB
}

// Service is the single application value holding every dependency a
// handler might need. No handler reaches for process-wide state beyond
// this value and the standard logger.
type Service struct {
	cfg        config.Config
	store      dataStore
	ephemeral  *ephemeral.Store
	bus        *events.Bus
	policy     *policy.Engine
	repos      *gitrepo.Service
	search     *search.Service
	mailer     *email.Service

	syncMu    sync.Mutex
	syncLocks map[string]*sync.Mutex
}

func New(cfg config.Config, st *store.PostgresStore, eph *ephemeral.Store, bus *events.Bus, pol *policy.Engine, repos *gitrepo.Service, srch *search.Service, mailer *email.Service) *Service {
	return &Service{
		cfg:       cfg,
		store:     st,
		ephemeral: eph,
		bus:       bus,
		policy:    pol,
		repos:     repos,
		search:    srch,
		mailer:    mailer,
		syncLocks: make(map[string]*sync.Mutex),
	}
}

// workspaceSyncLock returns a per-workspace mutex so C7's "one in-flight
// sync at a time per workspace" rule holds even under concurrent
// requests from the same agent (e.g. a retried client).
func (s *Service) workspaceSyncLock(workspaceID string) *sync.Mutex {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	lock, ok := s.syncLocks[workspaceID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.syncLocks[workspaceID] = lock
	return lock
}

// Bootstrap is the startup hook main calls once before serving; it does no
// work and always returns nil. The outbox-dispatcher and escalation-sweep
// loops are started by RunBackgroundWorkers, not here.
func (s *Service) Bootstrap(ctx context.Context) error {
	return nil
}

// RunBackgroundWorkers starts the notification dispatcher and the
// escalation-expiry sweep as long-lived goroutines. It returns
// immediately; cancel ctx to stop both loops.
func (s *Service) RunBackgroundWorkers(ctx context.Context) {
	go s.runDispatcherLoop(ctx)
	go s.runEscalationSweepLoop(ctx)
}

func (s *Service) publish(ctx context.Context, project string, typ events.Type, workspace, repo string, fields map[string]any) {
	if err := s.bus.Publish(ctx, project, typ, workspace, repo, fields); err != nil {
		log.Printf("app: publish event %s for project %s: %v", typ, project, err)
	}
}

func (s *Service) audit(ctx context.Context, projectID string, p Principal, action, resourceType, resourceID, outcome string, payload []byte) {
	err := s.store.InsertAuditEntry(ctx, store.AuditEntry{
		ProjectID:     projectID,
		PrincipalType: string(p.Type),
		PrincipalID:   p.PrincipalID,
		ActorID:       p.ActorID,
		Action:        action,
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Outcome:       outcome,
		Payload:       payload,
	})
	if err != nil {
		log.Printf("app: audit log insert failed (%s %s): %v", action, resourceID, err)
	}
}

// touchPresence refreshes both the durable last_seen_at column and the
// ephemeral presence cache; called on every authenticated write.
func (s *Service) touchPresence(ctx context.Context, projectID, workspaceID, alias string) {
	now := time.Now()
	if err := s.store.TouchLastSeen(ctx, projectID, workspaceID, now); err != nil {
		log.Printf("app: touch last_seen_at for %s: %v", workspaceID, err)
	}
	err := s.ephemeral.TouchPresence(ctx, projectID, ephemeral.PresenceState{
		WorkspaceID: workspaceID,
		Alias:       alias,
		LastSeenAt:  now,
	}, s.cfg.PresenceTTL)
	if err != nil {
		log.Printf("app: touch presence cache for %s: %v", workspaceID, err)
	}
}

type presenceStatus string

const (
	presenceActive  presenceStatus = "active"
	presenceIdle    presenceStatus = "idle"
	presenceOffline presenceStatus = "offline"
)

func (s *Service) presenceStatusFor(lastSeen time.Time) presenceStatus {
	age := time.Since(lastSeen)
	switch {
	case age <= s.cfg.PresenceTTL:
		return presenceActive
	case age <= 2*s.cfg.PresenceTTL:
		return presenceIdle
	default:
		return presenceOffline
	}
}

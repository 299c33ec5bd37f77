package app

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"chronicle/api/internal/config"
	"chronicle/api/internal/ephemeral"
	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
)

// fakeStore implements dataStore with one optional closure per method;
// a nil closure falls back to a harmless zero value so a test only
// wires the calls it actually cares about.
type fakeStore struct {
	beginTxFn func(ctx context.Context) (*sql.Tx, error)

	getProjectByIDFn      func(ctx context.Context, id string) (store.Project, error)
	ensureProjectBySlugFn func(ctx context.Context, id, tenantID, slug, visibility string) (store.Project, error)

	ensureRepoFn func(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error)
	createRepoFn func(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error)
	listReposFn  func(ctx context.Context, projectID string) ([]store.Repo, error)
	deleteRepoFn func(ctx context.Context, projectID, id string) error

	createWorkspaceFn    func(ctx context.Context, tx *sql.Tx, in store.NewWorkspace) (store.Workspace, error)
	getWorkspaceFn       func(ctx context.Context, projectID, id string) (store.Workspace, error)
	getWorkspaceByAliasFn func(ctx context.Context, projectID, alias string) (store.Workspace, error)
	updateWorkspaceFn    func(ctx context.Context, projectID, id string, patch store.WorkspacePatch) (store.Workspace, error)
	touchLastSeenFn      func(ctx context.Context, projectID, id string, at time.Time) error
	softDeleteWorkspaceFn func(ctx context.Context, projectID, id string) error
	restoreWorkspaceFn   func(ctx context.Context, projectID, id string) error
	listWorkspacesFn     func(ctx context.Context, projectID string, filter store.WorkspaceFilter) ([]store.Workspace, error)

	acquireClaimFn               func(ctx context.Context, in store.NewClaim) (store.Claim, error)
	releaseClaimFn                func(ctx context.Context, projectID, beadID, workspaceID string) error
	releaseAllClaimsForWorkspaceFn func(ctx context.Context, projectID, workspaceID string) ([]string, error)
	listClaimsFn                  func(ctx context.Context, projectID string) ([]store.Claim, error)
	listClaimsByWorkspaceFn       func(ctx context.Context, projectID, workspaceID string) ([]store.Claim, error)
	listClaimsForBeadFn           func(ctx context.Context, projectID, beadID string) ([]store.Claim, error)

	getIssueFn           func(ctx context.Context, projectID, beadID string) (store.Issue, error)
	upsertIssueFn        func(ctx context.Context, iss store.Issue) (string, error)
	deleteIssuesNotInFn  func(ctx context.Context, projectID string, keepBeadIDs []string) ([]string, error)
	listIssuesFn         func(ctx context.Context, projectID string, filter store.IssueFilter) ([]store.Issue, error)

	createSubscriptionFn      func(ctx context.Context, sub store.Subscription) (store.Subscription, error)
	deleteSubscriptionFn      func(ctx context.Context, projectID, id string) error
	listSubscriptionsFn       func(ctx context.Context, projectID, workspaceID string) ([]store.Subscription, error)
	listSubscribersForBeadFn  func(ctx context.Context, tx *sql.Tx, projectID, beadID, repoID string) ([]store.Subscription, error)

	insertOutboxEntryFn        func(ctx context.Context, tx *sql.Tx, e store.OutboxEntry) error
	existsOutboxFingerprintFn  func(ctx context.Context, tx *sql.Tx, projectID, fingerprint string) (bool, error)
	claimOutboxBatchFn         func(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEntry, error)
	completeOutboxEntryFn      func(ctx context.Context, id, messageID string) error
	failOutboxEntryFn          func(ctx context.Context, id, lastError string, attempts, maxAttempts int, backoff time.Duration) error

	insertMailFn  func(ctx context.Context, m store.Mail) (store.Mail, error)
	listInboxFn   func(ctx context.Context, projectID, toWS string, unreadOnly bool, limit int) ([]store.Mail, error)
	ackMailFn     func(ctx context.Context, projectID, id, readerWS string) (store.Mail, error)

	getOrCreateChatSessionFn        func(ctx context.Context, sessionID, projectID string, participants []string) (store.ChatSession, bool, error)
	getChatSessionFn                func(ctx context.Context, projectID, id string) (store.ChatSession, error)
	insertChatMessageFn             func(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error)
	listChatMessagesFn              func(ctx context.Context, sessionID string, since string, limit int) ([]store.ChatMessage, error)
	listChatSessionsForParticipantFn func(ctx context.Context, projectID, workspaceID string) ([]store.ChatSession, error)
	listChatSessionsFn              func(ctx context.Context, projectID string) ([]store.ChatSession, error)
	addChatParticipantFn            func(ctx context.Context, projectID, sessionID, workspaceID string) (bool, error)

	createEscalationFn        func(ctx context.Context, e store.Escalation) (store.Escalation, error)
	getEscalationFn           func(ctx context.Context, projectID, id string) (store.Escalation, error)
	listEscalationsFn         func(ctx context.Context, projectID, status string, limit int) ([]store.Escalation, error)
	respondToEscalationFn     func(ctx context.Context, projectID, id, response, note string) (store.Escalation, error)
	expirePendingEscalationsFn func(ctx context.Context) (int64, error)

	createAgentFn      func(ctx context.Context, a store.Agent) (store.Agent, error)
	createApiKeyFn     func(ctx context.Context, k store.ApiKey) (store.ApiKey, error)
	getApiKeyByHashFn  func(ctx context.Context, secretHash string) (store.ApiKey, error)

	insertAuditEntryFn func(ctx context.Context, e store.AuditEntry) error

	dbFn func() *sql.DB
}

func (f *fakeStore) DB() *sql.DB {
	if f.dbFn != nil {
		return f.dbFn()
	}
	return nil
}

func (f *fakeStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if f.beginTxFn != nil {
		return f.beginTxFn(ctx)
	}
	return nil, errors.New("fakeStore: no database in unit tests")
}

func (f *fakeStore) GetProjectByID(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectByIDFn != nil {
		return f.getProjectByIDFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}

func (f *fakeStore) EnsureProjectBySlug(ctx context.Context, id, tenantID, slug, visibility string) (store.Project, error) {
	if f.ensureProjectBySlugFn != nil {
		return f.ensureProjectBySlugFn(ctx, id, tenantID, slug, visibility)
	}
	return store.Project{}, nil
}

func (f *fakeStore) EnsureRepo(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error) {
	if f.ensureRepoFn != nil {
		return f.ensureRepoFn(ctx, id, projectID, canonicalOrigin)
	}
	return store.Repo{}, nil
}

func (f *fakeStore) CreateRepo(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error) {
	if f.createRepoFn != nil {
		return f.createRepoFn(ctx, id, projectID, canonicalOrigin)
	}
	return store.Repo{}, nil
}

func (f *fakeStore) ListRepos(ctx context.Context, projectID string) ([]store.Repo, error) {
	if f.listReposFn != nil {
		return f.listReposFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteRepo(ctx context.Context, projectID, id string) error {
	if f.deleteRepoFn != nil {
		return f.deleteRepoFn(ctx, projectID, id)
	}
	return nil
}

func (f *fakeStore) CreateWorkspace(ctx context.Context, tx *sql.Tx, in store.NewWorkspace) (store.Workspace, error) {
	if f.createWorkspaceFn != nil {
		return f.createWorkspaceFn(ctx, tx, in)
	}
	return store.Workspace{}, nil
}

func (f *fakeStore) GetWorkspace(ctx context.Context, projectID, id string) (store.Workspace, error) {
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, projectID, id)
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) GetWorkspaceByAlias(ctx context.Context, projectID, alias string) (store.Workspace, error) {
	if f.getWorkspaceByAliasFn != nil {
		return f.getWorkspaceByAliasFn(ctx, projectID, alias)
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) UpdateWorkspace(ctx context.Context, projectID, id string, patch store.WorkspacePatch) (store.Workspace, error) {
	if f.updateWorkspaceFn != nil {
		return f.updateWorkspaceFn(ctx, projectID, id, patch)
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) TouchLastSeen(ctx context.Context, projectID, id string, at time.Time) error {
	if f.touchLastSeenFn != nil {
		return f.touchLastSeenFn(ctx, projectID, id, at)
	}
	return nil
}

func (f *fakeStore) SoftDeleteWorkspace(ctx context.Context, projectID, id string) error {
	if f.softDeleteWorkspaceFn != nil {
		return f.softDeleteWorkspaceFn(ctx, projectID, id)
	}
	return nil
}

func (f *fakeStore) RestoreWorkspace(ctx context.Context, projectID, id string) error {
	if f.restoreWorkspaceFn != nil {
		return f.restoreWorkspaceFn(ctx, projectID, id)
	}
	return nil
}

func (f *fakeStore) ListWorkspaces(ctx context.Context, projectID string, filter store.WorkspaceFilter) ([]store.Workspace, error) {
	if f.listWorkspacesFn != nil {
		return f.listWorkspacesFn(ctx, projectID, filter)
	}
	return nil, nil
}

func (f *fakeStore) AcquireClaim(ctx context.Context, in store.NewClaim) (store.Claim, error) {
	if f.acquireClaimFn != nil {
		return f.acquireClaimFn(ctx, in)
	}
	return store.Claim{}, nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, projectID, beadID, workspaceID string) error {
	if f.releaseClaimFn != nil {
		return f.releaseClaimFn(ctx, projectID, beadID, workspaceID)
	}
	return nil
}

func (f *fakeStore) ReleaseAllClaimsForWorkspace(ctx context.Context, projectID, workspaceID string) ([]string, error) {
	if f.releaseAllClaimsForWorkspaceFn != nil {
		return f.releaseAllClaimsForWorkspaceFn(ctx, projectID, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) ListClaims(ctx context.Context, projectID string) ([]store.Claim, error) {
	if f.listClaimsFn != nil {
		return f.listClaimsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ListClaimsByWorkspace(ctx context.Context, projectID, workspaceID string) ([]store.Claim, error) {
	if f.listClaimsByWorkspaceFn != nil {
		return f.listClaimsByWorkspaceFn(ctx, projectID, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) ListClaimsForBead(ctx context.Context, projectID, beadID string) ([]store.Claim, error) {
	if f.listClaimsForBeadFn != nil {
		return f.listClaimsForBeadFn(ctx, projectID, beadID)
	}
	return nil, nil
}

func (f *fakeStore) GetIssue(ctx context.Context, projectID, beadID string) (store.Issue, error) {
	if f.getIssueFn != nil {
		return f.getIssueFn(ctx, projectID, beadID)
	}
	return store.Issue{}, sql.ErrNoRows
}

func (f *fakeStore) UpsertIssue(ctx context.Context, iss store.Issue) (string, error) {
	if f.upsertIssueFn != nil {
		return f.upsertIssueFn(ctx, iss)
	}
	return "", nil
}

func (f *fakeStore) DeleteIssuesNotIn(ctx context.Context, projectID string, keepBeadIDs []string) ([]string, error) {
	if f.deleteIssuesNotInFn != nil {
		return f.deleteIssuesNotInFn(ctx, projectID, keepBeadIDs)
	}
	return nil, nil
}

func (f *fakeStore) ListIssues(ctx context.Context, projectID string, filter store.IssueFilter) ([]store.Issue, error) {
	if f.listIssuesFn != nil {
		return f.listIssuesFn(ctx, projectID, filter)
	}
	return nil, nil
}

func (f *fakeStore) CreateSubscription(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
	if f.createSubscriptionFn != nil {
		return f.createSubscriptionFn(ctx, sub)
	}
	return sub, nil
}

func (f *fakeStore) DeleteSubscription(ctx context.Context, projectID, id string) error {
	if f.deleteSubscriptionFn != nil {
		return f.deleteSubscriptionFn(ctx, projectID, id)
	}
	return nil
}

func (f *fakeStore) ListSubscriptions(ctx context.Context, projectID, workspaceID string) ([]store.Subscription, error) {
	if f.listSubscriptionsFn != nil {
		return f.listSubscriptionsFn(ctx, projectID, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) ListSubscribersForBead(ctx context.Context, tx *sql.Tx, projectID, beadID, repoID string) ([]store.Subscription, error) {
	if f.listSubscribersForBeadFn != nil {
		return f.listSubscribersForBeadFn(ctx, tx, projectID, beadID, repoID)
	}
	return nil, nil
}

func (f *fakeStore) InsertOutboxEntry(ctx context.Context, tx *sql.Tx, e store.OutboxEntry) error {
	if f.insertOutboxEntryFn != nil {
		return f.insertOutboxEntryFn(ctx, tx, e)
	}
	return nil
}

func (f *fakeStore) ExistsOutboxFingerprint(ctx context.Context, tx *sql.Tx, projectID, fingerprint string) (bool, error) {
	if f.existsOutboxFingerprintFn != nil {
		return f.existsOutboxFingerprintFn(ctx, tx, projectID, fingerprint)
	}
	return false, nil
}

func (f *fakeStore) ClaimOutboxBatch(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEntry, error) {
	if f.claimOutboxBatchFn != nil {
		return f.claimOutboxBatchFn(ctx, limit, maxAttempts)
	}
	return nil, nil
}

func (f *fakeStore) CompleteOutboxEntry(ctx context.Context, id, messageID string) error {
	if f.completeOutboxEntryFn != nil {
		return f.completeOutboxEntryFn(ctx, id, messageID)
	}
	return nil
}

func (f *fakeStore) FailOutboxEntry(ctx context.Context, id, lastError string, attempts, maxAttempts int, backoff time.Duration) error {
	if f.failOutboxEntryFn != nil {
		return f.failOutboxEntryFn(ctx, id, lastError, attempts, maxAttempts, backoff)
	}
	return nil
}

func (f *fakeStore) InsertMail(ctx context.Context, m store.Mail) (store.Mail, error) {
	if f.insertMailFn != nil {
		return f.insertMailFn(ctx, m)
	}
	return m, nil
}

func (f *fakeStore) ListInbox(ctx context.Context, projectID, toWS string, unreadOnly bool, limit int) ([]store.Mail, error) {
	if f.listInboxFn != nil {
		return f.listInboxFn(ctx, projectID, toWS, unreadOnly, limit)
	}
	return nil, nil
}

func (f *fakeStore) AckMail(ctx context.Context, projectID, id, readerWS string) (store.Mail, error) {
	if f.ackMailFn != nil {
		return f.ackMailFn(ctx, projectID, id, readerWS)
	}
	return store.Mail{}, sql.ErrNoRows
}

func (f *fakeStore) GetOrCreateChatSession(ctx context.Context, sessionID, projectID string, participants []string) (store.ChatSession, bool, error) {
	if f.getOrCreateChatSessionFn != nil {
		return f.getOrCreateChatSessionFn(ctx, sessionID, projectID, participants)
	}
	return store.ChatSession{}, false, nil
}

func (f *fakeStore) GetChatSession(ctx context.Context, projectID, id string) (store.ChatSession, error) {
	if f.getChatSessionFn != nil {
		return f.getChatSessionFn(ctx, projectID, id)
	}
	return store.ChatSession{}, sql.ErrNoRows
}

func (f *fakeStore) InsertChatMessage(ctx context.Context, m store.ChatMessage) (store.ChatMessage, error) {
	if f.insertChatMessageFn != nil {
		return f.insertChatMessageFn(ctx, m)
	}
	return m, nil
}

func (f *fakeStore) ListChatMessages(ctx context.Context, sessionID string, since string, limit int) ([]store.ChatMessage, error) {
	if f.listChatMessagesFn != nil {
		return f.listChatMessagesFn(ctx, sessionID, since, limit)
	}
	return nil, nil
}

func (f *fakeStore) ListChatSessionsForParticipant(ctx context.Context, projectID, workspaceID string) ([]store.ChatSession, error) {
	if f.listChatSessionsForParticipantFn != nil {
		return f.listChatSessionsForParticipantFn(ctx, projectID, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) ListChatSessions(ctx context.Context, projectID string) ([]store.ChatSession, error) {
	if f.listChatSessionsFn != nil {
		return f.listChatSessionsFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) AddChatParticipant(ctx context.Context, projectID, sessionID, workspaceID string) (bool, error) {
	if f.addChatParticipantFn != nil {
		return f.addChatParticipantFn(ctx, projectID, sessionID, workspaceID)
	}
	return false, nil
}

func (f *fakeStore) CreateEscalation(ctx context.Context, e store.Escalation) (store.Escalation, error) {
	if f.createEscalationFn != nil {
		return f.createEscalationFn(ctx, e)
	}
	return e, nil
}

func (f *fakeStore) GetEscalation(ctx context.Context, projectID, id string) (store.Escalation, error) {
	if f.getEscalationFn != nil {
		return f.getEscalationFn(ctx, projectID, id)
	}
	return store.Escalation{}, sql.ErrNoRows
}

func (f *fakeStore) ListEscalations(ctx context.Context, projectID, status string, limit int) ([]store.Escalation, error) {
	if f.listEscalationsFn != nil {
		return f.listEscalationsFn(ctx, projectID, status, limit)
	}
	return nil, nil
}

func (f *fakeStore) RespondToEscalation(ctx context.Context, projectID, id, response, note string) (store.Escalation, error) {
	if f.respondToEscalationFn != nil {
		return f.respondToEscalationFn(ctx, projectID, id, response, note)
	}
	return store.Escalation{}, sql.ErrNoRows
}

func (f *fakeStore) ExpirePendingEscalations(ctx context.Context) (int64, error) {
	if f.expirePendingEscalationsFn != nil {
		return f.expirePendingEscalationsFn(ctx)
	}
	return 0, nil
}

func (f *fakeStore) CreateAgent(ctx context.Context, a store.Agent) (store.Agent, error) {
	if f.createAgentFn != nil {
		return f.createAgentFn(ctx, a)
	}
	return a, nil
}

func (f *fakeStore) CreateApiKey(ctx context.Context, k store.ApiKey) (store.ApiKey, error) {
	if f.createApiKeyFn != nil {
		return f.createApiKeyFn(ctx, k)
	}
	return k, nil
}

func (f *fakeStore) GetApiKeyByHash(ctx context.Context, secretHash string) (store.ApiKey, error) {
	if f.getApiKeyByHashFn != nil {
		return f.getApiKeyByHashFn(ctx, secretHash)
	}
	return store.ApiKey{}, sql.ErrNoRows
}

func (f *fakeStore) InsertAuditEntry(ctx context.Context, e store.AuditEntry) error {
	if f.insertAuditEntryFn != nil {
		return f.insertAuditEntryFn(ctx, e)
	}
	return nil
}

// newTestService wires a fakeStore behind a real miniredis-backed
// ephemeral store and event bus, the same way presence/reservation/chat
// code paths expect a working cache without requiring Postgres.
func newTestService(t *testing.T, fs *fakeStore) *Service {
	t.Helper()
	mr := miniredis.RunT(t)
	eph, err := ephemeral.NewStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("ephemeral.NewStore: %v", err)
	}
	t.Cleanup(func() { _ = eph.Close() })

	return &Service{
		cfg: config.Config{
			PresenceTTL:       time.Minute,
			ReservationTTL:    time.Minute,
			EscalationDefault: time.Hour,
			ChatWaitCap:       time.Second,
		},
		store:     fs,
		ephemeral: eph,
		bus:       events.NewBus(eph),
		syncLocks: make(map[string]*sync.Mutex),
	}
}

func apiKeyPrincipal(projectID, actorID string) Principal {
	return Principal{ProjectID: projectID, Type: "k", PrincipalID: "key-1", ActorID: actorID}
}

func publicPrincipal(projectID string) Principal {
	return Principal{ProjectID: projectID, Type: "p"}
}

func TestClaimSucceedsWhenBeadUnclaimed(t *testing.T) {
	var acquired store.NewClaim
	fs := &fakeStore{
		listClaimsForBeadFn: func(ctx context.Context, projectID, beadID string) ([]store.Claim, error) {
			return nil, nil
		},
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Alias: "ws-alice"}, nil
		},
		acquireClaimFn: func(ctx context.Context, in store.NewClaim) (store.Claim, error) {
			acquired = in
			return store.Claim{ID: in.ID, BeadID: in.BeadID, WorkspaceID: in.WorkspaceID, Alias: in.Alias}, nil
		},
	}
	svc := newTestService(t, fs)
	p := apiKeyPrincipal("proj-1", "ws-1")

	claim, derr := svc.Claim(context.Background(), p, "ws-1", "bh-1", "", false)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if claim.BeadID != "bh-1" || claim.Alias != "ws-alice" {
		t.Fatalf("unexpected claim: %+v", claim)
	}
	if acquired.WorkspaceID != "ws-1" {
		t.Fatalf("acquire not called with expected workspace: %+v", acquired)
	}
}

func TestClaimReturnsConflictWhenHeldByAnotherWorkspace(t *testing.T) {
	fs := &fakeStore{
		listClaimsForBeadFn: func(ctx context.Context, projectID, beadID string) ([]store.Claim, error) {
			return []store.Claim{{BeadID: beadID, WorkspaceID: "ws-2", Alias: "ws-bob"}}, nil
		},
	}
	svc := newTestService(t, fs)
	p := apiKeyPrincipal("proj-1", "ws-1")

	_, derr := svc.Claim(context.Background(), p, "ws-1", "bh-1", "", false)
	if derr == nil || derr.Code != "conflict" {
		t.Fatalf("expected conflict, got %+v", derr)
	}
	fields, ok := derr.Fields.(map[string]any)
	if !ok {
		t.Fatalf("expected fields map, got %T", derr.Fields)
	}
	if _, ok := fields["claimants"]; !ok {
		t.Fatalf("expected claimants field in conflict body: %+v", fields)
	}
}

func TestClaimAllowsJumpInDespiteExistingHolder(t *testing.T) {
	fs := &fakeStore{
		listClaimsForBeadFn: func(ctx context.Context, projectID, beadID string) ([]store.Claim, error) {
			return []store.Claim{{BeadID: beadID, WorkspaceID: "ws-2", Alias: "ws-bob"}}, nil
		},
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Alias: "ws-alice"}, nil
		},
		acquireClaimFn: func(ctx context.Context, in store.NewClaim) (store.Claim, error) {
			return store.Claim{ID: in.ID, BeadID: in.BeadID, WorkspaceID: in.WorkspaceID}, nil
		},
	}
	svc := newTestService(t, fs)
	p := apiKeyPrincipal("proj-1", "ws-1")

	_, derr := svc.Claim(context.Background(), p, "ws-1", "bh-1", "", true)
	if derr != nil {
		t.Fatalf("jump_in should succeed over an existing holder, got %+v", derr)
	}
}

func TestClaimRejectsPublicPrincipal(t *testing.T) {
	svc := newTestService(t, &fakeStore{})
	p := publicPrincipal("proj-1")

	_, derr := svc.Claim(context.Background(), p, "ws-1", "bh-1", "", false)
	if derr == nil || derr.Code != "forbidden" {
		t.Fatalf("expected forbidden for a public reader, got %+v", derr)
	}
}

func TestClaimRejectsMismatchedActorBinding(t *testing.T) {
	svc := newTestService(t, &fakeStore{})
	p := apiKeyPrincipal("proj-1", "ws-1")

	_, derr := svc.Claim(context.Background(), p, "ws-2", "bh-1", "", false)
	if derr == nil || derr.Code != "forbidden" {
		t.Fatalf("expected forbidden when actor is bound to a different workspace, got %+v", derr)
	}
}

func TestReleaseIsNoOpWhenClaimNotHeld(t *testing.T) {
	fs := &fakeStore{
		releaseClaimFn: func(ctx context.Context, projectID, beadID, workspaceID string) error {
			return store.ErrClaimNotHeld
		},
	}
	svc := newTestService(t, fs)
	p := apiKeyPrincipal("proj-1", "ws-1")

	if derr := svc.Release(context.Background(), p, "ws-1", "bh-1"); derr != nil {
		t.Fatalf("expected no error releasing an unheld claim, got %+v", derr)
	}
}

func TestConflictBeadsReportsBeadsWithMultipleClaimants(t *testing.T) {
	fs := &fakeStore{
		listClaimsFn: func(ctx context.Context, projectID string) ([]store.Claim, error) {
			return []store.Claim{
				{BeadID: "bh-1", WorkspaceID: "ws-1"},
				{BeadID: "bh-1", WorkspaceID: "ws-2"},
				{BeadID: "bh-2", WorkspaceID: "ws-1"},
			}, nil
		},
	}
	svc := newTestService(t, fs)
	conflicts, derr := svc.ConflictBeads(context.Background(), apiKeyPrincipal("proj-1", ""))
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if len(conflicts) != 1 || conflicts[0] != "bh-1" {
		t.Fatalf("expected only bh-1 to conflict, got %v", conflicts)
	}
}

func TestCheckFlagsReservationHeldByAnotherWorkspace(t *testing.T) {
	svc := newTestService(t, &fakeStore{})
	ctx := context.Background()
	p := apiKeyPrincipal("proj-1", "ws-2")

	if _, err := svc.ephemeral.AcquireReservation(ctx, "proj-1", ephemeral.Reservation{
		Path: "beads/bh-1.md", WorkspaceID: "ws-1", Alias: "ws-alice",
	}, time.Minute); err != nil {
		t.Fatalf("seed reservation: %v", err)
	}

	outcomes, derr := svc.Check(ctx, p, "ws-2", "edit", nil, []string{"beads/bh-1.md"})
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if len(outcomes) != 1 || outcomes[0].Verdict != "warn" || outcomes[0].Holder != "ws-alice" {
		t.Fatalf("expected a warn outcome naming the holder, got %+v", outcomes)
	}
}

func TestGetWorkspaceMapsNoRowsToNotFound(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{}, sql.ErrNoRows
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.GetWorkspace(context.Background(), apiKeyPrincipal("proj-1", ""), "ws-missing")
	if derr == nil || derr.Code != "not_found" {
		t.Fatalf("expected not_found, got %+v", derr)
	}
}

func TestDeleteWorkspaceReleasesClaimsBeforeSoftDelete(t *testing.T) {
	var released, softDeleted bool
	fs := &fakeStore{
		releaseAllClaimsForWorkspaceFn: func(ctx context.Context, projectID, workspaceID string) ([]string, error) {
			released = true
			return []string{"bh-1", "bh-2"}, nil
		},
		softDeleteWorkspaceFn: func(ctx context.Context, projectID, id string) error {
			if !released {
				t.Fatalf("soft delete called before claims were released")
			}
			softDeleted = true
			return nil
		},
	}
	svc := newTestService(t, fs)
	if derr := svc.DeleteWorkspace(context.Background(), apiKeyPrincipal("proj-1", ""), "ws-1"); derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if !softDeleted {
		t.Fatalf("expected workspace to be soft-deleted")
	}
}

func TestInitRejectsAgentWorkspaceWithoutCanonicalOrigin(t *testing.T) {
	svc := newTestService(t, &fakeStore{})
	_, derr := svc.Init(context.Background(), InitRequest{Slug: "proj-1", Alias: "alice", Class: "agent"})
	if derr == nil || derr.Code != "validation" {
		t.Fatalf("expected validation error, got %+v", derr)
	}
}

func TestInitSurfacesBeginTxFailureAsInternal(t *testing.T) {
	fs := &fakeStore{
		ensureProjectBySlugFn: func(ctx context.Context, id, tenantID, slug, visibility string) (store.Project, error) {
			return store.Project{ID: id}, nil
		},
		ensureRepoFn: func(ctx context.Context, id, projectID, canonicalOrigin string) (store.Repo, error) {
			return store.Repo{ID: id}, nil
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.Init(context.Background(), InitRequest{
		Slug: "proj-1", Alias: "alice", Class: "agent", CanonicalOrigin: "git@example.com/repo.git",
	})
	if derr == nil || derr.Code != "internal" {
		t.Fatalf("expected internal error surfaced from a failed tx begin, got %+v", derr)
	}
}

func TestCreateSubscriptionMapsDuplicateToConflict(t *testing.T) {
	fs := &fakeStore{
		createSubscriptionFn: func(ctx context.Context, sub store.Subscription) (store.Subscription, error) {
			return store.Subscription{}, store.ErrDuplicateSubscription
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.CreateSubscription(context.Background(), apiKeyPrincipal("proj-1", "ws-1"), "ws-1", "bh-1", "", nil)
	if derr == nil || derr.Code != "conflict" {
		t.Fatalf("expected conflict on duplicate subscription, got %+v", derr)
	}
}

func TestSendMailRequiresSenderAndRecipientToExist(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			if id == "ws-missing" {
				return store.Workspace{}, sql.ErrNoRows
			}
			return store.Workspace{ID: id, Alias: "ws-alice"}, nil
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.SendMail(context.Background(), apiKeyPrincipal("proj-1", "ws-1"), "ws-1", "ws-missing", "subj", "body", "", "")
	if derr == nil || derr.Code != "not_found" {
		t.Fatalf("expected not_found for a missing recipient, got %+v", derr)
	}
}

func TestAckMailMapsConflictToConflict(t *testing.T) {
	fs := &fakeStore{
		ackMailFn: func(ctx context.Context, projectID, id, readerWS string) (store.Mail, error) {
			return store.Mail{}, store.ErrConflict
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.AckMail(context.Background(), apiKeyPrincipal("proj-1", "ws-1"), "ws-1", "mail-1")
	if derr == nil || derr.Code != "conflict" {
		t.Fatalf("expected conflict, got %+v", derr)
	}
}

func TestCreateEscalationDefaultsTTL(t *testing.T) {
	var created store.Escalation
	fs := &fakeStore{
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Alias: "ws-alice"}, nil
		},
		createEscalationFn: func(ctx context.Context, e store.Escalation) (store.Escalation, error) {
			created = e
			e.ID = "esc-1"
			return e, nil
		},
	}
	svc := newTestService(t, fs)
	esc, derr := svc.CreateEscalation(context.Background(), apiKeyPrincipal("proj-1", "ws-1"), "ws-1", "need a human", "", nil, 0)
	if derr != nil {
		t.Fatalf("unexpected error: %v", derr)
	}
	if esc.ID != "esc-1" {
		t.Fatalf("unexpected escalation: %+v", esc)
	}
	if !created.ExpiresAt.After(time.Now()) {
		t.Fatalf("expected a default expiry in the future, got %v", created.ExpiresAt)
	}
}

func TestRespondToEscalationMapsStaleResponseToConflict(t *testing.T) {
	fs := &fakeStore{
		respondToEscalationFn: func(ctx context.Context, projectID, id, response, note string) (store.Escalation, error) {
			return store.Escalation{}, store.ErrConflict
		},
	}
	svc := newTestService(t, fs)
	_, derr := svc.RespondToEscalation(context.Background(), apiKeyPrincipal("proj-1", ""), "esc-1", "approve", "")
	if derr == nil || derr.Code != "conflict" {
		t.Fatalf("expected conflict for a stale/duplicate response, got %+v", derr)
	}
}

func TestAcquireReservationConflictNamesTheHolder(t *testing.T) {
	fs := &fakeStore{
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Alias: "ws-bob"}, nil
		},
	}
	svc := newTestService(t, fs)
	ctx := context.Background()

	if _, derr := svc.AcquireReservation(ctx, apiKeyPrincipal("proj-1", "ws-1"), "ws-1", "beads/bh-1.md", "editing"); derr != nil {
		t.Fatalf("first reservation should succeed: %+v", derr)
	}

	fs.getWorkspaceFn = func(ctx context.Context, projectID, id string) (store.Workspace, error) {
		return store.Workspace{ID: id, Alias: "ws-carol"}, nil
	}
	_, derr := svc.AcquireReservation(ctx, apiKeyPrincipal("proj-1", "ws-2"), "ws-2", "beads/bh-1.md", "editing")
	if derr == nil || derr.Code != "conflict" {
		t.Fatalf("expected conflict from the second workspace, got %+v", derr)
	}
	fields, ok := derr.Fields.(map[string]any)
	if !ok || fields["holder"] != "ws-bob" {
		t.Fatalf("expected the conflict to name holder ws-bob, got %+v", derr.Fields)
	}
}

func TestDrainOutboxOnceDeliversMailAndCompletesEntry(t *testing.T) {
	completed := false
	fs := &fakeStore{
		claimOutboxBatchFn: func(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEntry, error) {
			return []store.OutboxEntry{{
				ID: "outbox-1", ProjectID: "proj-1", WorkspaceID: "ws-1",
				Payload: []byte(`{"bead_id":"bh-1","from":"open","to":"closed"}`),
			}}, nil
		},
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{ID: id, Alias: "ws-alice"}, nil
		},
		insertMailFn: func(ctx context.Context, m store.Mail) (store.Mail, error) {
			m.ID = "mail-1"
			return m, nil
		},
		completeOutboxEntryFn: func(ctx context.Context, id, messageID string) error {
			if id != "outbox-1" || messageID != "mail-1" {
				t.Fatalf("unexpected complete args: %s %s", id, messageID)
			}
			completed = true
			return nil
		},
	}
	svc := newTestService(t, fs)
	svc.drainOutboxOnce(context.Background())
	if !completed {
		t.Fatalf("expected the outbox entry to be completed")
	}
}

func TestDrainOutboxOnceFailsEntryWhenWorkspaceMissing(t *testing.T) {
	var failReason string
	fs := &fakeStore{
		claimOutboxBatchFn: func(ctx context.Context, limit, maxAttempts int) ([]store.OutboxEntry, error) {
			return []store.OutboxEntry{{ID: "outbox-1", ProjectID: "proj-1", WorkspaceID: "ws-gone", Payload: []byte(`{}`)}}, nil
		},
		getWorkspaceFn: func(ctx context.Context, projectID, id string) (store.Workspace, error) {
			return store.Workspace{}, sql.ErrNoRows
		},
		failOutboxEntryFn: func(ctx context.Context, id, lastError string, attempts, maxAttempts int, backoff time.Duration) error {
			failReason = lastError
			return nil
		},
	}
	svc := newTestService(t, fs)
	svc.cfg.OutboxMaxAttempts = 8
	svc.cfg.OutboxBaseBackoff = time.Second
	svc.cfg.OutboxMaxBackoff = time.Minute
	svc.drainOutboxOnce(context.Background())
	if failReason == "" {
		t.Fatalf("expected the outbox entry to be marked failed with a reason")
	}
}

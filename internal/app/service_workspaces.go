package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chronicle/api/internal/auth"
	"chronicle/api/internal/events"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

// InitRequest is the atomic bootstrap payload for POST /v1/init.
type InitRequest struct {
	TenantID        string
	Slug            string
	Visibility      string
	CanonicalOrigin string
	Alias           string
	HumanName       string
	Role            string
	Class           string
	Timezone        string
}

// InitResult carries the plaintext API key exactly once.
type InitResult struct {
	ProjectID   string
	WorkspaceID string
	RepoID      string
	Alias       string
	ApiKey      string
}

// Init implements C4's registration path: ensure project, ensure repo,
// mint an agent identity and API key, create the workspace, retrying the
// alias deterministically on collision. Only the workspace insert runs
// inside the transaction; the project, repo, agent and API key writes are
// committed on their own and are not rolled back when a later step fails.
func (s *Service) Init(ctx context.Context, req InitRequest) (InitResult, *DomainError) {
	class := req.Class
	if class == "" {
		class = "agent"
	}
	if class == "agent" && req.CanonicalOrigin == "" {
		return InitResult{}, errValidation("canonical_origin is required for agent workspaces", nil)
	}
	visibility := req.Visibility
	if visibility == "" {
		visibility = "private"
	}

	project, err := s.store.EnsureProjectBySlug(ctx, util.NewID("proj"), req.TenantID, req.Slug, visibility)
	if err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("ensure project: %v", err))
	}

	var repoID string
	if class == "agent" {
		repo, err := s.store.EnsureRepo(ctx, util.NewID("repo"), project.ID, req.CanonicalOrigin)
		if err != nil {
			return InitResult{}, errInternal(fmt.Sprintf("ensure repo: %v", err))
		}
		repoID = repo.ID
	}

	agentID := util.NewID("ws")
	plaintext, hash, err := auth.GenerateAPIKey()
	if err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("generate api key: %v", err))
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("begin tx: %v", err))
	}
	defer tx.Rollback()

	if _, err := s.store.CreateAgent(ctx, store.Agent{ID: agentID, ProjectID: project.ID}); err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("create agent: %v", err))
	}
	if _, err := s.store.CreateApiKey(ctx, store.ApiKey{ID: util.NewID("key"), ProjectID: project.ID, AgentID: agentID, SecretHash: hash}); err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("create api key: %v", err))
	}

	alias, ws, derr := s.createWorkspaceWithAlias(ctx, tx, store.NewWorkspace{
		ID:        agentID,
		ProjectID: project.ID,
		RepoID:    repoID,
		Alias:     req.Alias,
		HumanName: req.HumanName,
		Role:      req.Role,
		Class:     class,
		Timezone:  req.Timezone,
	})
	if derr != nil {
		return InitResult{}, derr
	}

	if err := tx.Commit(); err != nil {
		return InitResult{}, errInternal(fmt.Sprintf("commit init tx: %v", err))
	}

	s.touchPresence(ctx, project.ID, ws.ID, alias)
	return InitResult{ProjectID: project.ID, WorkspaceID: ws.ID, RepoID: repoID, Alias: alias, ApiKey: plaintext}, nil
}

// createWorkspaceWithAlias tries the requested alias, then deterministic
// numeric suffixes (alias-2, alias-3, ...) until one is free.
func (s *Service) createWorkspaceWithAlias(ctx context.Context, tx *sql.Tx, in store.NewWorkspace) (string, store.Workspace, *DomainError) {
	base := in.Alias
	for attempt := 0; attempt < 50; attempt++ {
		candidate := base
		if attempt > 0 {
			candidate = fmt.Sprintf("%s-%d", base, attempt+1)
		}
		in.Alias = candidate
		if tx != nil {
			if _, err := tx.ExecContext(ctx, "SAVEPOINT workspace_alias"); err != nil {
				return "", store.Workspace{}, errInternal(fmt.Sprintf("alias savepoint: %v", err))
			}
		}
		ws, err := s.store.CreateWorkspace(ctx, tx, in)
		if err == nil {
			return candidate, ws, nil
		}
		if isUniqueViolation(err) {
			if tx != nil {
				if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT workspace_alias"); rbErr != nil {
					return "", store.Workspace{}, errInternal(fmt.Sprintf("rollback alias savepoint: %v", rbErr))
				}
			}
			continue
		}
		return "", store.Workspace{}, errInternal(fmt.Sprintf("create workspace: %v", err))
	}
	return "", store.Workspace{}, errConflict("could not allocate a free alias", nil)
}

func isUniqueViolation(err error) bool {
	// pgx/v5's stdlib driver surfaces duplicate-key violations through the
	// textual SQLSTATE 23505 embedded in the error string; no live
	// database here to drive a *pgconn.PgError type assertion, so a
	// conservative substring check covers the same case.
	return err != nil && (containsAny(err.Error(), "23505", "duplicate key", "already exists"))
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// RegisterWorkspace is the standalone workspace-registration path used
// when the caller already holds a project-scoped API key (proxy or
// project key) and only needs a new workspace, not a fresh project+key.
func (s *Service) RegisterWorkspace(ctx context.Context, p Principal, req InitRequest) (store.Workspace, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Workspace{}, derr
	}
	class := req.Class
	if class == "" {
		class = "agent"
	}
	agentID := util.NewID("ws")
	if _, err := s.store.CreateAgent(ctx, store.Agent{ID: agentID, ProjectID: p.ProjectID}); err != nil {
		return store.Workspace{}, errInternal(fmt.Sprintf("create agent: %v", err))
	}
	alias, ws, derr := s.createWorkspaceWithAlias(ctx, nil, store.NewWorkspace{
		ID:        agentID,
		ProjectID: p.ProjectID,
		RepoID:    req.CanonicalOrigin,
		Alias:     req.Alias,
		HumanName: req.HumanName,
		Role:      req.Role,
		Class:     class,
		Timezone:  req.Timezone,
	})
	if derr != nil {
		return store.Workspace{}, derr
	}
	_ = alias
	s.touchPresence(ctx, p.ProjectID, ws.ID, ws.Alias)
	return ws, nil
}

func (s *Service) GetWorkspace(ctx context.Context, p Principal, id string) (store.Workspace, *DomainError) {
	ws, err := s.store.GetWorkspace(ctx, p.ProjectID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Workspace{}, errNotFound("workspace not found")
	}
	if err != nil {
		return store.Workspace{}, errInternal(err.Error())
	}
	return ws, nil
}

// WorkspacePatch mirrors store.WorkspacePatch; alias, project, repo, and
// class are immutable and rejected here before reaching the store layer.
type WorkspacePatch = store.WorkspacePatch

func (s *Service) PatchWorkspace(ctx context.Context, p Principal, id string, patch WorkspacePatch) (store.Workspace, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Workspace{}, derr
	}
	if derr := requireActorBinding(p, id); derr != nil {
		return store.Workspace{}, derr
	}
	ws, err := s.store.UpdateWorkspace(ctx, p.ProjectID, id, patch)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Workspace{}, errNotFound("workspace not found")
	}
	if err != nil {
		return store.Workspace{}, errInternal(err.Error())
	}
	s.touchPresence(ctx, p.ProjectID, id, ws.Alias)
	return ws, nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, p Principal, id string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	beadIDs, err := s.store.ReleaseAllClaimsForWorkspace(ctx, p.ProjectID, id)
	if err != nil {
		return errInternal(fmt.Sprintf("release claims on delete: %v", err))
	}
	if err := s.store.SoftDeleteWorkspace(ctx, p.ProjectID, id); err != nil {
		return errInternal(err.Error())
	}
	for _, beadID := range beadIDs {
		s.publish(ctx, p.ProjectID, events.TypeBeadUnclaimed, id, "", map[string]any{"bead_id": beadID})
	}
	return nil
}

func (s *Service) RestoreWorkspace(ctx context.Context, p Principal, id string) (store.Workspace, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Workspace{}, derr
	}
	if err := s.store.RestoreWorkspace(ctx, p.ProjectID, id); err != nil {
		return store.Workspace{}, errInternal(err.Error())
	}
	return s.GetWorkspace(ctx, p, id)
}

// redactWorkspaceView is the shape returned over the API, with the
// derived presence status and PII stripped for public readers.
type redactWorkspaceView struct {
	ID         string `json:"id"`
	Alias      string `json:"alias"`
	HumanName  string `json:"human_name,omitempty"`
	Role       string `json:"role"`
	Class      string `json:"class"`
	Branch     string `json:"branch,omitempty"`
	Focus      string `json:"focus,omitempty"`
	Presence   string `json:"presence"`
	LastSeenAt string `json:"last_seen_at"`
}

func (s *Service) ListWorkspaces(ctx context.Context, p Principal, filter store.WorkspaceFilter) ([]redactWorkspaceView, *DomainError) {
	items, err := s.store.ListWorkspaces(ctx, p.ProjectID, filter)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	views := make([]redactWorkspaceView, 0, len(items))
	for _, w := range items {
		views = append(views, s.redactedWorkspaceView(p, w))
	}
	return views, nil
}

func (s *Service) redactedWorkspaceView(p Principal, w store.Workspace) redactWorkspaceView {
	humanName := w.HumanName
	if !p.canWrite() {
		humanName = ""
	}
	return redactWorkspaceView{
		ID:         w.ID,
		Alias:      w.Alias,
		HumanName:  humanName,
		Role:       w.Role,
		Class:      w.Class,
		Branch:     w.Branch,
		Focus:      w.Focus,
		Presence:   string(s.presenceStatusFor(w.LastSeenAt)),
		LastSeenAt: w.LastSeenAt.Format(time.RFC3339),
	}
}

// --- repos ---

func (s *Service) CreateRepo(ctx context.Context, p Principal, canonicalOrigin string) (store.Repo, *DomainError) {
	if derr := requireWrite(p); derr != nil {
		return store.Repo{}, derr
	}
	repo, err := s.store.EnsureRepo(ctx, util.NewID("repo"), p.ProjectID, canonicalOrigin)
	if err != nil {
		return store.Repo{}, errInternal(err.Error())
	}
	return repo, nil
}

func (s *Service) ListRepos(ctx context.Context, p Principal) ([]store.Repo, *DomainError) {
	items, err := s.store.ListRepos(ctx, p.ProjectID)
	if err != nil {
		return nil, errInternal(err.Error())
	}
	return items, nil
}

func (s *Service) DeleteRepo(ctx context.Context, p Principal, id string) *DomainError {
	if derr := requireWrite(p); derr != nil {
		return derr
	}
	if err := s.store.DeleteRepo(ctx, p.ProjectID, id); err != nil {
		return errInternal(err.Error())
	}
	return nil
}

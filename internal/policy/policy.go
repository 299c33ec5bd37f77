// Package policy implements the versioned policy-bundle engine (C11):
// atomic version allocation under a Postgres row lock, optimistic
// concurrency on creation, activation, and defaults reset. Postgres owns
// the version numbers and the active pointer; internal/gitrepo holds the
// actual bundle content as commits so history and diffing come for free.
package policy

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"chronicle/api/internal/gitrepo"
	"chronicle/api/internal/store"
	"chronicle/api/internal/util"
)

//go:embed assets/default_bundle.json
var assetsFS embed.FS

var ErrConflict = errors.New("policy: base_policy_id does not match active policy")

type Engine struct {
	store *store.PostgresStore
	repos *gitrepo.Service
}

func NewEngine(s *store.PostgresStore, repos *gitrepo.Service) *Engine {
	return &Engine{store: s, repos: repos}
}

type CreateResult struct {
	PolicyID string
	Version  int
	Created  bool
}

// GetActive returns the project's active policy row and its bundle. It is
// a client error (not wired here) for a project to have no active policy;
// ResetToDefaults is how a project gets its first one.
func (e *Engine) GetActive(ctx context.Context, projectID string) (store.Policy, json.RawMessage, error) {
	project, err := e.store.GetProjectByID(ctx, projectID)
	if err != nil {
		return store.Policy{}, nil, fmt.Errorf("load project: %w", err)
	}
	if project.ActivePolicyID == "" {
		return store.Policy{}, nil, store.ErrNotFound
	}
	return e.GetByID(ctx, projectID, project.ActivePolicyID)
}

func (e *Engine) GetByID(ctx context.Context, projectID, policyID string) (store.Policy, json.RawMessage, error) {
	p, err := e.store.GetPolicy(ctx, projectID, policyID)
	if err != nil {
		return store.Policy{}, nil, err
	}
	bundle, err := e.repos.GetContentByHash(projectID, p.CommitHash)
	if err != nil {
		return store.Policy{}, nil, fmt.Errorf("load bundle content: %w", err)
	}
	return p, bundle, nil
}

func (e *Engine) ListHistory(ctx context.Context, projectID string, limit int) ([]store.Policy, error) {
	return e.store.ListPolicyHistory(ctx, projectID, limit)
}

// Create allocates the next contiguous version for the project under a row
// lock, committing the bundle to git and recording the version in
// Postgres. If basePolicyID is non-empty, it must equal the project's
// current active policy at lock time, or the call fails with ErrConflict.
// If the new bundle hashes (after JSON normalization) the same as the
// latest version, the call is
// idempotent: it returns Created=false with the existing policy's id and
// version rather than allocating a new one.
func (e *Engine) Create(ctx context.Context, projectID string, bundle json.RawMessage, basePolicyID, createdBy string) (CreateResult, error) {
	if err := e.repos.EnsureProjectRepo(projectID); err != nil {
		return CreateResult{}, fmt.Errorf("ensure project repo: %w", err)
	}

	normalized, hash, err := hashBundle(bundle)
	if err != nil {
		return CreateResult{}, err
	}

	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	project, err := e.store.LockProjectForUpdate(ctx, tx, projectID)
	if err != nil {
		return CreateResult{}, fmt.Errorf("lock project: %w", err)
	}
	if basePolicyID != "" && basePolicyID != project.ActivePolicyID {
		return CreateResult{}, ErrConflict
	}

	if existing, err := e.store.GetPolicyByBundleHash(ctx, tx, projectID, hash); err == nil {
		return CreateResult{PolicyID: existing.ID, Version: existing.Version, Created: false}, nil
	}

	latestVersion, err := e.store.GetLatestPolicyVersion(ctx, tx, projectID)
	if err != nil {
		return CreateResult{}, err
	}
	nextVersion := latestVersion + 1

	commit, err := e.repos.CommitPolicyVersion(projectID, normalized, nextVersion, createdBy, fmt.Sprintf("policy v%d", nextVersion))
	if err != nil {
		return CreateResult{}, fmt.Errorf("commit policy version: %w", err)
	}

	created, err := e.store.CreatePolicy(ctx, tx, store.Policy{
		ID:         util.NewID("pol"),
		ProjectID:  projectID,
		Version:    nextVersion,
		BundleHash: hash,
		CommitHash: commit.Hash,
		CreatedBy:  createdBy,
	})
	if err != nil {
		return CreateResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("commit tx: %w", err)
	}
	return CreateResult{PolicyID: created.ID, Version: created.Version, Created: true}, nil
}

// Activate moves the project's active-policy pointer to policyID, which
// must belong to the same project.
func (e *Engine) Activate(ctx context.Context, projectID, policyID string) error {
	p, err := e.store.GetPolicy(ctx, projectID, policyID)
	if err != nil {
		return err
	}
	if err := e.repos.TagActive(projectID, p.CommitHash); err != nil {
		return fmt.Errorf("tag active: %w", err)
	}
	if err := e.store.SetActivePolicy(ctx, projectID, policyID); err != nil {
		return err
	}
	return nil
}

// ResetToDefaults deep-copies the shipped default bundle into a new
// version via the normal create path, then activates it.
func (e *Engine) ResetToDefaults(ctx context.Context, projectID, createdBy string) (CreateResult, error) {
	defaults, err := assetsFS.ReadFile("assets/default_bundle.json")
	if err != nil {
		return CreateResult{}, fmt.Errorf("read default bundle asset: %w", err)
	}
	result, err := e.Create(ctx, projectID, defaults, "", createdBy)
	if err != nil {
		return CreateResult{}, err
	}
	if err := e.Activate(ctx, projectID, result.PolicyID); err != nil {
		return CreateResult{}, err
	}
	return result, nil
}

func hashBundle(bundle json.RawMessage) (json.RawMessage, string, error) {
	var parsed any
	if err := json.Unmarshal(bundle, &parsed); err != nil {
		return nil, "", fmt.Errorf("decode bundle: %w", err)
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil, "", fmt.Errorf("normalize bundle: %w", err)
	}
	sum := sha256.Sum256(normalized)
	return normalized, hex.EncodeToString(sum[:]), nil
}

// Package gitrepo stores policy bundle version history as git commits: one
// repository per project, one commit per policy version on "main", and a
// lightweight "active" tag that the policy engine moves on activation.
// Git is the append-only ledger; Postgres (see internal/policy) remains
// the source of truth for version numbers and the active pointer, so a
// repaired/rebuilt git repo never needs to agree with the database on
// anything beyond "this hash holds this bundle."
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const bundleFile = "policy.json"

const activeTag = "active"

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureProjectRepo initializes the per-project repository if it doesn't
// exist yet. It is a no-op for a project that already has one.
func (s *Service) EnsureProjectRepo(projectID string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(projectID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitPolicyVersion writes the bundle to policy.json and commits it on
// main. The caller (internal/policy) has already allocated the version
// number under a Postgres row lock; this call only records the content.
func (s *Service) CommitPolicyVersion(projectID string, bundle json.RawMessage, version int, author, message string) (CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	normalized, err := normalizeBundle(bundle)
	if err != nil {
		return CommitInfo{}, err
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, bundleFile), append(normalized, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", bundleFile, err)
	}
	if _, err := worktree.Add(bundleFile); err != nil {
		return CommitInfo{}, fmt.Errorf("git add %s: %w", bundleFile, err)
	}

	if message == "" {
		message = fmt.Sprintf("policy v%d", version)
	}
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.beadhub.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit %s: %w", bundleFile, err)
	}

	branchRef := plumbing.NewBranchReferenceName("main")
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return CommitInfo{}, fmt.Errorf("update main ref: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// TagActive force-moves the lightweight "active" tag to hash. A lightweight
// tag (not annotated) is used specifically because it can be repointed with
// a plain reference update — no tag-delete/recreate dance.
func (s *Service) TagActive(projectID, hash string) error {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}
	tagRef := plumbing.NewTagReferenceName(activeTag)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(tagRef, resolved)); err != nil {
		return fmt.Errorf("move active tag: %w", err)
	}
	return nil
}

// GetActiveContent resolves the "active" tag and returns its bundle.
func (s *Service) GetActiveContent(projectID string) (json.RawMessage, CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewTagReferenceName(activeTag), true)
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("resolve active tag: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	bundle, err := readBundleFromCommit(commitObj)
	if err != nil {
		return nil, CommitInfo{}, err
	}
	return bundle, toCommitInfo(commitObj), nil
}

// GetContentByHash returns the bundle stored at a specific commit.
func (s *Service) GetContentByHash(projectID, hash string) (json.RawMessage, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	resolved, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readBundleFromCommit(commitObj)
}

// History walks main from HEAD, newest first, up to limit commits (0 means
// unbounded).
func (s *Service) History(projectID string, limit int) ([]CommitInfo, error) {
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(projectID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(projectID string) string {
	return filepath.Join(s.baseDir, projectID)
}

func (s *Service) projectLock(projectID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[projectID] = lock
	return lock
}

func readBundleFromCommit(commitObj *object.Commit) (json.RawMessage, error) {
	file, err := commitObj.File(bundleFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", bundleFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open content reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read content bytes: %w", err)
	}
	return json.RawMessage(raw), nil
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String(),
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "policy-engine"
	}
	return string(out)
}

// normalizeBundle re-marshals the bundle with stable indentation so two
// byte-for-byte-different-but-semantically-equal JSON payloads still diff
// cleanly in git. The bundle hash used for idempotent policy creation is
// computed by the policy package, not from this output.
func normalizeBundle(bundle json.RawMessage) ([]byte, error) {
	var parsed any
	if err := json.Unmarshal(bundle, &parsed); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return json.MarshalIndent(parsed, "", "  ")
}

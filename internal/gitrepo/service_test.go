package gitrepo

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func sampleBundle(enforceTier string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{
		"invariants":[{"id":"I-SYNC","title":"Sync cadence","body":"Sync before claiming."}],
		"roles":{"implementer":{"title":"Implementer","playbook":"%s"}}
	}`, enforceTier))
}

func TestProjectPolicyRepoLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "proj-1")); err != nil {
		t.Fatalf("repo directory missing: %v", err)
	}

	commit, err := svc.CommitPolicyVersion("proj-1", sampleBundle("default"), 1, "alice", "")
	if err != nil {
		t.Fatalf("CommitPolicyVersion() error = %v", err)
	}
	if commit.Hash == "" {
		t.Fatal("expected commit hash")
	}

	if err := svc.TagActive("proj-1", commit.Hash); err != nil {
		t.Fatalf("TagActive() error = %v", err)
	}

	active, activeCommit, err := svc.GetActiveContent("proj-1")
	if err != nil {
		t.Fatalf("GetActiveContent() error = %v", err)
	}
	if activeCommit.Hash != commit.Hash {
		t.Fatalf("expected active commit %s, got %s", commit.Hash, activeCommit.Hash)
	}
	var decoded map[string]any
	if err := json.Unmarshal(active, &decoded); err != nil {
		t.Fatalf("active bundle is not valid JSON: %v", err)
	}
	if _, ok := decoded["invariants"]; !ok {
		t.Fatal("expected invariants key in active bundle")
	}
}

func TestTagActiveMovesToNewerVersion(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}
	v1, err := svc.CommitPolicyVersion("proj-1", sampleBundle("v1"), 1, "alice", "")
	if err != nil {
		t.Fatalf("commit v1 error = %v", err)
	}
	v2, err := svc.CommitPolicyVersion("proj-1", sampleBundle("v2"), 2, "alice", "")
	if err != nil {
		t.Fatalf("commit v2 error = %v", err)
	}

	if err := svc.TagActive("proj-1", v1.Hash); err != nil {
		t.Fatalf("TagActive(v1) error = %v", err)
	}
	if err := svc.TagActive("proj-1", v2.Hash); err != nil {
		t.Fatalf("TagActive(v2) error = %v", err)
	}

	_, activeCommit, err := svc.GetActiveContent("proj-1")
	if err != nil {
		t.Fatalf("GetActiveContent() error = %v", err)
	}
	if activeCommit.Hash != v2.Hash {
		t.Fatalf("expected active tag to move to v2 (%s), got %s", v2.Hash, activeCommit.Hash)
	}
}

func TestGetContentByHashReturnsHistoricalVersion(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}
	v1, err := svc.CommitPolicyVersion("proj-1", sampleBundle("v1"), 1, "alice", "")
	if err != nil {
		t.Fatalf("commit v1 error = %v", err)
	}
	if _, err := svc.CommitPolicyVersion("proj-1", sampleBundle("v2"), 2, "alice", ""); err != nil {
		t.Fatalf("commit v2 error = %v", err)
	}

	historical, err := svc.GetContentByHash("proj-1", v1.Hash)
	if err != nil {
		t.Fatalf("GetContentByHash() error = %v", err)
	}
	if !strings.Contains(string(historical), "v1") {
		t.Fatalf("expected historical bundle to contain v1 playbook, got %s", historical)
	}

	history, err := svc.History("proj-1", 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected 2 commits in history, got %d", len(history))
	}
}

func TestConcurrentCommitPolicyVersionSameProject(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	if err := svc.EnsureProjectRepo("proj-1"); err != nil {
		t.Fatalf("EnsureProjectRepo() error = %v", err)
	}

	const writers = 12
	var wg sync.WaitGroup
	errCh := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			bundle := sampleBundle(fmt.Sprintf("tier-%02d", idx))
			if _, err := svc.CommitPolicyVersion("proj-1", bundle, idx+2, "alice", fmt.Sprintf("commit %02d", idx)); err != nil {
				errCh <- err
			}
		}(i)
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("CommitPolicyVersion() concurrent error = %v", err)
		}
	}

	history, err := svc.History("proj-1", 100)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != writers {
		t.Fatalf("expected %d commits in history, got %d", writers, len(history))
	}
}

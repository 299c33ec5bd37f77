package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// beadRefJSON is the on-disk encoding for BeadRef and []BeadRef columns.
type beadRefJSON struct {
	RepoID string `json:"repo_id"`
	Branch string `json:"branch"`
	BeadID string `json:"bead_id"`
}

func encodeBeadRef(r *BeadRef) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(beadRefJSON{RepoID: r.RepoID, Branch: r.Branch, BeadID: r.BeadID})
}

func decodeBeadRef(raw []byte) (*BeadRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var j beadRefJSON
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, err
	}
	return &BeadRef{RepoID: j.RepoID, Branch: j.Branch, BeadID: j.BeadID}, nil
}

func encodeBeadRefs(refs []BeadRef) ([]byte, error) {
	js := make([]beadRefJSON, 0, len(refs))
	for _, r := range refs {
		js = append(js, beadRefJSON{RepoID: r.RepoID, Branch: r.Branch, BeadID: r.BeadID})
	}
	return json.Marshal(js)
}

func decodeBeadRefs(raw []byte) ([]BeadRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var js []beadRefJSON
	if err := json.Unmarshal(raw, &js); err != nil {
		return nil, err
	}
	refs := make([]BeadRef, 0, len(js))
	for _, j := range js {
		refs = append(refs, BeadRef{RepoID: j.RepoID, Branch: j.Branch, BeadID: j.BeadID})
	}
	return refs, nil
}

func scanIssue(scan func(dest ...any) error) (Issue, error) {
	var (
		iss         Issue
		labels      []byte
		parentRaw   []byte
		blockedRaw  []byte
	)
	err := scan(&iss.ProjectID, &iss.BeadID, &iss.Title, &iss.Body, &iss.Status, &iss.Priority,
		&iss.Assignee, &iss.Creator, &labels, &parentRaw, &blockedRaw, &iss.CreatedAt, &iss.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &iss.Labels); err != nil {
			return Issue{}, fmt.Errorf("decode labels: %w", err)
		}
	}
	parent, err := decodeBeadRef(parentRaw)
	if err != nil {
		return Issue{}, fmt.Errorf("decode parent ref: %w", err)
	}
	iss.Parent = parent
	blocked, err := decodeBeadRefs(blockedRaw)
	if err != nil {
		return Issue{}, fmt.Errorf("decode blocked_by: %w", err)
	}
	iss.BlockedBy = blocked
	return iss, nil
}

const issueColumns = `
	project_id, bead_id, title, body, status, priority, COALESCE(assignee,''), creator,
	labels, parent_ref, blocked_by, created_at, updated_at
`

func (s *PostgresStore) GetIssue(ctx context.Context, projectID, beadID string) (Issue, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM beads_issues WHERE project_id=$1 AND bead_id=$2`, projectID, beadID)
	return scanIssue(row.Scan)
}

// UpsertIssue reconciles one client-pushed bead payload against the mirror.
// It returns the previous status (empty string if the bead is new) so the
// sync engine can detect a status transition and emit an outbox entry.
func (s *PostgresStore) UpsertIssue(ctx context.Context, iss Issue) (previousStatus string, err error) {
	labels, err := json.Marshal(iss.Labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}
	parentRaw, err := encodeBeadRef(iss.Parent)
	if err != nil {
		return "", fmt.Errorf("encode parent ref: %w", err)
	}
	blockedRaw, err := encodeBeadRefs(iss.BlockedBy)
	if err != nil {
		return "", fmt.Errorf("encode blocked_by: %w", err)
	}

	existing, getErr := s.GetIssue(ctx, iss.ProjectID, iss.BeadID)
	if getErr == nil {
		previousStatus = existing.Status
	} else if !errors.Is(getErr, sql.ErrNoRows) {
		return "", fmt.Errorf("lookup existing issue: %w", getErr)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO beads_issues (project_id, bead_id, title, body, status, priority, assignee, creator, labels, parent_ref, blocked_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, NOW(), NOW())
		ON CONFLICT (project_id, bead_id) DO UPDATE SET
			title = EXCLUDED.title,
			body = EXCLUDED.body,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			assignee = EXCLUDED.assignee,
			creator = EXCLUDED.creator,
			labels = EXCLUDED.labels,
			parent_ref = EXCLUDED.parent_ref,
			blocked_by = EXCLUDED.blocked_by,
			updated_at = NOW()
	`, iss.ProjectID, iss.BeadID, iss.Title, iss.Body, iss.Status, iss.Priority, iss.Assignee, iss.Creator, labels, parentRaw, blockedRaw)
	if err != nil {
		return "", fmt.Errorf("upsert issue: %w", err)
	}
	return previousStatus, nil
}

// DeleteIssuesNotIn deletes every mirrored issue in the project (across all
// repos) whose bead id is not in keepBeadIDs, and returns the deleted ids.
func (s *PostgresStore) DeleteIssuesNotIn(ctx context.Context, projectID string, keepBeadIDs []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM beads_issues WHERE project_id=$1 AND NOT (bead_id = ANY($2))
		RETURNING bead_id
	`, projectID, keepBeadIDs)
	if err != nil {
		return nil, fmt.Errorf("delete stale issues: %w", err)
	}
	defer rows.Close()

	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan deleted issue id: %w", err)
		}
		deleted = append(deleted, id)
	}
	return deleted, rows.Err()
}

type IssueFilter struct {
	Status   string
	Assignee string
	Label    string
}

func (s *PostgresStore) ListIssues(ctx context.Context, projectID string, filter IssueFilter) ([]Issue, error) {
	query := `SELECT ` + issueColumns + ` FROM beads_issues WHERE project_id=$1`
	args := []any{projectID}
	argN := 2
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", argN)
		args = append(args, filter.Status)
		argN++
	}
	if filter.Assignee != "" {
		query += fmt.Sprintf(" AND assignee=$%d", argN)
		args = append(args, filter.Assignee)
		argN++
	}
	if filter.Label != "" {
		query += fmt.Sprintf(" AND labels @> $%d::jsonb", argN)
		labelJSON, _ := json.Marshal([]string{filter.Label})
		args = append(args, string(labelJSON))
		argN++
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		iss, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, iss)
	}
	return items, rows.Err()
}

// SearchIssuesFTS is the Postgres full-text fallback used when no search
// indexer is configured, ranking on title/body via a GIN trigram index.
func (s *PostgresStore) SearchIssuesFTS(ctx context.Context, projectID, query string, limit int) ([]Issue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+issueColumns+`
		FROM beads_issues
		WHERE project_id=$1 AND (title ILIKE '%' || $2 || '%' OR body ILIKE '%' || $2 || '%')
		ORDER BY similarity(title, $2) DESC, updated_at DESC
		LIMIT $3
	`, projectID, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search issues: %w", err)
	}
	defer rows.Close()

	items := make([]Issue, 0)
	for rows.Next() {
		iss, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan issue: %w", err)
		}
		items = append(items, iss)
	}
	return items, rows.Err()
}

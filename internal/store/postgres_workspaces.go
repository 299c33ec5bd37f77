package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const workspaceColumns = `
	id, project_id, repo_id, alias, human_name, role, class, branch, focus,
	host, path, timezone, created_at, updated_at, last_seen_at, deleted_at
`

func scanWorkspace(row *sql.Row) (Workspace, error) {
	var w Workspace
	err := row.Scan(&w.ID, &w.ProjectID, &w.RepoID, &w.Alias, &w.HumanName, &w.Role, &w.Class,
		&w.Branch, &w.Focus, &w.Host, &w.Path, &w.Timezone, &w.CreatedAt, &w.UpdatedAt, &w.LastSeenAt, &w.DeletedAt)
	return w, err
}

func (s *PostgresStore) GetWorkspace(ctx context.Context, projectID, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=$1 AND id=$2`, projectID, id)
	return scanWorkspace(row)
}

// GetWorkspaceByID looks up a workspace without a project filter, used only
// by the auth layer to discover the project a bearer-scoped agent belongs to.
func (s *PostgresStore) GetWorkspaceByID(ctx context.Context, id string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workspaceColumns+` FROM workspaces WHERE id=$1`, id)
	return scanWorkspace(row)
}

func (s *PostgresStore) GetWorkspaceByAlias(ctx context.Context, projectID, alias string) (Workspace, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+workspaceColumns+` FROM workspaces WHERE project_id=$1 AND alias=$2 AND deleted_at IS NULL
	`, projectID, alias)
	return scanWorkspace(row)
}

// AliasTaken reports whether alias is in use by an active (non-deleted) workspace.
func (s *PostgresStore) AliasTaken(ctx context.Context, projectID, alias string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workspaces WHERE project_id=$1 AND alias=$2 AND deleted_at IS NULL)
	`, projectID, alias).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check alias: %w", err)
	}
	return exists, nil
}

type NewWorkspace struct {
	ID        string
	ProjectID string
	RepoID    string
	Alias     string
	HumanName string
	Role      string
	Class     string
	Timezone  string
}

func (s *PostgresStore) CreateWorkspace(ctx context.Context, tx *sql.Tx, in NewWorkspace) (Workspace, error) {
	exec := s.db.QueryRowContext
	if tx != nil {
		exec = tx.QueryRowContext
	}
	row := exec(ctx, `
		INSERT INTO workspaces (id, project_id, repo_id, alias, human_name, role, class, timezone, last_seen_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NOW())
		RETURNING `+workspaceColumns, in.ID, in.ProjectID, in.RepoID, in.Alias, in.HumanName, in.Role, in.Class, in.Timezone)
	return scanWorkspace(row)
}

type WorkspacePatch struct {
	Role      *string `json:"role"`
	HumanName *string `json:"human_name"`
	Focus     *string `json:"focus"`
	Branch    *string `json:"branch"`
	Timezone  *string `json:"timezone"`
	Host      *string `json:"host"`
	Path      *string `json:"path"`
}

func (s *PostgresStore) UpdateWorkspace(ctx context.Context, projectID, id string, patch WorkspacePatch) (Workspace, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET
			role = COALESCE($3, role),
			human_name = COALESCE($4, human_name),
			focus = COALESCE($5, focus),
			branch = COALESCE($6, branch),
			timezone = COALESCE($7, timezone),
			host = COALESCE($8, host),
			path = COALESCE($9, path),
			updated_at = NOW()
		WHERE project_id=$1 AND id=$2
	`, projectID, id, patch.Role, patch.HumanName, patch.Focus, patch.Branch, patch.Timezone, patch.Host, patch.Path)
	if err != nil {
		return Workspace{}, fmt.Errorf("update workspace: %w", err)
	}
	return s.GetWorkspace(ctx, projectID, id)
}

func (s *PostgresStore) TouchLastSeen(ctx context.Context, projectID, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET last_seen_at=$3 WHERE project_id=$1 AND id=$2
	`, projectID, id, at)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeleteWorkspace(ctx context.Context, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET deleted_at=NOW(), updated_at=NOW() WHERE project_id=$1 AND id=$2 AND deleted_at IS NULL
	`, projectID, id)
	if err != nil {
		return fmt.Errorf("soft delete workspace: %w", err)
	}
	return nil
}

func (s *PostgresStore) RestoreWorkspace(ctx context.Context, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET deleted_at=NULL, updated_at=NOW() WHERE project_id=$1 AND id=$2 AND deleted_at IS NOT NULL
	`, projectID, id)
	if err != nil {
		return fmt.Errorf("restore workspace: %w", err)
	}
	return nil
}

type WorkspaceFilter struct {
	IncludeDeleted bool
	RepoID         string
	Class          string
}

func (s *PostgresStore) ListWorkspaces(ctx context.Context, projectID string, filter WorkspaceFilter) ([]Workspace, error) {
	query := `SELECT ` + workspaceColumns + ` FROM workspaces WHERE project_id=$1`
	args := []any{projectID}
	argN := 2
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if filter.RepoID != "" {
		query += fmt.Sprintf(" AND repo_id=$%d", argN)
		args = append(args, filter.RepoID)
		argN++
	}
	if filter.Class != "" {
		query += fmt.Sprintf(" AND class=$%d", argN)
		args = append(args, filter.Class)
		argN++
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	items := make([]Workspace, 0)
	for rows.Next() {
		var w Workspace
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.RepoID, &w.Alias, &w.HumanName, &w.Role, &w.Class,
			&w.Branch, &w.Focus, &w.Host, &w.Path, &w.Timezone, &w.CreatedAt, &w.UpdatedAt, &w.LastSeenAt, &w.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

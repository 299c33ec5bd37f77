package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetProjectBySlug(ctx context.Context, tenantID, slug string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), slug, visibility, COALESCE(active_policy_id, ''), created_at, updated_at, deleted_at
		FROM projects
		WHERE slug=$1 AND COALESCE(tenant_id, '')=$2
	`, slug, tenantID).Scan(&p.ID, &p.TenantID, &p.Slug, &p.Visibility, &p.ActivePolicyID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetProjectByID(ctx context.Context, id string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), slug, visibility, COALESCE(active_policy_id, ''), created_at, updated_at, deleted_at
		FROM projects
		WHERE id=$1
	`, id).Scan(&p.ID, &p.TenantID, &p.Slug, &p.Visibility, &p.ActivePolicyID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return Project{}, err
	}
	return p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, id, tenantID, slug, visibility string) (Project, error) {
	var p Project
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (id, tenant_id, slug, visibility)
		VALUES ($1, NULLIF($2, ''), $3, $4)
		ON CONFLICT (slug, COALESCE(tenant_id, '')) DO NOTHING
		RETURNING id, COALESCE(tenant_id, ''), slug, visibility, COALESCE(active_policy_id, ''), created_at, updated_at, deleted_at
	`, id, tenantID, slug, visibility).Scan(&p.ID, &p.TenantID, &p.Slug, &p.Visibility, &p.ActivePolicyID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return s.GetProjectBySlug(ctx, tenantID, slug)
	}
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) EnsureProjectBySlug(ctx context.Context, id, tenantID, slug, visibility string) (Project, error) {
	if p, err := s.GetProjectBySlug(ctx, tenantID, slug); err == nil {
		return p, nil
	}
	return s.CreateProject(ctx, id, tenantID, slug, visibility)
}

func (s *PostgresStore) SetActivePolicy(ctx context.Context, projectID, policyID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET active_policy_id=$2, updated_at=NOW() WHERE id=$1
	`, projectID, policyID)
	if err != nil {
		return fmt.Errorf("set active policy: %w", err)
	}
	return nil
}

func (s *PostgresStore) LockProjectForUpdate(ctx context.Context, tx *sql.Tx, projectID string) (Project, error) {
	var p Project
	err := tx.QueryRowContext(ctx, `
		SELECT id, COALESCE(tenant_id, ''), slug, visibility, COALESCE(active_policy_id, ''), created_at, updated_at, deleted_at
		FROM projects
		WHERE id=$1
		FOR UPDATE
	`, projectID).Scan(&p.ID, &p.TenantID, &p.Slug, &p.Visibility, &p.ActivePolicyID, &p.CreatedAt, &p.UpdatedAt, &p.DeletedAt)
	if err != nil {
		return Project{}, fmt.Errorf("lock project: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// --- repos ---

func (s *PostgresStore) GetRepoByOrigin(ctx context.Context, projectID, canonicalOrigin string) (Repo, error) {
	var r Repo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, canonical_origin, created_at
		FROM repos
		WHERE project_id=$1 AND canonical_origin=$2
	`, projectID, canonicalOrigin).Scan(&r.ID, &r.ProjectID, &r.CanonicalOrigin, &r.CreatedAt)
	if err != nil {
		return Repo{}, err
	}
	return r, nil
}

func (s *PostgresStore) GetRepoByID(ctx context.Context, projectID, id string) (Repo, error) {
	var r Repo
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, canonical_origin, created_at
		FROM repos
		WHERE project_id=$1 AND id=$2
	`, projectID, id).Scan(&r.ID, &r.ProjectID, &r.CanonicalOrigin, &r.CreatedAt)
	if err != nil {
		return Repo{}, err
	}
	return r, nil
}

func (s *PostgresStore) CreateRepo(ctx context.Context, id, projectID, canonicalOrigin string) (Repo, error) {
	var r Repo
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO repos (id, project_id, canonical_origin)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, canonical_origin) DO UPDATE SET canonical_origin=EXCLUDED.canonical_origin
		RETURNING id, project_id, canonical_origin, created_at
	`, id, projectID, canonicalOrigin).Scan(&r.ID, &r.ProjectID, &r.CanonicalOrigin, &r.CreatedAt)
	if err != nil {
		return Repo{}, fmt.Errorf("create repo: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) EnsureRepo(ctx context.Context, id, projectID, canonicalOrigin string) (Repo, error) {
	if r, err := s.GetRepoByOrigin(ctx, projectID, canonicalOrigin); err == nil {
		return r, nil
	}
	return s.CreateRepo(ctx, id, projectID, canonicalOrigin)
}

func (s *PostgresStore) ListRepos(ctx context.Context, projectID string) ([]Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, canonical_origin, created_at
		FROM repos
		WHERE project_id=$1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	items := make([]Repo, 0)
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.CanonicalOrigin, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

func (s *PostgresStore) DeleteRepo(ctx context.Context, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM repos WHERE project_id=$1 AND id=$2`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const policyColumns = `id, project_id, version, bundle_hash, commit_hash, created_by, created_at`

func scanPolicy(scan func(dest ...any) error) (Policy, error) {
	var p Policy
	if err := scan(&p.ID, &p.ProjectID, &p.Version, &p.BundleHash, &p.CommitHash, &p.CreatedBy, &p.CreatedAt); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (s *PostgresStore) GetPolicy(ctx context.Context, projectID, policyID string) (Policy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM project_policies
		WHERE project_id=$1 AND id=$2
	`, projectID, policyID)
	return scanPolicy(row.Scan)
}

// GetLatestPolicyVersion returns the highest existing version for the
// project, or 0 if no policy has ever been created. It takes no lock
// itself; the caller locks the project row in the same transaction first.
func (s *PostgresStore) GetLatestPolicyVersion(ctx context.Context, tx *sql.Tx, projectID string) (int, error) {
	var version sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT MAX(version) FROM project_policies WHERE project_id=$1
	`, projectID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("get latest policy version: %w", err)
	}
	return int(version.Int64), nil
}

// GetPolicyByBundleHash looks up an existing version with an identical
// bundle, used to make policy creation idempotent when the new bundle is
// byte-identical to the latest one.
func (s *PostgresStore) GetPolicyByBundleHash(ctx context.Context, tx *sql.Tx, projectID, bundleHash string) (Policy, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+policyColumns+`
		FROM project_policies
		WHERE project_id=$1 AND bundle_hash=$2
			AND version = (SELECT MAX(version) FROM project_policies WHERE project_id=$1)
		ORDER BY version DESC
		LIMIT 1
	`, projectID, bundleHash)
	return scanPolicy(row.Scan)
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, tx *sql.Tx, p Policy) (Policy, error) {
	row := tx.QueryRowContext(ctx, `
		INSERT INTO project_policies (id, project_id, version, bundle_hash, commit_hash, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+policyColumns+`
	`, p.ID, p.ProjectID, p.Version, p.BundleHash, p.CommitHash, p.CreatedBy)
	created, err := scanPolicy(row.Scan)
	if err != nil {
		return Policy{}, fmt.Errorf("create policy: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListPolicyHistory(ctx context.Context, projectID string, limit int) ([]Policy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+policyColumns+`
		FROM project_policies
		WHERE project_id=$1
		ORDER BY version DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list policy history: %w", err)
	}
	defer rows.Close()

	items := make([]Policy, 0)
	for rows.Next() {
		p, err := scanPolicy(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

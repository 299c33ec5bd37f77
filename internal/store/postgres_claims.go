package store

import (
	"context"
	"database/sql"
	"fmt"
)

const claimColumns = `id, project_id, bead_id, workspace_id, alias, human_name, apex, claimed_at`

func scanClaim(row *sql.Row) (Claim, error) {
	var c Claim
	err := row.Scan(&c.ID, &c.ProjectID, &c.BeadID, &c.WorkspaceID, &c.Alias, &c.HumanName, &c.Apex, &c.ClaimedAt)
	return c, err
}

// ListClaimsForBead returns every current claimant of a bead. The default
// single-claimant policy is enforced by the caller (service_claims.go),
// not here: concurrent/jump-in claims are a valid row state.
func (s *PostgresStore) ListClaimsForBead(ctx context.Context, projectID, beadID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM bead_claims WHERE project_id=$1 AND bead_id=$2 ORDER BY claimed_at ASC
	`, projectID, beadID)
	if err != nil {
		return nil, fmt.Errorf("list claims for bead: %w", err)
	}
	defer rows.Close()
	return scanClaimRows(rows)
}

func (s *PostgresStore) GetClaim(ctx context.Context, projectID, beadID, workspaceID string) (Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+claimColumns+` FROM bead_claims WHERE project_id=$1 AND bead_id=$2 AND workspace_id=$3
	`, projectID, beadID, workspaceID)
	return scanClaim(row)
}

type NewClaim struct {
	ID          string
	ProjectID   string
	BeadID      string
	WorkspaceID string
	Alias       string
	HumanName   string
	Apex        string
}

// AcquireClaim inserts a claim row. If the same workspace re-claims the same
// bead (idempotent reacquire), it keeps that row and overwrites its alias,
// human_name and apex with the new values before returning it.
func (s *PostgresStore) AcquireClaim(ctx context.Context, in NewClaim) (Claim, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO bead_claims (id, project_id, bead_id, workspace_id, alias, human_name, apex)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, bead_id, workspace_id) DO UPDATE SET
			alias = EXCLUDED.alias,
			human_name = EXCLUDED.human_name,
			apex = EXCLUDED.apex
		RETURNING `+claimColumns, in.ID, in.ProjectID, in.BeadID, in.WorkspaceID, in.Alias, in.HumanName, in.Apex)
	claim, err := scanClaim(row)
	if err != nil {
		return Claim{}, fmt.Errorf("acquire claim: %w", err)
	}
	return claim, nil
}

// ReleaseClaim removes the calling workspace's claim on a bead. workspaceID
// must be non-empty; a blank workspace scope is never valid for a release
// since multiple workspaces may hold concurrent claims on the same bead.
func (s *PostgresStore) ReleaseClaim(ctx context.Context, projectID, beadID, workspaceID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM bead_claims WHERE project_id=$1 AND bead_id=$2 AND workspace_id=$3
	`, projectID, beadID, workspaceID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if n == 0 {
		return ErrClaimNotHeld
	}
	return nil
}

// ReleaseAllClaimsForWorkspace releases every bead held by a workspace,
// used when a workspace disconnects or is deleted. Returns the released bead ids.
func (s *PostgresStore) ReleaseAllClaimsForWorkspace(ctx context.Context, projectID, workspaceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM bead_claims WHERE project_id=$1 AND workspace_id=$2 RETURNING bead_id
	`, projectID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("release all claims: %w", err)
	}
	defer rows.Close()

	var beadIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan released claim: %w", err)
		}
		beadIDs = append(beadIDs, id)
	}
	return beadIDs, rows.Err()
}

func (s *PostgresStore) ListClaims(ctx context.Context, projectID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM bead_claims WHERE project_id=$1 ORDER BY claimed_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}
	defer rows.Close()
	return scanClaimRows(rows)
}

func (s *PostgresStore) ListClaimsByWorkspace(ctx context.Context, projectID, workspaceID string) ([]Claim, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+claimColumns+` FROM bead_claims WHERE project_id=$1 AND workspace_id=$2 ORDER BY claimed_at ASC
	`, projectID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list claims by workspace: %w", err)
	}
	defer rows.Close()
	return scanClaimRows(rows)
}

func scanClaimRows(rows *sql.Rows) ([]Claim, error) {
	items := make([]Claim, 0)
	for rows.Next() {
		var c Claim
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.BeadID, &c.WorkspaceID, &c.Alias, &c.HumanName, &c.Apex, &c.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

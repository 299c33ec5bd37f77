package store

import (
	"context"
	"fmt"
)

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, e AuditEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (project_id, principal_type, principal_id, actor_id, action, resource_type, resource_id, outcome, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ProjectID, e.PrincipalType, e.PrincipalID, e.ActorID, e.Action, e.ResourceType, e.ResourceID, e.Outcome, e.Payload)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, projectID string, limit int) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, principal_type, principal_id, actor_id, action, resource_type, resource_id, outcome, payload, created_at
		FROM audit_log
		WHERE project_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.PrincipalType, &e.PrincipalID, &e.ActorID, &e.Action,
			&e.ResourceType, &e.ResourceID, &e.Outcome, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

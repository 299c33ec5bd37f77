package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const escalationColumns = `
	id, project_id, workspace_id, subject, situation, options, status,
	COALESCE(response, ''), COALESCE(response_note, ''), created_at, expires_at, responded_at
`

func scanEscalation(scan func(dest ...any) error) (Escalation, error) {
	var e Escalation
	var optionsRaw []byte
	if err := scan(&e.ID, &e.ProjectID, &e.WorkspaceID, &e.Subject, &e.Situation, &optionsRaw, &e.Status,
		&e.Response, &e.ResponseNote, &e.CreatedAt, &e.ExpiresAt, &e.RespondedAt); err != nil {
		return Escalation{}, err
	}
	if len(optionsRaw) > 0 {
		if err := json.Unmarshal(optionsRaw, &e.Options); err != nil {
			return Escalation{}, fmt.Errorf("decode options: %w", err)
		}
	}
	return e, nil
}

func (s *PostgresStore) CreateEscalation(ctx context.Context, e Escalation) (Escalation, error) {
	options, err := json.Marshal(e.Options)
	if err != nil {
		return Escalation{}, fmt.Errorf("encode options: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO escalations (id, project_id, workspace_id, subject, situation, options, status, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7)
		RETURNING `+escalationColumns+`
	`, e.ID, e.ProjectID, e.WorkspaceID, e.Subject, e.Situation, options, e.ExpiresAt)
	created, err := scanEscalation(row.Scan)
	if err != nil {
		return Escalation{}, fmt.Errorf("create escalation: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetEscalation(ctx context.Context, projectID, id string) (Escalation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+escalationColumns+` FROM escalations WHERE project_id=$1 AND id=$2`, projectID, id)
	e, err := scanEscalation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Escalation{}, ErrNotFound
	}
	if err != nil {
		return Escalation{}, fmt.Errorf("get escalation: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListEscalations(ctx context.Context, projectID, status string, limit int) ([]Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+escalationColumns+`
		FROM escalations
		WHERE project_id=$1 AND ($2='' OR status=$2)
		ORDER BY created_at DESC
		LIMIT $3
	`, projectID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list escalations: %w", err)
	}
	defer rows.Close()

	items := make([]Escalation, 0)
	for rows.Next() {
		e, err := scanEscalation(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan escalation: %w", err)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}

// RespondToEscalation only succeeds while the escalation is still
// pending — a second respond, or one that races an expiry sweep, finds
// zero rows and the caller treats it as a conflict.
func (s *PostgresStore) RespondToEscalation(ctx context.Context, projectID, id, response, note string) (Escalation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE escalations
		SET status='responded', response=$3, response_note=$4, responded_at=NOW()
		WHERE project_id=$1 AND id=$2 AND status='pending'
		RETURNING `+escalationColumns+`
	`, projectID, id, response, note)
	updated, err := scanEscalation(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Escalation{}, ErrConflict
	}
	if err != nil {
		return Escalation{}, fmt.Errorf("respond to escalation: %w", err)
	}
	return updated, nil
}

// ExpirePendingEscalations flips any escalation past its deadline that
// is still pending — called periodically by the dispatcher worker.
func (s *PostgresStore) ExpirePendingEscalations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status='expired' WHERE status='pending' AND expires_at <= NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("expire escalations: %w", err)
	}
	return res.RowsAffected()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const mailColumns = `
	id, project_id, from_ws, from_alias, to_ws, subject, body, priority,
	COALESCE(thread_id, ''), read, read_at, created_at
`

func scanMail(scan func(dest ...any) error) (Mail, error) {
	var m Mail
	if err := scan(&m.ID, &m.ProjectID, &m.FromWS, &m.FromAlias, &m.ToWS, &m.Subject, &m.Body,
		&m.Priority, &m.ThreadID, &m.Read, &m.ReadAt, &m.CreatedAt); err != nil {
		return Mail{}, err
	}
	return m, nil
}

func (s *PostgresStore) InsertMail(ctx context.Context, m Mail) (Mail, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO mail (id, project_id, from_ws, from_alias, to_ws, subject, body, priority, thread_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
		RETURNING `+mailColumns+`
	`, m.ID, m.ProjectID, m.FromWS, m.FromAlias, m.ToWS, m.Subject, m.Body, m.Priority, m.ThreadID)
	created, err := scanMail(row.Scan)
	if err != nil {
		return Mail{}, fmt.Errorf("insert mail: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) ListInbox(ctx context.Context, projectID, toWS string, unreadOnly bool, limit int) ([]Mail, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+mailColumns+`
		FROM mail
		WHERE project_id=$1 AND to_ws=$2 AND (NOT $3 OR NOT read)
		ORDER BY created_at ASC
		LIMIT $4
	`, projectID, toWS, unreadOnly, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	items := make([]Mail, 0)
	for rows.Next() {
		m, err := scanMail(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan mail: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// AckMail marks a mail read, idempotently — acking twice leaves read_at
// at its original value rather than advancing it.
func (s *PostgresStore) AckMail(ctx context.Context, projectID, id, readerWS string) (Mail, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE mail
		SET read=true, read_at=COALESCE(read_at, NOW())
		WHERE project_id=$1 AND id=$2 AND to_ws=$3
		RETURNING `+mailColumns+`
	`, projectID, id, readerWS)
	updated, err := scanMail(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Mail{}, ErrNotFound
	}
	if err != nil {
		return Mail{}, fmt.Errorf("ack mail: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) GetMail(ctx context.Context, projectID, id string) (Mail, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mailColumns+` FROM mail WHERE project_id=$1 AND id=$2`, projectID, id)
	m, err := scanMail(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Mail{}, ErrNotFound
	}
	if err != nil {
		return Mail{}, fmt.Errorf("get mail: %w", err)
	}
	return m, nil
}

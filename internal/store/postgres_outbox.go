package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const outboxColumns = `
	id, project_id, workspace_id, alias, event_type, payload, fingerprint, attempts,
	COALESCE(last_error, ''), status, COALESCE(message_id, ''), created_at, updated_at, not_before_at, processed_at
`

func scanOutboxEntry(scan func(dest ...any) error) (OutboxEntry, error) {
	var e OutboxEntry
	if err := scan(&e.ID, &e.ProjectID, &e.WorkspaceID, &e.Alias, &e.EventType, &e.Payload, &e.Fingerprint,
		&e.Attempts, &e.LastError, &e.Status, &e.MessageID, &e.CreatedAt, &e.UpdatedAt, &e.NotBeforeAt, &e.ProcessedAt); err != nil {
		return OutboxEntry{}, err
	}
	return e, nil
}

// InsertOutboxEntry is called inside the sync engine's transaction, right
// after the subscriptions for a status-changed bead are read, so the
// event and its notifications commit atomically.
func (s *PostgresStore) InsertOutboxEntry(ctx context.Context, tx *sql.Tx, e OutboxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO notification_outbox
			(id, project_id, workspace_id, alias, event_type, payload, fingerprint, status, not_before_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending', NOW())
	`, e.ID, e.ProjectID, e.WorkspaceID, e.Alias, e.EventType, e.Payload, e.Fingerprint)
	if err != nil {
		return fmt.Errorf("insert outbox entry: %w", err)
	}
	return nil
}

// ClaimOutboxBatch locks up to limit pending/retryable entries with
// FOR UPDATE SKIP LOCKED and flips them to processing, so multiple
// dispatcher workers never race on the same entry.
func (s *PostgresStore) ClaimOutboxBatch(ctx context.Context, limit, maxAttempts int) ([]OutboxEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM notification_outbox
		WHERE status IN ('pending', 'failed') AND attempts < $2 AND not_before_at <= NOW()
		ORDER BY project_id, created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	items := make([]OutboxEntry, 0, limit)
	var ids []string
	for rows.Next() {
		e, err := scanOutboxEntry(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		items = append(items, e)
		ids = append(ids, e.ID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE notification_outbox SET status='processing', updated_at=NOW() WHERE id = ANY($1)
	`, ids); err != nil {
		return nil, fmt.Errorf("mark outbox processing: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	for i := range items {
		items[i].Status = "processing"
	}
	return items, nil
}

func (s *PostgresStore) CompleteOutboxEntry(ctx context.Context, id, messageID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status='completed', message_id=$2, processed_at=NOW(), updated_at=NOW()
		WHERE id=$1
	`, id, messageID)
	if err != nil {
		return fmt.Errorf("complete outbox entry: %w", err)
	}
	return nil
}

// FailOutboxEntry increments the attempt count and either schedules a
// retry after backoff or marks the entry permanently failed once
// maxAttempts is reached.
func (s *PostgresStore) FailOutboxEntry(ctx context.Context, id, lastError string, attempts, maxAttempts int, backoff time.Duration) error {
	status := "pending"
	if attempts >= maxAttempts {
		status = "failed"
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notification_outbox
		SET status=$2, attempts=$3, last_error=$4, not_before_at=NOW() + $5::interval, updated_at=NOW()
		WHERE id=$1
	`, id, status, attempts, lastError, fmt.Sprintf("%d seconds", int(backoff.Seconds())))
	if err != nil {
		return fmt.Errorf("fail outbox entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExistsOutboxFingerprint(ctx context.Context, tx *sql.Tx, projectID, fingerprint string) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM notification_outbox WHERE project_id=$1 AND fingerprint=$2)
	`, projectID, fingerprint).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check outbox fingerprint: %w", err)
	}
	return exists, nil
}

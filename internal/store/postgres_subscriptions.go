package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const subscriptionColumns = `id, project_id, workspace_id, bead_id, COALESCE(repo_id, ''), event_types, created_at`

func scanSubscription(scan func(dest ...any) error) (Subscription, error) {
	var s Subscription
	var eventTypesRaw []byte
	if err := scan(&s.ID, &s.ProjectID, &s.WorkspaceID, &s.BeadID, &s.RepoID, &eventTypesRaw, &s.CreatedAt); err != nil {
		return Subscription{}, err
	}
	if len(eventTypesRaw) > 0 {
		if err := json.Unmarshal(eventTypesRaw, &s.EventTypes); err != nil {
			return Subscription{}, fmt.Errorf("decode event_types: %w", err)
		}
	}
	return s, nil
}

// CreateSubscription inserts a new subscription, failing with
// ErrDuplicateSubscription if the (project, workspace, bead, repo) tuple
// already has one — a second subscribe is a conflict, not an upsert.
func (s *PostgresStore) CreateSubscription(ctx context.Context, sub Subscription) (Subscription, error) {
	eventTypes, err := json.Marshal(sub.EventTypes)
	if err != nil {
		return Subscription{}, fmt.Errorf("encode event_types: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, project_id, workspace_id, bead_id, repo_id, event_types)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		ON CONFLICT (project_id, workspace_id, bead_id, COALESCE(repo_id, ''))
		DO NOTHING
		RETURNING `+subscriptionColumns+`
	`, sub.ID, sub.ProjectID, sub.WorkspaceID, sub.BeadID, sub.RepoID, eventTypes)
	created, err := scanSubscription(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrDuplicateSubscription
	}
	if err != nil {
		return Subscription{}, fmt.Errorf("create subscription: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DeleteSubscription(ctx context.Context, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE project_id=$1 AND id=$2`, projectID, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListSubscriptions(ctx context.Context, projectID, workspaceID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE project_id=$1 AND ($2='' OR workspace_id=$2)
		ORDER BY created_at ASC
	`, projectID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	items := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

// ListSubscribersForBead returns every subscription matching a bead's
// status-change notification, including repo-agnostic subscriptions
// (repo_id IS NULL) alongside repo-specific ones.
func (s *PostgresStore) ListSubscribersForBead(ctx context.Context, tx *sql.Tx, projectID, beadID, repoID string) ([]Subscription, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT `+subscriptionColumns+`
		FROM subscriptions
		WHERE project_id=$1 AND bead_id=$2 AND (repo_id IS NULL OR repo_id=$3)
	`, projectID, beadID, repoID)
	if err != nil {
		return nil, fmt.Errorf("list subscribers for bead: %w", err)
	}
	defer rows.Close()

	items := make([]Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		items = append(items, sub)
	}
	return items, rows.Err()
}

var ErrDuplicateSubscription = errors.New("store: duplicate subscription")

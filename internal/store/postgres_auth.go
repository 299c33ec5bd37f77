package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) CreateAgent(ctx context.Context, a Agent) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, project_id)
		VALUES ($1, $2)
		RETURNING id, project_id, created_at
	`, a.ID, a.ProjectID)
	var out Agent
	if err := row.Scan(&out.ID, &out.ProjectID, &out.CreatedAt); err != nil {
		return Agent{}, fmt.Errorf("create agent: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, projectID, id string) (Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, created_at FROM agents WHERE project_id=$1 AND id=$2
	`, projectID, id)
	var a Agent
	if err := row.Scan(&a.ID, &a.ProjectID, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

// CreateApiKey stores the hash of a generated secret — the raw secret is
// handed to the caller once, at issuance, and never persisted.
func (s *PostgresStore) CreateApiKey(ctx context.Context, k ApiKey) (ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO api_keys (id, project_id, agent_id, secret_hash)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		RETURNING id, project_id, COALESCE(agent_id, ''), secret_hash, created_at
	`, k.ID, k.ProjectID, k.AgentID, k.SecretHash)
	var out ApiKey
	if err := row.Scan(&out.ID, &out.ProjectID, &out.AgentID, &out.SecretHash, &out.CreatedAt); err != nil {
		return ApiKey{}, fmt.Errorf("create api key: %w", err)
	}
	return out, nil
}

// GetApiKeyByHash looks a key up by its secret hash, never by the raw
// secret — callers hash the presented bearer token before calling this.
func (s *PostgresStore) GetApiKeyByHash(ctx context.Context, secretHash string) (ApiKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, COALESCE(agent_id, ''), secret_hash, created_at
		FROM api_keys
		WHERE secret_hash=$1
	`, secretHash)
	var k ApiKey
	if err := row.Scan(&k.ID, &k.ProjectID, &k.AgentID, &k.SecretHash, &k.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApiKey{}, ErrNotFound
		}
		return ApiKey{}, fmt.Errorf("get api key by hash: %w", err)
	}
	return k, nil
}

func (s *PostgresStore) RevokeApiKey(ctx context.Context, projectID, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE project_id=$1 AND id=$2`, projectID, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

func scanChatSession(scan func(dest ...any) error) (ChatSession, error) {
	var cs ChatSession
	var participantsRaw []byte
	if err := scan(&cs.ID, &cs.ProjectID, &participantsRaw, &cs.CreatedAt); err != nil {
		return ChatSession{}, err
	}
	if len(participantsRaw) > 0 {
		if err := json.Unmarshal(participantsRaw, &cs.Participants); err != nil {
			return ChatSession{}, fmt.Errorf("decode participants: %w", err)
		}
	}
	return cs, nil
}

// GetOrCreateChatSession finds an existing session with exactly this set
// of participants or creates one — chat sessions are keyed by the
// participant set, not by name.
func (s *PostgresStore) GetOrCreateChatSession(ctx context.Context, sessionID, projectID string, participants []string) (ChatSession, bool, error) {
	sorted := append([]string(nil), participants...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	key, err := json.Marshal(sorted)
	if err != nil {
		return ChatSession{}, false, fmt.Errorf("encode participants: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, participants, created_at
		FROM chat_sessions
		WHERE project_id=$1 AND participants=$2::jsonb
	`, projectID, key)
	existing, err := scanChatSession(row.Scan)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, false, fmt.Errorf("lookup chat session: %w", err)
	}

	row = s.db.QueryRowContext(ctx, `
		INSERT INTO chat_sessions (id, project_id, participants)
		VALUES ($1, $2, $3::jsonb)
		RETURNING id, project_id, participants, created_at
	`, sessionID, projectID, key)
	created, err := scanChatSession(row.Scan)
	if err != nil {
		return ChatSession{}, false, fmt.Errorf("create chat session: %w", err)
	}
	return created, true, nil
}

func (s *PostgresStore) GetChatSession(ctx context.Context, projectID, id string) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, participants, created_at FROM chat_sessions WHERE project_id=$1 AND id=$2
	`, projectID, id)
	cs, err := scanChatSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, fmt.Errorf("get chat session: %w", err)
	}
	return cs, nil
}

// InsertChatMessage relies on the chat_messages table's bigserial seq
// column, not created_at, to give messages within a session a total
// order even when two arrive in the same millisecond.
func (s *PostgresStore) InsertChatMessage(ctx context.Context, m ChatMessage) (ChatMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (id, session_id, from_ws, from_alias, body, leaving, observer)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, session_id, from_ws, from_alias, body, leaving, observer, created_at, seq
	`, m.ID, m.SessionID, m.FromWS, m.FromAlias, m.Body, m.Leaving, m.Observer)
	var out ChatMessage
	var seq int64
	if err := row.Scan(&out.ID, &out.SessionID, &out.FromWS, &out.FromAlias, &out.Body, &out.Leaving, &out.Observer, &out.CreatedAt, &seq); err != nil {
		return ChatMessage{}, fmt.Errorf("insert chat message: %w", err)
	}
	return out, nil
}

// ListChatMessages pages by seq rather than id; since is the seq value
// of the last message the caller already has, or "" for the beginning.
func (s *PostgresStore) ListChatMessages(ctx context.Context, sessionID string, since string, limit int) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, from_ws, from_alias, body, leaving, observer, created_at
		FROM chat_messages
		WHERE session_id=$1 AND ($2='' OR seq > $2::bigint)
		ORDER BY seq ASC
		LIMIT $3
	`, sessionID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.FromWS, &m.FromAlias, &m.Body, &m.Leaving, &m.Observer, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// ListChatSessionsForParticipant does a JSONB containment scan; chat
// session volume per project is small enough that this beats maintaining
// a separate membership table.
func (s *PostgresStore) ListChatSessionsForParticipant(ctx context.Context, projectID, workspaceID string) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, participants, created_at
		FROM chat_sessions
		WHERE project_id=$1 AND participants @> to_jsonb($2::text)
		ORDER BY created_at ASC
	`, projectID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions for participant: %w", err)
	}
	defer rows.Close()
	return scanChatSessionRows(rows)
}

func (s *PostgresStore) ListChatSessions(ctx context.Context, projectID string) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, participants, created_at
		FROM chat_sessions
		WHERE project_id=$1
		ORDER BY created_at ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list chat sessions: %w", err)
	}
	defer rows.Close()
	return scanChatSessionRows(rows)
}

func scanChatSessionRows(rows *sql.Rows) ([]ChatSession, error) {
	items := make([]ChatSession, 0)
	for rows.Next() {
		cs, err := scanChatSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan chat session: %w", err)
		}
		items = append(items, cs)
	}
	return items, rows.Err()
}

// AddChatParticipant appends workspaceID to the session's participant
// set if not already present. Returns false without error when the
// workspace already belongs, so callers can skip the join-notice message.
func (s *PostgresStore) AddChatParticipant(ctx context.Context, projectID, sessionID, workspaceID string) (bool, error) {
	session, err := s.GetChatSession(ctx, projectID, sessionID)
	if err != nil {
		return false, err
	}
	for _, p := range session.Participants {
		if p == workspaceID {
			return false, nil
		}
	}
	updated := append(append([]string(nil), session.Participants...), workspaceID)
	key, err := json.Marshal(updated)
	if err != nil {
		return false, fmt.Errorf("encode participants: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE chat_sessions SET participants=$3::jsonb WHERE project_id=$1 AND id=$2
	`, projectID, sessionID, key)
	if err != nil {
		return false, fmt.Errorf("add chat participant: %w", err)
	}
	return true, nil
}

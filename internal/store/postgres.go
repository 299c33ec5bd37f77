package store

import (
	"database/sql"
)

// PostgresStore is the durable store (C1): projects, repos, workspaces,
// claims, issues, subscriptions, outbox, audit, policies, mail, chat,
// escalations, api keys. Mutating queries filter by project_id, except the
// cross-project outbox worker and escalation-expiry sweep queries and
// chat-message inserts, which are keyed by row or session id alone;
// read queries that return rows for a resource always re-check the
// resource's project_id against the caller's authenticated project.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

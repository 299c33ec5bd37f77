package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher over beads_issues using pg_trgm similarity as a
// fallback when Meilisearch isn't configured or is unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "project_id = $1 AND (title ILIKE '%' || $2 || '%' OR body ILIKE '%' || $2 || '%')"
	args := []any{q.ProjectID, q.Text}
	argN := 3
	if q.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, q.Status)
		argN++
	}

	ctx := context.Background()

	var total int
	countSQL := "SELECT count(*) FROM beads_issues WHERE " + where
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT project_id, bead_id, title,
			substring(body from 1 for 160) AS snippet, status
		FROM beads_issues
		WHERE %s
		ORDER BY similarity(title, $2) DESC, updated_at DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ProjectID, &r.BeadID, &r.Title, &r.Snippet, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every issue across all projects, for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]IssueRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT project_id, bead_id, title, body, status, COALESCE(assignee, '')
		FROM beads_issues
	`)
	if err != nil {
		return nil, fmt.Errorf("load issues: %w", err)
	}
	defer rows.Close()

	items := make([]IssueRecord, 0)
	for rows.Next() {
		var r IssueRecord
		if err := rows.Scan(&r.ProjectID, &r.BeadID, &r.Title, &r.Body, &r.Status, &r.Assignee); err != nil {
			return nil, fmt.Errorf("scan issue record: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across reports and notifications
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" || q.TenantID == "" {
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text, q.TenantID}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultReport {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'report'::text AS type, r.id, r.title,
				ts_headline('english', coalesce(r.subtitle, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.tenant_id, ''::text AS resource,
				ts_rank(r.fts, %s) AS rank
			FROM reports r
			WHERE r.fts @@ %s AND r.tenant_id = $2`, tsQuery, tsQuery, tsQuery))
	}

	if q.FilterType == "" || q.FilterType == ResultNotification {
		notifWhere := fmt.Sprintf("n.fts @@ %s AND n.tenant_id = $2", tsQuery)
		if q.UserID != "" {
			args = append(args, q.UserID)
			notifWhere += fmt.Sprintf(" AND n.user_id = $%d", len(args))
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'notification'::text AS type, n.id, n.title,
				ts_headline('english', coalesce(n.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				n.tenant_id, n.resource,
				ts_rank(n.fts, %s) AS rank
			FROM notifications n
			WHERE %s`, tsQuery, tsQuery, notifWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, tenant_id, resource
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "), limit, offset)

	var total int
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.TenantID, &r.Resource); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts iterate: %w", err)
	}

	return results, total, nil
}

// LoadReports reads all report records for a tenantless reindex into
// Meilisearch.
func (p *PgFTS) LoadReports(ctx context.Context) ([]ReportRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, subtitle, tenant_id, status FROM reports
	`)
	if err != nil {
		return nil, fmt.Errorf("load reports: %w", err)
	}
	defer rows.Close()

	var records []ReportRecord
	for rows.Next() {
		var rec ReportRecord
		if err := rows.Scan(&rec.ID, &rec.Title, &rec.Subtitle, &rec.TenantID, &rec.Status); err != nil {
			return nil, fmt.Errorf("scan report record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

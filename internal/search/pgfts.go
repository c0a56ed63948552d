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

// Search queries listings using plainto_tsquery and ts_rank, with ts_headline
// for snippets. Pending and paused listings never appear.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	where := "l.fts @@ " + tsQuery + " AND l.status IN ('voting', 'approved', 'active')"
	if q.FilterCategory != "" {
		where += fmt.Sprintf(" AND l.category = $%d", argN)
		args = append(args, q.FilterCategory)
		argN++
	}

	baseSQL := fmt.Sprintf(`
		SELECT l.id, coalesce(l.slug, '') AS slug, l.name, l.category, l.stage, l.status,
			ts_headline('english', l.stage, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			ts_rank(l.fts, %s) AS rank
		FROM listings l
		WHERE %s`, tsQuery, tsQuery, where)

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub", baseSQL)

	dataSQL := fmt.Sprintf(`SELECT id, slug, name, category, stage, status, snippet
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`, baseSQL, limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Slug, &r.Name, &r.Category, &r.Stage, &r.Status, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all indexable listings for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ListingRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, coalesce(slug, ''), name, category, stage, status
		FROM listings
		WHERE status IN ('voting', 'approved', 'active')
	`)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	defer rows.Close()

	listings := make([]ListingRecord, 0)
	for rows.Next() {
		var l ListingRecord
		if err := rows.Scan(&l.ID, &l.Slug, &l.Name, &l.Category, &l.Stage, &l.Status); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listings: %w", err)
	}

	return listings, nil
}

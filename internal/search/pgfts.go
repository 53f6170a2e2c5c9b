package search

import (
	"context"
	"database/sql"
	"encoding/json"
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

// Search runs plainto_tsquery against the annotations fts column, ranked
// by ts_rank with ts_headline snippets.
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

	where := "a.fts @@ " + tsQuery
	if q.FilterArticleID != "" {
		where += " AND a.article_id = $2"
		args = append(args, q.FilterArticleID)
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM annotations a WHERE %s", where)

	dataSQL := fmt.Sprintf(`
		SELECT a.id, a.article_id, a.author_id, a.author_name,
			ts_headline('english', coalesce(a.body, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
			a.is_public, a.group_ids
		FROM annotations a
		WHERE %s
		ORDER BY ts_rank(a.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

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
		var groupsRaw []byte
		if err := rows.Scan(&r.ID, &r.ArticleID, &r.AuthorID, &r.AuthorName, &r.Snippet, &r.IsPublic, &groupsRaw); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		if len(groupsRaw) > 0 {
			if err := json.Unmarshal(groupsRaw, &r.GroupIDs); err != nil {
				return nil, 0, fmt.Errorf("pgfts decode groups: %w", err)
			}
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every annotation for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]AnnotationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, article_id, author_id, author_name, body, is_public, group_ids
		FROM annotations
	`)
	if err != nil {
		return nil, fmt.Errorf("load annotations: %w", err)
	}
	defer rows.Close()

	records := make([]AnnotationRecord, 0)
	for rows.Next() {
		var a AnnotationRecord
		var groupsRaw []byte
		if err := rows.Scan(&a.ID, &a.ArticleID, &a.AuthorID, &a.AuthorName, &a.Body, &a.IsPublic, &groupsRaw); err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		if len(groupsRaw) > 0 {
			if err := json.Unmarshal(groupsRaw, &a.GroupIDs); err != nil {
				return nil, fmt.Errorf("decode annotation groups: %w", err)
			}
		}
		records = append(records, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return records, nil
}

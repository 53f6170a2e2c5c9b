package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

const annotationColumns = `id, article_id, author_id, author_name, body, COALESCE(parent_id, ''), ancestors, group_ids, is_public, edited, edit_date, create_date`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row rowScanner) (Annotation, error) {
	var item Annotation
	var ancestorsRaw, groupsRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.ArticleID,
		&item.AuthorID,
		&item.AuthorName,
		&item.Body,
		&item.ParentID,
		&ancestorsRaw,
		&groupsRaw,
		&item.IsPublic,
		&item.Edited,
		&item.EditDate,
		&item.CreateDate,
	); err != nil {
		return Annotation{}, err
	}
	if err := json.Unmarshal(ancestorsRaw, &item.Ancestors); err != nil {
		return Annotation{}, fmt.Errorf("decode ancestors: %w", err)
	}
	if err := json.Unmarshal(groupsRaw, &item.GroupIDs); err != nil {
		return Annotation{}, fmt.Errorf("decode group ids: %w", err)
	}
	if item.Ancestors == nil {
		item.Ancestors = []string{}
	}
	if item.GroupIDs == nil {
		item.GroupIDs = []string{}
	}
	return item, nil
}

func (s *PostgresStore) FindAnnotation(ctx context.Context, id string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+annotationColumns+`
		FROM annotations
		WHERE id=$1
	`, id)
	return scanAnnotation(row)
}

func (s *PostgresStore) InsertAnnotation(ctx context.Context, item Annotation) error {
	ancestors, err := json.Marshal(nonNilStrings(item.Ancestors))
	if err != nil {
		return fmt.Errorf("marshal ancestors: %w", err)
	}
	groups, err := json.Marshal(nonNilStrings(item.GroupIDs))
	if err != nil {
		return fmt.Errorf("marshal group ids: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO annotations (id, article_id, author_id, author_name, body, parent_id, ancestors, group_ids, is_public)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7::jsonb, $8::jsonb, $9)
	`, item.ID, item.ArticleID, item.AuthorID, item.AuthorName, item.Body, item.ParentID, string(ancestors), string(groups), item.IsPublic)
	if err != nil {
		return fmt.Errorf("insert annotation: %w", err)
	}
	return nil
}

// UpdateAnnotationText is the atomic ownership-checked edit: the filter and
// the mutation are one statement, so there is no read-then-write window.
// Returns sql.ErrNoRows when no row matched (absent or not owned); callers
// must not distinguish the two cases.
func (s *PostgresStore) UpdateAnnotationText(ctx context.Context, id, authorID, body string) (Annotation, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE annotations
		SET body=$3, edited=TRUE, edit_date=NOW()
		WHERE id=$1 AND author_id=$2
		RETURNING `+annotationColumns+`
	`, id, authorID, body)
	return scanAnnotation(row)
}

// ListDescendants returns annotations whose ancestor path contains parentID.
// With directOnly set only immediate children (depth parentDepth+1) match;
// otherwise anything down to parentDepth+maxDepth. A single query serves any
// thread depth; there is no per-level recursion.
func (s *PostgresStore) ListDescendants(ctx context.Context, parentID string, parentDepth, maxDepth int, directOnly bool, opts ListOptions) ([]Annotation, error) {
	depthCeiling := parentDepth + maxDepth
	if directOnly {
		depthCeiling = parentDepth + 1
	}
	query := `
		SELECT ` + annotationColumns + `
		FROM annotations
		WHERE ancestors ? $1
		  AND jsonb_array_length(ancestors) > $2
		  AND jsonb_array_length(ancestors) <= $3
	`
	args := []any{parentID, parentDepth, depthCeiling}
	query, args = appendListClauses(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list descendants: %w", err)
	}
	return collectAnnotations(rows)
}

// ListArticleAnnotations lists an article's annotations the viewer may see.
// The visibility predicate runs in SQL: public, authored by the viewer, or
// sharing at least one group with the viewer.
func (s *PostgresStore) ListArticleAnnotations(ctx context.Context, articleID string, topLevelOnly bool, viewer Viewer, opts ListOptions) ([]Annotation, error) {
	viewerGroups, err := json.Marshal(nonNilStrings(viewer.GroupIDs))
	if err != nil {
		return nil, fmt.Errorf("marshal viewer groups: %w", err)
	}
	query := `
		SELECT ` + annotationColumns + `
		FROM annotations a
		WHERE a.article_id=$1
		  AND (NOT $2::boolean OR a.parent_id IS NULL)
		  AND (
			a.is_public
			OR ($3 <> '' AND a.author_id = $3)
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements_text(a.group_ids) AS g(v)
				WHERE $4::jsonb ? g.v
			)
		  )
	`
	args := []any{articleID, topLevelOnly, viewer.UserID, string(viewerGroups)}
	query, args = appendListClauses(query, args, opts)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list article annotations: %w", err)
	}
	return collectAnnotations(rows)
}

func appendListClauses(query string, args []any, opts ListOptions) (string, []any) {
	direction := "DESC"
	comparator := "<"
	if opts.Ascending {
		direction = "ASC"
		comparator = ">"
	}
	if opts.After != nil {
		query += fmt.Sprintf("  AND (create_date, id) %s ($%d, $%d)\n", comparator, len(args)+1, len(args)+2)
		args = append(args, opts.After.CreateDate, opts.After.ID)
	}
	query += fmt.Sprintf("ORDER BY create_date %s, id %s\n", direction, direction)
	if opts.Limit > 0 {
		query += fmt.Sprintf("LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	return query, args
}

func collectAnnotations(rows *sql.Rows) ([]Annotation, error) {
	defer rows.Close()
	items := make([]Annotation, 0)
	for rows.Next() {
		item, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate annotations: %w", err)
	}
	return items, nil
}

// AddArticleGroups unions groupIDs into the article's accumulated group set.
// The upsert is idempotent; replaying the same groups is a no-op.
func (s *PostgresStore) AddArticleGroups(ctx context.Context, articleID string, groupIDs []string) error {
	encoded, err := json.Marshal(nonNilStrings(groupIDs))
	if err != nil {
		return fmt.Errorf("marshal article groups: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO articles (id, group_ids)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			group_ids = (
				SELECT COALESCE(jsonb_agg(DISTINCT t.v), '[]'::jsonb)
				FROM jsonb_array_elements_text(articles.group_ids || EXCLUDED.group_ids) AS t(v)
			),
			updated_at = NOW()
	`, articleID, string(encoded))
	if err != nil {
		return fmt.Errorf("add article groups: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (Article, error) {
	var item Article
	var groupsRaw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, uri, group_ids, updated_at FROM articles WHERE id=$1
	`, articleID).Scan(&item.ID, &item.URI, &groupsRaw, &item.UpdatedAt)
	if err != nil {
		return Article{}, err
	}
	if err := json.Unmarshal(groupsRaw, &item.GroupIDs); err != nil {
		return Article{}, fmt.Errorf("decode article groups: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, password_hash)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.Email, user.PasswordHash)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	user.GroupIDs, err = s.MemberGroups(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, email, password_hash, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	user.GroupIDs, err = s.MemberGroups(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) MemberGroups(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT group_id FROM group_memberships WHERE user_id=$1 ORDER BY group_id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("member groups: %w", err)
	}
	defer rows.Close()

	groupIDs := make([]string, 0)
	for rows.Next() {
		var groupID string
		if err := rows.Scan(&groupID); err != nil {
			return nil, fmt.Errorf("scan member group: %w", err)
		}
		groupIDs = append(groupIDs, groupID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member groups: %w", err)
	}
	return groupIDs, nil
}

func (s *PostgresStore) AddUserToGroups(ctx context.Context, userID string, groupIDs []string) error {
	for _, groupID := range groupIDs {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO group_memberships (user_id, group_id)
			VALUES ($1, $2)
			ON CONFLICT (user_id, group_id) DO NOTHING
		`, userID, groupID); err != nil {
			return fmt.Errorf("add user to group %s: %w", groupID, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.email
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.Email)
	if err != nil {
		return User{}, err
	}
	user.GroupIDs, err = s.MemberGroups(ctx, user.ID)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

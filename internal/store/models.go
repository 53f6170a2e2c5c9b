package store

import "time"

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	GroupIDs     []string
	CreatedAt    time.Time
}

type Group struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

// GroupMembership is one row per (user, group) pair.
type GroupMembership struct {
	UserID    string
	GroupID   string
	CreatedAt time.Time
}

// Annotation is a single comment on an article. Replies carry the full id path
// from the root annotation down to their immediate parent in Ancestors;
// ParentID is always the last element of Ancestors, or empty for roots.
type Annotation struct {
	ID         string
	ArticleID  string
	AuthorID   string
	AuthorName string
	Body       string
	ParentID   string
	Ancestors  []string
	GroupIDs   []string
	IsPublic   bool
	Edited     bool
	EditDate   *time.Time
	CreateDate time.Time
}

// Depth is the number of ancestors above this annotation; roots are depth 0.
func (a Annotation) Depth() int {
	return len(a.Ancestors)
}

// Article is the group-set accumulator side of an article; the annotation
// service only ever unions group ids into it.
type Article struct {
	ID        string
	URI       string
	GroupIDs  []string
	UpdatedAt time.Time
}

// Viewer is the store-level visibility filter for annotation listings. An
// anonymous viewer has empty UserID and GroupIDs, which reduces the predicate
// to is_public only.
type Viewer struct {
	UserID   string
	GroupIDs []string
}

// PageMark is the (sort key, tiebreak id) pair a pagination cursor decodes to.
type PageMark struct {
	CreateDate time.Time
	ID         string
}

// ListOptions bounds and orders an annotation listing. After points at the
// last row of the previous page; rows at or past it in the active sort
// direction are excluded.
type ListOptions struct {
	Limit     int
	Ascending bool
	After     *PageMark
}

package app

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"margin/api/internal/store"
)

// MaxThreadDepth caps reply nesting. Real threads never come close; the
// cap bounds the ancestor containment query.
const MaxThreadDepth = 50

// PageRequest is a caller's slice of an ordered listing. Cursor is the
// opaque NextCursor of a previous page, or empty for the first page.
type PageRequest struct {
	Limit     int
	Cursor    string
	Ascending bool
}

// Page is one slice of results. NextCursor is empty when the listing is
// exhausted; otherwise feeding it back returns the next slice without
// skipping or repeating rows, even when rows share a timestamp.
type Page struct {
	Items      []store.Annotation
	NextCursor string
}

type cursorPayload struct {
	CreateDate time.Time `json:"d"`
	ID         string    `json:"id"`
}

func encodeCursor(m store.PageMark) string {
	raw, _ := json.Marshal(cursorPayload{CreateDate: m.CreateDate, ID: m.ID})
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (*store.PageMark, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errValidation("malformed cursor")
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil || p.ID == "" {
		return nil, errValidation("malformed cursor")
	}
	return &store.PageMark{CreateDate: p.CreateDate, ID: p.ID}, nil
}

// listOptions translates a page request into store terms, clamping the
// limit to the configured bounds. The store is asked for one extra row
// so the engine can tell a full final page from a page with more behind
// it.
func (s *Service) listOptions(req PageRequest) (store.ListOptions, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.cfg.DefaultPageSize
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	after, err := decodeCursor(req.Cursor)
	if err != nil {
		return store.ListOptions{}, err
	}
	return store.ListOptions{
		Limit:     limit + 1,
		Ascending: req.Ascending,
		After:     after,
	}, nil
}

func buildPage(items []store.Annotation, opts store.ListOptions) Page {
	limit := opts.Limit - 1
	page := Page{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.NextCursor = encodeCursor(store.PageMark{CreateDate: last.CreateDate, ID: last.ID})
	}
	if page.Items == nil {
		page.Items = []store.Annotation{}
	}
	return page
}

// Package export writes point-in-time JSON snapshots of annotation
// threads to object storage.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"margin/api/internal/store"
)

// DataStore is the slice of annotation storage the exporter needs.
type DataStore interface {
	ListDescendants(ctx context.Context, parentID string, parentDepth, maxDepth int, directOnly bool, opts store.ListOptions) ([]store.Annotation, error)
}

// Node is one annotation in the exported thread tree.
type Node struct {
	ID         string     `json:"id"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorName"`
	Body       string     `json:"body"`
	IsPublic   bool       `json:"isPublic"`
	GroupIDs   []string   `json:"groupIds"`
	Edited     bool       `json:"edited"`
	EditDate   *time.Time `json:"editDate,omitempty"`
	CreateDate time.Time  `json:"createDate"`
	Replies    []*Node    `json:"replies"`
}

// Snapshot is the exported document: one root annotation and every
// descendant below it, nested as a tree.
type Snapshot struct {
	ArticleID  string    `json:"articleId"`
	RootID     string    `json:"rootId"`
	ExportedAt time.Time `json:"exportedAt"`
	Total      int       `json:"total"`
	Thread     *Node     `json:"thread"`
}

// Result describes a stored export.
type Result struct {
	Key  string `json:"key"`
	Size int    `json:"size"`
}

// Service assembles thread snapshots and uploads them.
type Service struct {
	store    DataStore
	storage  ObjectStorage
	maxDepth int
	pageSize int
	now      func() time.Time
}

// NewService creates an export service writing to the given storage.
func NewService(dataStore DataStore, storage ObjectStorage, maxDepth int) *Service {
	return &Service{
		store:    dataStore,
		storage:  storage,
		maxDepth: maxDepth,
		pageSize: 500,
		now:      time.Now,
	}
}

// ExportThread snapshots the thread rooted at root and uploads it as
// JSON. The caller has already checked that the requester may read root;
// replies never narrow their root's audience, so no per-node check is
// needed here.
func (s *Service) ExportThread(ctx context.Context, root store.Annotation) (Result, error) {
	descendants, err := s.collectDescendants(ctx, root)
	if err != nil {
		return Result{}, err
	}

	snapshot := buildSnapshot(root, descendants, s.now().UTC())

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("encode snapshot: %w", err)
	}

	key := fmt.Sprintf("threads/%s/%s.json", root.ID, snapshot.ExportedAt.Format("20060102T150405Z"))
	if err := s.storage.Put(ctx, key, data, "application/json"); err != nil {
		return Result{}, fmt.Errorf("store snapshot: %w", err)
	}
	return Result{Key: key, Size: len(data)}, nil
}

func (s *Service) collectDescendants(ctx context.Context, root store.Annotation) ([]store.Annotation, error) {
	var all []store.Annotation
	opts := store.ListOptions{Limit: s.pageSize, Ascending: true}
	for {
		batch, err := s.store.ListDescendants(ctx, root.ID, root.Depth(), s.maxDepth, false, opts)
		if err != nil {
			return nil, fmt.Errorf("collect thread %s: %w", root.ID, err)
		}
		all = append(all, batch...)
		if len(batch) < s.pageSize {
			return all, nil
		}
		last := batch[len(batch)-1]
		opts.After = &store.PageMark{CreateDate: last.CreateDate, ID: last.ID}
	}
}

func buildSnapshot(root store.Annotation, descendants []store.Annotation, exportedAt time.Time) Snapshot {
	nodes := map[string]*Node{root.ID: toNode(root)}
	for _, a := range descendants {
		nodes[a.ID] = toNode(a)
	}
	for _, a := range descendants {
		parent, ok := nodes[a.ParentID]
		if !ok {
			// parent beyond the depth cap; attach to the root so
			// the snapshot stays complete
			parent = nodes[root.ID]
		}
		parent.Replies = append(parent.Replies, nodes[a.ID])
	}
	return Snapshot{
		ArticleID:  root.ArticleID,
		RootID:     root.ID,
		ExportedAt: exportedAt,
		Total:      1 + len(descendants),
		Thread:     nodes[root.ID],
	}
}

func toNode(a store.Annotation) *Node {
	groupIDs := a.GroupIDs
	if groupIDs == nil {
		groupIDs = []string{}
	}
	return &Node{
		ID:         a.ID,
		AuthorID:   a.AuthorID,
		AuthorName: a.AuthorName,
		Body:       a.Body,
		IsPublic:   a.IsPublic,
		GroupIDs:   groupIDs,
		Edited:     a.Edited,
		EditDate:   a.EditDate,
		CreateDate: a.CreateDate,
		Replies:    []*Node{},
	}
}

package export

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"margin/api/internal/store"
)

type fakeStorage struct {
	key         string
	data        []byte
	contentType string
}

func (f *fakeStorage) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.key = key
	f.data = data
	f.contentType = contentType
	return nil
}

type fakeThreadStore struct {
	descendants []store.Annotation
}

func (f *fakeThreadStore) ListDescendants(_ context.Context, parentID string, parentDepth, maxDepth int, directOnly bool, opts store.ListOptions) ([]store.Annotation, error) {
	if directOnly {
		return nil, nil
	}
	return f.descendants, nil
}

func TestExportThreadBuildsNestedSnapshot(t *testing.T) {
	base := time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC)
	root := store.Annotation{
		ID:         "ann-root",
		ArticleID:  "art-1",
		AuthorID:   "usr-1",
		AuthorName: "ada",
		Body:       "root",
		Ancestors:  []string{},
		IsPublic:   true,
		CreateDate: base,
	}
	child := store.Annotation{
		ID:         "ann-child",
		ArticleID:  "art-1",
		AuthorName: "botan",
		Body:       "child",
		ParentID:   "ann-root",
		Ancestors:  []string{"ann-root"},
		CreateDate: base.Add(time.Minute),
	}
	grandchild := store.Annotation{
		ID:         "ann-grandchild",
		ArticleID:  "art-1",
		AuthorName: "chie",
		Body:       "grandchild",
		ParentID:   "ann-child",
		Ancestors:  []string{"ann-root", "ann-child"},
		CreateDate: base.Add(2 * time.Minute),
	}

	storage := &fakeStorage{}
	svc := NewService(&fakeThreadStore{descendants: []store.Annotation{child, grandchild}}, storage, 50)
	svc.now = func() time.Time { return base.Add(time.Hour) }

	result, err := svc.ExportThread(context.Background(), root)
	if err != nil {
		t.Fatalf("ExportThread() error = %v", err)
	}
	if !strings.HasPrefix(result.Key, "threads/ann-root/") || !strings.HasSuffix(result.Key, ".json") {
		t.Fatalf("unexpected key %q", result.Key)
	}
	if result.Size != len(storage.data) {
		t.Fatalf("size mismatch: %d vs %d", result.Size, len(storage.data))
	}
	if storage.contentType != "application/json" {
		t.Fatalf("unexpected content type %q", storage.contentType)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(storage.data, &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snapshot.RootID != "ann-root" || snapshot.ArticleID != "art-1" || snapshot.Total != 3 {
		t.Fatalf("unexpected snapshot header: %+v", snapshot)
	}
	if len(snapshot.Thread.Replies) != 1 {
		t.Fatalf("expected one direct reply, got %d", len(snapshot.Thread.Replies))
	}
	reply := snapshot.Thread.Replies[0]
	if reply.ID != "ann-child" || len(reply.Replies) != 1 || reply.Replies[0].ID != "ann-grandchild" {
		t.Fatalf("nesting lost: %+v", reply)
	}
}

func TestExportThreadWithoutReplies(t *testing.T) {
	root := store.Annotation{ID: "ann-solo", ArticleID: "art-1", IsPublic: true, Ancestors: []string{}}
	storage := &fakeStorage{}
	svc := NewService(&fakeThreadStore{}, storage, 50)

	result, err := svc.ExportThread(context.Background(), root)
	if err != nil {
		t.Fatalf("ExportThread() error = %v", err)
	}
	var snapshot Snapshot
	if err := json.Unmarshal(storage.data, &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if snapshot.Total != 1 || len(snapshot.Thread.Replies) != 0 {
		t.Fatalf("expected a single-node snapshot, got %+v", snapshot)
	}
	if result.Size == 0 {
		t.Fatal("expected non-empty payload")
	}
}

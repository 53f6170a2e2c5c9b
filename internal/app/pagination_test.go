package app

import (
	"testing"
	"time"

	"margin/api/internal/store"
)

func TestCursorRoundTrip(t *testing.T) {
	mark := store.PageMark{
		CreateDate: time.Date(2025, 6, 15, 9, 30, 0, 123456000, time.UTC),
		ID:         "ann-42",
	}

	encoded := encodeCursor(mark)
	decoded, err := decodeCursor(encoded)
	if err != nil {
		t.Fatalf("decodeCursor() error = %v", err)
	}
	if decoded.ID != mark.ID || !decoded.CreateDate.Equal(mark.CreateDate) {
		t.Fatalf("round trip lost data: %+v vs %+v", decoded, mark)
	}
}

func TestDecodeCursorEmptyAndMalformed(t *testing.T) {
	mark, err := decodeCursor("")
	if err != nil || mark != nil {
		t.Fatalf("empty cursor should decode to nil, got %v / %v", mark, err)
	}

	for _, raw := range []string{"%%%", "bm90IGpzb24", "e30"} { // garbage, "not json", "{}"
		if _, err := decodeCursor(raw); err == nil {
			t.Fatalf("expected error for cursor %q", raw)
		}
	}
}

func TestBuildPage(t *testing.T) {
	base := time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	rows := []store.Annotation{
		{ID: "ann-1", CreateDate: base},
		{ID: "ann-2", CreateDate: base.Add(time.Minute)},
		{ID: "ann-3", CreateDate: base.Add(time.Minute)}, // shared timestamp
	}

	// store was asked for limit+1 = 3 and filled it: more rows behind
	page := buildPage(rows, store.ListOptions{Limit: 3})
	if len(page.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(page.Items))
	}
	if page.NextCursor == "" {
		t.Fatal("expected next cursor")
	}
	mark, err := decodeCursor(page.NextCursor)
	if err != nil {
		t.Fatalf("decodeCursor() error = %v", err)
	}
	if mark.ID != "ann-2" {
		t.Fatalf("cursor must mark the last returned row, got %s", mark.ID)
	}

	// underfilled page: listing exhausted
	page = buildPage(rows[:2], store.ListOptions{Limit: 3})
	if len(page.Items) != 2 || page.NextCursor != "" {
		t.Fatalf("expected final page, got %d items cursor %q", len(page.Items), page.NextCursor)
	}

	// empty result still yields a non-nil slice for JSON
	page = buildPage(nil, store.ListOptions{Limit: 3})
	if page.Items == nil || len(page.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %v", page.Items)
	}
}

package app

import (
	"testing"

	"margin/api/internal/store"
)

func TestCanRead(t *testing.T) {
	author := Principal{ID: "usr-author", Username: "ada"}
	member := Principal{ID: "usr-member", Username: "botan", GroupIDs: []string{"grp-a", "grp-b"}}
	outsider := Principal{ID: "usr-outsider", Username: "eve", GroupIDs: []string{"grp-z"}}
	anonymous := Principal{}

	tests := []struct {
		name       string
		annotation store.Annotation
		principal  Principal
		want       bool
	}{
		{"public readable by anonymous", store.Annotation{IsPublic: true}, anonymous, true},
		{"public readable by anyone", store.Annotation{IsPublic: true, GroupIDs: []string{"grp-q"}}, outsider, true},
		{"private hidden from anonymous", store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}, anonymous, false},
		{"private visible to group member", store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}, member, true},
		{"private visible via any shared group", store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-q", "grp-b"}}, member, true},
		{"private hidden from non-member", store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}, outsider, false},
		{"author reads own regardless of groups", store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}, author, true},
		{"private with no groups readable only by author", store.Annotation{AuthorID: "usr-author"}, member, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CanRead(tt.principal, tt.annotation); got != tt.want {
				t.Fatalf("CanRead() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanWriteIsAuthorOnly(t *testing.T) {
	annotation := store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}

	if !CanWrite(Principal{ID: "usr-author"}, annotation) {
		t.Fatal("author must be able to write")
	}
	if CanWrite(Principal{ID: "usr-member", GroupIDs: []string{"grp-a"}}, annotation) {
		t.Fatal("group member must not be able to write")
	}
	if CanWrite(Principal{}, annotation) {
		t.Fatal("anonymous must not be able to write")
	}
}

func TestCanCreateReplyUnderFollowsReadAccess(t *testing.T) {
	private := store.Annotation{AuthorID: "usr-author", GroupIDs: []string{"grp-a"}}
	public := store.Annotation{IsPublic: true}

	if !CanCreateReplyUnder(Principal{ID: "usr-member", GroupIDs: []string{"grp-a"}}, private) {
		t.Fatal("reader must be able to reply")
	}
	if CanCreateReplyUnder(Principal{ID: "usr-outsider"}, private) {
		t.Fatal("non-reader must not be able to reply")
	}
	if CanCreateReplyUnder(Principal{}, public) {
		t.Fatal("anonymous must not be able to reply even under public annotations")
	}
}

func TestValidateRootVisibility(t *testing.T) {
	if err := validateRootVisibility(nil, true); err != nil {
		t.Fatalf("public with no groups: %v", err)
	}
	if err := validateRootVisibility([]string{"grp-a", "grp-b"}, true); err != nil {
		t.Fatalf("public with many groups: %v", err)
	}
	if err := validateRootVisibility([]string{"grp-a"}, false); err != nil {
		t.Fatalf("private with one group: %v", err)
	}

	wantDomainCode(t, validateRootVisibility(nil, false), "INVALID_VISIBILITY")
	wantDomainCode(t, validateRootVisibility([]string{"grp-a", "grp-b"}, false), "INVALID_VISIBILITY")
}

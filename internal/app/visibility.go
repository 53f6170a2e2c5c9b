package app

import (
	"margin/api/internal/groups"
	"margin/api/internal/store"
)

// Principal is the authenticated caller for a single request. The zero
// value is the anonymous reader. GroupIDs is a snapshot taken when the
// session token was resolved; membership changes mid-request do not move
// visibility decisions within that request.
type Principal struct {
	ID       string
	Username string
	GroupIDs []string
}

func (p Principal) IsAnonymous() bool {
	return p.ID == ""
}

// CanRead reports whether p may see the annotation. Public annotations
// are readable by anyone, including anonymous callers. Authors always
// read their own annotations even after leaving every shared group.
func CanRead(p Principal, a store.Annotation) bool {
	if a.IsPublic {
		return true
	}
	if p.IsAnonymous() {
		return false
	}
	if p.ID == a.AuthorID {
		return true
	}
	return groups.Intersects(p.GroupIDs, a.GroupIDs)
}

// CanWrite is author-only. Group members who can read an annotation
// still may not edit it.
func CanWrite(p Principal, a store.Annotation) bool {
	return !p.IsAnonymous() && p.ID == a.AuthorID
}

// CanCreateReplyUnder gates reply creation on read access to the parent:
// a reply inherits the parent's audience, so anyone who can see the
// parent may answer it.
func CanCreateReplyUnder(p Principal, parent store.Annotation) bool {
	return !p.IsAnonymous() && CanRead(p, parent)
}

// validateRootVisibility checks the shape of a new top-level annotation's
// audience. A private annotation targets exactly one group; a public one
// may carry any number of groups, including none.
func validateRootVisibility(groupIDs []string, isPublic bool) error {
	if !isPublic && len(groupIDs) == 0 {
		return errInvalidVisibility("a private annotation must target a group")
	}
	if !isPublic && len(groupIDs) > 1 {
		return errInvalidVisibility("a private annotation may target at most one group")
	}
	return nil
}

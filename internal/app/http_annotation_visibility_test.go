package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"margin/api/internal/auth"
	"margin/api/internal/store"
)

// TestPrivateAnnotationAccessOverHTTP walks one private group annotation
// through the read, reply, and edit endpoints as a group member, an
// outsider, and an anonymous caller.
func TestPrivateAnnotationAccessOverHTTP(t *testing.T) {
	private := store.Annotation{
		ID:         "ann-private",
		ArticleID:  "art-1",
		AuthorID:   "usr-author",
		AuthorName: "ada",
		Body:       "legal eyes only",
		Ancestors:  []string{},
		GroupIDs:   []string{"grp-legal"},
	}

	memberships := map[string][]string{
		"usr-author":   {"grp-legal"},
		"usr-member":   {"grp-legal"},
		"usr-outsider": {"grp-other"},
	}

	fs := &fakeStore{
		findAnnotationFn: func(_ context.Context, id string) (store.Annotation, error) {
			if id == private.ID {
				return private, nil
			}
			return store.Annotation{}, sql.ErrNoRows
		},
		memberGroupsFn: func(_ context.Context, userID string) ([]string, error) {
			return memberships[userID], nil
		},
		updateAnnotationTextFn: func(_ context.Context, id, authorID, body string) (store.Annotation, error) {
			if id == private.ID && authorID == private.AuthorID {
				updated := private
				updated.Body = body
				updated.Edited = true
				return updated, nil
			}
			return store.Annotation{}, sql.ErrNoRows
		},
	}
	svc := newTestService(fs)
	server := NewHTTPServer(svc, nil, "*")

	tokenFor := func(userID, username string) string {
		token, err := auth.IssueToken([]byte(svc.cfg.JWTSecret), auth.Claims{
			Sub:      userID,
			Username: username,
			JTI:      "jti-" + userID,
			Exp:      time.Now().Add(time.Hour).Unix(),
		})
		if err != nil {
			t.Fatalf("issue token: %v", err)
		}
		return token
	}

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body != "" {
			req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		} else {
			req = httptest.NewRequest(method, path, nil)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rr := httptest.NewRecorder()
		server.Handler().ServeHTTP(rr, req)
		return rr
	}

	memberToken := tokenFor("usr-member", "botan")
	outsiderToken := tokenFor("usr-outsider", "eve")
	authorToken := tokenFor("usr-author", "ada")

	t.Run("member reads private annotation", func(t *testing.T) {
		rr := do(http.MethodGet, "/api/annotations/ann-private", memberToken, "")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if payload["body"] != "legal eyes only" {
			t.Fatalf("unexpected body: %v", payload["body"])
		}
	})

	t.Run("outsider cannot read private annotation", func(t *testing.T) {
		rr := do(http.MethodGet, "/api/annotations/ann-private", outsiderToken, "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("anonymous cannot read private annotation", func(t *testing.T) {
		rr := do(http.MethodGet, "/api/annotations/ann-private", "", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("outsider cannot reply to private annotation", func(t *testing.T) {
		rr := do(http.MethodPost, "/api/annotations/ann-private/replies", outsiderToken, `{"body":"let me in"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("member can reply to private annotation", func(t *testing.T) {
		rr := do(http.MethodPost, "/api/annotations/ann-private/replies", memberToken, `{"body":"seconded"}`)
		if rr.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if payload["parentId"] != "ann-private" {
			t.Fatalf("expected reply parent ann-private, got %v", payload["parentId"])
		}
		if payload["isPublic"] != false {
			t.Fatalf("reply must inherit the private flag, got %v", payload["isPublic"])
		}
	})

	t.Run("member who can read still cannot edit", func(t *testing.T) {
		rr := do(http.MethodPatch, "/api/annotations/ann-private", memberToken, `{"body":"rewritten"}`)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})

	t.Run("author edits own annotation", func(t *testing.T) {
		rr := do(http.MethodPatch, "/api/annotations/ann-private", authorToken, `{"body":"rewritten"}`)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var payload map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
			t.Fatalf("parse response: %v", err)
		}
		if payload["edited"] != true {
			t.Fatalf("expected edited flag, got %v", payload["edited"])
		}
	})

	t.Run("garbage token is rejected, not downgraded", func(t *testing.T) {
		rr := do(http.MethodGet, "/api/annotations/ann-private", "not-a-token", "")
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rr.Code)
		}
	})
}

func TestPublicAnnotationReadableAnonymouslyOverHTTP(t *testing.T) {
	public := store.Annotation{
		ID:         "ann-public",
		ArticleID:  "art-1",
		AuthorID:   "usr-author",
		AuthorName: "ada",
		Body:       "for everyone",
		Ancestors:  []string{},
		GroupIDs:   []string{},
		IsPublic:   true,
	}
	fs := &fakeStore{
		findAnnotationFn: func(_ context.Context, id string) (store.Annotation, error) {
			if id == public.ID {
				return public, nil
			}
			return store.Annotation{}, sql.ErrNoRows
		},
	}
	server := NewHTTPServer(newTestService(fs), nil, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/annotations/ann-public", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	// anonymous writes are still rejected
	req = httptest.NewRequest(http.MethodPost, "/api/annotations/ann-public/replies", bytes.NewBufferString(`{"body":"hi"}`))
	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for anonymous reply, got %d", rr.Code)
	}
}

func TestArticleListingHonoursQueryFlags(t *testing.T) {
	var gotTopLevel bool
	fs := &fakeStore{
		listArticleAnnotationsFn: func(_ context.Context, articleID string, topLevelOnly bool, _ store.Viewer, _ store.ListOptions) ([]store.Annotation, error) {
			if articleID != "art-1" {
				t.Fatalf("unexpected article id %s", articleID)
			}
			gotTopLevel = topLevelOnly
			return nil, nil
		},
	}
	server := NewHTTPServer(newTestService(fs), nil, "*")

	req := httptest.NewRequest(http.MethodGet, "/api/articles/art-1/annotations?topLevel=true", nil)
	rr := httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if !gotTopLevel {
		t.Fatal("expected topLevel flag forwarded to the store")
	}

	rr = httptest.NewRecorder()
	server.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/articles/art-1/annotations?limit=abc", nil))
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for bad limit, got %d", rr.Code)
	}
}

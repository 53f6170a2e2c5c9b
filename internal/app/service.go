package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"strings"
	"time"

	"margin/api/internal/auth"
	"margin/api/internal/config"
	"margin/api/internal/export"
	"margin/api/internal/groups"
	"margin/api/internal/search"
	"margin/api/internal/store"
	"margin/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	JTI          string
	ExpiresAt    time.Time
	Principal    Principal
}

type CreateAnnotationInput struct {
	ArticleID string   `json:"articleId"`
	Body      string   `json:"body"`
	GroupIDs  []string `json:"groupIds"`
	IsPublic  bool     `json:"isPublic"`
}

type ReplyInput struct {
	Body string `json:"body"`
}

type EditAnnotationInput struct {
	Body string `json:"body"`
}

type dataStore interface {
	FindAnnotation(context.Context, string) (store.Annotation, error)
	InsertAnnotation(context.Context, store.Annotation) error
	UpdateAnnotationText(ctx context.Context, id, authorID, body string) (store.Annotation, error)
	ListDescendants(ctx context.Context, parentID string, parentDepth, maxDepth int, directOnly bool, opts store.ListOptions) ([]store.Annotation, error)
	ListArticleAnnotations(ctx context.Context, articleID string, topLevelOnly bool, viewer store.Viewer, opts store.ListOptions) ([]store.Annotation, error)
	AddArticleGroups(ctx context.Context, articleID string, groupIDs []string) error
	GetArticle(context.Context, string) (store.Article, error)
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type membershipSource interface {
	MemberGroups(ctx context.Context, userID string) ([]string, error)
	IsMemberOfAll(ctx context.Context, userID string, groupIDs []string) (bool, error)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexAnnotation(a search.AnnotationRecord)
}

type threadExporter interface {
	ExportThread(ctx context.Context, root store.Annotation) (export.Result, error)
}

type Service struct {
	cfg         config.Config
	store       dataStore
	sessions    sessionStore
	memberships membershipSource
	search      searchIndex
	exporter    threadExporter
}

// New wires a service onto Postgres. Refresh sessions and membership
// lookups also run against Postgres until Use* swaps in another backend.
func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{
		cfg:         cfg,
		store:       dataStore,
		sessions:    dataStore,
		memberships: groups.NewOracle(dataStore),
	}
}

// UseSessionStore routes refresh tokens to a dedicated backend (Redis).
func (s *Service) UseSessionStore(sessions sessionStore) {
	s.sessions = sessions
}

// UseMembershipSource swaps the group membership lookup, typically for
// the Redis read-through cache.
func (s *Service) UseMembershipSource(source membershipSource) {
	s.memberships = source
}

func (s *Service) UseSearch(index searchIndex) {
	s.search = index
}

func (s *Service) UseExporter(exporter threadExporter) {
	s.exporter = exporter
}

// storeCtx bounds a single storage call so a stuck database surfaces as
// STORE_UNAVAILABLE instead of hanging the request.
func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.StoreTimeout)
}

// GetAnnotation returns one annotation if p may read it. A missing id is
// NOT_FOUND; an existing annotation outside p's audience is UNAUTHORIZED.
func (s *Service) GetAnnotation(ctx context.Context, p Principal, id string) (store.Annotation, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	annotation, err := s.store.FindAnnotation(opCtx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Annotation{}, errNotFound("annotation not found")
	}
	if err != nil {
		log.Printf("annotations: find %s: %v", id, err)
		return store.Annotation{}, errStoreUnavailable("find annotation")
	}
	if !CanRead(p, annotation) {
		return store.Annotation{}, errUnauthorized("not permitted to view this annotation")
	}
	return annotation, nil
}

// CreateAnnotation creates a top-level annotation on an article.
// Membership is checked against storage here rather than the session
// snapshot so that leaving a group revokes posting rights immediately.
func (s *Service) CreateAnnotation(ctx context.Context, p Principal, input CreateAnnotationInput) (store.Annotation, error) {
	if p.IsAnonymous() {
		return store.Annotation{}, errUnauthorized("sign in to annotate")
	}
	articleID := strings.TrimSpace(input.ArticleID)
	if articleID == "" {
		return store.Annotation{}, errValidation("articleId is required")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return store.Annotation{}, errValidation("body is required")
	}
	if err := validateRootVisibility(input.GroupIDs, input.IsPublic); err != nil {
		return store.Annotation{}, err
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	if len(input.GroupIDs) > 0 {
		member, err := s.memberships.IsMemberOfAll(opCtx, p.ID, input.GroupIDs)
		if err != nil {
			log.Printf("annotations: member groups for %s: %v", p.ID, err)
			return store.Annotation{}, errStoreUnavailable("member groups")
		}
		if !member {
			return store.Annotation{}, errUnauthorized("not a member of every target group")
		}
	}

	annotation := store.Annotation{
		ID:         util.NewID("ann"),
		ArticleID:  articleID,
		AuthorID:   p.ID,
		AuthorName: p.Username,
		Body:       body,
		Ancestors:  []string{},
		GroupIDs:   nonNilStrings(input.GroupIDs),
		IsPublic:   input.IsPublic,
		CreateDate: time.Now().UTC(),
	}
	if err := s.store.InsertAnnotation(opCtx, annotation); err != nil {
		log.Printf("annotations: insert %s: %v", annotation.ID, err)
		return store.Annotation{}, errStoreUnavailable("insert annotation")
	}

	// best effort; the annotation stands even if the article's group
	// accumulator misses this update
	if err := s.store.AddArticleGroups(opCtx, articleID, annotation.GroupIDs); err != nil {
		log.Printf("annotations: %s created but article %s group update failed: %v", annotation.ID, articleID, err)
	}

	s.indexAnnotation(annotation)
	return annotation, nil
}

// CreateReply creates a reply under parentID. The reply inherits the
// parent's article, groups, and public flag, so a thread's audience never
// narrows below the root's.
func (s *Service) CreateReply(ctx context.Context, p Principal, parentID string, input ReplyInput) (store.Annotation, error) {
	if p.IsAnonymous() {
		return store.Annotation{}, errUnauthorized("sign in to reply")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return store.Annotation{}, errValidation("body is required")
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	parent, err := s.store.FindAnnotation(opCtx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Annotation{}, errNotFound("annotation not found")
	}
	if err != nil {
		log.Printf("annotations: find parent %s: %v", parentID, err)
		return store.Annotation{}, errStoreUnavailable("find annotation")
	}
	if !CanCreateReplyUnder(p, parent) {
		return store.Annotation{}, errUnauthorized("not permitted to reply to this annotation")
	}
	if parent.Depth()+1 >= MaxThreadDepth {
		return store.Annotation{}, errValidation("thread nesting limit reached")
	}

	ancestors := append(append([]string{}, parent.Ancestors...), parent.ID)
	reply := store.Annotation{
		ID:         util.NewID("ann"),
		ArticleID:  parent.ArticleID,
		AuthorID:   p.ID,
		AuthorName: p.Username,
		Body:       body,
		ParentID:   parent.ID,
		Ancestors:  ancestors,
		GroupIDs:   nonNilStrings(parent.GroupIDs),
		IsPublic:   parent.IsPublic,
		CreateDate: time.Now().UTC(),
	}
	if err := s.store.InsertAnnotation(opCtx, reply); err != nil {
		log.Printf("annotations: insert reply %s: %v", reply.ID, err)
		return store.Annotation{}, errStoreUnavailable("insert annotation")
	}

	s.indexAnnotation(reply)
	return reply, nil
}

// EditAnnotation replaces the body of p's own annotation. Ownership is
// enforced inside the store update, and a miss deliberately answers
// UNAUTHORIZED whether the annotation is missing or owned by someone
// else, so edit probes cannot confirm an id exists.
func (s *Service) EditAnnotation(ctx context.Context, p Principal, id string, input EditAnnotationInput) (store.Annotation, error) {
	if p.IsAnonymous() {
		return store.Annotation{}, errUnauthorized("sign in to edit")
	}
	body := strings.TrimSpace(input.Body)
	if body == "" {
		return store.Annotation{}, errValidation("body is required")
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	updated, err := s.store.UpdateAnnotationText(opCtx, id, p.ID, body)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Annotation{}, errUnauthorized("not permitted to edit this annotation")
	}
	if err != nil {
		log.Printf("annotations: update %s: %v", id, err)
		return store.Annotation{}, errStoreUnavailable("update annotation")
	}

	s.indexAnnotation(updated)
	return updated, nil
}

// GetReplies pages through the thread below parentID, direct children
// only or the whole subtree. Read access to the parent covers every row:
// replies inherit the parent's audience at creation and edits never touch
// visibility fields.
func (s *Service) GetReplies(ctx context.Context, p Principal, parentID string, directOnly bool, page PageRequest) (Page, error) {
	parent, err := s.GetAnnotation(ctx, p, parentID)
	if err != nil {
		return Page{}, err
	}
	opts, err := s.listOptions(page)
	if err != nil {
		return Page{}, err
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	items, err := s.store.ListDescendants(opCtx, parent.ID, parent.Depth(), MaxThreadDepth, directOnly, opts)
	if err != nil {
		log.Printf("annotations: list replies of %s: %v", parentID, err)
		return Page{}, errStoreUnavailable("list replies")
	}
	return buildPage(items, opts), nil
}

// GetArticleAnnotations pages through an article's annotations visible to
// p, every row or top-level only. Filtering happens in the store query so
// a page is full whenever enough visible rows remain.
func (s *Service) GetArticleAnnotations(ctx context.Context, p Principal, articleID string, topLevelOnly bool, page PageRequest) (Page, error) {
	opts, err := s.listOptions(page)
	if err != nil {
		return Page{}, err
	}

	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	viewer := store.Viewer{UserID: p.ID, GroupIDs: p.GroupIDs}
	items, err := s.store.ListArticleAnnotations(opCtx, articleID, topLevelOnly, viewer, opts)
	if err != nil {
		log.Printf("annotations: list for article %s: %v", articleID, err)
		return Page{}, errStoreUnavailable("list article annotations")
	}
	return buildPage(items, opts), nil
}

// SearchAnnotations runs a full-text query and re-applies read access to
// every hit before returning it. Total counts only what p may see.
func (s *Service) SearchAnnotations(ctx context.Context, p Principal, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	resp := s.search.Search(q)
	visible := make([]search.Result, 0, len(resp.Results))
	for _, hit := range resp.Results {
		if canReadHit(p, hit) {
			visible = append(visible, hit)
		}
	}
	resp.Results = visible
	resp.Total = len(visible)
	return resp
}

func canReadHit(p Principal, hit search.Result) bool {
	if hit.IsPublic {
		return true
	}
	if p.IsAnonymous() {
		return false
	}
	if p.ID == hit.AuthorID {
		return true
	}
	return groups.Intersects(p.GroupIDs, hit.GroupIDs)
}

// ExportThread snapshots the thread rooted at id into object storage and
// returns the stored key. Requires read access to the root.
func (s *Service) ExportThread(ctx context.Context, p Principal, id string) (export.Result, error) {
	if s.exporter == nil {
		return export.Result{}, errExportUnavailable()
	}
	root, err := s.GetAnnotation(ctx, p, id)
	if err != nil {
		return export.Result{}, err
	}
	result, err := s.exporter.ExportThread(ctx, root)
	if err != nil {
		log.Printf("annotations: export thread %s: %v", id, err)
		return export.Result{}, errStoreUnavailable("export thread")
	}
	return result, nil
}

// GetArticle returns an article's accumulated group set.
func (s *Service) GetArticle(ctx context.Context, articleID string) (store.Article, error) {
	opCtx, cancel := s.storeCtx(ctx)
	defer cancel()

	article, err := s.store.GetArticle(opCtx, articleID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Article{}, errNotFound("article not found")
	}
	if err != nil {
		log.Printf("annotations: get article %s: %v", articleID, err)
		return store.Article{}, errStoreUnavailable("get article")
	}
	return article, nil
}

func (s *Service) indexAnnotation(a store.Annotation) {
	if s.search == nil {
		return
	}
	s.search.IndexAnnotation(search.AnnotationRecord{
		ID:         a.ID,
		ArticleID:  a.ArticleID,
		AuthorID:   a.AuthorID,
		AuthorName: a.AuthorName,
		Body:       a.Body,
		IsPublic:   a.IsPublic,
		GroupIDs:   a.GroupIDs,
	})
}

// IssueSession mints an access token and a refresh token for user.
func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		JTI:          jti,
		ExpiresAt:    expiresAt,
		Principal: Principal{
			ID:       user.ID,
			Username: user.Username,
			GroupIDs: user.GroupIDs,
		},
	}, nil
}

// Refresh rotates a refresh token and issues a new session. The user is
// re-read so group changes since sign-in land in the new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	ref, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, ref.ID)
	if err != nil {
		return Session{}, err
	}
	return s.IssueSession(ctx, user)
}

// SessionFromToken validates an access token and rebuilds the principal,
// with group membership resolved freshly (through the cache when wired).
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	memberOf, err := s.memberships.MemberGroups(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
		Principal: Principal{
			ID:       claims.Sub,
			Username: claims.Username,
			GroupIDs: memberOf,
		},
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

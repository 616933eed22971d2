package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"inkpress/internal/auth"
	"inkpress/internal/cache"
	"inkpress/internal/data"
	"inkpress/internal/logger"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
)

// Renderer converts markdown to sanitized HTML. Rendering is a
// collaborator concern; the service only stores its output.
type Renderer interface {
	Render(source string) (string, error)
}

// Actor identifies who is performing a content operation.
type Actor struct {
	ID   int64
	Role auth.Role
}

// CreateDraftInput carries the fields for a new draft.
type CreateDraftInput struct {
	Actor          Actor
	Title          string `validate:"required,max=200"`
	Summary        string `validate:"max=500"`
	BodyMarkdown   string
	SEOTitle       string `validate:"max=200"`
	SEODescription string `validate:"max=300"`
}

// UpdateContentInput carries a content edit. ExpectedUpdatedAt is the
// updated_at the caller last read; the edit fails with ErrStaleWrite if
// the post moved on since.
type UpdateContentInput struct {
	PostID            int64 `validate:"required"`
	ExpectedUpdatedAt time.Time
	Actor             Actor
	Title             string `validate:"required,max=200"`
	Summary           string `validate:"max=500"`
	BodyMarkdown      string
	SEOTitle          string `validate:"max=200"`
	SEODescription    string `validate:"max=300"`
	ChangeSummary     string `validate:"max=500"`
}

// Deps bundles the collaborators of PostService.
type Deps struct {
	DB        *sqlx.DB
	Posts     *data.PostRepository
	Revisions *data.RevisionStore
	Assoc     *data.AssociationIndex
	Search    *data.SearchIndexer
	Renderer  Renderer
	Authz     *auth.Authorizer
	Cache     *cache.Cache
	CacheTTL  time.Duration
	Log       logger.Logger
}

// PostService coordinates content operations: each mutating call is one
// atomic unit of work touching the post, its revision history and the
// search index together.
type PostService struct {
	db        *sqlx.DB
	posts     *data.PostRepository
	revisions *data.RevisionStore
	assoc     *data.AssociationIndex
	search    *data.SearchIndexer
	renderer  Renderer
	authz     *auth.Authorizer
	cache     *cache.Cache
	cacheTTL  time.Duration
	validate  *validator.Validate
	log       logger.Logger
}

// NewPostService creates a new PostService.
func NewPostService(d Deps) *PostService {
	ttl := d.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &PostService{
		db:        d.DB,
		posts:     d.Posts,
		revisions: d.Revisions,
		assoc:     d.Assoc,
		search:    d.Search,
		renderer:  d.Renderer,
		authz:     d.Authz,
		cache:     d.Cache,
		cacheTTL:  ttl,
		validate:  validator.New(),
		log:       d.Log,
	}
}

// validateInput maps validator failures onto the storage taxonomy.
func (s *PostService) validateInput(in interface{}) error {
	if err := s.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &data.ValidationError{Field: strings.ToLower(fe.Field()), Reason: "failed " + fe.Tag()}
		}
		return err
	}
	return nil
}

// slugAttempts bounds how many disambiguation suffixes are tried before
// giving up with ErrConflict.
const slugAttempts = 100

// uniqueSlug derives a free slug from the base, appending -2, -3, … on
// collision.
func (s *PostService) uniqueSlug(ctx context.Context, base string) (string, error) {
	candidate := base
	for i := 2; i <= slugAttempts+1; i++ {
		taken, err := s.posts.SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
	return "", fmt.Errorf("could not find a free slug for %q: %w", base, data.ErrConflict)
}

// CreateDraft creates an unpublished post together with revision 1 and
// its search entry, in one unit of work.
func (s *PostService) CreateDraft(ctx context.Context, in CreateDraftInput) (*data.Post, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	html, err := s.renderer.Render(in.BodyMarkdown)
	if err != nil {
		return nil, err
	}
	slug, err := s.uniqueSlug(ctx, Slugify(in.Title))
	if err != nil {
		return nil, err
	}

	authorID := in.Actor.ID
	post := &data.Post{
		Slug:               slug,
		Title:              in.Title,
		Summary:            in.Summary,
		BodyMarkdown:       in.BodyMarkdown,
		BodyHTML:           html,
		AuthorID:           &authorID,
		ReadingTimeMinutes: ReadingTime(in.BodyMarkdown),
		SEOTitle:           in.SEOTitle,
		SEODescription:     in.SEODescription,
	}
	err = data.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.posts.CreateTx(ctx, tx, post); err != nil {
			return err
		}
		rev := s.snapshotRevision(post, "initial draft", in.Actor)
		if err := s.revisions.AppendRevisionTx(ctx, tx, rev); err != nil {
			return err
		}
		return s.search.ReindexTx(ctx, tx, post.ID, post.Title, post.Summary, post.BodyMarkdown)
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// UpdateContent applies a content edit, appends the matching revision
// and, when the searchable text changed, refreshes the index entry, all
// in one unit of work guarded by the optimistic-concurrency check.
func (s *PostService) UpdateContent(ctx context.Context, in UpdateContentInput) (*data.Post, error) {
	if err := s.validateInput(in); err != nil {
		return nil, err
	}
	post, err := s.posts.GetByID(ctx, in.PostID)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanEdit(in.Actor.Role, in.Actor.ID, post.AuthorID) {
		return nil, fmt.Errorf("actor %d may not edit post %d: %w", in.Actor.ID, post.ID, data.ErrForbidden)
	}
	html, err := s.renderer.Render(in.BodyMarkdown)
	if err != nil {
		return nil, err
	}
	textChanged := post.Title != in.Title || post.Summary != in.Summary || post.BodyMarkdown != in.BodyMarkdown

	upd := data.ContentUpdate{
		Title:              in.Title,
		Summary:            in.Summary,
		BodyMarkdown:       in.BodyMarkdown,
		BodyHTML:           html,
		SEOTitle:           in.SEOTitle,
		SEODescription:     in.SEODescription,
		ReadingTimeMinutes: ReadingTime(in.BodyMarkdown),
	}
	changeSummary := in.ChangeSummary
	if changeSummary == "" {
		changeSummary = "content edited"
	}
	err = data.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.posts.UpdateContentTx(ctx, tx, post, in.ExpectedUpdatedAt, upd); err != nil {
			return err
		}
		rev := s.snapshotRevision(post, changeSummary, in.Actor)
		if err := s.revisions.AppendRevisionTx(ctx, tx, rev); err != nil {
			return err
		}
		if textChanged {
			return s.search.ReindexTx(ctx, tx, post.ID, post.Title, post.Summary, post.BodyMarkdown)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(post.Slug)
	return post, nil
}

// snapshotRevision captures the post's current content as a revision.
func (s *PostService) snapshotRevision(post *data.Post, changeSummary string, actor Actor) *data.Revision {
	actorID := actor.ID
	return &data.Revision{
		PostID:        post.ID,
		Title:         post.Title,
		Summary:       post.Summary,
		BodyMarkdown:  post.BodyMarkdown,
		BodyHTML:      post.BodyHTML,
		ChangeSummary: changeSummary,
		CreatedBy:     &actorID,
	}
}

// Restore copies a named revision's content onto the live post and
// appends a new revision recording the restoration source. History is
// never rewound: restoring revision 2 on top of revision 5 yields
// revision 6.
func (s *PostService) Restore(ctx context.Context, postID int64, revisionNumber int, actor Actor) (*data.Post, error) {
	rev, err := s.revisions.GetRevision(ctx, postID, revisionNumber)
	if err != nil {
		return nil, err
	}
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return nil, err
	}
	if !s.authz.CanEdit(actor.Role, actor.ID, post.AuthorID) {
		return nil, fmt.Errorf("actor %d may not edit post %d: %w", actor.ID, post.ID, data.ErrForbidden)
	}

	upd := data.ContentUpdate{
		Title:              rev.Title,
		Summary:            rev.Summary,
		BodyMarkdown:       rev.BodyMarkdown,
		BodyHTML:           rev.BodyHTML,
		SEOTitle:           post.SEOTitle,
		SEODescription:     post.SEODescription,
		ReadingTimeMinutes: ReadingTime(rev.BodyMarkdown),
	}
	err = data.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.posts.UpdateContentTx(ctx, tx, post, post.UpdatedAt, upd); err != nil {
			return err
		}
		summary := fmt.Sprintf("restored from revision %d", revisionNumber)
		if err := s.revisions.AppendRevisionTx(ctx, tx, s.snapshotRevision(post, summary, actor)); err != nil {
			return err
		}
		return s.search.ReindexTx(ctx, tx, post.ID, post.Title, post.Summary, post.BodyMarkdown)
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(post.Slug)
	return post, nil
}

// Publish makes a post visible to readers.
func (s *PostService) Publish(ctx context.Context, postID int64, actor Actor) (*data.Post, error) {
	if err := s.authorizePost(ctx, postID, actor); err != nil {
		return nil, err
	}
	post, err := s.posts.Publish(ctx, postID)
	if err != nil {
		return nil, err
	}
	s.invalidate(post.Slug)
	return post, nil
}

// Unpublish returns a post to drafts.
func (s *PostService) Unpublish(ctx context.Context, postID int64, actor Actor) (*data.Post, error) {
	if err := s.authorizePost(ctx, postID, actor); err != nil {
		return nil, err
	}
	post, err := s.posts.Unpublish(ctx, postID)
	if err != nil {
		return nil, err
	}
	s.invalidate(post.Slug)
	return post, nil
}

func (s *PostService) authorizePost(ctx context.Context, postID int64, actor Actor) error {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if !s.authz.CanEdit(actor.Role, actor.ID, post.AuthorID) {
		return fmt.Errorf("actor %d may not edit post %d: %w", actor.ID, postID, data.ErrForbidden)
	}
	return nil
}

// GetPostBySlug returns a post, serving cached copies on the read path.
func (s *PostService) GetPostBySlug(ctx context.Context, slug string) (*data.Post, error) {
	key := "post:" + slug
	if s.cache != nil {
		if raw, err := s.cache.Get(key); err == nil && raw != nil {
			var post data.Post
			if err := json.Unmarshal(raw, &post); err == nil {
				return &post, nil
			}
			// Undecodable entry; fall through to the database.
			_ = s.cache.Delete(key)
		}
	}
	post, err := s.posts.GetBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if raw, err := json.Marshal(post); err == nil {
			_ = s.cache.Set(key, raw, s.cacheTTL)
		}
	}
	return post, nil
}

// ViewPost returns a post by slug and records the view.
func (s *PostService) ViewPost(ctx context.Context, slug string) (*data.Post, error) {
	post, err := s.GetPostBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if err := s.posts.IncrementViews(ctx, post.ID); err != nil {
		return nil, err
	}
	return post, nil
}

// ListPublishedPosts returns one page of published posts.
func (s *PostService) ListPublishedPosts(ctx context.Context, cursor data.PostCursor, pageSize int, sortBy data.PostSort) ([]data.Post, data.PostCursor, error) {
	return s.posts.ListPublished(ctx, cursor, pageSize, sortBy)
}

// ListRevisions returns one page of a post's history, newest first.
func (s *PostService) ListRevisions(ctx context.Context, postID int64, afterNumber, pageSize int) ([]data.Revision, int, error) {
	return s.revisions.History(ctx, postID, afterNumber, pageSize)
}

// SearchPosts queries the derived search index.
func (s *PostService) SearchPosts(ctx context.Context, term string, limit int) ([]data.SearchResult, error) {
	return s.search.Query(ctx, term, limit)
}

// AttachTag links a tag to a post.
func (s *PostService) AttachTag(ctx context.Context, postID, tagID int64) error {
	return s.assoc.AttachTag(ctx, postID, tagID)
}

// DetachTag unlinks a tag from a post.
func (s *PostService) DetachTag(ctx context.Context, postID, tagID int64) error {
	return s.assoc.DetachTag(ctx, postID, tagID)
}

// SetCategory replaces the post's category.
func (s *PostService) SetCategory(ctx context.Context, postID int64, categoryID *int64) error {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if err := s.assoc.SetCategory(ctx, postID, categoryID); err != nil {
		return err
	}
	s.invalidate(post.Slug)
	return nil
}

// ListTagsForPost returns the tags attached to a post.
func (s *PostService) ListTagsForPost(ctx context.Context, postID int64) ([]data.Tag, error) {
	return s.assoc.TagsForPost(ctx, postID)
}

// SoftDeletePost marks the post unavailable, removes its associations
// and search entry in the same unit, and keeps its revision history for
// audit.
func (s *PostService) SoftDeletePost(ctx context.Context, postID int64, actor Actor) error {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if !s.authz.CanEdit(actor.Role, actor.ID, post.AuthorID) {
		return fmt.Errorf("actor %d may not delete post %d: %w", actor.ID, postID, data.ErrForbidden)
	}
	err = data.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.assoc.DetachAllForPostTx(ctx, tx, postID); err != nil {
			return err
		}
		if err := s.search.RemoveFromIndexTx(ctx, tx, postID); err != nil {
			return err
		}
		return s.posts.SoftDeleteTx(ctx, tx, postID)
	})
	if err != nil {
		return err
	}
	s.invalidate(post.Slug)
	return nil
}

// HardDeletePost removes the post and everything it owns: associations,
// search entry and revision history, in one unit of work.
func (s *PostService) HardDeletePost(ctx context.Context, postID int64, actor Actor) error {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		return err
	}
	if !s.authz.CanEdit(actor.Role, actor.ID, post.AuthorID) {
		return fmt.Errorf("actor %d may not delete post %d: %w", actor.ID, postID, data.ErrForbidden)
	}
	err = data.RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.assoc.DetachAllForPostTx(ctx, tx, postID); err != nil {
			return err
		}
		if err := s.search.RemoveFromIndexTx(ctx, tx, postID); err != nil {
			return err
		}
		if err := s.revisions.DeleteForPostTx(ctx, tx, postID); err != nil {
			return err
		}
		return s.posts.DeleteTx(ctx, tx, postID)
	})
	if err != nil {
		return err
	}
	s.invalidate(post.Slug)
	return nil
}

func (s *PostService) invalidate(slug string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete("post:" + slug); err != nil {
		s.log.Error(err, "failed to invalidate post cache")
	}
}

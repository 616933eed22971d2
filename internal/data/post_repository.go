package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// PostSort selects the ordering of a published-posts listing.
type PostSort string

const (
	SortPublishedAt PostSort = "published_at"
	SortViewsCount  PostSort = "views_count"
	SortLikesCount  PostSort = "likes_count"
)

// sortColumns whitelists the ORDER BY column for each sort. Anything else
// is rejected before it reaches SQL.
var sortColumns = map[PostSort]string{
	SortPublishedAt: "published_at",
	SortViewsCount:  "views_count",
	SortLikesCount:  "likes_count",
}

// PostCursor is a keyset-pagination position in a published-posts listing.
// The zero value starts from the top; passing a returned cursor back
// resumes where the previous page stopped.
type PostCursor struct {
	Last   string
	LastID int64
}

func (c PostCursor) isZero() bool {
	return c.Last == "" && c.LastID == 0
}

// ContentUpdate carries the fields a content edit may change.
type ContentUpdate struct {
	Title              string
	Summary            string
	BodyMarkdown       string
	BodyHTML           string
	SEOTitle           string
	SEODescription     string
	ReadingTimeMinutes int
}

// PostRepository owns post rows and their status transitions.
type PostRepository struct {
	db *sqlx.DB
}

// NewPostRepository creates a new PostRepository.
func NewPostRepository(db *sqlx.DB) *PostRepository {
	return &PostRepository{db: db}
}

// nextTimestamp returns the current UTC time, clamped so it is strictly
// after prev. updated_at must increase on every mutation even when the
// clock has not visibly advanced since the previous write.
func nextTimestamp(prev time.Time) time.Time {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// CreateTx inserts a new post inside the caller's unit of work and fills
// in its generated ID. A slug collision surfaces as ErrConflict.
func (r *PostRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, post *Post) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if post.CreatedAt.IsZero() {
		post.CreatedAt = now
	}
	if post.UpdatedAt.IsZero() {
		post.UpdatedAt = now
	}
	query := `INSERT INTO posts
		(slug, title, summary, body_markdown, body_html, author_id, category_id,
		 published_at, views_count, likes_count, reading_time_minutes,
		 seo_title, seo_description, created_at, updated_at)
		VALUES
		(:slug, :title, :summary, :body_markdown, :body_html, :author_id, :category_id,
		 :published_at, :views_count, :likes_count, :reading_time_minutes,
		 :seo_title, :seo_description, :created_at, :updated_at)`
	res, err := tx.NamedExecContext(ctx, query, post)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("slug %q already taken: %w", post.Slug, ErrConflict)
		}
		return fmt.Errorf("failed to insert post: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted post id: %w", err)
	}
	post.ID = id
	return nil
}

// SlugExists reports whether any post, including soft-deleted ones,
// already holds the slug. Deleted posts keep their slug reserved because
// slugs are immutable once assigned.
func (r *PostRepository) SlugExists(ctx context.Context, slug string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM posts WHERE slug = ?`, slug)
	if err != nil {
		return false, translateErr(fmt.Errorf("failed to check slug: %w", err))
	}
	return n > 0, nil
}

// GetByID retrieves a post by ID. Soft-deleted posts are not visible.
func (r *PostRepository) GetByID(ctx context.Context, id int64) (*Post, error) {
	var post Post
	query := `SELECT * FROM posts WHERE id = ? AND deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &post, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
		}
		return nil, translateErr(fmt.Errorf("failed to get post by id: %w", err))
	}
	return &post, nil
}

// GetBySlug retrieves a post by its slug. Soft-deleted posts are not visible.
func (r *PostRepository) GetBySlug(ctx context.Context, slug string) (*Post, error) {
	var post Post
	query := `SELECT * FROM posts WHERE slug = ? AND deleted_at IS NULL`
	if err := r.db.GetContext(ctx, &post, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %q: %w", slug, ErrNotFound)
		}
		return nil, translateErr(fmt.Errorf("failed to get post by slug: %w", err))
	}
	return &post, nil
}

// getForUpdateTx reads a live post inside a unit of work.
func (r *PostRepository) getForUpdateTx(ctx context.Context, tx *sqlx.Tx, id int64) (*Post, error) {
	var post Post
	query := `SELECT * FROM posts WHERE id = ? AND deleted_at IS NULL`
	if err := tx.GetContext(ctx, &post, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("post %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get post for update: %w", err)
	}
	return &post, nil
}

// UpdateContentTx applies a content edit with an optimistic-concurrency
// check: the stored updated_at must equal expectedUpdatedAt or the edit
// fails with ErrStaleWrite and nothing changes. On success the post struct
// is updated in place, including the new UpdatedAt.
func (r *PostRepository) UpdateContentTx(ctx context.Context, tx *sqlx.Tx, post *Post, expectedUpdatedAt time.Time, upd ContentUpdate) error {
	newUpdatedAt := nextTimestamp(expectedUpdatedAt)
	query := `UPDATE posts SET
		title = ?, summary = ?, body_markdown = ?, body_html = ?,
		seo_title = ?, seo_description = ?, reading_time_minutes = ?, updated_at = ?
		WHERE id = ? AND updated_at = ? AND deleted_at IS NULL`
	res, err := tx.ExecContext(ctx, query,
		upd.Title, upd.Summary, upd.BodyMarkdown, upd.BodyHTML,
		upd.SEOTitle, upd.SEODescription, upd.ReadingTimeMinutes, newUpdatedAt,
		post.ID, expectedUpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to update post content: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		// Distinguish a vanished post from a concurrent edit.
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM posts WHERE id = ? AND deleted_at IS NULL`, post.ID); err != nil {
			return fmt.Errorf("failed to probe post after stale update: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("post %d: %w", post.ID, ErrNotFound)
		}
		return fmt.Errorf("post %d: %w", post.ID, ErrStaleWrite)
	}
	post.Title = upd.Title
	post.Summary = upd.Summary
	post.BodyMarkdown = upd.BodyMarkdown
	post.BodyHTML = upd.BodyHTML
	post.SEOTitle = upd.SEOTitle
	post.SEODescription = upd.SEODescription
	post.ReadingTimeMinutes = upd.ReadingTimeMinutes
	post.UpdatedAt = newUpdatedAt
	return nil
}

// Publish sets the publish timestamp. A published post must carry a
// non-empty title and body. Publishing an already-published post fails
// with ErrAlreadyPublished; idempotent callers may treat that as benign.
func (r *PostRepository) Publish(ctx context.Context, id int64) (*Post, error) {
	var post *Post
	err := RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		post, err = r.getForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if post.PublishedAt != nil {
			return fmt.Errorf("post %d: %w", id, ErrAlreadyPublished)
		}
		if post.Title == "" {
			return &ValidationError{Field: "title", Reason: "must not be empty to publish"}
		}
		if post.BodyMarkdown == "" {
			return &ValidationError{Field: "body_markdown", Reason: "must not be empty to publish"}
		}
		now := nextTimestamp(post.UpdatedAt)
		_, err = tx.ExecContext(ctx, `UPDATE posts SET published_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to publish post: %w", err)
		}
		post.PublishedAt = &now
		post.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// Unpublish clears the publish timestamp, returning the post to drafts.
func (r *PostRepository) Unpublish(ctx context.Context, id int64) (*Post, error) {
	var post *Post
	err := RunInTx(ctx, r.db, func(tx *sqlx.Tx) error {
		var err error
		post, err = r.getForUpdateTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if post.PublishedAt == nil {
			return fmt.Errorf("post %d: %w", id, ErrAlreadyDraft)
		}
		now := nextTimestamp(post.UpdatedAt)
		_, err = tx.ExecContext(ctx, `UPDATE posts SET published_at = NULL, updated_at = ? WHERE id = ?`, now, id)
		if err != nil {
			return fmt.Errorf("failed to unpublish post: %w", err)
		}
		post.PublishedAt = nil
		post.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return post, nil
}

// IncrementViews bumps the view counter. Counters do not advance
// updated_at: a page view must not invalidate an editor's optimistic token.
func (r *PostRepository) IncrementViews(ctx context.Context, id int64) error {
	return r.incrementCounter(ctx, id, "views_count")
}

// IncrementLikes bumps the like counter.
func (r *PostRepository) IncrementLikes(ctx context.Context, id int64) error {
	return r.incrementCounter(ctx, id, "likes_count")
}

func (r *PostRepository) incrementCounter(ctx context.Context, id int64, column string) error {
	query := fmt.Sprintf(`UPDATE posts SET %s = %s + 1 WHERE id = ? AND deleted_at IS NULL`, column, column)
	res, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return translateErr(fmt.Errorf("failed to increment %s: %w", column, err))
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListPublished returns one page of published posts ordered descending by
// the chosen sort field, ties broken by id descending so the order is
// deterministic. The returned cursor resumes the listing; a zero cursor
// means the listing is exhausted.
func (r *PostRepository) ListPublished(ctx context.Context, cursor PostCursor, pageSize int, sortBy PostSort) ([]Post, PostCursor, error) {
	col, ok := sortColumns[sortBy]
	if !ok {
		return nil, PostCursor{}, &ValidationError{Field: "sortBy", Reason: fmt.Sprintf("unsupported sort %q", sortBy)}
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	query := `SELECT * FROM posts WHERE published_at IS NOT NULL AND deleted_at IS NULL`
	args := []interface{}{}
	if !cursor.isZero() {
		last, err := decodeSortValue(sortBy, cursor.Last)
		if err != nil {
			return nil, PostCursor{}, &ValidationError{Field: "cursor", Reason: err.Error()}
		}
		query += fmt.Sprintf(` AND (%s < ? OR (%s = ? AND id < ?))`, col, col)
		args = append(args, last, last, cursor.LastID)
	}
	query += fmt.Sprintf(` ORDER BY %s DESC, id DESC LIMIT ?`, col)
	args = append(args, pageSize)

	var posts []Post
	if err := r.db.SelectContext(ctx, &posts, query, args...); err != nil {
		return nil, PostCursor{}, translateErr(fmt.Errorf("failed to list published posts: %w", err))
	}
	if len(posts) < pageSize {
		return posts, PostCursor{}, nil
	}
	tail := posts[len(posts)-1]
	next := PostCursor{Last: encodeSortValue(sortBy, &tail), LastID: tail.ID}
	return posts, next, nil
}

func encodeSortValue(sortBy PostSort, p *Post) string {
	switch sortBy {
	case SortViewsCount:
		return strconv.FormatInt(p.ViewsCount, 10)
	case SortLikesCount:
		return strconv.FormatInt(p.LikesCount, 10)
	default:
		if p.PublishedAt == nil {
			return ""
		}
		return p.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
}

func decodeSortValue(sortBy PostSort, s string) (interface{}, error) {
	switch sortBy {
	case SortViewsCount, SortLikesCount:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor value %q", s)
		}
		return n, nil
	default:
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return nil, fmt.Errorf("malformed cursor value %q", s)
		}
		return t.UTC(), nil
	}
}

// SoftDeleteTx marks the post unavailable inside the caller's unit of work.
// Revision history survives a soft delete; associations and the search
// entry are removed by the coordinating service in the same unit.
func (r *PostRepository) SoftDeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	var current time.Time
	err := tx.GetContext(ctx, &current, `SELECT updated_at FROM posts WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("post %d: %w", id, ErrNotFound)
		}
		return fmt.Errorf("failed to read post for delete: %w", err)
	}
	now := nextTimestamp(current)
	_, err = tx.ExecContext(ctx, `UPDATE posts SET deleted_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to soft-delete post: %w", err)
	}
	return nil
}

// DeleteTx removes the post row. The coordinating service deletes owned
// children (revisions, associations, search entry) in the same unit.
func (r *PostRepository) DeleteTx(ctx context.Context, tx *sqlx.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return nil
}

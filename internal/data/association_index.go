package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"inkpress/internal/logger"
	"time"

	"github.com/jmoiron/sqlx"
)

// AssociationIndex owns tag/category attachment of posts and the derived
// tag usage counters. After every committed attach or detach,
// tag.usage_count equals the number of associations referencing the tag.
type AssociationIndex struct {
	db  *sqlx.DB
	log logger.Logger
}

// NewAssociationIndex creates a new AssociationIndex.
func NewAssociationIndex(db *sqlx.DB, log logger.Logger) *AssociationIndex {
	return &AssociationIndex{db: db, log: log}
}

// AttachTag links a tag to a post and increments the tag's usage counter
// in the same unit of work. Attaching an already-attached tag is a no-op,
// not an error.
func (a *AssociationIndex) AttachTag(ctx context.Context, postID, tagID int64) error {
	return RunInTx(ctx, a.db, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM posts WHERE id = ? AND deleted_at IS NULL`, postID); err != nil {
			return fmt.Errorf("failed to check post: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("post %d: %w", postID, ErrNotFound)
		}
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM tags WHERE id = ?`, tagID); err != nil {
			return fmt.Errorf("failed to check tag: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
		}
		if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM post_tags WHERE post_id = ? AND tag_id = ?`, postID, tagID); err != nil {
			return fmt.Errorf("failed to check association: %w", err)
		}
		if n > 0 {
			return nil
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO post_tags (post_id, tag_id, created_at) VALUES (?, ?, ?)`,
			postID, tagID, time.Now().UTC().Truncate(time.Microsecond))
		if err != nil {
			if isUniqueViolation(err) {
				// A concurrent attach won the race; ours is a no-op.
				return nil
			}
			return fmt.Errorf("failed to insert association: %w", err)
		}
		res, err := tx.ExecContext(ctx, `UPDATE tags SET usage_count = usage_count + 1 WHERE id = ?`, tagID)
		if err != nil {
			return fmt.Errorf("failed to increment usage count: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("tag %d: %w", tagID, ErrNotFound)
		}
		return nil
	})
}

// DetachTag removes the association and decrements the tag's usage
// counter in the same unit of work. Detaching an absent association is a
// no-op; the skipped decrement is logged as an anomaly because it points
// at an earlier accounting bug, not at the caller.
func (a *AssociationIndex) DetachTag(ctx context.Context, postID, tagID int64) error {
	return RunInTx(ctx, a.db, func(tx *sqlx.Tx) error {
		return a.detachTagTx(ctx, tx, postID, tagID)
	})
}

func (a *AssociationIndex) detachTagTx(ctx context.Context, tx *sqlx.Tx, postID, tagID int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM post_tags WHERE post_id = ? AND tag_id = ?`, postID, tagID)
	if err != nil {
		return fmt.Errorf("failed to delete association: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil
	}
	res, err = tx.ExecContext(ctx, `UPDATE tags SET usage_count = usage_count - 1 WHERE id = ? AND usage_count > 0`, tagID)
	if err != nil {
		return fmt.Errorf("failed to decrement usage count: %w", err)
	}
	rows, err = res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		a.log.With(map[string]interface{}{"tag_id": tagID}).
			Warn("usage count already zero while detaching, counter drift detected")
	}
	return nil
}

// DetachAllForPostTx removes every association of a post and settles the
// affected usage counters, inside the caller's unit of work. Used by the
// post deletion cascade.
func (a *AssociationIndex) DetachAllForPostTx(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tags SET usage_count = usage_count - 1
		 WHERE usage_count > 0 AND id IN (SELECT tag_id FROM post_tags WHERE post_id = ?)`, postID)
	if err != nil {
		return fmt.Errorf("failed to settle usage counts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM post_tags WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("failed to delete associations: %w", err)
	}
	return nil
}

// SetCategory replaces the post's category reference. A nil categoryID
// clears it. Categories carry no usage counter.
func (a *AssociationIndex) SetCategory(ctx context.Context, postID int64, categoryID *int64) error {
	return RunInTx(ctx, a.db, func(tx *sqlx.Tx) error {
		if categoryID != nil {
			var n int
			if err := tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM categories WHERE id = ? AND is_active = 1`, *categoryID); err != nil {
				return fmt.Errorf("failed to check category: %w", err)
			}
			if n == 0 {
				return fmt.Errorf("category %d: %w", *categoryID, ErrNotFound)
			}
		}
		var current time.Time
		err := tx.GetContext(ctx, &current, `SELECT updated_at FROM posts WHERE id = ? AND deleted_at IS NULL`, postID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("post %d: %w", postID, ErrNotFound)
			}
			return fmt.Errorf("failed to read post: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE posts SET category_id = ?, updated_at = ? WHERE id = ?`,
			categoryID, nextTimestamp(current), postID)
		if err != nil {
			return fmt.Errorf("failed to set category: %w", err)
		}
		return nil
	})
}

// TagsForPost returns the tags attached to a post, ordered by name.
func (a *AssociationIndex) TagsForPost(ctx context.Context, postID int64) ([]Tag, error) {
	var tags []Tag
	query := `SELECT t.* FROM tags t
		JOIN post_tags pt ON pt.tag_id = t.id
		WHERE pt.post_id = ? ORDER BY t.name`
	if err := a.db.SelectContext(ctx, &tags, query, postID); err != nil {
		return nil, translateErr(fmt.Errorf("failed to list tags for post: %w", err))
	}
	return tags, nil
}

// PostsForTag returns one page of post IDs carrying the tag, newest
// association first. afterPostID of zero restarts; the second return
// value resumes the listing, zero when exhausted.
func (a *AssociationIndex) PostsForTag(ctx context.Context, tagID int64, afterPostID int64, pageSize int) ([]int64, int64, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	query := `SELECT post_id FROM post_tags WHERE tag_id = ?`
	args := []interface{}{tagID}
	if afterPostID > 0 {
		query += ` AND post_id < ?`
		args = append(args, afterPostID)
	}
	query += ` ORDER BY post_id DESC LIMIT ?`
	args = append(args, pageSize)

	var ids []int64
	if err := a.db.SelectContext(ctx, &ids, query, args...); err != nil {
		return nil, 0, translateErr(fmt.Errorf("failed to list posts for tag: %w", err))
	}
	if len(ids) < pageSize {
		return ids, 0, nil
	}
	return ids, ids[len(ids)-1], nil
}

// CreateTag inserts a tag with a zero usage counter.
func (a *AssociationIndex) CreateTag(ctx context.Context, name, slug string) (*Tag, error) {
	tag := &Tag{Name: name, Slug: slug}
	res, err := a.db.ExecContext(ctx, `INSERT INTO tags (name, slug, usage_count) VALUES (?, ?, 0)`, name, slug)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("tag %q: %w", name, ErrConflict)
		}
		return nil, translateErr(fmt.Errorf("failed to create tag: %w", err))
	}
	tag.ID, err = res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read inserted tag id: %w", err)
	}
	return tag, nil
}

// GetTagBySlug returns the tag with the given slug.
func (a *AssociationIndex) GetTagBySlug(ctx context.Context, slug string) (*Tag, error) {
	var tag Tag
	if err := a.db.GetContext(ctx, &tag, `SELECT * FROM tags WHERE slug = ?`, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tag %q: %w", slug, ErrNotFound)
		}
		return nil, translateErr(fmt.Errorf("failed to get tag: %w", err))
	}
	return &tag, nil
}

// ListTags returns all tags ordered by name.
func (a *AssociationIndex) ListTags(ctx context.Context) ([]Tag, error) {
	var tags []Tag
	if err := a.db.SelectContext(ctx, &tags, `SELECT * FROM tags ORDER BY name`); err != nil {
		return nil, translateErr(fmt.Errorf("failed to list tags: %w", err))
	}
	return tags, nil
}

// CreateCategory inserts a category.
func (a *AssociationIndex) CreateCategory(ctx context.Context, cat *Category) error {
	res, err := a.db.ExecContext(ctx,
		`INSERT INTO categories (name, slug, description, is_active) VALUES (?, ?, ?, ?)`,
		cat.Name, cat.Slug, cat.Description, cat.IsActive)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("category %q: %w", cat.Name, ErrConflict)
		}
		return translateErr(fmt.Errorf("failed to create category: %w", err))
	}
	cat.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted category id: %w", err)
	}
	return nil
}

// ListCategories returns the active categories ordered by name.
func (a *AssociationIndex) ListCategories(ctx context.Context) ([]Category, error) {
	var cats []Category
	if err := a.db.SelectContext(ctx, &cats, `SELECT * FROM categories WHERE is_active = 1 ORDER BY name`); err != nil {
		return nil, translateErr(fmt.Errorf("failed to list categories: %w", err))
	}
	return cats, nil
}

// Reconcile recomputes every usage counter from the association table.
// It is idempotent and intended for recovery and tests; under correct
// operation it finds nothing to repair. Returns the number of tags whose
// counter drifted.
func (a *AssociationIndex) Reconcile(ctx context.Context) (int, error) {
	repaired := 0
	err := RunInTx(ctx, a.db, func(tx *sqlx.Tx) error {
		var drifted []struct {
			ID     int64 `db:"id"`
			Stored int64 `db:"usage_count"`
			Actual int64 `db:"actual"`
		}
		query := `SELECT t.id, t.usage_count,
			(SELECT COUNT(*) FROM post_tags pt WHERE pt.tag_id = t.id) AS actual
			FROM tags t
			WHERE t.usage_count != (SELECT COUNT(*) FROM post_tags pt WHERE pt.tag_id = t.id)`
		if err := tx.SelectContext(ctx, &drifted, query); err != nil {
			return fmt.Errorf("failed to find drifted counters: %w", err)
		}
		for _, d := range drifted {
			a.log.With(map[string]interface{}{
				"tag_id": d.ID, "stored": d.Stored, "actual": d.Actual,
			}).Warn("usage count drift, repairing")
			if _, err := tx.ExecContext(ctx, `UPDATE tags SET usage_count = ? WHERE id = ?`, d.Actual, d.ID); err != nil {
				return fmt.Errorf("failed to repair usage count: %w", err)
			}
		}
		repaired = len(drifted)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return repaired, nil
}

package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// RevisionStore owns the append-only revision history of posts.
// Revisions are never mutated or renumbered; they disappear only when
// their post is hard-deleted.
type RevisionStore struct {
	db *sqlx.DB
}

// NewRevisionStore creates a new RevisionStore.
func NewRevisionStore(db *sqlx.DB) *RevisionStore {
	return &RevisionStore{db: db}
}

// appendAttempts bounds the retry loop on a revision-number collision.
// SQLite serializes writers so a collision cannot happen there; on MySQL
// two concurrent appends can race to the same number and the loser's
// insert fails on UNIQUE(post_id, revision_number).
const appendAttempts = 3

// AppendRevisionTx assigns the next revision number for the post and
// inserts the snapshot inside the caller's unit of work. The assigned
// number is written back into rev.RevisionNumber.
func (s *RevisionStore) AppendRevisionTx(ctx context.Context, tx *sqlx.Tx, rev *Revision) error {
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	// Number assignment and insert happen in one statement so the max is
	// never read outside the write that uses it.
	query := `INSERT INTO post_revisions
		(post_id, revision_number, title, summary, body_markdown, body_html, change_summary, created_by, created_at)
		SELECT ?, COALESCE(MAX(revision_number), 0) + 1, ?, ?, ?, ?, ?, ?, ?
		FROM post_revisions WHERE post_id = ?`

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		res, err := tx.ExecContext(ctx, query,
			rev.PostID, rev.Title, rev.Summary, rev.BodyMarkdown, rev.BodyHTML,
			rev.ChangeSummary, rev.CreatedBy, rev.CreatedAt, rev.PostID)
		if err != nil {
			if isUniqueViolation(err) {
				lastErr = err
				continue
			}
			return fmt.Errorf("failed to append revision: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read inserted revision id: %w", err)
		}
		rev.ID = id
		if err := tx.GetContext(ctx, &rev.RevisionNumber,
			`SELECT revision_number FROM post_revisions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to read assigned revision number: %w", err)
		}
		return nil
	}
	return fmt.Errorf("revision number contention on post %d: %w", rev.PostID, lastErr)
}

// AppendRevision appends a revision as its own unit of work.
func (s *RevisionStore) AppendRevision(ctx context.Context, rev *Revision) error {
	return RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.AppendRevisionTx(ctx, tx, rev)
	})
}

// GetRevision returns one numbered revision of a post.
func (s *RevisionStore) GetRevision(ctx context.Context, postID int64, number int) (*Revision, error) {
	var rev Revision
	query := `SELECT * FROM post_revisions WHERE post_id = ? AND revision_number = ?`
	if err := s.db.GetContext(ctx, &rev, query, postID, number); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("revision %d of post %d: %w", number, postID, ErrNotFound)
		}
		return nil, translateErr(fmt.Errorf("failed to get revision: %w", err))
	}
	return &rev, nil
}

// History returns one page of a post's revisions, newest first.
// afterNumber restarts the listing when zero and otherwise resumes below
// the given revision number. The second return value is the next
// afterNumber, or zero when the history is exhausted.
func (s *RevisionStore) History(ctx context.Context, postID int64, afterNumber int, pageSize int) ([]Revision, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	query := `SELECT * FROM post_revisions WHERE post_id = ?`
	args := []interface{}{postID}
	if afterNumber > 0 {
		query += ` AND revision_number < ?`
		args = append(args, afterNumber)
	}
	query += ` ORDER BY revision_number DESC LIMIT ?`
	args = append(args, pageSize)

	var revs []Revision
	if err := s.db.SelectContext(ctx, &revs, query, args...); err != nil {
		return nil, 0, translateErr(fmt.Errorf("failed to list revisions: %w", err))
	}
	if len(revs) < pageSize {
		return revs, 0, nil
	}
	return revs, revs[len(revs)-1].RevisionNumber, nil
}

// CountForPost returns the number of revisions recorded for a post.
func (s *RevisionStore) CountForPost(ctx context.Context, postID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM post_revisions WHERE post_id = ?`, postID)
	if err != nil {
		return 0, translateErr(fmt.Errorf("failed to count revisions: %w", err))
	}
	return n, nil
}

// DeleteForPostTx removes all revisions of a post inside the caller's
// unit of work. Used only by the hard-delete cascade.
func (s *RevisionStore) DeleteForPostTx(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM post_revisions WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("failed to delete revisions: %w", err)
	}
	return nil
}

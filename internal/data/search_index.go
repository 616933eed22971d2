package data

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

// SearchIndexer derives and maintains a queryable text representation of
// each post's current content. Reindexing runs inside the same unit of
// work as the content change, so a reader that sees the new content also
// sees the new index entry.
type SearchIndexer struct {
	db *sqlx.DB
}

// NewSearchIndexer creates a new SearchIndexer.
func NewSearchIndexer(db *sqlx.DB) *SearchIndexer {
	return &SearchIndexer{db: db}
}

// normalizeText lower-cases and whitespace-collapses the given fragments
// into the stored searchable form.
func normalizeText(parts ...string) string {
	joined := strings.Join(parts, " ")
	return strings.Join(strings.Fields(strings.ToLower(joined)), " ")
}

// ReindexTx replaces the post's index entry inside the caller's unit of work.
func (s *SearchIndexer) ReindexTx(ctx context.Context, tx *sqlx.Tx, postID int64, title, summary, bodyText string) error {
	content := normalizeText(title, summary, bodyText)
	now := time.Now().UTC().Truncate(time.Microsecond)
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("failed to clear index entry: %w", err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO search_index (post_id, content, updated_at) VALUES (?, ?, ?)`,
		postID, content, now)
	if err != nil {
		return fmt.Errorf("failed to write index entry: %w", err)
	}
	return nil
}

// Reindex replaces the post's index entry as its own unit of work.
func (s *SearchIndexer) Reindex(ctx context.Context, postID int64, title, summary, bodyText string) error {
	return RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.ReindexTx(ctx, tx, postID, title, summary, bodyText)
	})
}

// RemoveFromIndexTx drops the post's index entry inside the caller's unit
// of work. A missing entry is not an error.
func (s *SearchIndexer) RemoveFromIndexTx(ctx context.Context, tx *sqlx.Tx, postID int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM search_index WHERE post_id = ?`, postID); err != nil {
		return fmt.Errorf("failed to remove index entry: %w", err)
	}
	return nil
}

// RemoveFromIndex drops the post's index entry as its own unit of work.
func (s *SearchIndexer) RemoveFromIndex(ctx context.Context, postID int64) error {
	return RunInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		return s.RemoveFromIndexTx(ctx, tx, postID)
	})
}

// snippetWindow is the number of bytes of context kept on each side of
// the first match.
const snippetWindow = 60

// escapeLike escapes LIKE metacharacters in a user-supplied term.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

type indexedRow struct {
	PostID      int64      `db:"post_id"`
	Content     string     `db:"content"`
	PublishedAt *time.Time `db:"published_at"`
}

// Query returns up to limit published posts whose derived text contains
// the term, ordered by descending term frequency, ties broken by more
// recent publication and then by id. The snippet is a bounded window
// around the first match with the match wrapped in ** markers.
func (s *SearchIndexer) Query(ctx context.Context, term string, limit int) ([]SearchResult, error) {
	needle := normalizeText(term)
	if needle == "" {
		return nil, &ValidationError{Field: "term", Reason: "must not be empty"}
	}
	if limit <= 0 {
		limit = 10
	}

	var rows []indexedRow
	query := `SELECT si.post_id, si.content, p.published_at
		FROM search_index si
		JOIN posts p ON p.id = si.post_id
		WHERE p.published_at IS NOT NULL AND p.deleted_at IS NULL
		AND si.content LIKE ? ESCAPE '\'`
	if err := s.db.SelectContext(ctx, &rows, query, "%"+escapeLike(needle)+"%"); err != nil {
		return nil, translateErr(fmt.Errorf("failed to query search index: %w", err))
	}

	results := make([]SearchResult, 0, len(rows))
	order := make(map[int64]indexedRow, len(rows))
	for _, row := range rows {
		score := strings.Count(row.Content, needle)
		if score == 0 {
			continue
		}
		results = append(results, SearchResult{
			PostID:  row.PostID,
			Score:   score,
			Snippet: makeSnippet(row.Content, needle),
		})
		order[row.PostID] = row
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		pi, pj := order[results[i].PostID].PublishedAt, order[results[j].PostID].PublishedAt
		if pi != nil && pj != nil && !pi.Equal(*pj) {
			return pi.After(*pj)
		}
		return results[i].PostID > results[j].PostID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// makeSnippet extracts a window of text around the first occurrence of
// needle, marking the match.
func makeSnippet(content, needle string) string {
	idx := strings.Index(content, needle)
	if idx < 0 {
		return ""
	}
	start := idx - snippetWindow
	if start < 0 {
		start = 0
	}
	end := idx + len(needle) + snippetWindow
	if end > len(content) {
		end = len(content)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("…")
	}
	b.WriteString(content[start:idx])
	b.WriteString("**")
	b.WriteString(needle)
	b.WriteString("**")
	b.WriteString(content[idx+len(needle) : end])
	if end < len(content) {
		b.WriteString("…")
	}
	return b.String()
}

//go:build integration

package data

import (
	"strings"
	"testing"
	"time"
)

func TestSearchIndexer_QueryFindsTerm(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)
	post := insertPost(t, db, "fox", "Fast Animals", "The quick brown fox", true)

	if err := idx.Reindex(testCtx, post.ID, "Fast Animals", "", "The quick brown fox"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := idx.Query(testCtx, "brown", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	hit := results[0]
	if hit.PostID != post.ID {
		t.Errorf("expected post %d, got %d", post.ID, hit.PostID)
	}
	if hit.Score == 0 {
		t.Error("expected non-zero relevance score")
	}
	if !strings.Contains(hit.Snippet, "**brown**") {
		t.Errorf("expected marked match in snippet, got %q", hit.Snippet)
	}

	empty, err := idx.Query(testCtx, "zebra", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected no results for 'zebra', got %d", len(empty))
	}
}

func TestSearchIndexer_QueryNormalizesTermAndText(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)
	post := insertPost(t, db, "shouty", "SHOUTING    Title", "Body   text", true)

	if err := idx.Reindex(testCtx, post.ID, "SHOUTING    Title", "", "Body   text"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, err := idx.Query(testCtx, "  Shouting  ", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected case-insensitive match, got %d results", len(results))
	}
}

func TestSearchIndexer_RelevanceOrdersByFrequencyThenRecency(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)

	older := insertPost(t, db, "older", "Go", "go is fine", true)
	newer := insertPost(t, db, "newer", "Go", "go is fine", true)
	heavy := insertPost(t, db, "heavy", "Go go go", "go go go everywhere", true)
	db.MustExec(`UPDATE posts SET published_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Hour), older.ID)

	for _, p := range []*Post{older, newer, heavy} {
		var stored Post
		if err := db.Get(&stored, `SELECT * FROM posts WHERE id = ?`, p.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := idx.Reindex(testCtx, stored.ID, stored.Title, "", stored.BodyMarkdown); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	results, err := idx.Query(testCtx, "go", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].PostID != heavy.ID {
		t.Errorf("highest frequency must rank first, got post %d", results[0].PostID)
	}
	if results[1].PostID != newer.ID {
		t.Errorf("recency must break frequency ties, got post %d", results[1].PostID)
	}
}

func TestSearchIndexer_DraftsAreNotSearchable(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)
	post := insertPost(t, db, "hidden", "Hidden Draft", "secret content", false)

	if err := idx.Reindex(testCtx, post.ID, "Hidden Draft", "", "secret content"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, err := idx.Query(testCtx, "secret", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("drafts must not surface in search, got %d results", len(results))
	}
}

func TestSearchIndexer_ReindexReplacesAndRemoveClears(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)
	post := insertPost(t, db, "mutable", "Mutable", "first version", true)

	if err := idx.Reindex(testCtx, post.ID, "Mutable", "", "first version"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := idx.Reindex(testCtx, post.ID, "Mutable", "", "second version"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res, _ := idx.Query(testCtx, "first", 10); len(res) != 0 {
		t.Error("old content must not remain searchable after reindex")
	}
	if res, _ := idx.Query(testCtx, "second", 10); len(res) != 1 {
		t.Error("new content must be searchable after reindex")
	}

	if err := idx.RemoveFromIndex(testCtx, post.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res, _ := idx.Query(testCtx, "second", 10); len(res) != 0 {
		t.Error("removed post must not be searchable")
	}
	// Removing an absent entry is fine.
	if err := idx.RemoveFromIndex(testCtx, post.ID); err != nil {
		t.Fatalf("remove of absent entry must not fail: %v", err)
	}
}

func TestSearchIndexer_LikeMetacharactersAreLiteral(t *testing.T) {
	db := setupTestDB(t)
	idx := NewSearchIndexer(db)
	post := insertPost(t, db, "percent", "Discounts", "save 50% today", true)

	if err := idx.Reindex(testCtx, post.ID, "Discounts", "", "save 50% today"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	results, err := idx.Query(testCtx, "50%", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected literal %% match, got %d results", len(results))
	}
	if res, _ := idx.Query(testCtx, "5_%", 10); len(res) != 0 {
		t.Error("underscore must not act as a wildcard")
	}
}

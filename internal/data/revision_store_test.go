//go:build integration

package data

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestRevisionStore_AppendAssignsContiguousNumbers(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)
	post := insertPost(t, db, "revised", "Revised", "body", false)

	for i := 1; i <= 3; i++ {
		rev := &Revision{PostID: post.ID, Title: "Revised", BodyMarkdown: fmt.Sprintf("v%d", i)}
		if err := store.AppendRevision(testCtx, rev); err != nil {
			t.Fatalf("append %d failed: %v", i, err)
		}
		if rev.RevisionNumber != i {
			t.Errorf("expected revision number %d, got %d", i, rev.RevisionNumber)
		}
	}
}

func TestRevisionStore_ConcurrentAppendsNoGapsNoDuplicates(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)
	post := insertPost(t, db, "contended", "Contended", "body", false)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev := &Revision{PostID: post.ID, Title: "Contended", BodyMarkdown: fmt.Sprintf("v%d", i)}
			errs <- store.AppendRevision(testCtx, rev)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}

	var numbers []int
	if err := db.Select(&numbers, `SELECT revision_number FROM post_revisions WHERE post_id = ? ORDER BY revision_number`, post.ID); err != nil {
		t.Fatalf("failed to read numbers: %v", err)
	}
	if len(numbers) != n {
		t.Fatalf("expected %d revisions, got %d", n, len(numbers))
	}
	for i, num := range numbers {
		if num != i+1 {
			t.Fatalf("expected contiguous sequence 1..%d, got %v", n, numbers)
		}
	}
}

func TestRevisionStore_NumberingIsPerPost(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)
	first := insertPost(t, db, "first", "First", "body", false)
	second := insertPost(t, db, "second", "Second", "body", false)

	for i := 0; i < 2; i++ {
		if err := store.AppendRevision(testCtx, &Revision{PostID: first.ID, Title: "First"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	rev := &Revision{PostID: second.ID, Title: "Second"}
	if err := store.AppendRevision(testCtx, rev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rev.RevisionNumber != 1 {
		t.Errorf("numbering must be per post, got %d", rev.RevisionNumber)
	}
}

func TestRevisionStore_HistoryNewestFirst(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)
	post := insertPost(t, db, "history", "History", "body", false)

	for i := 1; i <= 5; i++ {
		if err := store.AppendRevision(testCtx, &Revision{PostID: post.ID, Title: "History"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	page, next, err := store.History(testCtx, post.ID, 0, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page) != 3 || page[0].RevisionNumber != 5 || page[2].RevisionNumber != 3 {
		t.Fatalf("unexpected first page: %+v", page)
	}
	if next != 3 {
		t.Fatalf("expected resume position 3, got %d", next)
	}

	rest, next, err := store.History(testCtx, post.ID, next, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rest) != 2 || rest[0].RevisionNumber != 2 || rest[1].RevisionNumber != 1 {
		t.Fatalf("unexpected second page: %+v", rest)
	}
	if next != 0 {
		t.Fatalf("expected exhausted cursor, got %d", next)
	}
}

func TestRevisionStore_AppendUnknownPostFails(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)

	err := store.AppendRevision(testCtx, &Revision{PostID: 9999, Title: "Ghost"})
	if err == nil {
		t.Fatal("expected error appending to unknown post")
	}
	// A foreign-key failure is not a numbering race and must not be
	// retried into a contention report.
	if strings.Contains(err.Error(), "contention") {
		t.Errorf("constraint failure misreported as numbering contention: %v", err)
	}
}

func TestRevisionStore_GetRevisionNotFound(t *testing.T) {
	db := setupTestDB(t)
	store := NewRevisionStore(db)
	post := insertPost(t, db, "sparse", "Sparse", "body", false)

	if err := store.AppendRevision(testCtx, &Revision{PostID: post.ID, Title: "Sparse"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := store.GetRevision(testCtx, post.ID, 7); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

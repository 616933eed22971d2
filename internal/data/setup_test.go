//go:build integration

package data

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// testSchema mirrors migrations/000001_init.up.sql.
const testSchema = `
CREATE TABLE users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL UNIQUE,
	role TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('user', 'author', 'admin')),
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE categories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE posts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	body_markdown TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	author_id INTEGER REFERENCES users (id) ON DELETE SET NULL,
	category_id INTEGER REFERENCES categories (id) ON DELETE SET NULL,
	published_at TIMESTAMP,
	views_count INTEGER NOT NULL DEFAULT 0,
	likes_count INTEGER NOT NULL DEFAULT 0,
	reading_time_minutes INTEGER NOT NULL DEFAULT 1,
	seo_title TEXT NOT NULL DEFAULT '',
	seo_description TEXT NOT NULL DEFAULT '',
	deleted_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	slug TEXT NOT NULL UNIQUE,
	usage_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE post_tags (
	post_id INTEGER NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	tag_id INTEGER NOT NULL REFERENCES tags (id) ON DELETE CASCADE,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (post_id, tag_id)
);
CREATE TABLE post_revisions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	post_id INTEGER NOT NULL REFERENCES posts (id) ON DELETE CASCADE,
	revision_number INTEGER NOT NULL,
	title TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	body_markdown TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	change_summary TEXT NOT NULL DEFAULT '',
	created_by INTEGER REFERENCES users (id) ON DELETE SET NULL,
	created_at TIMESTAMP NOT NULL,
	UNIQUE (post_id, revision_number)
);
CREATE TABLE search_index (
	post_id INTEGER PRIMARY KEY REFERENCES posts (id) ON DELETE CASCADE,
	content TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE user_sessions (
	token TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	expires_at TIMESTAMP NOT NULL,
	last_accessed TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE password_reset_tokens (
	token TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	used INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE TABLE email_verification_tokens (
	token TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users (id) ON DELETE CASCADE,
	used INTEGER NOT NULL DEFAULT 0,
	expires_at TIMESTAMP NOT NULL,
	created_at TIMESTAMP NOT NULL
);
`

// setupTestDB creates a fresh in-memory SQLite database with the full
// schema. A single pooled connection keeps every statement on the same
// in-memory instance.
func setupTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := sqlx.Connect("sqlite3", "file::memory:")
	if err != nil {
		t.Fatalf("failed to connect to sqlite test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		t.Fatalf("failed to enable foreign keys: %v", err)
	}
	db.MustExec(testSchema)

	t.Cleanup(func() { db.Close() })
	return db
}

// insertUser creates a user row and returns its id.
func insertUser(t *testing.T, db *sqlx.DB, username, role string) int64 {
	t.Helper()
	res := db.MustExec(`INSERT INTO users (username, email, role) VALUES (?, ?, ?)`,
		username, username+"@example.com", role)
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read user id: %v", err)
	}
	return id
}

// insertPost creates a post row directly and returns the stored post.
func insertPost(t *testing.T, db *sqlx.DB, slug, title, body string, published bool) *Post {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	var publishedAt interface{}
	if published {
		publishedAt = now
	}
	res := db.MustExec(`INSERT INTO posts
		(slug, title, summary, body_markdown, body_html, published_at, created_at, updated_at)
		VALUES (?, ?, '', ?, ?, ?, ?, ?)`,
		slug, title, body, "<p>"+body+"</p>", publishedAt, now, now)
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read post id: %v", err)
	}
	var post Post
	if err := db.Get(&post, `SELECT * FROM posts WHERE id = ?`, id); err != nil {
		t.Fatalf("failed to read back post: %v", err)
	}
	return &post
}

// insertTag creates a tag row and returns its id.
func insertTag(t *testing.T, db *sqlx.DB, name string) int64 {
	t.Helper()
	res := db.MustExec(`INSERT INTO tags (name, slug, usage_count) VALUES (?, ?, 0)`, name, name)
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("failed to read tag id: %v", err)
	}
	return id
}

// tagUsage reads a tag's stored usage counter.
func tagUsage(t *testing.T, db *sqlx.DB, tagID int64) int64 {
	t.Helper()
	var n int64
	if err := db.Get(&n, `SELECT usage_count FROM tags WHERE id = ?`, tagID); err != nil {
		t.Fatalf("failed to read usage count: %v", err)
	}
	return n
}

// associationCount counts rows referencing the tag.
func associationCount(t *testing.T, db *sqlx.DB, tagID int64) int64 {
	t.Helper()
	var n int64
	if err := db.Get(&n, `SELECT COUNT(*) FROM post_tags WHERE tag_id = ?`, tagID); err != nil {
		t.Fatalf("failed to count associations: %v", err)
	}
	return n
}

var testCtx = context.Background()

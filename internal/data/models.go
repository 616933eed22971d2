package data

import "time"

// Post is a unit of publishable content. A post with a non-nil PublishedAt
// is published; otherwise it is a draft. The slug is unique and immutable
// once assigned.
type Post struct {
	ID                 int64      `db:"id"`
	Slug               string     `db:"slug"`
	Title              string     `db:"title"`
	Summary            string     `db:"summary"`
	BodyMarkdown       string     `db:"body_markdown"`
	BodyHTML           string     `db:"body_html"`
	AuthorID           *int64     `db:"author_id"`
	CategoryID         *int64     `db:"category_id"`
	PublishedAt        *time.Time `db:"published_at"`
	ViewsCount         int64      `db:"views_count"`
	LikesCount         int64      `db:"likes_count"`
	ReadingTimeMinutes int        `db:"reading_time_minutes"`
	SEOTitle           string     `db:"seo_title"`
	SEODescription     string     `db:"seo_description"`
	DeletedAt          *time.Time `db:"deleted_at"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// Published reports whether the post is visible to readers.
func (p *Post) Published() bool {
	return p.PublishedAt != nil && p.DeletedAt == nil
}

// Revision is an immutable snapshot of a post's content. Revision numbers
// form a contiguous per-post sequence starting at 1, assigned only by
// RevisionStore.
type Revision struct {
	ID             int64     `db:"id"`
	PostID         int64     `db:"post_id"`
	RevisionNumber int       `db:"revision_number"`
	Title          string    `db:"title"`
	Summary        string    `db:"summary"`
	BodyMarkdown   string    `db:"body_markdown"`
	BodyHTML       string    `db:"body_html"`
	ChangeSummary  string    `db:"change_summary"`
	CreatedBy      *int64    `db:"created_by"`
	CreatedAt      time.Time `db:"created_at"`
}

// Category groups posts. A post references at most one category.
type Category struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Slug        string `db:"slug"`
	Description string `db:"description"`
	IsActive    bool   `db:"is_active"`
}

// Tag labels posts. UsageCount always equals the number of active
// post-tag associations referencing the tag.
type Tag struct {
	ID         int64  `db:"id"`
	Name       string `db:"name"`
	Slug       string `db:"slug"`
	UsageCount int64  `db:"usage_count"`
}

// PostTag is a many-to-many link between a post and a tag. The pair is
// the composite identity.
type PostTag struct {
	PostID    int64     `db:"post_id"`
	TagID     int64     `db:"tag_id"`
	CreatedAt time.Time `db:"created_at"`
}

// User is the minimal projection of an account that content operations
// need: role and active status. Profile management lives elsewhere.
type User struct {
	ID        int64     `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	Role      string    `db:"role"`
	IsActive  bool      `db:"is_active"`
	CreatedAt time.Time `db:"created_at"`
}

// Session is a time-bounded credential for an authenticated user.
type Session struct {
	Token        string    `db:"token"`
	UserID       int64     `db:"user_id"`
	ExpiresAt    time.Time `db:"expires_at"`
	LastAccessed time.Time `db:"last_accessed"`
	CreatedAt    time.Time `db:"created_at"`
}

// CredentialToken is a single-use, time-bounded credential (password reset
// or email verification). Once Used is set the token is permanently dead.
type CredentialToken struct {
	Token     string    `db:"token"`
	UserID    int64     `db:"user_id"`
	Used      bool      `db:"used"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

// SearchResult is one hit from the search index.
type SearchResult struct {
	PostID  int64
	Score   int
	Snippet string
}

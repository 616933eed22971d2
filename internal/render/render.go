package render

import (
	"bytes"
	"fmt"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// Markdown converts markdown bodies to sanitized HTML. It is the rendering
// collaborator the content service depends on.
type Markdown struct {
	md        goldmark.Markdown
	sanitizer *bluemonday.Policy
}

// NewMarkdown creates a renderer with GFM extensions and a UGC sanitizer
// policy. Raw HTML passes through goldmark untouched so that bluemonday
// is the single place dangerous markup is removed; escaping it upstream
// would leave script bodies behind as visible text.
func NewMarkdown() *Markdown {
	return &Markdown{
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithUnsafe()),
		),
		sanitizer: bluemonday.UGCPolicy(),
	}
}

// Render converts the markdown source to sanitized HTML.
func (m *Markdown) Render(source string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(source), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return m.sanitizer.Sanitize(buf.String()), nil
}

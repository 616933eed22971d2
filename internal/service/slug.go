package service

import "strings"

// Slugify derives a URL slug from a title: lower-cased, runs of anything
// outside [a-z0-9] become single dashes, leading and trailing dashes are
// trimmed. An empty result falls back to "post".
func Slugify(title string) string {
	var b strings.Builder
	lastDash := true // suppress a leading dash
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	slug := strings.TrimSuffix(b.String(), "-")
	if slug == "" {
		return "post"
	}
	return slug
}

// readingTimeWPM is the assumed reading speed for the estimate.
const readingTimeWPM = 200

// ReadingTime estimates reading time in whole minutes, never below 1.
func ReadingTime(markdown string) int {
	words := len(strings.Fields(markdown))
	minutes := (words + readingTimeWPM - 1) / readingTimeWPM
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

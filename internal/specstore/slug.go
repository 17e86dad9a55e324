package specstore

import (
	"strings"
	"unicode"
)

const maxSlugLen = 50

// SanitizeSlug turns free text into a lowercase, hyphenated, path-safe slug of
// at most 50 characters. It returns "" when nothing usable remains.
func SanitizeSlug(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		switch {
		case r == ' ' || r == '_' || r == '-':
			b.WriteRune('-')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	slug := b.String()
	for strings.Contains(slug, "--") {
		slug = strings.ReplaceAll(slug, "--", "-")
	}
	slug = strings.Trim(slug, "-")
	if runes := []rune(slug); len(runes) > maxSlugLen {
		slug = strings.TrimRight(string(runes[:maxSlugLen]), "-")
	}
	return slug
}

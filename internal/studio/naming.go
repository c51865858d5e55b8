package studio

import (
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// maxSlugLen bounds the readable part of a generated session id.
const maxSlugLen = 32

// fillerWords are dropped from slugs.
var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "and": true, "or": true,
	"to": true, "in": true, "on": true, "for": true, "about": true, "with": true,
}

// SessionName derives a session id from a free-text hint such as the idea:
// a lowercase slug of its significant words plus a short random suffix.
// Hints without usable words yield a plain UUID.
func SessionName(hint string) string {
	suffix := strings.SplitN(uuid.NewString(), "-", 2)[0][:6]
	slug := Slug(hint)
	if slug == "" {
		return uuid.NewString()
	}
	return slug + "-" + suffix
}

// Slug lowercases s, keeps letters and digits, drops filler words and joins
// the rest with dashes, cutting at a word boundary.
func Slug(s string) string {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var b strings.Builder
	for _, w := range words {
		if fillerWords[w] || !isASCII(w) {
			continue
		}
		if b.Len() > 0 && b.Len()+1+len(w) > maxSlugLen {
			break
		}
		if b.Len() == 0 && len(w) > maxSlugLen {
			w = w[:maxSlugLen]
		}
		if b.Len() > 0 {
			b.WriteByte('-')
		}
		b.WriteString(w)
	}
	return b.String()
}

func isASCII(s string) bool {
	for _, r := range s {
		if r > unicode.MaxASCII {
			return false
		}
	}
	return true
}

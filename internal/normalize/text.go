package normalize

import (
	"html"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
	postalRe = regexp.MustCompile(`\b\d{4}\s?[A-Z]{2}\b|\d+`)
)

var folder = cases.Fold()

// CleanText decodes HTML entities, strips tags, collapses whitespace and
// returns the NFC form.
func CleanText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(s)
	s = tagRe.ReplaceAllString(s, " ")
	s = html.UnescapeString(s)
	s = spaceRe.ReplaceAllString(s, " ")
	return norm.NFC.String(strings.TrimSpace(s))
}

// FoldName reduces a display name to its comparison key: case folded,
// diacritics removed, punctuation turned into spaces.
//
//	"Bakkal Ali’s Café" -> "bakkal ali s cafe"
func FoldName(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	stripped = folder.String(stripped)

	var b strings.Builder
	b.Grow(len(stripped))
	for _, r := range stripped {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte(' ')
		}
	}
	return strings.TrimSpace(spaceRe.ReplaceAllString(b.String(), " "))
}

// LocalityToken derives the locality component of event buckets. The scope
// city wins; otherwise the last address segment that is not just a postal
// code or a country is used.
func LocalityToken(city, address string) string {
	if key := FoldName(city); key != "" {
		return key
	}
	parts := strings.Split(address, ",")
	if len(parts) >= 3 {
		parts = parts[:len(parts)-1]
	}
	for i := len(parts) - 1; i >= 0; i-- {
		if key := FoldName(postalRe.ReplaceAllString(parts[i], " ")); key != "" {
			return key
		}
	}
	return ""
}

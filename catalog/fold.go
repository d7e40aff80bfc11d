package catalog

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldChain strips combining marks after canonical decomposition, turning
// "ż" into "z" and "ó" into "o".
var foldChain = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases a string and strips Polish diacritics so that search
// matches regardless of accents. The stroked l does not decompose under
// NFD and is mapped by hand.
func Fold(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case 'ł':
			return 'l'
		case 'Ł':
			return 'L'
		}
		return r
	}, s)

	folded, _, err := transform.String(foldChain, s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return strings.ToLower(strings.TrimSpace(folded))
}

// Slugify derives a URL slug from a display name: folded, lowercased,
// non-alphanumeric runs collapsed to single dashes.
func Slugify(name string) string {
	folded := Fold(name)
	var b strings.Builder
	b.Grow(len(folded))
	dash := false
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}
	return b.String()
}

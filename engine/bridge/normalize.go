package bridge

import (
	"strings"
	"unicode"
)

// synonyms unifies raw names the extractor may phrase differently into one
// normalized form. The table is data, not code, so a new synonym can be
// added without touching the normalization logic.
var synonyms = map[string]string{
	"soft-serve machine": "ice cream machine",
	"soft serve machine": "ice cream machine",
	"fry station":        "fryer",
	"deep fryer":         "fryer",
	"walk in cooler":     "walk-in cooler",
	"walk in freezer":    "walk-in freezer",
	"grill station":      "grill",
	"flat top grill":     "grill",
	"food safety log":    "haccp log",
	"cleaning log":       "sanitation log",
}

// leadingArticles are stripped from the front of a normalized name.
var leadingArticles = map[string]bool{"the": true, "a": true, "an": true}

// NormalizeName lowercases, collapses whitespace, strips punctuation
// except -, /, ., trims a leading article, then folds the result through
// the synonym table.
func NormalizeName(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))

	var b strings.Builder
	prevSpace := false
	for _, r := range lower {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			prevSpace = true
		case r == '-' || r == '/' || r == '.' || unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevSpace = false
		default:
			// punctuation other than -, /, . is dropped entirely, not
			// replaced with a space, so "don't" -> "dont" not "don t".
		}
	}
	normalized := strings.TrimSpace(b.String())

	fields := strings.SplitN(normalized, " ", 2)
	if len(fields) == 2 && leadingArticles[fields[0]] {
		normalized = fields[1]
	}

	if syn, ok := synonyms[normalized]; ok {
		return syn
	}
	return normalized
}

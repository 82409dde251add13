package resolver

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// legalSuffixes are trailing corporate designators stripped during
// canonicalization, lowercase without punctuation.
var legalSuffixes = map[string]bool{
	"inc":          true,
	"llc":          true,
	"corp":         true,
	"co":           true,
	"ltd":          true,
	"incorporated": true,
	"corporation":  true,
}

var titleCaser = cases.Title(language.AmericanEnglish)

// NormalizeName canonicalizes a franchisor name: unicode NFKC, punctuation
// folded to spaces, whitespace collapsed, trailing legal suffixes stripped,
// then title-cased. "Acme Burgers, LLC" and "Acme Burgers LLC" normalize
// identically.
func NormalizeName(name string) string {
	s := norm.NFKC.String(name)

	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', ',', '\'', '"', '(', ')', '&', '/':
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}

	words := strings.Fields(strings.ToLower(b.String()))

	// Strip legal suffixes from the end, repeatedly ("Co Inc" etc.).
	for len(words) > 1 && legalSuffixes[words[len(words)-1]] {
		words = words[:len(words)-1]
	}

	return titleCaser.String(strings.Join(words, " "))
}

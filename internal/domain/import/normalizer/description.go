package normalizer

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	spacePattern = regexp.MustCompile(`\s+`)
	// dd/mm, dd-mm-yyyy, yyyy.mm.dd and similar
	datePattern = regexp.MustCompile(`\b\d{1,4}[/.\-]\d{1,2}(?:[/.\-]\d{1,4})?\b`)
	// any token carrying a digit: card numbers, terminal ids, "ref123"
	referencePattern = regexp.MustCompile(`\S*\d\S*`)
)

// stopWords are dropped from normalized descriptions. Articles and
// prepositions in the languages banks we see export in, plus the payment
// channel prefixes statements put in front of the merchant.
var stopWords = map[string]bool{
	// en
	"the": true, "and": true, "of": true, "to": true, "at": true, "in": true, "on": true, "for": true, "a": true,
	"ref": true, "reference": true, "pos": true, "card": true, "purchase": true, "payment": true,
	// pt
	"de": true, "da": true, "do": true, "das": true, "dos": true, "e": true, "em": true, "para": true,
	"compra": true, "compras": true, "pagamento": true, "pag": true, "trf": true, "transf": true,
	// es
	"del": true, "la": true, "el": true, "y": true, "con": true,
	// fr, de
	"le": true, "les": true, "du": true, "des": true, "der": true, "die": true, "und": true,
	// card schemes
	"visa": true, "mastercard": true, "maestro": true,
}

var diacritics = runes.Remove(runes.In(unicode.Mn))

// CleanDescription trims and collapses whitespace without changing content.
func CleanDescription(s string) string {
	return strings.TrimSpace(spacePattern.ReplaceAllString(s, " "))
}

// NormalizeDescription derives the rule-matching key of a description:
// lowercased, without diacritics, dates, reference numbers or stop-words,
// reduced to letters separated by single spaces.
func NormalizeDescription(s string) string {
	s = strings.ToLower(s)
	s = StripDiacritics(s)
	s = datePattern.ReplaceAllString(s, " ")
	s = referencePattern.ReplaceAllString(s, " ")

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return ' '
	}, s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// StripDiacritics removes combining marks, so "Crédito" becomes "Credito".
func StripDiacritics(s string) string {
	t := transform.Chain(norm.NFD, diacritics, norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// Package normalize folds query text into the form the index stores: lower
// case and, unless the text carries CJK characters, transliterated to ASCII.
package normalize

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mozillazg/go-unidecode"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/Adithya-Monish-Kumar-K/search-query-compiler/internal/tokenizer"
)

// unknownMarker is what the transliteration tables emit for code points they
// have no mapping for.
const unknownMarker = "[?]"

// String lowercases text and, when it contains no CJK character,
// transliterates it to ASCII. Characters without a transliteration are
// dropped. The result is stable under a second application.
func String(text string) string {
	lowered := strings.ToLower(text)
	if strings.IndexFunc(lowered, tokenizer.IsCJK) >= 0 {
		return lowered
	}
	if isASCII(lowered) {
		return lowered
	}

	// Chained transformers keep state, so each call builds its own.
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, lowered)
	if err != nil {
		folded = lowered
	}

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if r < utf8.RuneSelf {
			b.WriteRune(r)
			continue
		}
		b.WriteString(transliterate(r))
	}
	return strings.ToLower(b.String())
}

func transliterate(r rune) string {
	out := unidecode.Unidecode(string(r))
	out = strings.ReplaceAll(out, unknownMarker, "")
	if !isASCII(out) {
		return ""
	}
	return out
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

// Package tokenizer splits text into words. Query splitting keeps the
// caller's spelling so each word can be normalized separately; CJK
// ideographs and kana always form single-character words.
package tokenizer

import (
	"strings"
	"unicode"
)

var cjk = &unicode.RangeTable{
	R16: []unicode.Range16{
		{Lo: 0x2e80, Hi: 0x2eff, Stride: 1},
		{Lo: 0x2f00, Hi: 0x2fdf, Stride: 1},
		{Lo: 0x3000, Hi: 0x303f, Stride: 1},
		{Lo: 0x3040, Hi: 0x309f, Stride: 1},
		{Lo: 0x30a0, Hi: 0x30ff, Stride: 1},
		{Lo: 0x3100, Hi: 0x312f, Stride: 1},
		{Lo: 0x3200, Hi: 0x32ff, Stride: 1},
		{Lo: 0x3400, Hi: 0x4dbf, Stride: 1},
		{Lo: 0x4e00, Hi: 0x9fff, Stride: 1},
		{Lo: 0xac00, Hi: 0xd7af, Stride: 1},
		{Lo: 0xf900, Hi: 0xfaff, Stride: 1},
	},
}

// Token represents a single word and its position in the original text.
type Token struct {
	Term     string
	Position int
}

// IsCJK reports whether r belongs to the CJK blocks the engine indexes
// character by character.
func IsCJK(r rune) bool {
	return unicode.Is(cjk, r)
}

// AllCJK reports whether every character of s is CJK. The empty string is
// not considered CJK.
func AllCJK(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !IsCJK(r) {
			return false
		}
	}
	return true
}

// SplitQuery breaks a query into words on any character that is not a
// letter, digit or combining mark.
func SplitQuery(text string) []string {
	words := make([]string, 0, 4)
	start := -1
	for i, r := range text {
		switch {
		case IsCJK(r) && !isSeparator(r):
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
			words = append(words, string(r))
		case isSeparator(r):
			if start >= 0 {
				words = append(words, text[start:i])
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		words = append(words, text[start:])
	}
	return words
}

// CountWords returns the number of words SplitQuery would produce.
func CountWords(text string) int {
	return len(SplitQuery(text))
}

// Tokenize lowercases text and returns its words with their positions.
func Tokenize(text string) []Token {
	words := SplitQuery(strings.ToLower(text))
	tokens := make([]Token, 0, len(words))
	for pos, word := range words {
		tokens = append(tokens, Token{
			Term:     word,
			Position: pos,
		})
	}
	return tokens
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsMark(r)
}

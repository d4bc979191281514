package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []string
	}{
		{"simple", "new york", []string{"new", "york"}},
		{"keeps case", "New York", []string{"New", "York"}},
		{"trailing space", "new york ", []string{"new", "york"}},
		{"punctuation", "hello, world!", []string{"hello", "world"}},
		{"digits", "iphone 12 pro", []string{"iphone", "12", "pro"}},
		{"accents stay in word", "café crème", []string{"café", "crème"}},
		{"cjk per character", "東京", []string{"東", "京"}},
		{"mixed cjk and latin", "tokyo東京", []string{"tokyo", "東", "京"}},
		{"cjk punctuation separates", "東、京", []string{"東", "京"}},
		{"empty", "", []string{}},
		{"only separators", " ,;- ", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitQuery(tt.input))
		})
	}
}

func TestCountWords(t *testing.T) {
	assert.Equal(t, 2, CountWords("new york"))
	assert.Equal(t, 1, CountWords("ny"))
	assert.Equal(t, 0, CountWords("   "))
}

func TestAllCJK(t *testing.T) {
	assert.True(t, AllCJK("東京"))
	assert.True(t, AllCJK("ひらがな"))
	assert.False(t, AllCJK("東京 tower"))
	assert.False(t, AllCJK("yo"))
	assert.False(t, AllCJK(""))
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("The Quick, brown FOX")
	assert.Equal(t, []Token{
		{Term: "the", Position: 0},
		{Term: "quick", Position: 1},
		{Term: "brown", Position: 2},
		{Term: "fox", Position: 3},
	}, tokens)
}

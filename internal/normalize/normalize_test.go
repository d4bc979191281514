package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"CAFÉ", "cafe"},
		{"Crème Brûlée", "creme brulee"},
		{"naïve", "naive"},
		{"straße", "strasse"},
		{"Москва", "moskva"},
		{"new york", "new york"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.input))
		})
	}
}

func TestStringLeavesCJKUntransliterated(t *testing.T) {
	assert.Equal(t, "東京", String("東京"))
	assert.Equal(t, "東京 tower", String("東京 TOWER"))
	assert.Equal(t, "café 東京", String("Café 東京"))
}

func TestStringIsIdempotent(t *testing.T) {
	inputs := []string{"CAFÉ", "Ærøskøbing", "東京", "Ünïcödé wörds", "plain ascii", "½ price", "Москва"}
	for _, input := range inputs {
		once := String(input)
		assert.Equal(t, once, String(once), "input %q", input)
	}
}

func TestStringOutputIsASCIIWithoutCJK(t *testing.T) {
	for _, input := range []string{"Ærøskøbing", "Ünïcödé", "Ελληνικά"} {
		assert.True(t, isASCII(String(input)), "input %q", input)
	}
}

package utils

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "ok", 10, "ok"},
		{"exact", "abcde", 5, "abcde"},
		{"ascii", "abcdef", 3, "abc"},
		{"backs off to rune start", "aОшибка", 2, "a"},
		{"keeps whole rune", "aОшибка", 3, "aО"},
		{"zero limit", "abc", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestTruncate_CyrillicBodyStaysValid(t *testing.T) {
	body := strings.Repeat("x", 499) + "Ошибка"

	got := Truncate(body, 500)

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", 499), got)
}

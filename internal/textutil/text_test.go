package textutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "  make me   a logo ", "make me a logo"},
		{"html", "<p>Here is <b>your</b> ad</p><script>x()</script>", "Here is your ad"},
		{"entities", "Fish &amp; Chips", "Fish & Chips"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PlainText(tt.in))
		})
	}
}

func TestWindow(t *testing.T) {
	texts := []string{"one", "", "two", "<i>three</i>"}
	assert.Equal(t, []string{"two", "three"}, Window(texts, 2))
	assert.Equal(t, []string{"one", "two", "three"}, Window(texts, 10))
	assert.Nil(t, Window(texts, 0))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "Summer sale…", Truncate("Summer sale banner for shoes", 14))
}

package helpers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{"shorter than max", "hello", 10, "hello"},
		{"exactly max", "hello", 5, "hello"},
		{"longer than max", "hello world", 5, "hello…"},
		{"zero max returns unchanged", "hello", 0, "hello"},
		{"multibyte runes", "héllo wörld", 5, "héllo…"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, TruncateText(tc.input, tc.max))
		})
	}
}

func TestCleanBody(t *testing.T) {
	body := "Sounds good, see you then.\n\n> On Tuesday you wrote:\n> can we meet?\n\n-- \nJohn Doe\nACME Corp"
	cleaned := CleanBody(body)
	assert.Equal(t, "Sounds good, see you then.", cleaned)
}

func TestCleanBodyCollapsesBlankRuns(t *testing.T) {
	cleaned := CleanBody("a\n\n\n\n\nb")
	assert.Equal(t, "a\n\nb", cleaned)
}

func TestSnippet(t *testing.T) {
	s := Snippet("line one\nline   two\n\nline three", 100)
	assert.Equal(t, "line one line two line three", s)
}

func TestExtractAddress(t *testing.T) {
	tests := []struct {
		header   string
		expected string
	}{
		{"John Doe <John@Example.com>", "john@example.com"},
		{"jane@example.com", "jane@example.com"},
		{"<bob@example.com>", "bob@example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.expected, ExtractAddress(tc.header), "header %q", tc.header)
	}
}

func TestAddressDomain(t *testing.T) {
	assert.Equal(t, "example.com", AddressDomain("Jane <jane@example.com>"))
	assert.Equal(t, "", AddressDomain("not-an-address"))
}

func TestSanitizeUTF8(t *testing.T) {
	assert.Equal(t, "ab", SanitizeUTF8("a\x00b"))
	assert.Equal(t, "clean", SanitizeUTF8("clean"))
}

package helpers

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	quotedLineRE = regexp.MustCompile(`(?m)^>.*$`)
	signatureRE  = regexp.MustCompile(`(?s)\n-- \n.*$`)
	blankRunsRE  = regexp.MustCompile(`\n{3,}`)
	whitespaceRE = regexp.MustCompile(`[ \t]+`)
)

// TruncateText shortens s to at most max runes, appending an ellipsis when
// anything was cut. max <= 0 returns s unchanged.
func TruncateText(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}

// CleanBody normalizes an email body for indexing and prompting: quoted reply
// lines and trailing signatures are stripped, runs of blank lines collapsed.
func CleanBody(body string) string {
	if body == "" {
		return ""
	}
	body = quotedLineRE.ReplaceAllString(body, "")
	body = signatureRE.ReplaceAllString(body, "")
	body = blankRunsRE.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}

// Snippet returns a single-line preview of body, collapsed to max runes.
func Snippet(body string, max int) string {
	s := strings.Join(strings.Fields(body), " ")
	s = whitespaceRE.ReplaceAllString(s, " ")
	return TruncateText(s, max)
}

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL text columns do not allow NULL bytes even though they are valid
// UTF-8, so everything headed for the store passes through here.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

package helpers

import (
	"strings"
	"unicode/utf8"
)

// SanitizeUTF8 drops invalid UTF-8 sequences and NUL bytes. Postgres text
// columns reject NUL, and mail headers must not carry either.
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

package helpers

import (
	"strings"
)

// PrefixSubject returns subject with "prefix: " in front, unless it already
// starts with prefix or one of aliases, so repeated auto-replies and forwards
// do not stack "Fwd: Fwd: ". Counted forms such as "Fwd[2]:" count as present.
func PrefixSubject(prefix, subject string, aliases ...string) string {
	subject = strings.TrimSpace(subject)
	for _, p := range append([]string{prefix}, aliases...) {
		if hasSubjectPrefix(subject, p) {
			return subject
		}
	}
	if subject == "" {
		return prefix + ":"
	}
	return prefix + ": " + subject
}

// hasSubjectPrefix matches "P:", "P[n]:" and "P(n):" case-insensitively.
func hasSubjectPrefix(s, p string) bool {
	if len(s) <= len(p) || !strings.EqualFold(s[:len(p)], p) {
		return false
	}
	rest := s[len(p):]
	switch rest[0] {
	case ':':
		return true
	case '[', '(':
		closeChar := byte(']')
		if rest[0] == '(' {
			closeChar = ')'
		}
		idx := strings.IndexByte(rest, closeChar)
		return idx > 1 && idx+1 < len(rest) && rest[idx+1] == ':'
	}
	return false
}

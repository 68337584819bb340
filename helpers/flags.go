package helpers

import "strings"

// SplitFlags splits a comma separated flag string into its tokens, dropping
// empty entries.
func SplitFlags(flags string) []string {
	if flags == "" {
		return nil
	}
	parts := strings.Split(flags, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// HasFlag reports whether token is present in flags. Comparison is case-insensitive.
func HasFlag(flags, token string) bool {
	for _, f := range SplitFlags(flags) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

// AddFlag appends token to flags unless it is already present.
func AddFlag(flags, token string) string {
	if HasFlag(flags, token) {
		return flags
	}
	existing := SplitFlags(flags)
	return strings.Join(append(existing, token), ",")
}

// RemoveFlag drops every occurrence of token.
func RemoveFlag(flags, token string) string {
	existing := SplitFlags(flags)
	kept := existing[:0]
	for _, f := range existing {
		if !strings.EqualFold(f, token) {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, ",")
}

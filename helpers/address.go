package helpers

import (
	"net/mail"
	"strings"
)

// SplitEmailAddress returns the lowercased local part and domain of an address.
// Addresses without an @ return an empty domain.
func SplitEmailAddress(email string) (string, string) {
	email = strings.ToLower(email)
	local, domain, found := strings.Cut(email, "@")
	if !found {
		return local, ""
	}
	return local, domain
}

// NormalizeAddress extracts the bare address from a header value such as
// `"Jane" <jane@example.com>` and lowercases it. Values that do not parse are
// trimmed and lowercased as-is.
func NormalizeAddress(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(value); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.ToLower(strings.Trim(value, "<>"))
}

// ValidAddress reports whether value is a single parseable RFC 5322 address
// with a domain part.
func ValidAddress(value string) bool {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return false
	}
	_, domain := SplitEmailAddress(addr.Address)
	return domain != ""
}

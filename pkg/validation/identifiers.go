package validation

import "strings"

// IsIdentifierChar reports whether ch may appear in a server id or connector
// name: ASCII letters, digits, hyphen and underscore.
func IsIdentifierChar(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch == '-' || ch == '_'
}

// IsIdentifier reports whether s is a non-empty identifier.
func IsIdentifier(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return !IsIdentifierChar(r) }) < 0
}

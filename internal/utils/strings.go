// Package utils provides small string helpers shared by the ledger client and the CLI.
package utils

import "unicode/utf8"

// MaskKey hides an API key for logging, keeping the first 4 and last 4 characters
// of keys long enough to stay unguessable.
func MaskKey(key string) string {
	if key == "" {
		return "(none)"
	}
	if len(key) < 12 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// Truncate shortens s to at most n bytes, marking the cut with "...". The cut
// backs off to a rune boundary.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

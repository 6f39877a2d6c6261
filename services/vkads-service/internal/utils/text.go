// Package utils holds small text helpers shared by the clients and models.
package utils

import "unicode/utf8"

// Truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

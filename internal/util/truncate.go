// Package util holds small helpers for log output.
package util

import (
	"fmt"
	"unicode/utf8"
)

// DefaultLogMaxLen bounds tool payloads and upstream error bodies in logs.
const DefaultLogMaxLen = 1024

// TruncateLog shortens s to at most maxLen bytes without splitting a UTF-8
// sequence, noting the original size.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is TruncateLog over a response body with DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}

// MaskSecret keeps only the last four characters of a token or key.
func MaskSecret(s string) string {
	if len(s) <= 8 {
		return "****"
	}
	return "****" + s[len(s)-4:]
}

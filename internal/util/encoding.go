package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize folds compatibility characters (NFKC) and trims surrounding space.
func Normalize(s string) string {
	return strings.TrimSpace(norm.NFKC.String(s))
}

// NormalizeEmail returns the canonical, case-folded form of an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(Normalize(email))
}

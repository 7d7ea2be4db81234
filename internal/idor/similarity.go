package idor

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Similarity is the matching-block ratio of a and b over their characters,
// in [0, 1]. Characters filling more than 1% of a body of 200 or more
// characters count as junk, which keeps large pages near linear.
func Similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return difflib.NewMatcher(strings.Split(a, ""), strings.Split(b, "")).Ratio()
}

package policy

import "strings"

// Match reports whether value matches an IAM-style wildcard pattern, where '*'
// matches any run of characters and '?' matches exactly one. Matching is
// case-insensitive, like IAM action matching.
func Match(pattern, value string) bool {
	p := strings.ToLower(pattern)
	v := strings.ToLower(value)

	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case pi < len(p) && p[pi] == '*':
			star = pi
			mark = vi
			pi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// Overlaps reports whether either string, read as a pattern, matches the other.
// Used where both sides may carry wildcards (policy actions vs. blind-spot list).
func Overlaps(a, b string) bool {
	return Match(a, b) || Match(b, a)
}

// MatchAny reports whether value overlaps any of the patterns.
func MatchAny(value string, patterns []string) bool {
	for _, p := range patterns {
		if Overlaps(value, p) {
			return true
		}
	}
	return false
}

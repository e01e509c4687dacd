// Package strings holds small slice helpers for request normalization.
package strings

import "strings"

// DedupeAndTrim trims each value and drops blanks and repeats, keeping the
// first occurrence. Comparison is case-sensitive.
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

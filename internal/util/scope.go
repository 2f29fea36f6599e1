package util

import (
	"slices"
	"strings"
)

// SplitScope splits a space-delimited scope string, dropping empty entries
// and duplicates while keeping the first occurrence order.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	out := fields[:0]
	for _, f := range fields {
		if !slices.Contains(out, f) {
			out = append(out, f)
		}
	}
	return out
}

// JoinScope joins scopes into a space-delimited string.
func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// NormalizeScope rewrites a scope string with single spaces and no duplicates.
func NormalizeScope(scope string) string {
	return JoinScope(SplitScope(scope))
}

// ScopeSubset reports whether every scope in requested is also in granted.
// An empty request is always a subset.
func ScopeSubset(requested, granted string) bool {
	have := SplitScope(granted)
	for _, s := range SplitScope(requested) {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

// ScopeAllowed reports whether every requested scope appears in allowed.
// An empty allowed list permits any scope.
func ScopeAllowed(requested string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, s := range SplitScope(requested) {
		if !slices.Contains(allowed, s) {
			return false
		}
	}
	return true
}

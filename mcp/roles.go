package mcp

import "strings"

// MatchPattern reports whether a tool name matches one role pattern. "*"
// matches everything, "prefix*" matches by prefix, anything else is an
// exact match.
func MatchPattern(pattern, name string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == name
}

// Allowed reports whether any pattern matches the tool name.
func Allowed(patterns []string, name string) bool {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return true
		}
	}
	return false
}

// FilterTools returns the subset of tools visible under the given
// patterns.
func FilterTools(patterns []string, tools []Tool) []Tool {
	for _, p := range patterns {
		if p == "*" {
			return tools
		}
	}
	out := make([]Tool, 0, len(tools))
	for _, t := range tools {
		if Allowed(patterns, t.Name) {
			out = append(out, t)
		}
	}
	return out
}

package materialize

import "path/filepath"

// MatchesPattern checks if a field path matches a pattern (supports *
// wildcards). A trailing * matches any suffix; other patterns follow
// filepath.Match semantics.
func MatchesPattern(fieldPath, pattern string) bool {
	if fieldPath == pattern {
		return true
	}

	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(fieldPath) >= len(prefix) && fieldPath[:len(prefix)] == prefix
	}

	matched, err := filepath.Match(pattern, fieldPath)
	if err != nil {
		return false
	}
	return matched
}

package rule

import "strings"

// Match reports whether path matches pattern. A pattern matches by exact
// equality, or, when it ends in "*", by sharing the pattern's fixed prefix.
// No other wildcard positions are recognized.
func Match(pattern, path string) bool {
	if pattern == path {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return false
}

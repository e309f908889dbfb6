package routing

import "strings"

// pathMatcher matches "/" separated resource paths against a pattern.
// Patterns support:
//   - Exact match: "features/temp" matches only "features/temp"
//   - Single-level wildcard (+): "features/+" matches "features/temp", "features/hum"
//   - Multi-level wildcard (#): "features/#" matches "features/temp/properties/value"
//
// Leading and trailing slashes are ignored on both sides.
type pathMatcher struct {
	segments []string
}

func newPathMatcher(pattern string) *pathMatcher {
	return &pathMatcher{segments: splitPath(pattern)}
}

func (m *pathMatcher) matches(path string) bool {
	return matchSegments(m.segments, splitPath(path))
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func matchSegments(pattern, path []string) bool {
	pi, ti := 0, 0

	for pi < len(pattern) && ti < len(path) {
		switch pattern[pi] {
		case "#":
			return true
		case "+":
			pi++
			ti++
		default:
			if pattern[pi] != path[ti] {
				return false
			}
			pi++
			ti++
		}
	}

	if pi == len(pattern) && ti == len(path) {
		return true
	}

	// A trailing # also matches its parent.
	return pi == len(pattern)-1 && pattern[pi] == "#"
}

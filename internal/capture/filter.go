package capture

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter decides which request paths are never captured.
//
// Patterns come in three shapes:
//   - exact: "/health"
//   - prefix: "/static/" or "/static/*" (everything below /static/)
//   - wildcard: "/api/*/debug", "/**/metrics" (doublestar syntax)
type Filter struct {
	exact    map[string]struct{}
	prefixes []string
	globs    []string
}

// NewFilter compiles the exclusion patterns. Invalid glob patterns are
// ignored here; config validation rejects them earlier.
func NewFilter(patterns []string) *Filter {
	f := &Filter{exact: make(map[string]struct{})}
	for _, raw := range patterns {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		switch {
		case strings.HasSuffix(p, "/"):
			f.prefixes = append(f.prefixes, p)
		case strings.HasSuffix(p, "/*") && !hasMeta(p[:len(p)-1]):
			f.prefixes = append(f.prefixes, p[:len(p)-1])
		case hasMeta(p):
			if doublestar.ValidatePattern(p) {
				f.globs = append(f.globs, p)
			}
		default:
			f.exact[p] = struct{}{}
		}
	}
	return f
}

// Excluded reports whether path matches any exclusion pattern.
func (f *Filter) Excluded(path string) bool {
	if f == nil {
		return false
	}
	if path == "" {
		path = "/"
	}
	if _, ok := f.exact[path]; ok {
		return true
	}
	for _, prefix := range f.prefixes {
		if strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, "/") {
			return true
		}
	}
	for _, glob := range f.globs {
		if ok, _ := doublestar.Match(glob, path); ok {
			return true
		}
	}
	return false
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

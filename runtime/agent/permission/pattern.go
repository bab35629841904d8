package permission

import (
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// matcher compiles and caches glob patterns. Only `*` and `?` are wildcards;
// braces and brackets match literally so patterns can be written over JSON
// arguments. A backslash escapes the next character.
type matcher struct {
	cache sync.Map // pattern -> glob.Glob
}

// NormalizePattern completes a bare tool name into `name(*)` so it matches
// every invocation of the tool.
func NormalizePattern(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.Contains(p, "(") {
		return p
	}
	return p + "(*)"
}

func (m *matcher) match(pattern, resource string) bool {
	if g, ok := m.cache.Load(pattern); ok {
		return g.(glob.Glob).Match(resource)
	}
	g, err := glob.Compile(escapePattern(pattern))
	if err != nil {
		return false
	}
	m.cache.Store(pattern, g)
	return g.Match(resource)
}

func escapePattern(p string) string {
	var b strings.Builder
	b.Grow(len(p) + 8)
	escaped := false
	for _, r := range p {
		switch {
		case escaped:
			b.WriteString(glob.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '*' || r == '?':
			b.WriteRune(r)
		default:
			b.WriteString(glob.QuoteMeta(string(r)))
		}
	}
	if escaped {
		b.WriteString(glob.QuoteMeta(`\`))
	}
	return b.String()
}

package discover

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// Matcher tests URLs against a set of shell-glob exclusion patterns. Patterns
// are matched against path+query+fragment; '*' and '?' do not cross '/'.
type Matcher struct {
	patterns []string
	globs    []glob.Glob
}

// NewMatcher compiles every non-empty pattern.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, raw := range patterns {
		pattern := strings.TrimSpace(raw)
		if pattern == "" {
			continue
		}
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return nil, fmt.Errorf("compile exclude pattern %q: %w", pattern, err)
		}
		m.patterns = append(m.patterns, pattern)
		m.globs = append(m.globs, g)
	}
	return m, nil
}

// Patterns returns the compiled patterns in configuration order.
func (m *Matcher) Patterns() []string {
	if m == nil {
		return nil
	}
	return append([]string(nil), m.patterns...)
}

// Excluded reports whether rawURL matches any pattern. URLs that fail to parse
// are treated as excluded.
func (m *Matcher) Excluded(rawURL string) bool {
	if m == nil || len(m.globs) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	target := matchTarget(u)
	for _, g := range m.globs {
		if g.Match(target) {
			return true
		}
	}
	return false
}

func matchTarget(u *url.URL) string {
	var b strings.Builder
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	b.WriteString(path)
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.EscapedFragment())
	}
	return b.String()
}

package router

import (
	"fmt"
	"regexp"
	"strings"
)

// compiledPattern is the anchored regexp produced from a RouteDefinition's
// URL pattern, plus the bookkeeping resolve needs to build RouteParams.
type compiledPattern struct {
	regex        *regexp.Regexp
	catchAllName string // set when the pattern ends in {*name}
}

var placeholderName = regexp.MustCompile(`^\{(\*?)([A-Za-z_][A-Za-z0-9_]*)\}$`)

// compilePattern turns "{name}" into a single-segment capture and
// "{*name}" into a remainder capture, anchoring the whole pattern, per
// spec.md §4.1's pattern language. Compilation errors are reported to the
// caller so Register can turn them into a fatal registration error.
func compilePattern(pattern string) (compiledPattern, error) {
	if pattern == "" || !strings.HasPrefix(pattern, "/") {
		return compiledPattern{}, fmt.Errorf("router: pattern %q must start with /", pattern)
	}

	segments := strings.Split(strings.TrimPrefix(pattern, "/"), "/")
	var sb strings.Builder
	sb.WriteString(`^/`)
	var catchAllName string

	for i, seg := range segments {
		m := placeholderName.FindStringSubmatch(seg)

		if m != nil && m[1] == "*" {
			if i != len(segments)-1 {
				return compiledPattern{}, fmt.Errorf("router: pattern %q: {*name} must be the final segment", pattern)
			}
			catchAllName = m[2]
			// The slash that would otherwise separate this segment from the
			// previous one is folded into the group so a request path with
			// zero trailing segments (spec.md §8's boundary case) still
			// matches, with the captured remainder empty.
			if i > 0 {
				sb.WriteString(fmt.Sprintf(`(?:/(?P<%s>.*))?`, m[2]))
			} else {
				sb.WriteString(fmt.Sprintf(`(?P<%s>.*)`, m[2]))
			}
			continue
		}

		if i > 0 {
			sb.WriteString(`/`)
		}
		if m == nil {
			sb.WriteString(regexp.QuoteMeta(seg))
		} else {
			sb.WriteString(fmt.Sprintf(`(?P<%s>[^/]+)`, m[2]))
		}
	}
	sb.WriteString(`$`)

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return compiledPattern{}, fmt.Errorf("router: pattern %q failed to compile: %w", pattern, err)
	}
	return compiledPattern{regex: re, catchAllName: catchAllName}, nil
}

// match reports whether path satisfies the pattern, returning named
// captures keyed by placeholder name.
func (c compiledPattern) match(path string) (map[string]string, bool) {
	m := c.regex.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	params := make(map[string]string, len(c.regex.SubexpNames())-1)
	for i, name := range c.regex.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		params[name] = m[i]
	}
	return params, true
}

package bank

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Matcher matches slash-separated bank-relative paths against glob
// patterns in gitignore syntax: "*" and "?" stay inside one segment, "**"
// crosses segments, a trailing "/" matches directories (and everything
// under them), a leading "/" or an inner "/" anchors to the bank root, and
// a leading "!" re-includes. The last matching pattern wins.
type Matcher struct {
	rules []rule
}

type rule struct {
	pattern  string
	re       *regexp.Regexp
	negate   bool
	dirOnly  bool
	anchored bool
}

// NewMatcher compiles patterns. Blank lines and "#" comments are skipped.
func NewMatcher(patterns []string) (*Matcher, error) {
	m := &Matcher{}
	for _, p := range patterns {
		r, ok, err := compile(p)
		if err != nil {
			return nil, err
		}
		if ok {
			m.rules = append(m.rules, r)
		}
	}
	return m, nil
}

func compile(raw string) (rule, bool, error) {
	p := strings.TrimSpace(raw)
	if p == "" || strings.HasPrefix(p, "#") {
		return rule{}, false, nil
	}

	r := rule{pattern: p}
	switch {
	case strings.HasPrefix(p, `\!`), strings.HasPrefix(p, `\#`):
		p = p[1:]
	case strings.HasPrefix(p, "!"):
		r.negate = true
		p = p[1:]
	}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimRight(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = strings.TrimLeft(p, "/")
	} else if strings.Contains(p, "/") && !strings.HasPrefix(p, "**/") {
		r.anchored = true
	}
	if p == "" {
		return rule{}, false, fmt.Errorf("pattern %q matches nothing", raw)
	}

	re, err := regexp.Compile("^" + globToRegex(p) + "$")
	if err != nil {
		return rule{}, false, fmt.Errorf("invalid pattern %q: %w", raw, err)
	}
	r.re = re
	return r, true, nil
}

// Len returns the number of compiled patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.rules)
}

// Match reports whether rel is selected by the patterns.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}
	rel = strings.Trim(path.Clean("/"+strings.ReplaceAll(rel, `\`, "/")), "/")

	matched := false
	for _, r := range m.rules {
		if r.match(rel, isDir) {
			matched = !r.negate
		}
	}
	return matched
}

func (r rule) match(rel string, isDir bool) bool {
	parts := strings.Split(rel, "/")

	// Any ancestor directory matching a pattern selects the whole subtree.
	for i := 1; i < len(parts); i++ {
		if r.matchOne(strings.Join(parts[:i], "/"), parts[i-1]) {
			return true
		}
	}
	if r.dirOnly && !isDir {
		return false
	}
	return r.matchOne(rel, parts[len(parts)-1])
}

func (r rule) matchOne(full, base string) bool {
	if r.anchored {
		return r.re.MatchString(full)
	}
	return r.re.MatchString(base) || r.re.MatchString(full)
}

// globToRegex translates one glob into a regular expression body.
func globToRegex(glob string) string {
	var b strings.Builder
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			if i+1 < len(glob) && glob[i+1] == '*' {
				switch {
				case i+2 < len(glob) && glob[i+2] == '/':
					b.WriteString("(?:.*/)?")
					i += 2
					continue
				case i == 0 || glob[i-1] == '/':
					b.WriteString(".*")
					i++
					continue
				}
			}
			b.WriteString("[^/]*")
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := strings.IndexByte(glob[i+1:], ']')
			if end < 0 {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : i+1+end]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i += end + 1
		case '\\':
			if i+1 < len(glob) {
				i++
				b.WriteString(regexp.QuoteMeta(string(glob[i])))
			} else {
				b.WriteString(`\\`)
			}
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	return b.String()
}

package dnr

import (
	"regexp"
	"strings"
)

// compileURLFilter translates urlFilter syntax ('||' domain anchor, '|' start
// or end anchor, '*' wildcard, '^' separator) into a regular expression.
func compileURLFilter(f string, caseSensitive bool) (*regexp.Regexp, error) {
	var b strings.Builder
	if !caseSensitive {
		b.WriteString("(?i)")
	}

	switch {
	case strings.HasPrefix(f, "||"):
		b.WriteString(`^[a-z][a-z0-9+.-]*://([^/?#]*\.)?`)
		f = f[2:]
	case strings.HasPrefix(f, "|"):
		b.WriteString("^")
		f = f[1:]
	}

	endAnchor := false
	if strings.HasSuffix(f, "|") {
		endAnchor = true
		f = f[:len(f)-1]
	}

	for _, r := range f {
		switch r {
		case '*':
			b.WriteString(".*")
		case '^':
			b.WriteString(`(?:[^a-zA-Z0-9_.%-]|$)`)
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	if endAnchor {
		b.WriteString("$")
	}
	return regexp.Compile(b.String())
}

// CompileRegexFilter compiles a regexFilter condition the way the table
// matches it: case-insensitive unless caseSensitive is set.
func CompileRegexFilter(f string, caseSensitive bool) (*regexp.Regexp, error) {
	if !caseSensitive {
		f = "(?i)" + f
	}
	return regexp.Compile(f)
}

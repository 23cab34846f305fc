// Package uri parses the resource URIs and URI templates that name data
// flowing between workflow nodes.
//
// A URI has an optional scheme and a path: "file:/results/1/out.txt",
// "/multiplicand", "context:/property/user". Unlike net/url, paths need not
// begin with a slash and no authority or query parsing is performed.
package uri

import (
	"path"
	"strings"
)

// URI is an immutable, parsed resource identifier.
type URI struct {
	expression string
	scheme     string
	path       string
}

// Parse splits expression into scheme and path. A leading run of scheme
// characters terminated by ':' is treated as the scheme; everything else
// is path.
func Parse(expression string) URI {
	scheme, p := splitScheme(expression)
	return URI{expression: expression, scheme: scheme, path: p}
}

// Scheme returns the URI scheme, or "" if none was given.
func (u URI) Scheme() string { return u.scheme }

// Path returns the portion of the URI following the scheme.
func (u URI) Path() string { return u.path }

// Expression returns the full URI exactly as parsed.
func (u URI) Expression() string { return u.expression }

// String returns the full URI expression.
func (u URI) String() string { return u.expression }

// Name returns the last element of the path. Trailing slashes are ignored,
// so the name of "/a/b/" is "b".
func (u URI) Name() string {
	p := strings.TrimRight(u.path, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// IsZero reports whether u is the zero URI.
func (u URI) IsZero() bool { return u.expression == "" }

// splitScheme returns the scheme and path of expression.
func splitScheme(expression string) (string, string) {
	i := strings.IndexByte(expression, ':')
	if i <= 0 {
		return "", expression
	}
	for j := 0; j < i; j++ {
		if !isSchemeChar(expression[j], j == 0) {
			return "", expression
		}
	}
	return expression[:i], expression[i+1:]
}

func isSchemeChar(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case first:
		return false
	case c >= '0' && c <= '9', c == '+', c == '-', c == '.':
		return true
	}
	return false
}

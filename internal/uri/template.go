package uri

import (
	"fmt"
	"strings"
)

// Template is a URI containing {variable} placeholders, e.g.
// "file:/run{run}/sample{id}.txt". Templates are immutable.
type Template struct {
	expression string
	scheme     string
	path       string
	segments   []segment
	variables  []string
	reduced    string
}

// segment is either literal text or a variable reference.
type segment struct {
	text     string
	variable bool
}

// ParseTemplate parses a template expression. Braces must balance and
// variable names must be non-empty.
func ParseTemplate(expression string) (*Template, error) {
	scheme, p := splitScheme(expression)
	t := &Template{expression: expression, scheme: scheme, path: p}

	seen := make(map[string]bool)
	var reduced strings.Builder
	rest := p
	for rest != "" {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			if strings.IndexByte(rest, '}') >= 0 {
				return nil, fmt.Errorf("parse template %q: unmatched '}'", expression)
			}
			t.segments = append(t.segments, segment{text: rest})
			reduced.WriteString(rest)
			break
		}
		if strings.IndexByte(rest[:open], '}') >= 0 {
			return nil, fmt.Errorf("parse template %q: unmatched '}'", expression)
		}
		if open > 0 {
			t.segments = append(t.segments, segment{text: rest[:open]})
			reduced.WriteString(rest[:open])
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("parse template %q: unterminated variable", expression)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		if name == "" || strings.ContainsAny(name, "{/") {
			return nil, fmt.Errorf("parse template %q: invalid variable name %q", expression, name)
		}
		t.segments = append(t.segments, segment{text: name, variable: true})
		reduced.WriteString("{}")
		if !seen[name] {
			seen[name] = true
			t.variables = append(t.variables, name)
		}
		rest = rest[open+end+1:]
	}
	t.reduced = reduced.String()
	return t, nil
}

// MustParseTemplate is like ParseTemplate but panics on error.
// Intended for tests and static initialization.
func MustParseTemplate(expression string) *Template {
	t, err := ParseTemplate(expression)
	if err != nil {
		panic(err)
	}
	return t
}

// Expression returns the template exactly as written.
func (t *Template) Expression() string { return t.expression }

// String returns the template expression.
func (t *Template) String() string { return t.expression }

// Scheme returns the scheme of the template, or "".
func (t *Template) Scheme() string { return t.scheme }

// Path returns the template path with placeholders intact.
func (t *Template) Path() string { return t.path }

// VariableNames returns the distinct variable names in order of first use.
func (t *Template) VariableNames() []string {
	names := make([]string, len(t.variables))
	copy(names, t.variables)
	return names
}

// VariableCount returns the number of distinct variables.
func (t *Template) VariableCount() int { return len(t.variables) }

// ReducedPath returns the path with every placeholder replaced by "{}".
// Templates that differ only in variable names share a reduced path.
func (t *Template) ReducedPath() string { return t.reduced }

// Expand substitutes bindings into the template. prefix is joined in front
// of the path and suffix is appended to it. The returned values hold the
// binding of each variable in VariableNames order.
func (t *Template) Expand(bindings map[string]any, prefix, suffix string) (URI, []any, error) {
	values := make([]any, len(t.variables))
	for i, name := range t.variables {
		v, ok := bindings[name]
		if !ok {
			return URI{}, nil, fmt.Errorf("expand template %q: no value for variable %q", t.expression, name)
		}
		values[i] = v
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.variable {
			b.WriteString(FormatValue(bindings[seg.text]))
			continue
		}
		b.WriteString(seg.text)
	}

	p := joinPrefix(prefix, b.String()) + suffix
	if t.scheme != "" {
		return Parse(t.scheme + ":" + p), values, nil
	}
	return Parse(p), values, nil
}

// FormatValue renders a bound variable value for inclusion in a path.
func FormatValue(v any) string {
	if v == nil {
		return "null"
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func joinPrefix(prefix, p string) string {
	if prefix == "" {
		return p
	}
	if p == "" {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + "/" + strings.TrimPrefix(p, "/")
}

package harness

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/provflow/internal/trace"
)

// validIdentifier matches valid SQL identifiers (table/column names).
var validIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Context  string // Export text or rows for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)
	if e.Context != "" {
		fmt.Fprintf(&buf, "\nContext:\n%s", e.Context)
	}
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the trace.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(ctx context.Context, h *Harness, tr *trace.Trace, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertRowCount:
			err = assertRowCount(ctx, tr, assertion)
		case AssertRow:
			err = assertRow(ctx, tr, assertion)
		case AssertStepCount:
			err = assertStepCount(ctx, h, tr, assertion)
		case AssertExportContains:
			err = assertExportContains(ctx, h, tr, assertion)
		case AssertExportOrder:
			err = assertExportOrder(ctx, h, tr, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func selectRows(ctx context.Context, tr *trace.Trace, a Assertion) ([]map[string]any, error) {
	if !validIdentifier.MatchString(a.Table) {
		return nil, fmt.Errorf("invalid table name %q: must match pattern %s", a.Table, validIdentifier.String())
	}
	for key := range a.Where {
		if !validIdentifier.MatchString(key) {
			return nil, fmt.Errorf("invalid column name %q in where clause: must match pattern %s", key, validIdentifier.String())
		}
	}
	return tr.Rows(ctx, a.Table, a.Where)
}

// assertRowCount checks that exactly Count rows of Table match Where.
func assertRowCount(ctx context.Context, tr *trace.Trace, a Assertion) error {
	rows, err := selectRows(ctx, tr, a)
	if err != nil {
		return err
	}
	if len(rows) != a.Count {
		return &AssertionError{
			Type:     AssertRowCount,
			Expected: fmt.Sprintf("%d rows in %s where %s", a.Count, a.Table, formatWhereClause(a.Where)),
			Actual:   fmt.Sprintf("%d rows", len(rows)),
		}
	}
	return nil
}

// assertRow checks the single row of Table matching Where against Expect
// using subset semantics.
func assertRow(ctx context.Context, tr *trace.Trace, a Assertion) error {
	rows, err := selectRows(ctx, tr, a)
	if err != nil {
		return err
	}
	whereDesc := formatWhereClause(a.Where)
	switch len(rows) {
	case 0:
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("row in %s where %s", a.Table, whereDesc),
			Actual:   "row not found",
		}
	case 1:
	default:
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("exactly one row in %s where %s", a.Table, whereDesc),
			Actual:   fmt.Sprintf("%d rows matched (assertion is ambiguous)", len(rows)),
		}
	}

	row := rows[0]
	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		expected := a.Expect[key]
		actual, exists := row[key]
		if !exists {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q not present in %s", key, a.Table),
			}
		}
		if !stateValuesEqual(expected, actual) {
			return &AssertionError{
				Type:     AssertRow,
				Expected: fmt.Sprintf("field %q = %v (type %T)", key, expected, expected),
				Actual:   fmt.Sprintf("field %q = %v (type %T)", key, actual, actual),
			}
		}
	}
	return nil
}

// assertStepCount checks the recorded step count of one node.
func assertStepCount(ctx context.Context, h *Harness, tr *trace.Trace, a Assertion) error {
	n, err := h.node(a.Node)
	if err != nil {
		return err
	}
	counts, err := tr.NodeStepCounts(ctx)
	if err != nil {
		return err
	}
	for _, c := range counts {
		if c.Node == n.QualifiedName() {
			if c.Steps != int64(a.Count) {
				return &AssertionError{
					Type:     AssertStepCount,
					Expected: fmt.Sprintf("%d steps of %s", a.Count, c.Node),
					Actual:   fmt.Sprintf("%d steps", c.Steps),
				}
			}
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertStepCount,
		Expected: fmt.Sprintf("%d steps of %s", a.Count, n.QualifiedName()),
		Actual:   "node not in trace",
	}
}

func exportLines(ctx context.Context, h *Harness, tr *trace.Trace, name string) (string, []string, error) {
	text, err := exporters[name](ctx, tr, h.meta)
	if err != nil {
		return "", nil, err
	}
	return text, strings.Split(strings.TrimRight(text, "\n"), "\n"), nil
}

// assertExportContains checks that every expected line appears in the export.
func assertExportContains(ctx context.Context, h *Harness, tr *trace.Trace, a Assertion) error {
	text, lines, err := exportLines(ctx, h, tr, a.Export)
	if err != nil {
		return err
	}
	for _, want := range a.Lines {
		if indexOf(lines, want, 0) < 0 {
			return &AssertionError{
				Type:     AssertExportContains,
				Expected: fmt.Sprintf("line %q in %s", want, a.Export),
				Actual:   "not found",
				Context:  text,
			}
		}
	}
	return nil
}

// assertExportOrder checks that the expected lines appear in order.
// Lines don't need to be consecutive (intervening lines are allowed).
func assertExportOrder(ctx context.Context, h *Harness, tr *trace.Trace, a Assertion) error {
	text, lines, err := exportLines(ctx, h, tr, a.Export)
	if err != nil {
		return err
	}
	pos := 0
	for i, want := range a.Lines {
		at := indexOf(lines, want, pos)
		if at < 0 {
			actual := "missing line"
			if indexOf(lines, want, 0) >= 0 {
				actual = fmt.Sprintf("line appears before %q", a.Lines[i-1])
			}
			return &AssertionError{
				Type:     AssertExportOrder,
				Expected: fmt.Sprintf("lines of %s in order: %q", a.Export, a.Lines),
				Actual:   fmt.Sprintf("%s: %q", actual, want),
				Context:  text,
			}
		}
		pos = at + 1
	}
	return nil
}

func indexOf(lines []string, want string, from int) int {
	for i := from; i < len(lines); i++ {
		if lines[i] == want {
			return i
		}
	}
	return -1
}

// formatWhereClause creates a human-readable description of WHERE conditions.
func formatWhereClause(where map[string]any) string {
	if len(where) == 0 {
		return "(no conditions)"
	}

	keys := make([]string, 0, len(where))
	for k := range where {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, where[k]))
	}
	return strings.Join(parts, " AND ")
}

// stateValuesEqual compares an expected YAML value with a scanned column.
// SQLite returns int64 for integers and go-sqlite3 returns bool for
// BOOLEAN columns.
func stateValuesEqual(expected, actual any) bool {
	if expected == nil || actual == nil {
		return expected == nil && actual == nil
	}

	switch exp := expected.(type) {
	case string:
		s, ok := actual.(string)
		return ok && exp == s
	case int:
		return intEqual(int64(exp), actual)
	case int64:
		return intEqual(exp, actual)
	case float64:
		switch a := actual.(type) {
		case float64:
			return exp == a
		case int64:
			return exp == float64(a)
		}
		return false
	case bool:
		switch a := actual.(type) {
		case bool:
			return exp == a
		case int64:
			return exp == (a != 0)
		}
		return false
	}
	return fmt.Sprint(expected) == fmt.Sprint(actual)
}

func intEqual(exp int64, actual any) bool {
	switch a := actual.(type) {
	case int64:
		return exp == a
	case bool:
		return (exp != 0) == a && (exp == 0 || exp == 1)
	}
	return false
}

package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runMultiplyWith runs the multiply scenario with the given assertions and
// returns the assertion errors.
func runMultiplyWith(t *testing.T, assertions ...Assertion) []string {
	t.Helper()
	s := loadTestScenario(t, "multiply")
	s.Assertions = assertions
	result, err := Run(t.Context(), s)
	require.NoError(t, err)
	return result.Errors
}

func TestAssertRowCount(t *testing.T) {
	assert.Empty(t, runMultiplyWith(t,
		Assertion{Type: AssertRowCount, Table: "Node", Count: 5},
		Assertion{Type: AssertRowCount, Table: "Port", Where: map[string]any{"PortDirection": "o"}, Count: 3},
		Assertion{Type: AssertRowCount, Table: "PacketMetadata", Count: 0},
	))

	errs := runMultiplyWith(t, Assertion{Type: AssertRowCount, Table: "Node", Count: 4})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "Expected: 4 rows in Node where (no conditions)")
	assert.Contains(t, errs[0], "Actual: 5 rows")
}

func TestAssertRow(t *testing.T) {
	assert.Empty(t, runMultiplyWith(t, Assertion{
		Type:   AssertRow,
		Table:  "Node",
		Where:  map[string]any{"NodeName": "OneShotInflowWorkflow"},
		Expect: map[string]any{"HasChildren": true, "StepCount": 1, "LocalNodeName": "OneShotInflowWorkflow"},
	}))

	tests := []struct {
		name   string
		a      Assertion
		substr string
	}{
		{
			"not found",
			Assertion{Type: AssertRow, Table: "Node", Where: map[string]any{"NodeName": "Nope"}, Expect: map[string]any{"StepCount": 1}},
			"row not found",
		},
		{
			"ambiguous",
			Assertion{Type: AssertRow, Table: "Node", Where: map[string]any{"ParentNodeID": 1}, Expect: map[string]any{"StepCount": 1}},
			"4 rows matched (assertion is ambiguous)",
		},
		{
			"missing field",
			Assertion{Type: AssertRow, Table: "Node", Where: map[string]any{"NodeID": 1}, Expect: map[string]any{"Colour": "red"}},
			`field "Colour" not present in Node`,
		},
		{
			"value mismatch",
			Assertion{Type: AssertRow, Table: "Node", Where: map[string]any{"NodeID": 4}, Expect: map[string]any{"StepCount": 3}},
			`field "StepCount" = 2 (type int64)`,
		},
		{
			"invalid table",
			Assertion{Type: AssertRow, Table: "Node; DROP TABLE Node", Expect: map[string]any{"StepCount": 1}},
			"invalid table name",
		},
		{
			"invalid column",
			Assertion{Type: AssertRow, Table: "Node", Where: map[string]any{"NodeID = 1 OR 1": 1}, Expect: map[string]any{"StepCount": 1}},
			"invalid column name",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := runMultiplyWith(t, tt.a)
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.substr)
		})
	}
}

func TestAssertStepCount(t *testing.T) {
	assert.Empty(t, runMultiplyWith(t,
		Assertion{Type: AssertStepCount, Node: "CreateSequenceData", Count: 1},
		Assertion{Type: AssertStepCount, Node: "MultiplySequenceBySingleton", Count: 2},
	))

	errs := runMultiplyWith(t, Assertion{Type: AssertStepCount, Node: "Nope", Count: 1})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `no node "Nope"`)
}

func TestAssertExportContains(t *testing.T) {
	assert.Empty(t, runMultiplyWith(t, Assertion{
		Type:   AssertExportContains,
		Export: ExportStepCounts,
		Lines:  []string{"OneShotInflowWorkflow.RenderProducts: 1"},
	}))

	errs := runMultiplyWith(t, Assertion{
		Type:   AssertExportContains,
		Export: ExportProducts,
		Lines:  []string{"/product/3: 9"},
	})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `line "/product/3: 9" in products`)
	assert.Contains(t, errs[0], "Context:\n/multiplier: 3\n")
}

func TestAssertExportOrder(t *testing.T) {
	assert.Empty(t, runMultiplyWith(t, Assertion{
		Type:   AssertExportOrder,
		Export: ExportSteps,
		Lines: []string{
			"rf_step('OneShotInflowWorkflow','1').",
			"rf_step('OneShotInflowWorkflow.RenderProducts','1').",
		},
	}))

	reversed := runMultiplyWith(t, Assertion{
		Type:   AssertExportOrder,
		Export: ExportSteps,
		Lines: []string{
			"rf_step('OneShotInflowWorkflow.RenderProducts','1').",
			"rf_step('OneShotInflowWorkflow','1').",
		},
	})
	require.Len(t, reversed, 1)
	assert.Contains(t, reversed[0], "line appears before")

	missing := runMultiplyWith(t, Assertion{
		Type:   AssertExportOrder,
		Export: ExportSteps,
		Lines:  []string{"rf_step('Nope','1')."},
	})
	require.Len(t, missing, 1)
	assert.Contains(t, missing[0], "missing line")
}

func TestStateValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		want     bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs value", nil, int64(1), false},
		{"string", "a", "a", true},
		{"string mismatch", "a", "b", false},
		{"int vs int64", 3, int64(3), true},
		{"int64", int64(3), int64(3), true},
		{"int vs bool true", 1, true, true},
		{"int vs bool false", 0, false, true},
		{"int 2 vs bool", 2, true, false},
		{"bool", true, true, true},
		{"bool vs int64", true, int64(1), true},
		{"float vs int64", 2.0, int64(2), true},
		{"float", 2.5, 2.5, true},
		{"string vs int64", "3", int64(3), false},
		{"fallback", []any{1}, "[1]", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, stateValuesEqual(tt.expected, tt.actual))
		})
	}
}

func TestFormatWhereClause(t *testing.T) {
	assert.Equal(t, "(no conditions)", formatWhereClause(nil))
	assert.Equal(t, "A=1 AND B=x", formatWhereClause(map[string]any{"B": "x", "A": 1}))
}

package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/metadata"
)

func TestReport_TextExports(t *testing.T) {
	runDir := runScenario(t, "multiply")

	tests := []struct {
		kind   string
		golden string
	}{
		{"graph", "multiply_graph"},
		{"events", "multiply_events"},
		{"steps", "multiply_steps"},
		{"stepcounts", "multiply_stepcounts"},
		{"resources", "multiply_resources"},
	}

	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			out, _, err := execute(t, "report", tt.kind, "--run", runDir)
			require.NoError(t, err)
			assert.Equal(t, golden(t, tt.golden), out)
		})
	}
}

func TestReport_MetadataDirectory(t *testing.T) {
	runDir := runScenario(t, "multiply")

	out, _, err := execute(t, "report", "stepcounts", "--db", filepath.Join(runDir, metadata.DirName))
	require.NoError(t, err)
	assert.Equal(t, golden(t, "multiply_stepcounts"), out)
}

func TestReport_Channels(t *testing.T) {
	runDir := runScenario(t, "multiply")

	out, _, err := execute(t, "report", "channels", "--run", runDir)
	require.NoError(t, err)
	assert.Contains(t, out, "CreateSingletonData.value -> MultiplySequenceBySingleton.a\n")
	assert.Contains(t, out, "CreateSequenceData.v -> MultiplySequenceBySingleton.b\n")
	assert.Contains(t, out, "MultiplySequenceBySingleton.c -> RenderProducts.v\n")
}

func TestReport_Table(t *testing.T) {
	runDir := runScenario(t, "multiply")

	out, _, err := execute(t, "report", "table", "--table", "Step", "--run", runDir)
	require.NoError(t, err)
	assert.Contains(t, out, "StepID")

	_, _, err = execute(t, "report", "table", "--run", runDir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestReport_JSON(t *testing.T) {
	runDir := runScenario(t, "multiply")

	out, _, err := execute(t, "--format", "json", "report", "stepcounts", "--run", runDir)
	require.NoError(t, err)

	var resp struct {
		Status string `json:"status"`
		RunID  string `json:"run_id"`
		Data   []struct {
			Node  string `json:"node"`
			Steps int64  `json:"steps"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "run-multiply-0001", resp.RunID)
	require.NotEmpty(t, resp.Data)

	steps := map[string]int64{}
	for _, c := range resp.Data {
		steps[c.Node] = c.Steps
	}
	assert.Equal(t, int64(2), steps["OneShotInflowWorkflow.MultiplySequenceBySingleton"])
}

func TestReport_JSONFacts(t *testing.T) {
	runDir := runScenario(t, "multiply")

	out, _, err := execute(t, "--format", "json", "report", "steps", "--run", runDir)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	facts, ok := resp.Data.([]any)
	require.True(t, ok, "data is %T", resp.Data)
	assert.Len(t, facts, len(factLines(golden(t, "multiply_steps"))))
}

func TestReport_Errors(t *testing.T) {
	runDir := runScenario(t, "multiply")

	tests := []struct {
		name string
		args []string
	}{
		{"unknown kind", []string{"report", "bogus", "--run", runDir}},
		{"missing trace", []string{"report", "graph", "--run", t.TempDir()}},
		{"unknown table", []string{"report", "table", "--table", "Nope", "--run", runDir}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Equal(t, ExitCommandError, GetExitCode(err))
		})
	}
}

func TestReport_RequiresSource(t *testing.T) {
	_, _, err := execute(t, "report", "graph")
	require.Error(t, err)
}

func TestFactLines(t *testing.T) {
	assert.Equal(t, []string{"a(1).", "b(2)."}, factLines("a(1).\n\nb(2).\n"))
	assert.Empty(t, factLines(""))
}

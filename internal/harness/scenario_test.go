package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
name: minimal
description: one node, one step
workflow:
  name: W
  nodes:
    - name: A
events:
  - {action: run_start}
  - {action: run_complete}
`

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := DiscoverScenarios("testdata/scenarios")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)
			assert.NotEmpty(t, s.Name)
			assert.NotEmpty(t, s.Events)
		})
	}
}

func TestLoadScenario_MultiplyStructure(t *testing.T) {
	s, err := LoadScenario("testdata/scenarios/multiply.yaml")
	require.NoError(t, err)

	assert.Equal(t, "multiply", s.Name)
	assert.Equal(t, "run-multiply-0001", s.RunID)
	assert.True(t, s.Workflow.AutoWire)
	require.Len(t, s.Workflow.Nodes, 4)
	assert.True(t, s.Workflow.Nodes[0].StepsOnce)

	multiply := s.Workflow.Nodes[2]
	require.Len(t, multiply.Inflows, 2)
	assert.Equal(t, InflowDecl{Label: "a", Template: "/multiplier", ReceiveOnce: true}, multiply.Inflows[0])

	assert.Equal(t, Event{Action: ActionSend, Node: "CreateSingletonData", Port: "value", Value: 3}, s.Events[2])
	assert.Equal(t, Event{Action: ActionReceive, Node: "RenderProducts", Port: "v", EOS: true}, s.Events[19])
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_RejectsUnknownFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalYAML + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_RejectsUnknownConfigFields(t *testing.T) {
	_, err := ParseScenario([]byte(minimalYAML + "config:\n  run_dir: /tmp\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_DecodesConfig(t *testing.T) {
	s, err := ParseScenario([]byte(minimalYAML + "config:\n  properties: {greeting: hi}\n  default_scheme: data\n"))
	require.NoError(t, err)
	assert.Equal(t, "hi", s.Config.Properties["greeting"])
	assert.Equal(t, "data", s.Config.DefaultScheme)
}

func TestParseScenario_Validation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "description: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: run_start}]\n",
			wantErr: "name is required",
		},
		{
			name:    "name with slash",
			yaml:    "name: a/b\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: run_start}]\n",
			wantErr: "must not contain path separators",
		},
		{
			name:    "missing description",
			yaml:    "name: n\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: run_start}]\n",
			wantErr: "description is required",
		},
		{
			name:    "run directory in config",
			yaml:    "name: n\ndescription: d\nconfig: {run_directory: /tmp}\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: run_start}]\n",
			wantErr: "set by the runner",
		},
		{
			name:    "missing workflow name",
			yaml:    "name: n\ndescription: d\nworkflow: {nodes: [{name: A}]}\nevents: [{action: run_start}]\n",
			wantErr: "workflow.name is required",
		},
		{
			name:    "no nodes",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W}\nevents: [{action: run_start}]\n",
			wantErr: "nodes list is required",
		},
		{
			name:    "unknown kind",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A, kind: Gadget}]}\nevents: [{action: run_start}]\n",
			wantErr: `unknown kind "Gadget"`,
		},
		{
			name:    "workflow kind without children",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A, kind: Workflow}]}\nevents: [{action: run_start}]\n",
			wantErr: "workflow section is required exactly when kind is Workflow",
		},
		{
			name:    "autowire and wiring",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, autowire: true, nodes: [{name: A}], wiring: [{inflow: A.x, outflows: [A.y]}]}\nevents: [{action: run_start}]\n",
			wantErr: "mutually exclusive",
		},
		{
			name:    "inflow without template",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A, inflows: [{label: x}]}]}\nevents: [{action: run_start}]\n",
			wantErr: "label and template are required",
		},
		{
			name:    "no events",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\n",
			wantErr: "events list is required",
		},
		{
			name:    "unknown action",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: jump}]\n",
			wantErr: `unknown action "jump"`,
		},
		{
			name:    "send without port",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: send, node: A}]\n",
			wantErr: "node and port are required for send",
		},
		{
			name:    "receive with value",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: receive, node: A, port: x, value: 1}]\n",
			wantErr: "receive takes packets from outflows",
		},
		{
			name:    "input without label",
			yaml:    "name: n\ndescription: d\nworkflow: {name: W, nodes: [{name: A}]}\nevents: [{action: input}]\n",
			wantErr: "label is required for input",
		},
		{
			name:    "unknown export",
			yaml:    minimalYAML + "exports: [everything]\n",
			wantErr: `unknown export "everything"`,
		},
		{
			name:    "row without expect",
			yaml:    minimalYAML + "assertions: [{type: row, table: Node}]\n",
			wantErr: "expect is required for row",
		},
		{
			name:    "export assertion without lines",
			yaml:    minimalYAML + "assertions: [{type: export_contains, export: events}]\n",
			wantErr: "lines list is required",
		},
		{
			name:    "unknown assertion type",
			yaml:    minimalYAML + "assertions: [{type: final_state, table: Node}]\n",
			wantErr: `unknown assertion type "final_state"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiscoverScenarios_FiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.yaml", "a.yml", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(minimalYAML), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.yaml"), 0o755))

	paths, err := DiscoverScenarios(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.yml"), filepath.Join(dir, "b.yaml")}, paths)

	_, err = DiscoverScenarios(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

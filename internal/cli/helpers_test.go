package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

var scenarioDir = filepath.Join("..", "harness", "testdata", "scenarios")

func scenarioPath(name string) string {
	return filepath.Join(scenarioDir, name+".yaml")
}

// golden reads an export the harness tests already pin down.
func golden(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "harness", "testdata", "golden", name+".golden"))
	require.NoError(t, err)
	return string(data)
}

// execute runs the root command and returns stdout, stderr and the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	stdout, stderr := &bytes.Buffer{}, &bytes.Buffer{}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(t.Context())
	return stdout.String(), stderr.String(), err
}

// runScenario writes a scenario run to a fresh directory.
func runScenario(t *testing.T, name string) string {
	t.Helper()
	runDir := filepath.Join(t.TempDir(), name)
	_, _, err := execute(t, "scenario", "run", scenarioPath(name), "--run", runDir)
	require.NoError(t, err)
	return runDir
}

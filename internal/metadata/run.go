package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RunInfo is the content of the run control file.
type RunInfo struct {
	RunID      string    `yaml:"run_id"`
	Workflow   string    `yaml:"workflow,omitempty"`
	StartedAt  time.Time `yaml:"started_at"`
	Host       string    `yaml:"host,omitempty"`
	PID        int       `yaml:"pid,omitempty"`
	ConfigPath string    `yaml:"config,omitempty"`
}

// RunMetadata is the metadata of a finished run read back from disk.
// Files that could not be read are listed in RestoreErrors rather than
// failing the restore.
type RunMetadata struct {
	RunDirectory  string
	Info          *RunInfo
	Products      string
	Inputs        map[string]any
	Outputs       map[string]any
	RestoreErrors []string
}

// Restore reads the metadata directory of runDir. It fails only if the
// directory itself is missing.
func Restore(runDir string) (*RunMetadata, error) {
	dir := filepath.Join(runDir, DirName)
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("metadata: restore %s: %w", runDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("metadata: restore %s: %s is not a directory", runDir, dir)
	}

	md := &RunMetadata{RunDirectory: runDir}
	var ri RunInfo
	if md.restoreYAML(dir, RunFile, &ri) {
		md.Info = &ri
	}
	if data, err := os.ReadFile(filepath.Join(dir, ProductsFile)); err != nil {
		md.RestoreErrors = append(md.RestoreErrors, err.Error())
	} else {
		md.Products = string(data)
	}
	md.restoreYAML(dir, InputsFile, &md.Inputs)
	md.restoreYAML(dir, OutputsFile, &md.Outputs)
	return md, nil
}

// restoreYAML decodes an optional file. A missing file is not an error.
func (md *RunMetadata) restoreYAML(dir, name string, v any) bool {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err == nil {
		err = yaml.Unmarshal(data, v)
	}
	if err != nil {
		md.RestoreErrors = append(md.RestoreErrors, fmt.Sprintf("%s: %v", name, err))
		return false
	}
	return true
}

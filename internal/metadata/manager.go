// Package metadata manages the run metadata directory: the products
// index, named log streams, and the run control files.
package metadata

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DirName is the metadata directory inside a run directory.
const DirName = "_metadata"

// File names inside the metadata directory.
const (
	ProductsFile = "products.yaml"
	RunFile      = "run.yaml"
	InputsFile   = "inputs.yaml"
	OutputsFile  = "outputs.yaml"
	logExtension = ".log"
)

// Manager writes the metadata of one run. A Manager created with
// NewVolatile keeps everything in memory. All methods are safe for
// concurrent use.
type Manager struct {
	runDir string
	dir    string

	mu       sync.Mutex
	products io.WriteCloser
	logs     map[string]io.WriteCloser

	// Volatile mode only.
	memProducts *bytes.Buffer
	memLogs     map[string]*bytes.Buffer
	memFiles    map[string][]byte
}

// New creates <runDir>/_metadata and an empty products index.
func New(runDir string) (*Manager, error) {
	if runDir == "" {
		return nil, errors.New("metadata: run directory is required")
	}
	dir := filepath.Join(runDir, DirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("metadata: create %s: %w", dir, err)
	}
	products, err := os.Create(filepath.Join(dir, ProductsFile))
	if err != nil {
		return nil, fmt.Errorf("metadata: create products file: %w", err)
	}
	return &Manager{
		runDir:   runDir,
		dir:      dir,
		products: products,
		logs:     make(map[string]io.WriteCloser),
	}, nil
}

// NewVolatile creates a manager that writes nothing to disk.
func NewVolatile() *Manager {
	buf := &bytes.Buffer{}
	return &Manager{
		products:    nopCloser{buf},
		logs:        make(map[string]io.WriteCloser),
		memProducts: buf,
		memLogs:     make(map[string]*bytes.Buffer),
		memFiles:    make(map[string][]byte),
	}
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// Volatile reports whether the manager keeps metadata in memory.
func (m *Manager) Volatile() bool { return m.dir == "" }

// RunDirectory returns the run directory, or "" when volatile.
func (m *Manager) RunDirectory() string { return m.runDir }

// Directory returns the metadata directory, or "" when volatile.
func (m *Manager) Directory() string { return m.dir }

// WriteToLog appends message to the log stream name, opening
// <dir>/<name>.log on first use.
func (m *Manager) WriteToLog(name, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.logs[name]
	if !ok {
		var err error
		if w, err = m.openLog(name); err != nil {
			return err
		}
		m.logs[name] = w
	}
	if _, err := io.WriteString(w, message); err != nil {
		return fmt.Errorf("metadata: write log %s: %w", name, err)
	}
	return nil
}

func (m *Manager) openLog(name string) (io.WriteCloser, error) {
	if m.Volatile() {
		buf := &bytes.Buffer{}
		m.memLogs[name] = buf
		return nopCloser{buf}, nil
	}
	f, err := os.Create(filepath.Join(m.dir, name+logExtension))
	if err != nil {
		return nil, fmt.Errorf("metadata: open log %s: %w", name, err)
	}
	return f, nil
}

// Log returns the contents of the log stream name.
func (m *Manager) Log(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Volatile() {
		if buf, ok := m.memLogs[name]; ok {
			return buf.String(), nil
		}
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name+logExtension))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// WriteToProducts appends a YAML fragment to the products index.
func (m *Manager) WriteToProducts(entry string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.products == nil {
		return errors.New("metadata: manager is closed")
	}
	if _, err := io.WriteString(m.products, entry); err != nil {
		return fmt.Errorf("metadata: write products: %w", err)
	}
	return nil
}

// Products returns the products index written so far.
func (m *Manager) Products() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Volatile() {
		return m.memProducts.String(), nil
	}
	data, err := os.ReadFile(filepath.Join(m.dir, ProductsFile))
	if err != nil {
		return "", fmt.Errorf("metadata: read products: %w", err)
	}
	return string(data), nil
}

// StoreRunInfo writes the run control file.
func (m *Manager) StoreRunInfo(info RunInfo) error {
	return m.writeYAML(RunFile, info)
}

// StoreInputs writes the workflow input bindings.
func (m *Manager) StoreInputs(inputs map[string]any) error {
	return m.writeYAML(InputsFile, inputs)
}

// StoreOutputs writes the workflow output values.
func (m *Manager) StoreOutputs(outputs map[string]any) error {
	return m.writeYAML(OutputsFile, outputs)
}

func (m *Manager) writeYAML(name string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata: encode %s: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Volatile() {
		m.memFiles[name] = data
		return nil
	}
	if err := os.WriteFile(filepath.Join(m.dir, name), data, 0o644); err != nil {
		return fmt.Errorf("metadata: write %s: %w", name, err)
	}
	return nil
}

// Close flushes and closes the products index and every open log.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.products != nil {
		errs = append(errs, m.products.Close())
		m.products = nil
	}
	for name, w := range m.logs {
		errs = append(errs, w.Close())
		delete(m.logs, name)
	}
	return errors.Join(errs...)
}

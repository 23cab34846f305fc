// Package config loads and validates run configuration: the directories a
// run reads and writes, the import map, and the properties exposed through
// the context protocol.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
)

// DefaultLogName is the log stream used when none is configured.
const DefaultLogName = "run"

// Config is the run configuration. Field tags serve YAML decoding, CUE
// decoding (json tags), and validation.
type Config struct {
	// RunDirectory receives published files and the _metadata directory.
	RunDirectory string `yaml:"run_directory" json:"run_directory,omitempty"`

	// BaseDirectory is the directory workflow-relative paths resolve against.
	BaseDirectory string `yaml:"base_directory" json:"base_directory,omitempty"`

	// WorkspaceDirectory is the root of read-only workspace resources.
	WorkspaceDirectory string `yaml:"workspace_directory" json:"workspace_directory,omitempty"`

	// ImportMap maps import aliases to locations.
	ImportMap map[string]string `yaml:"import_map" json:"import_map,omitempty" validate:"dive,keys,required,endkeys,required"`

	// Properties are context properties, the highest-precedence source for
	// context:/property lookups.
	Properties map[string]string `yaml:"properties" json:"properties,omitempty" validate:"dive,keys,required,excludesall=/,endkeys,required"`

	// SystemProperties are process-level properties, consulted after
	// Properties and before the environment.
	SystemProperties map[string]string `yaml:"system_properties" json:"system_properties,omitempty" validate:"dive,keys,required,excludesall=/,endkeys,required"`

	// DefaultScheme selects the protocol for URIs without a scheme.
	DefaultScheme string `yaml:"default_scheme" json:"default_scheme,omitempty" validate:"omitempty,oneof=data file direct context workspace log stdout stderr control"`

	// LogName names the stream written by the log protocol.
	LogName string `yaml:"log_name" json:"log_name,omitempty" validate:"omitempty,excludesall=/\\"`

	// LogTeeStdout copies log protocol messages to standard output.
	// Defaults to true when unset.
	LogTeeStdout *bool `yaml:"log_tee_stdout" json:"log_tee_stdout,omitempty"`

	// TraceVolatile keeps the trace in memory instead of under _metadata.
	TraceVolatile bool `yaml:"trace_volatile" json:"trace_volatile,omitempty"`
}

// TeeLogToStdout reports whether log messages are copied to stdout.
func (c *Config) TeeLogToStdout() bool {
	return c.LogTeeStdout == nil || *c.LogTeeStdout
}

// EffectiveLogName returns LogName or DefaultLogName.
func (c *Config) EffectiveLogName() string {
	if c.LogName == "" {
		return DefaultLogName
	}
	return c.LogName
}

// EffectiveScheme returns DefaultScheme or "data".
func (c *Config) EffectiveScheme() string {
	if c.DefaultScheme == "" {
		return "data"
	}
	return c.DefaultScheme
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes one failed validation rule.
type FieldError struct {
	Field string
	Rule  string
	Value string
}

// ValidationError lists every field that failed validation.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = fmt.Sprintf("%s failed %q (value %q)", f.Field, f.Rule, f.Value)
	}
	return "invalid configuration: " + strings.Join(parts, "; ")
}

// Validate checks c against its field rules.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate configuration: %w", err)
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field: fe.Namespace(),
			Rule:  fe.Tag(),
			Value: fmt.Sprint(fe.Value()),
		})
	}
	return out
}

// Property resolves key with precedence: context property, then system
// property, then environment variable.
func (c *Config) Property(key string) (string, bool) {
	return c.property(key, os.LookupEnv)
}

func (c *Config) property(key string, lookupEnv func(string) (string, bool)) (string, bool) {
	if v, ok := c.Properties[key]; ok {
		return v, true
	}
	if v, ok := c.SystemProperties[key]; ok {
		return v, true
	}
	if lookupEnv != nil {
		return lookupEnv(key)
	}
	return "", false
}

// PropertyWithEnv is like Property but consults lookupEnv for the
// environment tier.
func (c *Config) PropertyWithEnv(key string, lookupEnv func(string) (string, bool)) (string, bool) {
	return c.property(key, lookupEnv)
}

package harness

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates that every assertion held.
	Pass bool `json:"pass"`

	// Scenario is the scenario name.
	Scenario string `json:"scenario"`

	// RunID is the run identifier the workflow context carried.
	RunID string `json:"run_id"`

	// RunDirectory is where the trace and metadata were written, or "" for
	// a volatile run.
	RunDirectory string `json:"run_directory,omitempty"`

	// Exports maps export name to its rendered text.
	Exports map[string]string `json:"exports"`

	// Events is the number of scripted events executed.
	Events int `json:"events"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult(scenario string) *Result {
	return &Result{
		Pass:     true,
		Scenario: scenario,
		Exports:  make(map[string]string),
		Errors:   []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

package harness

import (
	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/lower"
	"github.com/roach88/chisel/internal/sink"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if lowering behaved as expected and every run and assertion held.
	Pass bool `json:"pass"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// TablesHash identifies the tables the unit was lowered against.
	TablesHash string `json:"tables_hash"`

	// Listing is the text listing of the whole unit, adapters included.
	Listing string `json:"listing"`

	// Bytecode is the encoded module of the whole unit.
	Bytecode []byte `json:"-"`

	// Artifacts holds one artifact per lowered function, in input order.
	Artifacts []*artifact.Artifact `json:"artifacts"`

	// LowerError is the lowering failure, if any.
	LowerError error `json:"-"`

	// Unit, Trace and Diagnostics are nil when lowering failed.
	Unit        *lower.Unit   `json:"-"`
	Trace       *sink.Trace   `json:"-"`
	Diagnostics []diag.Record `json:"-"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Artifact returns the artifact of function.
func (r *Result) Artifact(function string) (*artifact.Artifact, bool) {
	for _, a := range r.Artifacts {
		if a.Function == function {
			return a, true
		}
	}
	return nil, false
}

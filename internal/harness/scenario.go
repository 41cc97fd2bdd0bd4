package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chisel/internal/diag"
)

// Scenario is a lowering conformance test: a unit of MIR bodies lowered
// against a set of tables, then executed on the simulator and checked
// against trace assertions.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tables is a directory of CUE table definitions, relative to the
	// scenario file.
	Tables string `yaml:"tables,omitempty"`

	// TablesCUE holds table definitions inline. Exactly one of Tables and
	// TablesCUE is set.
	TablesCUE string `yaml:"tables_cue,omitempty"`

	// Topics enables diagnostics topics while lowering.
	Topics []string `yaml:"topics,omitempty"`

	// Literals seeds string literal bytes at their interned offsets.
	Literals map[int]string `yaml:"literals,omitempty"`

	Fixture `yaml:",inline"`

	// Runs call lowered functions on the simulator.
	Runs []RunStep `yaml:"runs,omitempty"`

	// Assertions validate the lowered unit.
	Assertions []Assertion `yaml:"assertions,omitempty"`

	// ExpectError makes lowering failure the expected outcome.
	ExpectError *ExpectError `yaml:"expect_error,omitempty"`
}

// RunStep calls one function on the simulator.
//
// Arguments and expected values are integers (decimal or 0x hex). An
// argument "alloc:N" passes the address of N fresh zeroed bytes.
type RunStep struct {
	Call   string         `yaml:"call"`
	Args   []string       `yaml:"args,omitempty"`
	Init   []MemoryCheck  `yaml:"init,omitempty"`
	Want   []string       `yaml:"want,omitempty"`
	Memory []MemoryCheck  `yaml:"memory,omitempty"`
	// Hooks are cumulative runtime hook call counts, keyed without prefix.
	Hooks  map[string]int `yaml:"hooks,omitempty"`
}

// MemoryCheck addresses Size bytes at Offset from argument Arg. In Init it
// is written before the call; in Memory it is read back afterwards.
type MemoryCheck struct {
	Arg    int    `yaml:"arg"`
	Offset int    `yaml:"offset,omitempty"`
	Size   int    `yaml:"size"`
	Value  string `yaml:"value"`
}

// ExpectError describes an expected lowering failure.
type ExpectError struct {
	// Code is one of MISSING_LAYOUT, UNSUPPORTED_SHAPE or NOT_YET_IMPLEMENTED.
	Code     string `yaml:"code"`
	// Function is the function that must fail, if set.
	Function string `yaml:"function,omitempty"`
}

// Assertion validates the lowered unit.
type Assertion struct {
	// Type specifies the assertion type:
	// - "calls_to": Function calls Symbol exactly Count times
	// - "call_order": Function calls Symbols in this order
	// - "op_count": Function emits Op exactly Count times
	// - "representation": Local of Function has Repr (and FrameOffset)
	// - "adapters": the unit synthesizes exactly Symbols
	// - "diagnostics": Topic recorded at least Count messages
	Type string `yaml:"type"`

	Function    string   `yaml:"function,omitempty"`
	Symbol      string   `yaml:"symbol,omitempty"`
	Symbols     []string `yaml:"symbols,omitempty"`
	Op          string   `yaml:"op,omitempty"`
	Count       int      `yaml:"count,omitempty"`
	Local       string   `yaml:"local,omitempty"`
	Repr        string   `yaml:"repr,omitempty"`
	FrameOffset *int     `yaml:"frame_offset,omitempty"`
	Topic       string   `yaml:"topic,omitempty"`
}

// Assertion type constants.
const (
	AssertCallsTo        = "calls_to"
	AssertCallOrder      = "call_order"
	AssertOpCount        = "op_count"
	AssertRepresentation = "representation"
	AssertAdapters       = "adapters"
	AssertDiagnostics    = "diagnostics"
)

// LoadScenario reads and parses a scenario YAML file. A relative tables
// directory is resolved against the scenario's own directory.
//
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, filepath.Dir(path))
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file,
// resolving the tables directory relative to basePath.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Tables != "" && !filepath.IsAbs(scenario.Tables) && basePath != "" {
		scenario.Tables = filepath.Join(basePath, scenario.Tables)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	switch {
	case s.Tables == "" && s.TablesCUE == "":
		return fmt.Errorf("tables or tables_cue is required")
	case s.Tables != "" && s.TablesCUE != "":
		return fmt.Errorf("tables and tables_cue are mutually exclusive")
	}

	if s.Tables != "" {
		if info, err := os.Stat(s.Tables); err != nil || !info.IsDir() {
			return fmt.Errorf("tables directory not found: %s", s.Tables)
		}
	}

	if len(s.Functions) == 0 {
		return fmt.Errorf("functions list is required and must be non-empty")
	}

	for _, topic := range s.Topics {
		if !diag.Known(topic) {
			return fmt.Errorf("unknown diagnostics topic %q", topic)
		}
	}

	for i, run := range s.Runs {
		if run.Call == "" {
			return fmt.Errorf("runs[%d]: call is required", i)
		}
		if s.ExpectError != nil {
			return fmt.Errorf("runs[%d]: runs cannot follow an expected lowering error", i)
		}
	}

	if s.ExpectError != nil && s.ExpectError.Code == "" {
		return fmt.Errorf("expect_error: code is required")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertCallsTo:
		if a.Function == "" || a.Symbol == "" {
			return fmt.Errorf("assertions[%d]: function and symbol are required for calls_to", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for calls_to", index)
		}
	case AssertCallOrder:
		if a.Function == "" || len(a.Symbols) == 0 {
			return fmt.Errorf("assertions[%d]: function and symbols are required for call_order", index)
		}
	case AssertOpCount:
		if a.Function == "" {
			return fmt.Errorf("assertions[%d]: function is required for op_count", index)
		}
		if _, ok := opNames[a.Op]; !ok {
			return fmt.Errorf("assertions[%d]: unknown op %q", index, a.Op)
		}
	case AssertRepresentation:
		if a.Function == "" || a.Local == "" || a.Repr == "" {
			return fmt.Errorf("assertions[%d]: function, local and repr are required for representation", index)
		}
	case AssertAdapters:
	case AssertDiagnostics:
		if !diag.Known(a.Topic) {
			return fmt.Errorf("assertions[%d]: unknown diagnostics topic %q", index, a.Topic)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}

package harness

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strconv"
	"strings"

	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/chisel/internal/compiler"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/lower"
	"github.com/roach88/chisel/internal/sim"
	"github.com/roach88/chisel/internal/sink"
	"github.com/roach88/chisel/internal/testutil"
)

// Harness executes one scenario's runs against a lowered unit.
type Harness struct {
	tables  *layout.Tables
	machine *sim.Machine
	logger  *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
// 1. Compile the tables (CUE directory or inline source)
// 2. Convert the fixture to MIR bodies
// 3. Lower the unit into a trace, a text listing and bytecode at once
// 4. Build one artifact per function
// 5. Execute runs on a fresh simulator
// 6. Evaluate assertions
//
// Infrastructure failures (unreadable tables, malformed bodies) are
// returned as errors. Lowering failures and failed checks are recorded in
// the result.
func Run(scenario *Scenario) (*Result, error) {
	tables, tablesHash, err := loadTables(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load tables: %w", err)
	}

	bodies, err := scenario.Bodies()
	if err != nil {
		return nil, fmt.Errorf("failed to convert functions: %w", err)
	}

	topics := make([]diag.Topic, len(scenario.Topics))
	for i, t := range scenario.Topics {
		topics[i] = diag.Topic(t)
	}
	facility, recorder := testutil.NewDiagnostics(topics...)

	c, err := lower.NewContext(tables, lower.WithDiagnostics(facility))
	if err != nil {
		return nil, fmt.Errorf("failed to create lowering context: %w", err)
	}

	result := NewResult()
	result.TablesHash = tablesHash

	trace := sink.NewTrace()
	text := sink.NewText()
	code := sink.NewBytecode(c.PointerKind())
	unit, err := c.LowerUnit(context.Background(), bodies, sink.Tee{trace, text, code})
	if err != nil {
		result.LowerError = err
		checkLowerError(result, scenario.ExpectError, err)
		return result, nil
	}
	if scenario.ExpectError != nil {
		result.AddError(fmt.Sprintf("expected lowering to fail with %s, but it succeeded", scenario.ExpectError.Code))
	}

	result.Unit = unit
	result.Trace = trace
	result.Listing = text.String()
	result.Bytecode = code.Encode()
	result.Artifacts = c.Artifacts(unit, trace)
	result.Diagnostics = recorder.Records()

	h := &Harness{
		tables:  tables,
		machine: sim.New(trace, sim.WithPointerWidth(tables.PointerWidth), sim.WithPrefix(c.Options().RuntimePrefix)),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
	}
	if err := h.seedLiterals(scenario.Literals); err != nil {
		return nil, fmt.Errorf("failed to seed literals: %w", err)
	}
	for i, step := range scenario.Runs {
		if err := h.executeRun(step); err != nil {
			result.AddError(fmt.Sprintf("runs[%d] (%s): %v", i, step.Call, err))
		}
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}

	return result, nil
}

// loadTables compiles the scenario's tables and hashes their JSON export.
func loadTables(s *Scenario) (*layout.Tables, string, error) {
	if s.TablesCUE != "" {
		v := cuecontext.New().CompileString(s.TablesCUE)
		if err := v.Err(); err != nil {
			return nil, "", err
		}
		tables, err := compiler.CompileTables(v)
		if err != nil {
			return nil, "", err
		}
		hash, err := compiler.TablesHash(v)
		return tables, hash, err
	}
	v, err := compiler.LoadDir(s.Tables)
	if err != nil {
		return nil, "", err
	}
	tables, err := compiler.CompileTables(v)
	if err != nil {
		return nil, "", err
	}
	hash, err := compiler.TablesHash(v)
	return tables, hash, err
}

// checkLowerError records whether err is the expected lowering failure.
func checkLowerError(result *Result, want *ExpectError, err error) {
	if want == nil {
		result.AddError(fmt.Sprintf("lowering failed: %v", err))
		return
	}
	var le *lower.Error
	if !errors.As(err, &le) {
		result.AddError(fmt.Sprintf("expected %s, got non-lowering error: %v", want.Code, err))
		return
	}
	if string(le.Code) != want.Code {
		result.AddError(fmt.Sprintf("expected %s, got %s: %v", want.Code, le.Code, err))
	}
	if want.Function != "" && le.Function != want.Function {
		result.AddError(fmt.Sprintf("expected failure in %s, got %s", want.Function, le.Function))
	}
}

// seedLiterals writes literal bytes at their interned offsets.
func (h *Harness) seedLiterals(literals map[int]string) error {
	ids := make([]int, 0, len(literals))
	for id := range literals {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		lit, ok := h.tables.StringLiterals[id]
		if !ok {
			return fmt.Errorf("string literal #%d is not interned", id)
		}
		if err := h.machine.WriteBytes(uint64(lit.Offset), []byte(literals[id])); err != nil {
			return err
		}
	}
	return nil
}

// executeRun calls one function and checks its results, memory and hook
// counts.
func (h *Harness) executeRun(step RunStep) error {
	args := make([]uint64, len(step.Args))
	for i, a := range step.Args {
		v, err := h.argument(a)
		if err != nil {
			return fmt.Errorf("args[%d]: %w", i, err)
		}
		args[i] = v
	}

	for i, w := range step.Init {
		addr, err := memoryAddress(args, w)
		if err != nil {
			return fmt.Errorf("init[%d]: %w", i, err)
		}
		v, err := parseWord(w.Value)
		if err != nil {
			return fmt.Errorf("init[%d]: %w", i, err)
		}
		if err := h.machine.Write(addr, w.Size, v); err != nil {
			return fmt.Errorf("init[%d]: %w", i, err)
		}
	}

	got, err := h.machine.Call(step.Call, args...)
	if err != nil {
		return err
	}
	h.logger.Info("run completed", "function", step.Call, "args", args, "results", got)

	if step.Want != nil {
		want := make([]uint64, len(step.Want))
		for i, s := range step.Want {
			if want[i], err = parseWord(s); err != nil {
				return fmt.Errorf("want[%d]: %w", i, err)
			}
		}
		if !slices.Equal(got, want) {
			return fmt.Errorf("results = %v, want %v", got, want)
		}
	}

	for i, c := range step.Memory {
		addr, err := memoryAddress(args, c)
		if err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
		want, err := parseWord(c.Value)
		if err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
		b, err := h.machine.Bytes(addr, c.Size)
		if err != nil {
			return fmt.Errorf("memory[%d]: %w", i, err)
		}
		var buf [8]byte
		copy(buf[:], b)
		if got := binary.LittleEndian.Uint64(buf[:]); got != want {
			return fmt.Errorf("memory[%d]: arg %d +%d = %#x, want %#x", i, c.Arg, c.Offset, got, want)
		}
	}

	hooks := make([]string, 0, len(step.Hooks))
	for hook := range step.Hooks {
		hooks = append(hooks, hook)
	}
	slices.Sort(hooks)
	for _, hook := range hooks {
		if got := h.machine.Calls(hook); got != step.Hooks[hook] {
			return fmt.Errorf("hook %s called %d times, want %d", hook, got, step.Hooks[hook])
		}
	}
	return nil
}

// argument parses an integer argument or allocates for "alloc:N".
func (h *Harness) argument(s string) (uint64, error) {
	if n, ok := strings.CutPrefix(s, "alloc:"); ok {
		size, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("bad allocation size %q", n)
		}
		return h.machine.Alloc(size, 16)
	}
	return parseWord(s)
}

func memoryAddress(args []uint64, c MemoryCheck) (uint64, error) {
	if c.Arg < 0 || c.Arg >= len(args) {
		return 0, fmt.Errorf("arg %d out of range", c.Arg)
	}
	if c.Size < 1 || c.Size > 8 {
		return 0, fmt.Errorf("size %d out of range", c.Size)
	}
	return args[c.Arg] + uint64(c.Offset), nil
}

// parseWord parses a signed or unsigned integer as a 64-bit word.
func parseWord(s string) (uint64, error) {
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return uint64(i), nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad integer %q", s)
	}
	return u, nil
}

package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/lower"
	"github.com/roach88/chisel/internal/sink"
)

func loadTestScenario(t *testing.T, file string) *Scenario {
	t.Helper()
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", file))
	require.NoError(t, err)
	return scenario
}

func TestRun_ExampleScenariosPass(t *testing.T) {
	for _, file := range []string{
		"scalar_arith.yaml",
		"point_swap.yaml",
		"twice_adapter.yaml",
		"missing_layout.yaml",
	} {
		t.Run(file, func(t *testing.T) {
			result, err := Run(loadTestScenario(t, file))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Empty(t, result.Errors)
			assert.NotEmpty(t, result.TablesHash)
		})
	}
}

func TestRun_ScalarArtifacts(t *testing.T) {
	result, err := Run(loadTestScenario(t, "scalar_arith.yaml"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Artifacts, 2)
	art, ok := result.Artifact("add_one")
	require.True(t, ok)
	assert.Zero(t, art.FrameSize)
	assert.Contains(t, art.Listing, "$add_one")
	assert.NotContains(t, art.Listing, "$is_small", "artifact listings hold one function")
	assert.NotEmpty(t, art.Bytecode)
	assert.NotEmpty(t, result.Bytecode)

	_, ok = result.Artifact("missing")
	assert.False(t, ok)
}

func TestRun_AdapterArtifact(t *testing.T) {
	result, err := Run(loadTestScenario(t, "twice_adapter.yaml"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	require.Len(t, result.Unit.Adapters, 1, "both conversions share one adapter")
	require.Len(t, result.Artifacts, 3)
	adapter := result.Artifacts[2]
	assert.Equal(t, "twice::invoke::to_fn_ptr#0", adapter.Function)
	assert.Contains(t, result.Listing, "# --- Synthesized Adapters ---")

	mk, ok := result.Artifact("mk_twice")
	require.True(t, ok)
	assert.Equal(t, []string{"twice::invoke::to_fn_ptr#0"}, mk.Adapters)
}

func TestRun_ExpectedErrorRecorded(t *testing.T) {
	result, err := Run(loadTestScenario(t, "missing_layout.yaml"))
	require.NoError(t, err)
	assert.True(t, result.Pass)

	var le *lower.Error
	require.ErrorAs(t, result.LowerError, &le)
	assert.Equal(t, lower.ErrCodeMissingLayout, le.Code)
	assert.Nil(t, result.Unit, "no partial unit after a failure")
	assert.Empty(t, result.Listing)
}

func TestRun_WrongExpectedErrorFails(t *testing.T) {
	scenario := loadTestScenario(t, "missing_layout.yaml")
	scenario.ExpectError = &ExpectError{Code: "UNSUPPORTED_SHAPE"}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "expected UNSUPPORTED_SHAPE, got MISSING_LAYOUT")
}

func TestRun_ExpectedErrorInWrongFunction(t *testing.T) {
	scenario := loadTestScenario(t, "missing_layout.yaml")
	scenario.ExpectError.Function = "elsewhere"

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "expected failure in elsewhere, got uses_ghost")
}

func TestRun_UnexpectedSuccessFails(t *testing.T) {
	scenario := loadTestScenario(t, "scalar_arith.yaml")
	scenario.ExpectError = &ExpectError{Code: "MISSING_LAYOUT"}
	scenario.Runs = nil

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "but it succeeded")
}

func TestRun_UnexpectedLoweringFailure(t *testing.T) {
	scenario := loadTestScenario(t, "missing_layout.yaml")
	scenario.ExpectError = nil

	result, err := Run(scenario)
	require.NoError(t, err, "lowering failures are results, not errors")
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "lowering failed")
}

func TestRun_WrongResultFails(t *testing.T) {
	scenario := loadTestScenario(t, "scalar_arith.yaml")
	scenario.Runs = []RunStep{{Call: "add_one", Args: []string{"1"}, Want: []string{"3"}}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "runs[0] (add_one): results = [2], want [3]")
}

func TestRun_MemoryMismatchFails(t *testing.T) {
	scenario := loadTestScenario(t, "point_swap.yaml")
	scenario.Runs[0].Memory = []MemoryCheck{{Arg: 0, Offset: 4, Size: 4, Value: "11"}}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "memory[0]: arg 0 +4 = 0xa, want 0xb")
}

func TestRun_HookCounts(t *testing.T) {
	scenario := loadTestScenario(t, "scalar_arith.yaml")
	scenario.Runs[0].Hooks = map[string]int{"memmove": 1}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, result.Errors[0], "hook memmove called 0 times, want 1")
}

func TestRun_BadArguments(t *testing.T) {
	tests := []struct {
		name    string
		step    RunStep
		wantErr string
	}{
		{"bad integer", RunStep{Call: "add_one", Args: []string{"one"}}, `args[0]: bad integer "one"`},
		{"bad alloc", RunStep{Call: "add_one", Args: []string{"alloc:x"}}, `bad allocation size "x"`},
		{"init arg out of range", RunStep{Call: "add_one", Args: []string{"1"},
			Init: []MemoryCheck{{Arg: 3, Size: 4, Value: "0"}}}, "init[0]: arg 3 out of range"},
		{"memory size out of range", RunStep{Call: "add_one", Args: []string{"1"},
			Memory: []MemoryCheck{{Arg: 0, Size: 9, Value: "0"}}}, "memory[0]: size 9 out of range"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario := loadTestScenario(t, "scalar_arith.yaml")
			scenario.Runs = []RunStep{tt.step}

			result, err := Run(scenario)
			require.NoError(t, err)
			assert.False(t, result.Pass)
			require.Len(t, result.Errors, 1)
			assert.Contains(t, result.Errors[0], tt.wantErr)
		})
	}
}

func TestRun_InlineTables(t *testing.T) {
	scenario := &Scenario{
		Name:        "inline",
		Description: "inline tables",
		TablesCUE:   "pointer_width: 4\n",
		Fixture: Fixture{Functions: []FunctionSpec{{
			Name: "neg",
			Locals: []LocalSpec{
				{Name: "ret", Ty: "i32"},
				{Name: "a", Ty: "i32", Kind: "arg"},
			},
			Body: []StatementSpec{{Assign: "_0", Unary: &UnarySpec{Op: "neg", Operand: "copy _1"}}},
		}}},
		Runs: []RunStep{{Call: "neg", Args: []string{"5"}, Want: []string{"0xfffffffb"}}},
		Assertions: []Assertion{
			{Type: AssertOpCount, Function: "neg", Op: "unary", Count: 1},
		},
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
}

func TestRun_InfrastructureErrors(t *testing.T) {
	t.Run("bad tables", func(t *testing.T) {
		scenario := loadTestScenario(t, "scalar_arith.yaml")
		scenario.Tables = ""
		scenario.TablesCUE = "pointer_width: \"eight\"\n"
		_, err := Run(scenario)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to load tables")
	})

	t.Run("bad body", func(t *testing.T) {
		scenario := loadTestScenario(t, "scalar_arith.yaml")
		scenario.Functions[0].Locals[0].Ty = "[i32"
		_, err := Run(scenario)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to convert functions")
	})

	t.Run("literal not interned", func(t *testing.T) {
		scenario := loadTestScenario(t, "scalar_arith.yaml")
		scenario.Literals = map[int]string{9: "nope"}
		_, err := Run(scenario)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "string literal #9 is not interned")
	})
}

func TestRun_Deterministic(t *testing.T) {
	var listings []string
	var hashes []string
	for range 3 {
		result, err := Run(loadTestScenario(t, "twice_adapter.yaml"))
		require.NoError(t, err)
		listings = append(listings, result.Listing)
		h, err := result.Artifacts[0].Hash()
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	assert.Equal(t, listings[0], listings[1])
	assert.Equal(t, listings[1], listings[2])
	assert.Equal(t, hashes[0], hashes[2])
}

func TestRun_TraceMatchesListing(t *testing.T) {
	result, err := Run(loadTestScenario(t, "point_swap.yaml"))
	require.NoError(t, err)
	require.True(t, result.Pass, "errors: %v", result.Errors)

	replayed := sink.NewText()
	result.Trace.Replay(replayed)
	assert.Equal(t, result.Listing, replayed.String())
}

func TestResult_AddError(t *testing.T) {
	result := NewResult()
	assert.True(t, result.Pass)
	assert.Empty(t, result.Errors)

	result.AddError("first error")
	assert.False(t, result.Pass)
	assert.Len(t, result.Errors, 1)

	result.AddError("second error")
	assert.Len(t, result.Errors, 2)
}

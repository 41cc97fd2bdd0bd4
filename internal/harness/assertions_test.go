package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/lower"
	"github.com/roach88/chisel/internal/sink"
)

// sampleResult records one function calling hooks a, b, a.
func sampleResult() *Result {
	tr := sink.NewTrace()
	v := sink.Value{ID: 1, Kind: sink.I64}
	tr.BeginFunction(sink.Signature{Name: "f"})
	tr.Call("rt_a", nil, nil)
	tr.FrameAddress(v, 8)
	tr.Call("rt_b", []sink.Value{v}, nil)
	tr.Call("rt_a", nil, nil)
	tr.Return()
	tr.EndFunction()

	off := 8
	return &Result{
		Pass:  true,
		Trace: tr,
		Unit:  &lower.Unit{Adapters: []lower.Adapter{{Symbol: "g::to_fn_ptr#0"}}},
		Artifacts: []*artifact.Artifact{{
			Function: "f",
			Plan: []artifact.PlanEntry{
				{Local: 0, Name: "ret", Representation: "scalar"},
				{Local: 1, Name: "p", Representation: "frame", FrameOffset: off},
			},
		}},
		Diagnostics: []diag.Record{
			{Topic: "classify", Message: "classified local"},
			{Topic: "classify", Message: "classified local"},
			{Topic: "wide", Message: "wide op"},
		},
	}
}

func intPtr(n int) *int { return &n }

func TestAssertCallsTo(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertCallsTo(r.Trace, Assertion{Function: "f", Symbol: "rt_a", Count: 2}))
	assert.NoError(t, assertCallsTo(r.Trace, Assertion{Function: "f", Symbol: "rt_c", Count: 0}))

	err := assertCallsTo(r.Trace, Assertion{Function: "f", Symbol: "rt_b", Count: 2})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "1 calls", ae.Actual)
	assert.Equal(t, []string{"rt_a", "rt_b", "rt_a"}, ae.Calls)

	err = assertCallsTo(r.Trace, Assertion{Function: "missing", Symbol: "rt_a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "function missing was not emitted")

	err = assertCallsTo(nil, Assertion{Function: "f", Symbol: "rt_a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no trace recorded")
}

func TestAssertCallOrder(t *testing.T) {
	tr := sampleResult().Trace
	tests := []struct {
		name    string
		symbols []string
		ok      bool
	}{
		{"exact", []string{"rt_a", "rt_b", "rt_a"}, true},
		{"gaps allowed", []string{"rt_a", "rt_a"}, true},
		{"single", []string{"rt_b"}, true},
		{"wrong order", []string{"rt_b", "rt_b"}, false},
		{"missing", []string{"rt_a", "rt_c"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertCallOrder(tr, Assertion{Function: "f", Symbols: tt.symbols})
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertOpCount(t *testing.T) {
	tr := sampleResult().Trace
	assert.NoError(t, assertOpCount(tr, Assertion{Function: "f", Op: "call", Count: 3}))
	assert.NoError(t, assertOpCount(tr, Assertion{Function: "f", Op: "frame_address", Count: 1}))
	assert.NoError(t, assertOpCount(tr, Assertion{Function: "f", Op: "store", Count: 0}))
	assert.Error(t, assertOpCount(tr, Assertion{Function: "f", Op: "return", Count: 2}))
}

func TestAssertRepresentation(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertRepresentation(r, Assertion{Function: "f", Local: "ret", Repr: "scalar"}))
	assert.NoError(t, assertRepresentation(r, Assertion{Function: "f", Local: "p", Repr: "frame", FrameOffset: intPtr(8)}))

	err := assertRepresentation(r, Assertion{Function: "f", Local: "p", Repr: "pointer-param"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Actual: frame")

	err = assertRepresentation(r, Assertion{Function: "f", Local: "p", Repr: "frame", FrameOffset: intPtr(0)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame offset 8")

	assert.ErrorContains(t, assertRepresentation(r, Assertion{Function: "f", Local: "q", Repr: "frame"}), "no local named q")
	assert.ErrorContains(t, assertRepresentation(r, Assertion{Function: "g", Local: "p", Repr: "frame"}), "no artifact for g")
}

func TestAssertAdapters(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertAdapters(r, Assertion{Symbols: []string{"g::to_fn_ptr#0"}}))
	assert.Error(t, assertAdapters(r, Assertion{}))

	r.Unit = &lower.Unit{}
	assert.NoError(t, assertAdapters(r, Assertion{}), "no adapters matches an empty list")
}

func TestAssertDiagnostics(t *testing.T) {
	r := sampleResult()
	assert.NoError(t, assertDiagnostics(r, Assertion{Topic: "classify", Count: 2}))
	assert.NoError(t, assertDiagnostics(r, Assertion{Topic: "wide"}), "count defaults to at least one")
	assert.Error(t, assertDiagnostics(r, Assertion{Topic: "classify", Count: 3}))
	assert.Error(t, assertDiagnostics(r, Assertion{Topic: "decimal"}))
}

func TestEvaluateAssertions_AllPass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertCallsTo, Function: "f", Symbol: "rt_b", Count: 1},
		{Type: AssertCallOrder, Function: "f", Symbols: []string{"rt_b", "rt_a"}},
		{Type: AssertOpCount, Function: "f", Op: "call", Count: 3},
		{Type: AssertRepresentation, Function: "f", Local: "p", Repr: "frame"},
		{Type: AssertAdapters, Symbols: []string{"g::to_fn_ptr#0"}},
		{Type: AssertDiagnostics, Topic: "classify"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_SomeFail(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertCallsTo, Function: "f", Symbol: "rt_b", Count: 1},
		{Type: AssertCallsTo, Function: "f", Symbol: "rt_b", Count: 5},
		{Type: AssertAdapters},
	})
	assert.Len(t, errs, 2)
}

func TestEvaluateAssertions_UnknownType(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{{Type: "final_state"}})
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], `unknown assertion type "final_state"`)
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertCallsTo,
		Expected: "f calls rt_b 2 times",
		Actual:   "1 calls",
		Calls:    []string{"rt_a", "rt_b"},
	}
	want := "Assertion failed: calls_to\n" +
		"  Expected: f calls rt_b 2 times\n" +
		"  Actual: 1 calls\n" +
		"\nCalls:\n" +
		"  [1] rt_a\n" +
		"  [2] rt_b\n"
	assert.Equal(t, want, err.Error())

	err.Calls = nil
	assert.NotContains(t, err.Error(), "Calls:")
}

func TestOpNamesCoverEveryOp(t *testing.T) {
	seen := make(map[sink.Op]bool)
	for _, op := range opNames {
		assert.False(t, seen[op], "op %d named twice", op)
		seen[op] = true
	}
	for op := sink.OpBegin; op <= sink.OpDrop; op++ {
		assert.True(t, seen[op], "op %d has no name", op)
	}
}

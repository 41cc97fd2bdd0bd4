package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/chisel/internal/sink"
)

// opNames maps assertion op names to recorded instruction kinds.
var opNames = map[string]sink.Op{
	"begin":         sink.OpBegin,
	"end":           sink.OpEnd,
	"return":        sink.OpReturn,
	"load":          sink.OpLoad,
	"store":         sink.OpStore,
	"address":       sink.OpAddress,
	"call":          sink.OpCall,
	"const":         sink.OpConst,
	"slot_get":      sink.OpSlotGet,
	"slot_set":      sink.OpSlotSet,
	"frame_address": sink.OpFrameAddress,
	"stack_alloc":   sink.OpStackAlloc,
	"binary":        sink.OpBinary,
	"unary":         sink.OpUnary,
	"convert":       sink.OpConvert,
	"select":        sink.OpSelect,
	"drop":          sink.OpDrop,
}

// AssertionError is returned when an assertion fails.
// It includes the calls of the function under test to help debug the failure.
type AssertionError struct {
	Type     string   // Assertion type for categorization
	Expected string   // Human-readable expected outcome
	Actual   string   // Human-readable actual outcome
	Calls    []string // Call targets of the function, in emission order
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Calls) > 0 {
		fmt.Fprintf(&buf, "\nCalls:\n")
		for i, call := range e.Calls {
			fmt.Fprintf(&buf, "  [%d] %s\n", i+1, call)
		}
	}

	return buf.String()
}

func lookupFunction(trace *sink.Trace, name string) (*sink.Function, error) {
	if trace == nil {
		return nil, fmt.Errorf("no trace recorded")
	}
	f, ok := trace.Function(name)
	if !ok {
		return nil, fmt.Errorf("function %s was not emitted", name)
	}
	return f, nil
}

// assertCallsTo checks that the function calls symbol exactly Count times.
func assertCallsTo(trace *sink.Trace, a Assertion) error {
	f, err := lookupFunction(trace, a.Function)
	if err != nil {
		return err
	}
	if got := f.CallsTo(a.Symbol); got != a.Count {
		return &AssertionError{
			Type:     AssertCallsTo,
			Expected: fmt.Sprintf("%s calls %s %d times", a.Function, a.Symbol, a.Count),
			Actual:   fmt.Sprintf("%d calls", got),
			Calls:    f.Calls(),
		}
	}
	return nil
}

// assertCallOrder checks that symbols are called in order. Calls need not
// be consecutive; intervening calls are allowed.
func assertCallOrder(trace *sink.Trace, a Assertion) error {
	f, err := lookupFunction(trace, a.Function)
	if err != nil {
		return err
	}
	calls := f.Calls()
	next := 0
	for _, call := range calls {
		if next < len(a.Symbols) && call == a.Symbols[next] {
			next++
		}
	}
	if next < len(a.Symbols) {
		return &AssertionError{
			Type:     AssertCallOrder,
			Expected: fmt.Sprintf("calls in order: %v", a.Symbols),
			Actual:   fmt.Sprintf("missing or out of order: %s", a.Symbols[next]),
			Calls:    calls,
		}
	}
	return nil
}

// assertOpCount checks that the function records op exactly Count times.
func assertOpCount(trace *sink.Trace, a Assertion) error {
	f, err := lookupFunction(trace, a.Function)
	if err != nil {
		return err
	}
	if got := f.Count(opNames[a.Op]); got != a.Count {
		return &AssertionError{
			Type:     AssertOpCount,
			Expected: fmt.Sprintf("%s emits %d %s", a.Function, a.Count, a.Op),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// assertRepresentation checks a local's storage class in the function's
// artifact plan.
func assertRepresentation(result *Result, a Assertion) error {
	art, ok := result.Artifact(a.Function)
	if !ok {
		return fmt.Errorf("no artifact for %s", a.Function)
	}
	for _, e := range art.Plan {
		if e.Name != a.Local {
			continue
		}
		if e.Representation != a.Repr {
			return &AssertionError{
				Type:     AssertRepresentation,
				Expected: fmt.Sprintf("%s.%s is %s", a.Function, a.Local, a.Repr),
				Actual:   e.Representation,
			}
		}
		if a.FrameOffset != nil && e.FrameOffset != *a.FrameOffset {
			return &AssertionError{
				Type:     AssertRepresentation,
				Expected: fmt.Sprintf("%s.%s at frame offset %d", a.Function, a.Local, *a.FrameOffset),
				Actual:   fmt.Sprintf("frame offset %d", e.FrameOffset),
			}
		}
		return nil
	}
	return fmt.Errorf("%s has no local named %s", a.Function, a.Local)
}

// assertAdapters checks the unit's synthesized adapters, in first-use order.
func assertAdapters(result *Result, a Assertion) error {
	var got []string
	if result.Unit != nil {
		for _, ad := range result.Unit.Adapters {
			got = append(got, ad.Symbol)
		}
	}
	if !slices.Equal(got, a.Symbols) {
		return &AssertionError{
			Type:     AssertAdapters,
			Expected: fmt.Sprintf("%v", a.Symbols),
			Actual:   fmt.Sprintf("%v", got),
		}
	}
	return nil
}

// assertDiagnostics checks that the topic recorded at least Count messages.
func assertDiagnostics(result *Result, a Assertion) error {
	got := 0
	for _, rec := range result.Diagnostics {
		if rec.Topic == a.Topic {
			got++
		}
	}
	if got < a.Count || (a.Count == 0 && got == 0) {
		want := max(a.Count, 1)
		return &AssertionError{
			Type:     AssertDiagnostics,
			Expected: fmt.Sprintf("at least %d %s messages", want, a.Topic),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertCallsTo:
			err = assertCallsTo(result.Trace, assertion)
		case AssertCallOrder:
			err = assertCallOrder(result.Trace, assertion)
		case AssertOpCount:
			err = assertOpCount(result.Trace, assertion)
		case AssertRepresentation:
			err = assertRepresentation(result, assertion)
		case AssertAdapters:
			err = assertAdapters(result, assertion)
		case AssertDiagnostics:
			err = assertDiagnostics(result, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

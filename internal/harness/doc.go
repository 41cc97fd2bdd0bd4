// Package harness runs lowering conformance scenarios.
//
// A scenario lowers a unit of MIR bodies against a set of layout tables,
// executes the emitted code on the simulator and checks the trace.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: add_one
//	description: "Scalar arithmetic stays in slots"
//	tables: ../../../../testdata/tables
//	functions:
//	  - name: add_one
//	    locals:
//	      - { name: ret, ty: i32 }
//	      - { name: a, ty: i32, kind: arg }
//	    body:
//	      - assign: _0
//	        binary: { op: add, lhs: copy _1, rhs: const 1 i32 }
//	runs:
//	  - call: add_one
//	    args: ["41"]
//	    want: ["42"]
//	assertions:
//	  - type: representation
//	    function: add_one
//	    local: a
//	    repr: scalar
//
// Tables may instead be given inline with tables_cue. A scenario with
// expect_error asserts that lowering fails with the given code and has no
// runs.
//
// # Assertion Types
//
//   - calls_to: a function calls a symbol exactly count times
//   - call_order: a function calls symbols in order, gaps allowed
//   - op_count: a function records an instruction kind exactly count times
//   - representation: a local's storage class and frame offset
//   - adapters: the unit's synthesized adapter symbols in first-use order
//   - diagnostics: a topic recorded at least count messages
//
// # Golden Files
//
// RunWithGolden compares the unit's text listing against
// testdata/golden/{name}.golden. Regenerate with -update.
package harness

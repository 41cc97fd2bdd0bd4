package lower

import (
	"log/slog"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/decimal"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
	"github.com/roach88/chisel/internal/wide"
)

// runScalar lowers body and calls it with args, returning its single
// register result.
func runScalar(t *testing.T, body *mir.Body, args ...uint64) uint64 {
	t.Helper()
	_, tr := lowerOne(t, newTestContext(t), body)
	out, err := newMachine(t, tr).Call(body.Name, args...)
	require.NoError(t, err, "trace:\n%s", tr)
	require.Len(t, out, 1)
	return out[0]
}

func TestLowerFunction_ScalarArithmetic(t *testing.T) {
	body := &mir.Body{
		Name:   "add",
		Locals: []mir.LocalDecl{ret(tyI32), arg("a", tyI32), arg("b", tyI32)},
		Statements: []mir.Statement{
			assign(place(0), mir.Binary{Op: mir.Add, LHS: copyOf(1), RHS: copyOf(2)}),
		},
	}
	assert.Equal(t, uint64(42), runScalar(t, body, 40, 2))
}

func TestLowerFunction_NarrowingCast(t *testing.T) {
	body := &mir.Body{
		Name:   "to_i8",
		Locals: []mir.LocalDecl{ret(tyI8), arg("v", tyI32)},
		Statements: []mir.Statement{
			assign(place(0), mir.Cast{Kind: mir.IntToInt, Operand: copyOf(1), Source: tyI32, Target: tyI8}),
		},
	}
	assert.Equal(t, uint64(0xffffffff), runScalar(t, body, 0x1ff), "0x1ff truncates to -1")
	assert.Equal(t, uint64(0x7f), runScalar(t, body, 0x17f))
}

func TestLowerFunction_IntToFloatFollowsSourceSignedness(t *testing.T) {
	tests := []struct {
		name string
		body *mir.Body
		args []uint64
		want float64
	}{
		{
			name: "u32 into f64",
			body: &mir.Body{
				Name:       "widen_u32",
				Locals:     []mir.LocalDecl{ret(tyF64), arg("a", tyU32)},
				Statements: []mir.Statement{assign(place(0), use(copyOf(1)))},
			},
			args: []uint64{0xFFFFFFFF},
			want: 4294967295,
		},
		{
			name: "i32 into f64",
			body: &mir.Body{
				Name:       "widen_i32",
				Locals:     []mir.LocalDecl{ret(tyF64), arg("a", tyI32)},
				Statements: []mir.Statement{assign(place(0), use(copyOf(1)))},
			},
			args: []uint64{0xFFFFFFFF},
			want: -1,
		},
		{
			name: "u32 right operand of a float add",
			body: &mir.Body{
				Name:   "fadd_u32",
				Locals: []mir.LocalDecl{ret(tyF64), arg("a", tyF64), arg("b", tyU32)},
				Statements: []mir.Statement{
					assign(place(0), mir.Binary{Op: mir.Add, LHS: copyOf(1), RHS: copyOf(2)}),
				},
			},
			args: []uint64{math.Float64bits(0.5), 0x80000000},
			want: 2147483648.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runScalar(t, tt.body, tt.args...)
			assert.Equal(t, tt.want, math.Float64frombits(got))
		})
	}
}

func TestLowerFunction_NumericIntrinsics(t *testing.T) {
	tests := []struct {
		name string
		ty   mir.Ty
		rv   mir.NumericIntrinsic
		args []uint64
		want uint64
	}{
		{"leading zeros u8", tyU8, mir.NumericIntrinsic{Kind: mir.LeadingZeroCount, Bits: 8}, []uint64{1}, 7},
		{"leading zeros u32", tyU32, mir.NumericIntrinsic{Kind: mir.LeadingZeroCount, Bits: 32}, []uint64{1}, 31},
		{"trailing zeros of zero u8", tyU8, mir.NumericIntrinsic{Kind: mir.TrailingZeroCount, Bits: 8}, []uint64{0}, 8},
		{"pop count u16 ignores high bits", tyU16, mir.NumericIntrinsic{Kind: mir.PopCount, Bits: 16}, []uint64{0x100ff}, 8},
		{"rotate left u8", tyU8, mir.NumericIntrinsic{Kind: mir.RotateLeft, Bits: 8}, []uint64{0x81, 1}, 0x03},
		{"rotate right u8", tyU8, mir.NumericIntrinsic{Kind: mir.RotateRight, Bits: 8}, []uint64{0x03, 1}, 0x81},
		{"power of two", tyU32, mir.NumericIntrinsic{Kind: mir.IsPowerOfTwo, Bits: 32}, []uint64{64}, 1},
		{"zero is not a power of two", tyU32, mir.NumericIntrinsic{Kind: mir.IsPowerOfTwo, Bits: 32}, []uint64{0}, 0},
		{"twelve is not a power of two", tyU32, mir.NumericIntrinsic{Kind: mir.IsPowerOfTwo, Bits: 32}, []uint64{12}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locals := []mir.LocalDecl{ret(tt.ty)}
			rv := tt.rv
			for i := range tt.args {
				locals = append(locals, arg("x", tt.ty))
				rv.Operands = append(rv.Operands, copyOf(i+1))
			}
			if rv.Kind == mir.IsPowerOfTwo {
				locals[0] = ret(tyBool)
			}
			body := &mir.Body{Name: "intrinsic", Locals: locals, Statements: []mir.Statement{assign(place(0), rv)}}
			assert.Equal(t, tt.want, runScalar(t, body, tt.args...))
		})
	}
}

func TestLowerFunction_CheckedAddWritesThroughOut(t *testing.T) {
	out := place(3, mir.Deref{})
	body := &mir.Body{
		Name: "try_add",
		Locals: []mir.LocalDecl{
			ret(tyBool), arg("a", tyI8), arg("b", tyI8),
			arg("out", mir.Pointer{Elem: tyI8, Mutable: true}),
		},
		Statements: []mir.Statement{
			assign(place(0), mir.NumericIntrinsic{
				Kind: mir.TryAdd, Bits: 8, Signed: true,
				Operands: []mir.Operand{copyOf(1), copyOf(2)},
				Out:      &out,
			}),
		},
	}
	_, tr := lowerOne(t, newTestContext(t), body)
	f, ok := tr.Function("try_add")
	require.True(t, ok)
	assert.Equal(t, 1, f.CallsTo("rt_numeric_try_add_i8"))

	m := newMachine(t, tr)
	slot := alloc(t, m, 8)
	res, err := m.Call("try_add", 100, 27, slot)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res)
	assert.Equal(t, uint32(127), u32At(t, m, slot)&0xff)

	res, err = m.Call("try_add", 100, 28, slot)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, res, "overflow")
	assert.Zero(t, u32At(t, m, slot)&0xff)
}

func TestLowerFunction_BorrowReleasedBeforeOverwrite(t *testing.T) {
	ref := mir.Ref{Elem: tyI32}
	body := &mir.Body{
		Name: "reborrow",
		Locals: []mir.LocalDecl{
			ret(mir.Unit{}), local("a", tyI32), local("b", tyI32), local("r", ref),
		},
		Statements: []mir.Statement{
			assign(place(1), use(intConst(5, tyI32))),
			assign(place(2), use(intConst(6, tyI32))),
			assign(place(3), use(mir.Borrow{ID: 7, Place: place(1)})),
			assign(place(3), use(mir.Borrow{ID: 8, Place: place(2)})),
			mir.StorageDead{Local: 3},
			assign(place(3), use(mir.Borrow{ID: 9, Place: place(1)})),
		},
	}
	res, tr := lowerOne(t, newTestContext(t), body)
	f, _ := tr.Function("reborrow")
	assert.Equal(t, 2, f.CallsTo("rt_borrow_release"), "one release per live borrow")

	slot := res.Plan.Locals[3].Slot
	isRelease := func(in sink.Instr) bool { return in.Op == sink.OpCall && in.Symbol == "rt_borrow_release" }
	isSlotSet := func(in sink.Instr) bool { return in.Op == sink.OpSlotSet && in.Slot == slot }
	first := indexOf(f, 0, isSlotSet)
	release := indexOf(f, 0, isRelease)
	second := indexOf(f, first+1, isSlotSet)
	require.True(t, first >= 0 && release >= 0 && second >= 0, "trace:\n%s", tr)
	assert.Less(t, first, release)
	assert.Less(t, release, second, "release precedes the overwrite")

	m := newMachine(t, tr)
	_, err := m.Call("reborrow")
	require.NoError(t, err)
	assert.Equal(t, []uint32{7, 8}, m.Released(), "#8 ends at StorageDead, #9 is still live")
}

func TestLowerFunction_StorageDeadReleasesBorrow(t *testing.T) {
	tests := []struct {
		name     string
		kind     mir.BorrowKind
		released []uint32
	}{
		{"shared", mir.BorrowShared, []uint32{4}},
		{"unique", mir.BorrowUnique, []uint32{4}},
		{"raw", mir.BorrowRaw, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &mir.Body{
				Name:   "scoped",
				Locals: []mir.LocalDecl{ret(mir.Unit{}), local("a", tyI32), local("r", mir.Ref{Elem: tyI32})},
				Statements: []mir.Statement{
					assign(place(1), use(intConst(1, tyI32))),
					assign(place(2), use(mir.Borrow{ID: 4, Kind: tt.kind, Place: place(1)})),
					mir.StorageDead{Local: 2},
					mir.StorageDead{Local: 2},
				},
			}
			_, tr := lowerOne(t, newTestContext(t), body)
			f, _ := tr.Function("scoped")
			assert.Equal(t, len(tt.released), f.CallsTo("rt_borrow_release"))

			m := newMachine(t, tr)
			_, err := m.Call("scoped")
			require.NoError(t, err)
			assert.Equal(t, tt.released, m.Released())
		})
	}
}

func TestLowerFunction_DecimalIntrinsic(t *testing.T) {
	decimalTy := mir.Named{Name: "decimal"}
	resultTy := mir.Named{Name: "DecimalIntrinsicResult"}
	body := &mir.Body{
		Name: "dec_add",
		Locals: []mir.LocalDecl{
			ret(mir.Unit{}),
			arg("out", mir.Ref{Elem: resultTy, Mutable: true}),
			arg("a", decimalTy),
			arg("b", decimalTy),
		},
		Statements: []mir.Statement{
			assign(place(1, mir.Deref{}), mir.DecimalIntrinsic{Kind: mir.DecimalAdd, LHS: copyOf(2), RHS: copyOf(3)}),
		},
	}
	_, tr := lowerOne(t, newTestContext(t), body)
	m := newMachine(t, tr)
	out, a, b := alloc(t, m, 24), alloc(t, m, 16), alloc(t, m, 16)
	require.NoError(t, m.WriteDecimal(a, decimal.MustParse("1.25")))
	require.NoError(t, m.WriteDecimal(b, decimal.MustParse("2.75")))
	require.NoError(t, m.Write(out+20, 4, 9))

	_, err := m.Call("dec_add", out, a, b)
	require.NoError(t, err)
	assert.Equal(t, uint32(decimal.Success), u32At(t, m, out))
	got, err := m.ReadDecimal(out + 4)
	require.NoError(t, err)
	assert.Equal(t, "4.00", got.String())
	assert.Zero(t, u32At(t, m, out+20), "variant cleared")
}

func TestLowerFunction_DecimalConstOperand(t *testing.T) {
	decimalTy := mir.Named{Name: "decimal"}
	resultTy := mir.Named{Name: "DecimalIntrinsicResult"}
	body := &mir.Body{
		Name: "dec_mul",
		Locals: []mir.LocalDecl{
			ret(mir.Unit{}),
			arg("out", mir.Ref{Elem: resultTy, Mutable: true}),
			arg("a", decimalTy),
		},
		Statements: []mir.Statement{
			assign(place(1, mir.Deref{}), mir.DecimalIntrinsic{
				Kind: mir.DecimalMul, LHS: copyOf(2), RHS: intConst(3, tyI32),
			}),
		},
	}
	res, tr := lowerOne(t, newTestContext(t), body)
	assert.Equal(t, 2, res.ScratchBlocks, "result block and spilled constant")

	m := newMachine(t, tr)
	out, a := alloc(t, m, 24), alloc(t, m, 16)
	require.NoError(t, m.WriteDecimal(a, decimal.MustParse("1.5")))
	_, err := m.Call("dec_mul", out, a)
	require.NoError(t, err)
	got, err := m.ReadDecimal(out + 4)
	require.NoError(t, err)
	assert.Equal(t, "4.5", got.String())
}

func TestLowerFunction_WideSubtractWraps(t *testing.T) {
	body := &mir.Body{
		Name: "wide_sub",
		Locals: []mir.LocalDecl{
			ret(mir.Unit{}),
			arg("out", mir.Ref{Elem: tyI128, Mutable: true}),
			arg("a", tyI128),
		},
		Statements: []mir.Statement{
			assign(place(1, mir.Deref{}), mir.Binary{Op: mir.Sub, LHS: copyOf(2), RHS: intConst(1, tyI128)}),
		},
	}
	_, tr := lowerOne(t, newTestContext(t), body)
	f, _ := tr.Function("wide_sub")
	assert.Equal(t, 1, f.CallsTo("rt_i128_sub"))

	m := newMachine(t, tr)
	out, a := alloc(t, m, 16), alloc(t, m, 16)
	require.NoError(t, m.WriteWide(a, wide.MinInt128))
	_, err := m.Call("wide_sub", out, a)
	require.NoError(t, err)
	got, err := m.ReadWide(out, true)
	require.NoError(t, err)
	assert.Zero(t, got.Cmp(wide.MaxInt128), "got %s", got)

	require.NoError(t, m.WriteWide(a, big.NewInt(10)))
	_, err = m.Call("wide_sub", out, a)
	require.NoError(t, err)
	got, _ = m.ReadWide(out, true)
	assert.Equal(t, int64(9), got.Int64())
}

func TestLowerFunction_PackedStrHalves(t *testing.T) {
	tests := []struct {
		name string
		body *mir.Body
		args []uint64
		want uint64
	}{
		{
			name: "both halves by name",
			body: &mir.Body{
				Name:   "pack",
				Locals: []mir.LocalDecl{ret(mir.Str{}), arg("p", tyU32), arg("n", tyU32)},
				Statements: []mir.Statement{
					assign(place(0, mir.FieldName{Name: "ptr"}), use(copyOf(1))),
					assign(place(0, mir.FieldName{Name: "len"}), use(copyOf(2))),
				},
			},
			args: []uint64{0x300, 5},
			want: 5<<32 | 0x300,
		},
		{
			name: "length by index keeps the pointer",
			body: &mir.Body{
				Name:   "relen",
				Locals: []mir.LocalDecl{ret(mir.Str{}), arg("s", mir.Str{}), arg("n", tyU32)},
				Statements: []mir.Statement{
					assign(place(0), use(copyOf(1))),
					assign(place(0, mir.FieldIndex{Index: 1}), use(copyOf(2))),
				},
			},
			args: []uint64{9<<32 | 0x400, 3},
			want: 3<<32 | 0x400,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, runScalar(t, tt.body, tt.args...))
		})
	}
}

func TestLowerFunction_SpanStackAlloc(t *testing.T) {
	usize := mir.Named{Name: "usize"}
	tests := []struct {
		name    string
		source  mir.Operand
		memmove int
	}{
		{"uninitialized", nil, 0},
		{"pending source", mir.Pending{}, 0},
		{"copied from an array", copyOf(3), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := &mir.Body{
				Name: "scratch",
				Locals: []mir.LocalDecl{
					ret(mir.Unit{}),
					arg("out", mir.Ref{Elem: mir.Span{Elem: tyI32}, Mutable: true}),
					arg("n", usize),
					arg("src", mir.Array{Elem: tyI32, Len: 3}),
				},
				Statements: []mir.Statement{
					assign(place(1, mir.Deref{}), mir.SpanStackAlloc{Elem: tyI32, Length: copyOf(2), Source: tt.source}),
				},
			}
			res, tr := lowerOne(t, newTestContext(t), body)
			assert.Equal(t, 1, res.ScratchBlocks)
			f, ok := tr.Function("scratch")
			require.True(t, ok)
			assert.Equal(t, 1, f.Count(sink.OpStackAlloc))

			m := newMachine(t, tr)
			out, src := alloc(t, m, 32), alloc(t, m, 12)
			for i, v := range []uint64{11, 22, 33} {
				require.NoError(t, m.Write(src+uint64(4*i), 4, v))
			}
			_, err := m.Call("scratch", out, 3, src)
			require.NoError(t, err)

			data := word(t, m, out)
			assert.NotZero(t, data)
			assert.Equal(t, uint64(3), word(t, m, out+8), "length")
			assert.Equal(t, uint64(4), word(t, m, out+16), "element size")
			assert.Equal(t, uint64(4), word(t, m, out+24), "element align")
			assert.Equal(t, tt.memmove, m.Calls("memmove"))
			if tt.memmove > 0 {
				assert.Equal(t, uint32(22), u32At(t, m, data+4))
			}
		})
	}
}

func TestLowerFunction_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      *mir.Body
		is        func(error) bool
		construct string
	}{
		{
			name: "aggregate of unknown type",
			body: &mir.Body{
				Name:   "ghost",
				Locals: []mir.LocalDecl{ret(mir.Unit{}), local("p", tyPoint)},
				Statements: []mir.Statement{
					assign(place(1), mir.Aggregate{Kind: mir.AdtAggregate{Name: "Ghost"}, Fields: []mir.Operand{intConst(1, tyI32)}}),
				},
			},
			is:        IsMissingLayout,
			construct: "_1",
		},
		{
			name: "bitwise and of floats",
			body: &mir.Body{
				Name:   "fand",
				Locals: []mir.LocalDecl{ret(tyF64), arg("a", tyF64), arg("b", tyF64)},
				Statements: []mir.Statement{
					assign(place(0), mir.Binary{Op: mir.BitAnd, LHS: copyOf(1), RHS: copyOf(2)}),
				},
			},
			is:        IsUnsupportedShape,
			construct: "_0",
		},
		{
			name: "subslice of a vec",
			body: &mir.Body{
				Name:   "slice",
				Locals: []mir.LocalDecl{ret(tyI32), arg("v", mir.Vec{Elem: tyI32})},
				Statements: []mir.Statement{
					assign(place(0), use(copyOf(1, mir.Subslice{From: 0, To: 1}))),
				},
			},
			is: IsNotYetImplemented,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := sink.NewTrace()
			_, err := newTestContext(t).LowerFunction(tt.body, tr)
			require.Error(t, err)
			assert.True(t, tt.is(err), "got %v", err)

			var le *Error
			require.ErrorAs(t, err, &le)
			assert.Equal(t, tt.body.Name, le.Function)
			if tt.construct != "" {
				assert.Equal(t, tt.construct, le.Construct)
			}
			assert.Empty(t, tr.Functions, "nothing emitted on error")
		})
	}
}

func TestLowerFunction_ExternBodyIsClassifiedOnly(t *testing.T) {
	body := &mir.Body{
		Name:   "ext",
		Extern: true,
		Locals: []mir.LocalDecl{ret(tyI32), arg("p", tyPoint)},
	}
	res, tr := lowerOne(t, newTestContext(t), body)
	assert.True(t, res.Extern)
	assert.Equal(t, PointerParam, res.Plan.Locals[1].Repr)
	assert.Empty(t, tr.Functions)
}

func TestLowerFunction_Diagnostics(t *testing.T) {
	rec := diag.NewRecorder()
	c := newTestContext(t, WithDiagnostics(diag.New(slog.New(rec), diag.TopicScalarAssign)))
	body := &mir.Body{
		Name:   "copy",
		Locals: []mir.LocalDecl{ret(tyI32), arg("a", tyI32)},
		Statements: []mir.Statement{
			assign(place(0), use(copyOf(1))),
		},
	}
	lowerOne(t, c, body)

	var rules []string
	for _, r := range rec.Topic(diag.TopicScalarAssign) {
		if rule, ok := r.Attrs["rule"]; ok {
			rules = append(rules, rule)
		}
	}
	assert.Equal(t, []string{"whole-local"}, rules)
	assert.Empty(t, rec.Topic(diag.TopicClassify), "disabled topics stay silent")
}

func TestLowerFunction_NilBody(t *testing.T) {
	_, err := newTestContext(t).LowerFunction(nil, sink.NewTrace())
	assert.Error(t, err)
}

package sim

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/decimal"
	"github.com/roach88/chisel/internal/sink"
	"github.com/roach88/chisel/internal/wide"
)

func v(id int, k sink.Kind) sink.Value {
	return sink.Value{ID: id, Kind: k}
}

func TestMachine_ArithmeticAndReturn(t *testing.T) {
	tr := sink.NewTrace()
	tr.BeginFunction(sink.Signature{
		Name:    "add",
		Params:  []sink.Slot{{Index: 0, Kind: sink.I32}, {Index: 1, Kind: sink.I32}},
		Slots:   []sink.Slot{{Index: 0, Kind: sink.I32}, {Index: 1, Kind: sink.I32}},
		Results: []sink.Kind{sink.I32},
	})
	tr.SlotGet(v(1, sink.I32), 0)
	tr.SlotGet(v(2, sink.I32), 1)
	tr.Binary(v(3, sink.I32), sink.Add, v(1, sink.I32), v(2, sink.I32))
	tr.Return(v(3, sink.I32))
	tr.EndFunction()

	m := New(tr)
	out, err := m.Call("add", 40, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{42}, out)

	out, err = m.Call("add", 0xffffffff, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, out, "i32 arithmetic wraps")
}

func TestMachine_FrameAndStackRestore(t *testing.T) {
	tr := sink.NewTrace()
	tr.BeginFunction(sink.Signature{Name: "f", FrameSize: 32, Results: []sink.Kind{sink.I64}})
	tr.FrameAddress(v(1, sink.I64), 8)
	tr.MaterializeConstant(v(2, sink.I64), 0x1122334455667788)
	tr.StoreScalar(v(1, sink.I64), 0, v(2, sink.I64), 8)
	tr.MaterializeConstant(v(3, sink.I64), 64)
	tr.StackAlloc(v(4, sink.I64), v(3, sink.I64), 16)
	tr.LoadScalar(v(5, sink.I64), v(1, sink.I64), 0, 4, false)
	tr.Return(v(5, sink.I64))
	tr.EndFunction()

	m := New(tr)
	sp := m.SP()
	out, err := m.Call("f")
	require.NoError(t, err)
	assert.Equal(t, []uint64{0x55667788}, out)
	assert.Equal(t, sp, m.SP(), "stack pointer restored after return")
}

func TestMachine_SignedLoads(t *testing.T) {
	m := New(sink.NewTrace())
	addr, err := m.Alloc(8, 8)
	require.NoError(t, err)
	require.NoError(t, m.Write(addr, 1, 0xff))

	got, err := m.load(addr, 1, true)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffffffffffff), got)

	got, err = m.load(addr, 1, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xff), got)
}

func TestMachine_NullAccessFails(t *testing.T) {
	m := New(sink.NewTrace())
	_, err := m.ReadU32(0)
	assert.Error(t, err)
}

func TestMachine_UnresolvedSymbol(t *testing.T) {
	m := New(sink.NewTrace())
	_, err := m.Call("nowhere")
	assert.ErrorContains(t, err, "unresolved symbol")
}

func TestMachine_Externals(t *testing.T) {
	var seen []uint64
	m := New(sink.NewTrace(), WithExternal("host_fn", func(_ *Machine, args []uint64) ([]uint64, error) {
		seen = append(seen, args...)
		return []uint64{7}, nil
	}))
	out, err := m.Call("host_fn", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, out)
	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestRuntime_MemmoveAndBorrowRelease(t *testing.T) {
	m := New(sink.NewTrace())
	src, _ := m.Alloc(4, 4)
	dst, _ := m.Alloc(4, 4)
	require.NoError(t, m.Write(src, 4, 0xdeadbeef))

	_, err := m.Call("rt_memmove", dst, src, 4)
	require.NoError(t, err)
	got, _ := m.ReadU32(dst)
	assert.Equal(t, uint32(0xdeadbeef), got)

	_, err = m.Call("rt_borrow_release", 9)
	require.NoError(t, err)
	assert.Equal(t, []uint32{9}, m.Released())
	assert.Equal(t, 1, m.Calls("borrow_release"))
}

func TestRuntime_Strings(t *testing.T) {
	m := New(sink.NewTrace(), WithPrefix("cs"))
	require.NoError(t, m.WriteBytes(0x100, []byte("hello")))
	hdr, err := m.Alloc(24, 8)
	require.NoError(t, err)

	_, err = m.Call("cs_string_from_slice", hdr, uint64(5)<<32|0x100)
	require.NoError(t, err)
	s, err := m.ReadString(hdr)
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	other, err := m.NewString(", world")
	require.NoError(t, err)
	joined, _ := m.Alloc(24, 8)
	_, err = m.Call("cs_string_concat", joined, hdr, other)
	require.NoError(t, err)
	s, _ = m.ReadString(joined)
	assert.Equal(t, "hello, world", s)
}

func TestRuntime_RefCounts(t *testing.T) {
	m := New(sink.NewTrace())
	box, _ := m.Alloc(16, 8)
	src, _ := m.Alloc(8, 8)
	dst, _ := m.Alloc(8, 8)
	require.NoError(t, m.WriteWord(src, box))
	m.SetRefCount(box, 1)

	_, err := m.Call("rt_rc_clone", dst, src)
	require.NoError(t, err)
	assert.Equal(t, 2, m.RefCount(box))

	_, err = m.Call("rt_rc_drop", src)
	require.NoError(t, err)
	assert.Equal(t, 1, m.RefCount(box))
}

func TestRuntime_Wide(t *testing.T) {
	m := New(sink.NewTrace())
	a, _ := m.Alloc(16, 8)
	b, _ := m.Alloc(16, 8)
	dst, _ := m.Alloc(16, 8)
	require.NoError(t, m.WriteWide(a, wide.MinInt128))
	require.NoError(t, m.WriteWide(b, big.NewInt(1)))

	_, err := m.Call("rt_i128_sub", dst, a, b)
	require.NoError(t, err)
	got, err := m.ReadWide(dst, true)
	require.NoError(t, err)
	assert.Zero(t, got.Cmp(wide.MaxInt128), "MIN - 1 wraps to MAX")

	out, err := m.Call("rt_i128_cmp", a, b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xffffffff), out[0])

	_, err = m.Call("rt_u128_shl", dst, b, 100)
	require.NoError(t, err)
	got, _ = m.ReadWide(dst, false)
	assert.Zero(t, got.Cmp(new(big.Int).Lsh(big.NewInt(1), 100)))
}

func TestRuntime_Decimal(t *testing.T) {
	m := New(sink.NewTrace())
	a, _ := m.Alloc(16, 4)
	b, _ := m.Alloc(16, 4)
	out, _ := m.Alloc(20, 4)
	require.NoError(t, m.WriteDecimal(a, decimal.MustParse("1.25")))
	require.NoError(t, m.WriteDecimal(b, decimal.MustParse("2.75")))

	_, err := m.Call("rt_decimal_add_out", out, a, b, uint64(decimal.TiesToEven), 0)
	require.NoError(t, err)
	status, _ := m.ReadU32(out)
	assert.Equal(t, uint32(decimal.Success), status)
	p, err := m.ReadDecimal(out + 4)
	require.NoError(t, err)
	assert.Equal(t, "4.00", p.String())

	_, err = m.Call("rt_decimal_div_out", out, a, out+4, uint64(decimal.TiesToEven), 0)
	require.NoError(t, err)
	status, _ = m.ReadU32(out)
	assert.Equal(t, uint32(decimal.Success), status)
}

func TestRuntime_NumericTry(t *testing.T) {
	m := New(sink.NewTrace())
	out, _ := m.Alloc(8, 8)

	tests := []struct {
		name   string
		hook   string
		args   []uint64
		ok     uint64
		result uint64
		size   int
	}{
		{"i8 add fits", "rt_numeric_try_add_i8", []uint64{100, 27}, 1, 127, 1},
		{"i8 add overflows", "rt_numeric_try_add_i8", []uint64{100, 28}, 0, 0, 1},
		{"u32 sub underflows", "rt_numeric_try_sub_u32", []uint64{1, 2}, 0, 0, 4},
		{"i32 neg of min", "rt_numeric_try_neg_i32", []uint64{0x80000000}, 0, 0, 4},
		{"i64 mul fits", "rt_numeric_try_mul_i64", []uint64{1 << 31, 2}, 1, 1 << 32, 8},
		{"i16 sub negative", "rt_numeric_try_sub_i16", []uint64{1, 2}, 1, 0xffff, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Call(tt.hook, append([]uint64{out}, tt.args...)...)
			require.NoError(t, err)
			assert.Equal(t, tt.ok, res[0])
			got, err := m.load(out, tt.size, false)
			require.NoError(t, err)
			assert.Equal(t, tt.result, got)
		})
	}
}

func TestConvert(t *testing.T) {
	assert.Equal(t, uint64(0xffffffffffffffff), convert(sink.ExtendS, sink.I32, sink.I64, 0xffffffff))
	assert.Equal(t, uint64(0xffffffff), convert(sink.ExtendU, sink.I32, sink.I64, 0xffffffff))
	assert.Equal(t, uint64(0x89abcdef), convert(sink.Wrap, sink.I64, sink.I32, 0x0123456789abcdef))
}

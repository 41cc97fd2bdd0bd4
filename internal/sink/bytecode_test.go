package sink

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLEB128(t *testing.T) {
	unsigned := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tt := range unsigned {
		assert.Equal(t, tt.want, appendULEB128(nil, tt.v), "uleb %d", tt.v)
	}

	signed := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-1, []byte{0x7f}},
		{-64, []byte{0x40}},
		{-65, []byte{0xbf, 0x7f}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tt := range signed {
		assert.Equal(t, tt.want, appendSLEB128(nil, tt.v), "sleb %d", tt.v)
	}
}

// callThree emits h(a i32) calling f, g, f and returning nothing.
func callThree(b *Bytecode) {
	b.BeginFunction(Signature{
		Name:      "h",
		Params:    []Slot{{Index: 0, Kind: I32}},
		Slots:     []Slot{{Index: 0, Kind: I32}},
		FrameSize: 16,
	})
	b.Call("f", nil, nil)
	b.Call("g", nil, nil)
	b.Call("f", nil, nil)
	b.Return()
	b.EndFunction()
}

var callThreeCode = []byte{
	0x23, 0x00, 0x42, 0x10, 0x7d, 0x22, 0x01, 0x24, 0x00, // sp -= 16; fp = sp
	0x10, 0x00, 0x10, 0x01, 0x10, 0x00,
	0x20, 0x01, 0x42, 0x10, 0x7c, 0x24, 0x00, 0x0f, // sp = fp + 16; return
	0x0b,
}

func TestBytecode_PrologueImportsAndEpilogue(t *testing.T) {
	b := NewBytecode(I64)
	callThree(b)

	assert.Equal(t, []string{"f", "g"}, b.Imports, "imports deduplicated in first-use order")
	f, ok := b.Function("h")
	require.True(t, ok)
	assert.Equal(t, callThreeCode, f.Code)
	assert.Equal(t, []Kind{I32}, f.Params)
	assert.Equal(t, []Kind{I64}, f.Locals, "only the frame base")
}

func TestBytecode_Encode(t *testing.T) {
	b := NewBytecode(I64)
	callThree(b)

	var want []byte
	want = append(want, 0x00, 'c', 'h', 'b', 0x01)
	want = append(want, 0x02, 0x01, 'f', 0x01, 'g')
	want = append(want, 0x01, 0x01, 'h')
	want = append(want, 0x01, typeI32, 0x00, 0x01, typeI64)
	want = append(want, byte(len(callThreeCode)))
	want = append(want, callThreeCode...)
	assert.Equal(t, want, b.Encode())
}

func TestBytecode_Dump(t *testing.T) {
	b := NewBytecode(I64)
	callThree(b)
	want := "imports: f, g\n" +
		"func h params=[i32] results=[] locals=1\n" +
		"  0000  230042107d2201240010001001100020\n" +
		"  0010  0142107c24000f0b\n"
	assert.Equal(t, want, b.Dump())
}

func TestBytecode_ValuesFollowSlotsAndFrame(t *testing.T) {
	b := NewBytecode(I32)
	b.BeginFunction(Signature{
		Name:    "k",
		Params:  []Slot{{Index: 0, Kind: I32}},
		Results: []Kind{I64},
		Slots:   []Slot{{Index: 0, Kind: I32}, {Index: 1, Kind: I64}},
	})
	v1 := Value{ID: 1, Kind: I32}
	v2 := Value{ID: 2, Kind: I64}
	b.MaterializeConstant(v1, 0xffffffff)
	b.Convert(v2, ExtendS, v1)
	b.SlotSet(1, v2)
	b.Return(v2)
	b.EndFunction()

	f, ok := b.Function("k")
	require.True(t, ok)
	// slots 0-1, frame base 2, v1 = 3, v2 = 4
	assert.True(t, f.Contains(0x41, 0x7f, 0x21, 0x03), "i32.const -1; local.set v1")
	assert.True(t, f.Contains(0x20, 0x03, 0xac, 0x21, 0x04), "extend_s into v2")
	assert.True(t, f.Contains(0x20, 0x04, 0x21, 0x01), "slot store")
	assert.True(t, f.Contains(0x20, 0x04, 0x0f), "return v2")
	assert.True(t, bytes.HasPrefix(f.Code, []byte{0x23, 0x00, 0x41, 0x00, 0x6b, 0x22, 0x02}), "32-bit prologue with an empty frame")
	assert.Equal(t, []Kind{I64, I32, I32, I64}, f.Locals)
}

func TestBytecode_LoadStoreSelect(t *testing.T) {
	b := NewBytecode(I64)
	b.BeginFunction(Signature{Name: "m"})
	p := Value{ID: 1, Kind: I64}
	x := Value{ID: 2, Kind: I32}
	y := Value{ID: 3, Kind: I32}
	b.LoadScalar(x, p, 4, 2, true)
	b.StoreScalar(p, -8, x, 1)
	b.Select(y, x, x, x)
	b.Drop(y)
	b.EndFunction()

	f, ok := b.Function("m")
	require.True(t, ok)
	// frame base is local 0, so value N is local N
	assert.True(t, f.Contains(0x20, 0x01, 0x2e, 0x01, 0x04, 0x21, 0x02), "i32.load16_s align=1 offset=4")
	assert.True(t, f.Contains(0x20, 0x01, 0x42, 0x78, 0x7c, 0x20, 0x02, 0x3a, 0x00, 0x00), "negative offset folded into the address")
	assert.True(t, f.Contains(0x20, 0x02, 0x20, 0x02, 0x20, 0x02, 0x1b, 0x21, 0x03), "select")
	assert.True(t, f.Contains(0x20, 0x03, 0x1a), "drop")
}

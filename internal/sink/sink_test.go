package sink

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	w1 = Value{ID: 1, Kind: I32}
	w2 = Value{ID: 2, Kind: I32}
	w3 = Value{ID: 3, Kind: I32}
	l4 = Value{ID: 4, Kind: I64}
	w5 = Value{ID: 5, Kind: I32}
	w6 = Value{ID: 6, Kind: I32}
	w7 = Value{ID: 7, Kind: I32}
)

// emitSample drives one function through every kind of operation the
// text listing renders specially.
func emitSample(s Sink) {
	s.BeginFunction(Signature{
		Name:      "add::one",
		Params:    []Slot{{Index: 0, Kind: I32, Name: "a"}},
		Results:   []Kind{I32},
		Slots:     []Slot{{Index: 0, Kind: I32, Name: "a"}, {Index: 1, Kind: I32, Name: "b"}},
		FrameSize: 16,
	})
	s.SlotGet(w1, 0)
	s.MaterializeConstant(w2, 1)
	s.Binary(w3, Add, w1, w2)
	s.FrameAddress(l4, 8)
	s.StoreScalar(l4, 0, w3, 4)
	s.LoadScalar(w5, l4, 2, 1, true)
	s.Call("rt::hook", []Value{w5}, []Value{w6})
	s.SlotSet(1, w6)
	s.Select(w7, w5, w3, w6)
	s.Return(w7)
	s.EndFunction()
}

func TestText_Golden(t *testing.T) {
	txt := NewText()
	emitSample(txt)
	txt.Section("synthesized adapters")

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "text_listing", []byte(txt.String()))
}

func TestText_Constants(t *testing.T) {
	txt := NewText()
	txt.MaterializeConstant(Value{ID: 1, Kind: I32}, 0xffffffff)
	txt.MaterializeConstant(Value{ID: 2, Kind: I64}, 1<<40)
	txt.MaterializeConstant(Value{ID: 3, Kind: F64}, 0x3ff8000000000000)
	assert.Equal(t, "\t%v1 =w copy -1\n\t%v2 =l copy 1099511627776\n\t%v3 =d copy d_1.5\n", txt.String())
}

func TestMangle(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"main", "main"},
		{"a::b::c", "a.b.c"},
		{"twice::invoke::to_fn_ptr#0", "twice.invoke.to_fn_ptr_0"},
		{"Vec<i32>", "Vec_i32_"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Mangle(tt.in))
		})
	}
}

func TestTrace_Queries(t *testing.T) {
	tr := NewTrace()
	emitSample(tr)

	f, ok := tr.Function("add::one")
	require.True(t, ok)
	assert.Equal(t, OpBegin, f.Instrs[0].Op)
	assert.Equal(t, OpEnd, f.Instrs[len(f.Instrs)-1].Op)
	assert.Equal(t, []string{"rt::hook"}, f.Calls())
	assert.Equal(t, 1, f.CallsTo("rt::hook"))
	assert.Zero(t, f.CallsTo("rt::other"))
	assert.Equal(t, 1, f.Count(OpSelect))
	assert.Equal(t, 1, f.Count(OpSlotSet))

	_, ok = tr.Function("missing")
	assert.False(t, ok)
}

func TestTrace_CopiesArgs(t *testing.T) {
	tr := NewTrace()
	args := []Value{w1, w2}
	tr.Call("f", args, nil)
	args[0] = w7
	assert.Equal(t, w1, tr.Functions[0].Instrs[0].Args[0])
	assert.Equal(t, "<toplevel>", tr.Functions[0].Sig.Name, "ops outside a function are still recorded")
}

func TestTrace_ReplayMatchesDirectEmission(t *testing.T) {
	tr := NewTrace()
	emitSample(tr)

	direct := NewText()
	emitSample(direct)
	replayed := NewText()
	tr.Replay(replayed)
	assert.Equal(t, direct.String(), replayed.String())

	again := NewTrace()
	tr.Replay(again)
	assert.Equal(t, tr.String(), again.String())
}

func TestTee_FansOutInOrder(t *testing.T) {
	a, b := NewTrace(), NewTrace()
	txt := NewText()
	emitSample(Tee{a, b, txt})

	assert.Equal(t, a.String(), b.String())
	require.Len(t, a.Functions, 1)

	direct := NewText()
	emitSample(direct)
	assert.Equal(t, direct.String(), txt.String())
}

func TestTee_SectionReachesTextOnly(t *testing.T) {
	tr, txt := NewTrace(), NewText()
	Tee{tr, txt}.Section("synthesized adapters")
	assert.Equal(t, "# --- Synthesized Adapters ---\n\n", txt.String())
	assert.Empty(t, tr.Functions)
}

func TestKindAndOpNames(t *testing.T) {
	assert.Equal(t, "i64", I64.String())
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.True(t, F32.IsFloat())
	assert.False(t, I64.IsFloat())
	assert.Equal(t, 8, F64.Bytes())
	assert.Equal(t, 4, I32.Bytes())
	assert.Equal(t, "sar", ShrS.String())
	assert.True(t, GeU.IsComparison())
	assert.False(t, Rotr.IsComparison())
	assert.Equal(t, "popcnt", Popcnt.String())
	assert.Equal(t, "truncu", TruncU.String())
	assert.False(t, Value{}.Valid())
	assert.Equal(t, "%v3", w3.String())
}

package lower

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sim"
	"github.com/roach88/chisel/internal/sink"
)

// dynBody builds fn(src: srcTy, out: &mut dyn trait) { *out = src }.
func dynBody(name string, srcTy mir.Ty, src mir.Operand, trait string) *mir.Body {
	return &mir.Body{
		Name: name,
		Locals: []mir.LocalDecl{
			ret(mir.Unit{}),
			arg("src", srcTy),
			arg("out", mir.Ref{Elem: mir.TraitObject{Trait: trait}, Mutable: true}),
		},
		Statements: []mir.Statement{
			assign(place(2, mir.Deref{}), use(src)),
		},
	}
}

// object allocates a class instance whose header points at class.
func object(t *testing.T, m *sim.Machine, class uint64) uint64 {
	t.Helper()
	p := alloc(t, m, 16)
	require.NoError(t, m.WriteWord(p, class))
	return p
}

func TestLowerDyn_StructThroughReference(t *testing.T) {
	body := dynBody("as_shape", mir.Ref{Elem: tyPoint}, copyOf(1), "Shape")
	_, tr := lowerOne(t, newTestContext(t), body)

	m := newMachine(t, tr)
	point, out := alloc(t, m, 8), alloc(t, m, 16)
	_, err := m.Call("as_shape", point, out)
	require.NoError(t, err)
	assert.Equal(t, point, word(t, m, out), "context is the object address")
	assert.Equal(t, uint64(shapePointVT), word(t, m, out+8))
}

func TestLowerDyn_DirectAndRemappedTablesAgree(t *testing.T) {
	c := newTestContext(t)

	direct := dynBody("widget_direct", mir.Named{Name: "Widget"}, copyOf(1), "Draw")
	_, tr := lowerOne(t, c, direct)
	f, _ := tr.Function("widget_direct")
	assert.Zero(t, f.Count(sink.OpSelect), "direct lookup needs no runtime remap")

	remap := dynBody("other_to_draw", mir.Ref{Elem: mir.TraitObject{Trait: "Other"}}, copyOf(1, mir.Deref{}), "Draw")
	_, tr2 := lowerOne(t, c, remap)
	f2, _ := tr2.Function("other_to_draw")
	assert.Equal(t, 2, f2.Count(sink.OpSelect), "one select per registered class table")

	m := newMachine(t, tr)
	widget := object(t, m, widgetClassVT)
	out := alloc(t, m, 16)
	_, err := m.Call("widget_direct", widget, out)
	require.NoError(t, err)
	directVT := word(t, m, out+8)
	assert.Equal(t, uint64(drawWidgetVT), directVT)

	m2 := newMachine(t, tr2)
	widget2 := object(t, m2, widgetClassVT)
	other := alloc(t, m2, 16)
	require.NoError(t, m2.WriteWord(other, widget2))
	require.NoError(t, m2.WriteWord(other+8, 0xdead))
	out2 := alloc(t, m2, 16)
	_, err = m2.Call("other_to_draw", other, out2)
	require.NoError(t, err)
	assert.Equal(t, widget2, word(t, m2, out2))
	assert.Equal(t, directVT, word(t, m2, out2+8), "remap lands on the same table")

	gadget := object(t, m2, gadgetClassVT)
	require.NoError(t, m2.WriteWord(other, gadget))
	_, err = m2.Call("other_to_draw", other, out2)
	require.NoError(t, err)
	assert.Equal(t, uint64(drawGadgetVT), word(t, m2, out2+8))
}

func TestLowerDyn_SameTraitCopiesBothWords(t *testing.T) {
	body := dynBody("copy_shape", mir.Ref{Elem: mir.TraitObject{Trait: "Shape"}}, copyOf(1, mir.Deref{}), "Shape")
	_, tr := lowerOne(t, newTestContext(t), body)

	m := newMachine(t, tr)
	src, out := alloc(t, m, 16), alloc(t, m, 16)
	require.NoError(t, m.WriteWord(src, 0x1234))
	require.NoError(t, m.WriteWord(src+8, 0x5678))
	_, err := m.Call("copy_shape", src, out)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), word(t, m, out))
	assert.Equal(t, uint64(0x5678), word(t, m, out+8))
}

func TestLowerDyn_NullClearsBothWords(t *testing.T) {
	body := dynBody("null_shape", tyI32, mir.Const{Value: mir.Null{}, Ty: mir.TraitObject{Trait: "Shape"}}, "Shape")
	_, tr := lowerOne(t, newTestContext(t), body)

	m := newMachine(t, tr)
	out := alloc(t, m, 16)
	require.NoError(t, m.WriteWord(out, 1))
	require.NoError(t, m.WriteWord(out+8, 2))
	_, err := m.Call("null_shape", 0, out)
	require.NoError(t, err)
	assert.Zero(t, word(t, m, out))
	assert.Zero(t, word(t, m, out+8))
}

func TestLowerDyn_StringLiteralBoxed(t *testing.T) {
	tables := testTables()
	tables.TraitVtables = append(tables.TraitVtables,
		layout.TraitVtable{Trait: "Display", Impl: "str", Symbol: "vt.Display.str"})
	tables.TraitVtableOffsets["vt.Display.str"] = 0x280
	c, err := NewContext(tables)
	require.NoError(t, err)

	body := dynBody("greet", tyI32, mir.Const{Value: mir.StrLit{ID: 0}, Ty: mir.Str{}}, "Display")
	_, tr := lowerOne(t, c, body)

	m := newMachine(t, tr)
	out := alloc(t, m, 16)
	_, err = m.Call("greet", 0, out)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x280), word(t, m, out+8))
	box := word(t, m, out)
	packed := word(t, m, box)
	assert.Equal(t, uint64(5)<<32|0x300, packed, "literal packed as len<<32 | offset")
	b, err := m.Bytes(packed&0xffffffff, int(packed>>32))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestLowerDyn_NotImplemented(t *testing.T) {
	body := dynBody("bad", tyPoint, copyOf(1), "Draw")
	_, err := newTestContext(t).LowerFunction(body, sink.NewTrace())
	require.Error(t, err)
	assert.True(t, IsUnsupportedShape(err), "got %v", err)
}

func TestLowerDyn_RuntimeRemapUnmatchedClassKeepsClassTable(t *testing.T) {
	rec := diag.NewRecorder()
	c := newTestContext(t, WithDiagnostics(diag.New(slog.New(rec), diag.TopicDynAssign)))
	body := dynBody("other_to_draw", mir.Ref{Elem: mir.TraitObject{Trait: "Other"}}, copyOf(1, mir.Deref{}), "Draw")
	_, tr := lowerOne(t, c, body)

	var remaps []diag.Record
	for _, r := range rec.Topic(diag.TopicDynAssign) {
		if r.Message == "runtime remap" {
			remaps = append(remaps, r)
		}
	}
	require.Len(t, remaps, 1)
	assert.Equal(t, "class table", remaps[0].Attrs["unmatched"])
	assert.Equal(t, "2", remaps[0].Attrs["pairs"])

	const unknownClass = 0x3c0
	m := newMachine(t, tr)
	obj := object(t, m, unknownClass)
	other, out := alloc(t, m, 16), alloc(t, m, 16)
	require.NoError(t, m.WriteWord(other, obj))
	_, err := m.Call("other_to_draw", other, out)
	require.NoError(t, err)
	assert.Equal(t, obj, word(t, m, out))
	assert.Equal(t, uint64(unknownClass), word(t, m, out+8))
}

func TestLowerDyn_ThreadStartPatchesTable(t *testing.T) {
	tests := []struct {
		name  string
		trait string
		src   string
		patch uint64
	}{
		{"direct entry gets the adapter run", "Draw", "Widget", 9},
		{"runtime remap gets the impl run", "Draw", "Sprocket", 10},
		{"other traits are left alone", "Shape", "Widget", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tables := testTables()
			tables.AddLayout(&layout.StructLayout{
				Name: "Sprocket", Kind: layout.KindClass, Size: 16, Align: 8,
				Fields: []layout.FieldLayout{layout.Field("class", mir.Named{Name: "usize"}, 0), layout.Field("id", tyI32, 8)},
			})
			tables.Functions[ThreadStartAdapterRun] = 9
			tables.Functions["Sprocket::Run"] = 10
			c, err := NewContext(tables, WithThreadStartTrait(tt.trait))
			require.NoError(t, err)

			body := dynBody("start", mir.Named{Name: tt.src}, copyOf(1), "Draw")
			_, tr := lowerOne(t, c, body)

			m := newMachine(t, tr)
			obj, out := object(t, m, widgetClassVT), alloc(t, m, 16)
			_, err = m.Call("start", obj, out)
			require.NoError(t, err)
			assert.Equal(t, obj, word(t, m, out))
			assert.Equal(t, uint64(drawWidgetVT), word(t, m, out+8))
			assert.Equal(t, tt.patch, word(t, m, drawWidgetVT), "first slot of the selected table")
		})
	}
}

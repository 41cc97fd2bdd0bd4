package lower

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sim"
	"github.com/roach88/chisel/internal/sink"
)

var (
	tyI8    = mir.Named{Name: "i8"}
	tyU8    = mir.Named{Name: "u8"}
	tyU16   = mir.Named{Name: "u16"}
	tyI32   = mir.Named{Name: "i32"}
	tyU32   = mir.Named{Name: "u32"}
	tyI64   = mir.Named{Name: "i64"}
	tyF64   = mir.Named{Name: "f64"}
	tyBool  = mir.Named{Name: "bool"}
	tyI128  = mir.Named{Name: "i128"}
	tyPoint = mir.Named{Name: "Point"}
	tyEnv   = mir.Named{Name: "AdderEnv"}

	fnI32 = mir.Fn{Params: []mir.Ty{tyI32}, Ret: tyI32}
)

// Vtable offsets registered by testTables.
const (
	shapePointVT  = 0x100
	drawWidgetVT  = 0x140
	drawGadgetVT  = 0x180
	widgetClassVT = 0x200
	gadgetClassVT = 0x240
)

// testTables registers a small 64-bit world: a Point struct implementing
// Shape, two classes implementing Draw, a capture-less closure that needs
// an adapter and a capturing closure whose invoke takes a context.
func testTables() *layout.Tables {
	t := layout.New(8)
	t.AddLayout(&layout.StructLayout{
		Name: "Point", Kind: layout.KindStruct, Size: 8, Align: 4,
		Fields: []layout.FieldLayout{layout.Field("x", tyI32, 0), layout.Field("y", tyI32, 4)},
	})
	t.AddLayout(&layout.StructLayout{
		Name: "Widget", Kind: layout.KindClass, Size: 16, Align: 8,
		Fields: []layout.FieldLayout{layout.Field("class", mir.Named{Name: "usize"}, 0), layout.Field("id", tyI32, 8)},
	})
	t.AddLayout(&layout.StructLayout{
		Name: "Gadget", Kind: layout.KindClass, Size: 16, Align: 8,
		Fields: []layout.FieldLayout{layout.Field("class", mir.Named{Name: "usize"}, 0), layout.Field("id", tyI32, 8)},
	})
	t.AddLayout(&layout.StructLayout{
		Name: "AdderEnv", Kind: layout.KindStruct, Size: 8, Align: 4,
		Fields: []layout.FieldLayout{layout.Field("x", tyI32, 0), layout.Field("y", tyI32, 4)},
	})

	t.TraitVtables = []layout.TraitVtable{
		{Trait: "Shape", Impl: "Point", Symbol: "vt.Shape.Point"},
		{Trait: "Draw", Impl: "Widget", Symbol: "vt.Draw.Widget"},
		{Trait: "Draw", Impl: "Gadget", Symbol: "vt.Draw.Gadget"},
	}
	t.TraitVtableOffsets["vt.Shape.Point"] = shapePointVT
	t.TraitVtableOffsets["vt.Draw.Widget"] = drawWidgetVT
	t.TraitVtableOffsets["vt.Draw.Gadget"] = drawGadgetVT
	t.ClassVtableOffsets[layout.ClassVtableSymbol("Widget")] = widgetClassVT
	t.ClassVtableOffsets[layout.ClassVtableSymbol("Gadget")] = gadgetClassVT

	t.Functions["double"] = 1
	t.Functions["adder::invoke"] = 5
	t.Functions["drop::AdderEnv"] = 6
	t.Functions["twice::invoke"] = 3

	t.Closures["Twice"] = &layout.ClosureInfo{
		Name:   "Twice",
		Invoke: "twice::invoke",
		Fn:     fnI32,
	}
	t.Closures["Adder"] = &layout.ClosureInfo{
		Name:               "Adder",
		Invoke:             "adder::invoke",
		Captures:           []string{"x", "y"},
		Fn:                 fnI32,
		InvokeTakesContext: true,
		Environment:        &layout.Environment{TypeName: "AdderEnv", DropGlue: "drop::AdderEnv", Size: 8, Align: 4},
	}

	t.StringLiterals[0] = layout.StringLiteral{Offset: 0x300, Len: 5}
	return t
}

func newTestContext(t *testing.T, opts ...Option) *Context {
	t.Helper()
	c, err := NewContext(testTables(), opts...)
	require.NoError(t, err)
	return c
}

func ret(ty mir.Ty) mir.LocalDecl {
	return mir.LocalDecl{Name: "ret", Ty: ty, Kind: mir.LocalReturn}
}

func arg(name string, ty mir.Ty) mir.LocalDecl {
	return mir.LocalDecl{Name: name, Ty: ty, Kind: mir.LocalArg}
}

func local(name string, ty mir.Ty) mir.LocalDecl {
	return mir.LocalDecl{Name: name, Ty: ty, Kind: mir.LocalVar}
}

func place(id int, proj ...mir.Projection) mir.Place {
	return mir.Place{Local: mir.LocalID(id), Projection: proj}
}

func copyOf(id int, proj ...mir.Projection) mir.Operand {
	return mir.Copy{Place: place(id, proj...)}
}

func moveOf(id int, proj ...mir.Projection) mir.Operand {
	return mir.Move{Place: place(id, proj...)}
}

func assign(p mir.Place, rv mir.Rvalue) mir.Statement {
	return mir.Assign{Place: p, Value: rv}
}

func use(op mir.Operand) mir.Rvalue {
	return mir.Use{Operand: op}
}

func intConst(v int64, ty mir.Ty) mir.Operand {
	return mir.Const{Value: mir.Int{Value: v}, Ty: ty}
}

// lowerOne lowers body into a fresh trace.
func lowerOne(t *testing.T, c *Context, body *mir.Body) (*Result, *sink.Trace) {
	t.Helper()
	tr := sink.NewTrace()
	res, err := c.LowerFunction(body, tr)
	require.NoError(t, err, "lowering %s", body.Name)
	return res, tr
}

// newMachine returns a simulator over tr with the test vtables and
// literal pool mapped below the heap.
func newMachine(t *testing.T, tr *sink.Trace, opts ...sim.Option) *sim.Machine {
	t.Helper()
	m := sim.New(tr, append([]sim.Option{sim.WithPointerWidth(8)}, opts...)...)
	require.NoError(t, m.WriteBytes(0x300, []byte("hello")))
	return m
}

func alloc(t *testing.T, m *sim.Machine, size int) uint64 {
	t.Helper()
	p, err := m.Alloc(size, 16)
	require.NoError(t, err)
	return p
}

func word(t *testing.T, m *sim.Machine, addr uint64) uint64 {
	t.Helper()
	v, err := m.ReadWord(addr)
	require.NoError(t, err)
	return v
}

func u32At(t *testing.T, m *sim.Machine, addr uint64) uint32 {
	t.Helper()
	v, err := m.ReadU32(addr)
	require.NoError(t, err)
	return v
}

// indexOf returns the position of the first instruction after from that
// satisfies pred, or -1.
func indexOf(f *sink.Function, from int, pred func(sink.Instr) bool) int {
	for i := from; i < len(f.Instrs); i++ {
		if pred(f.Instrs[i]) {
			return i
		}
	}
	return -1
}

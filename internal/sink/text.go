package sink

import (
	"fmt"
	"io"
	"math"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Sectioner is implemented by sinks that can label groups of functions.
type Sectioner interface {
	Section(title string)
}

// Text emits a QBE-style textual IR.
//
// Slots are temporaries named %sN, values %vN and the frame base %fp.
// Select lowers to a jnz diamond; bit counting uses the clz/ctz/popcnt
// extension ops.
type Text struct {
	out    strings.Builder
	labels int
	slots  map[int]Kind
	title  cases.Caser
}

// NewText returns an empty text sink.
func NewText() *Text {
	return &Text{title: cases.Title(language.English)}
}

// String returns everything emitted so far.
func (t *Text) String() string {
	return t.out.String()
}

// WriteTo writes the listing to w.
func (t *Text) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, t.out.String())
	return int64(n), err
}

// Section writes a banner comment, e.g. "# --- Synthesized Adapters ---".
func (t *Text) Section(title string) {
	fmt.Fprintf(&t.out, "# --- %s ---\n\n", t.title.String(title))
}

func qbeType(k Kind) string {
	switch k {
	case I64:
		return "l"
	case F32:
		return "s"
	case F64:
		return "d"
	}
	return "w"
}

// Mangle maps a symbol to a QBE identifier.
func Mangle(name string) string {
	name = strings.ReplaceAll(name, "::", ".")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func (t *Text) line(format string, args ...any) {
	t.out.WriteByte('\t')
	fmt.Fprintf(&t.out, format, args...)
	t.out.WriteByte('\n')
}

func (t *Text) BeginFunction(sig Signature) {
	t.labels = 0
	t.slots = make(map[int]Kind, len(sig.Slots))
	for _, s := range sig.Slots {
		t.slots[s.Index] = s.Kind
	}
	ret := ""
	if len(sig.Results) > 0 {
		ret = qbeType(sig.Results[0]) + " "
	}
	params := make([]string, len(sig.Params))
	for i, p := range sig.Params {
		params[i] = fmt.Sprintf("%s %%s%d", qbeType(p.Kind), p.Index)
	}
	fmt.Fprintf(&t.out, "export function %s$%s(%s) {\n@start\n", ret, Mangle(sig.Name), strings.Join(params, ", "))
	if sig.FrameSize > 0 {
		t.line("%%fp =l alloc16 %d", sig.FrameSize)
	}
}

func (t *Text) EndFunction() {
	t.out.WriteString("}\n\n")
}

func (t *Text) Return(vals ...Value) {
	if len(vals) == 0 {
		t.line("ret")
		return
	}
	t.line("ret %s", vals[0])
}

func loadOp(k Kind, size int, signed bool) string {
	switch {
	case k == F32:
		return "loads"
	case k == F64:
		return "loadd"
	case size == 8:
		return "loadl"
	}
	sign := "u"
	if signed {
		sign = "s"
	}
	switch size {
	case 1:
		return "load" + sign + "b"
	case 2:
		return "load" + sign + "h"
	}
	if k == I64 {
		return "load" + sign + "w"
	}
	return "loadw"
}

func storeOp(k Kind, size int) string {
	switch {
	case k == F32:
		return "stores"
	case k == F64:
		return "stored"
	}
	switch size {
	case 1:
		return "storeb"
	case 2:
		return "storeh"
	case 8:
		return "storel"
	}
	return "storew"
}

// address renders base+offset, adding through a scratch temp when needed.
func (t *Text) address(base Value, offset int) string {
	if offset == 0 {
		return base.String()
	}
	t.labels++
	tmp := fmt.Sprintf("%%a.%d", t.labels)
	t.line("%s =%s add %s, %d", tmp, qbeType(base.Kind), base, offset)
	return tmp
}

func (t *Text) LoadScalar(dst, addr Value, offset, size int, signed bool) {
	a := t.address(addr, offset)
	t.line("%s =%s %s %s", dst, qbeType(dst.Kind), loadOp(dst.Kind, size, signed), a)
}

func (t *Text) StoreScalar(addr Value, offset int, src Value, size int) {
	a := t.address(addr, offset)
	t.line("%s %s, %s", storeOp(src.Kind, size), src, a)
}

func (t *Text) ComputeAddress(dst, base Value, offset int) {
	t.line("%s =%s add %s, %d", dst, qbeType(dst.Kind), base, offset)
}

func (t *Text) Call(symbol string, args []Value, results []Value) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%s %s", qbeType(a.Kind), a)
	}
	call := fmt.Sprintf("call $%s(%s)", Mangle(symbol), strings.Join(parts, ", "))
	if len(results) == 0 {
		t.line("%s", call)
		return
	}
	t.line("%s =%s %s", results[0], qbeType(results[0].Kind), call)
}

func (t *Text) MaterializeConstant(dst Value, bits uint64) {
	switch dst.Kind {
	case F32:
		t.line("%s =s copy s_%v", dst, math.Float32frombits(uint32(bits)))
	case F64:
		t.line("%s =d copy d_%v", dst, math.Float64frombits(bits))
	case I32:
		t.line("%s =w copy %d", dst, int32(uint32(bits)))
	default:
		t.line("%s =l copy %d", dst, int64(bits))
	}
}

func (t *Text) SlotGet(dst Value, slot int) {
	t.line("%s =%s copy %%s%d", dst, qbeType(dst.Kind), slot)
}

func (t *Text) SlotSet(slot int, src Value) {
	k, ok := t.slots[slot]
	if !ok {
		k = src.Kind
	}
	t.line("%%s%d =%s copy %s", slot, qbeType(k), src)
}

func (t *Text) FrameAddress(dst Value, offset int) {
	t.line("%s =%s add %%fp, %d", dst, qbeType(dst.Kind), offset)
}

func (t *Text) StackAlloc(dst, size Value, align int) {
	switch {
	case align <= 4:
		align = 4
	case align <= 8:
		align = 8
	default:
		align = 16
	}
	t.line("%s =%s alloc%d %s", dst, qbeType(dst.Kind), align, size)
}

func cmpName(op BinOp, k Kind) string {
	ty := qbeType(k)
	if k.IsFloat() {
		switch op {
		case Eq:
			return "ceq" + ty
		case Ne:
			return "cne" + ty
		case LtS, LtU:
			return "clt" + ty
		case LeS, LeU:
			return "cle" + ty
		case GtS, GtU:
			return "cgt" + ty
		}
		return "cge" + ty
	}
	switch op {
	case Eq:
		return "ceq" + ty
	case Ne:
		return "cne" + ty
	}
	return "c" + op.String() + ty
}

func (t *Text) Binary(dst Value, op BinOp, a, b Value) {
	ty := qbeType(dst.Kind)
	switch {
	case op.IsComparison():
		t.line("%s =%s %s %s, %s", dst, ty, cmpName(op, a.Kind), a, b)
	case op == Rotl || op == Rotr:
		// rot(a, b) = (a << b) | (a >> (bits - b)) with the shifts swapped for rotr.
		first, second := "shl", "shr"
		if op == Rotr {
			first, second = second, first
		}
		t.labels++
		n := t.labels
		t.line("%%r.%d.a =%s %s %s, %s", n, ty, first, a, b)
		t.line("%%r.%d.n =%s sub %d, %s", n, ty, dst.Kind.Bytes()*8, b)
		t.line("%%r.%d.b =%s %s %s, %%r.%d.n", n, ty, second, a, n)
		t.line("%s =%s or %%r.%d.a, %%r.%d.b", dst, ty, n, n)
	default:
		t.line("%s =%s %s %s, %s", dst, ty, op, a, b)
	}
}

func (t *Text) Unary(dst Value, op UnOp, a Value) {
	ty := qbeType(dst.Kind)
	switch op {
	case Not:
		t.line("%s =%s xor %s, -1", dst, ty, a)
	case Eqz:
		t.line("%s =w ceq%s %s, 0", dst, qbeType(a.Kind), a)
	default:
		t.line("%s =%s %s %s", dst, ty, op, a)
	}
}

func convName(op ConvOp, from, to Kind) string {
	switch op {
	case Wrap:
		return "copy"
	case ExtendS:
		return "extsw"
	case ExtendU:
		return "extuw"
	case Demote:
		return "truncd"
	case Promote:
		return "exts"
	case ConvertS, ConvertU:
		sign := "s"
		if op == ConvertU {
			sign = "u"
		}
		src := "w"
		if from == I64 {
			src = "l"
		}
		return sign + src + "tof"
	}
	sign := "si"
	if op == TruncU {
		sign = "ui"
	}
	return qbeType(from) + "to" + sign
}

func (t *Text) Convert(dst Value, op ConvOp, a Value) {
	t.line("%s =%s %s %s", dst, qbeType(dst.Kind), convName(op, a.Kind, dst.Kind), a)
}

func (t *Text) Select(dst, cond, ifTrue, ifFalse Value) {
	t.labels++
	n := t.labels
	ty := qbeType(dst.Kind)
	t.line("jnz %s, @sel.%d.t, @sel.%d.f", cond, n, n)
	fmt.Fprintf(&t.out, "@sel.%d.t\n", n)
	t.line("%s =%s copy %s", dst, ty, ifTrue)
	t.line("jmp @sel.%d.j", n)
	fmt.Fprintf(&t.out, "@sel.%d.f\n", n)
	t.line("%s =%s copy %s", dst, ty, ifFalse)
	fmt.Fprintf(&t.out, "@sel.%d.j\n", n)
}

func (t *Text) Drop(v Value) {
	t.line("# drop %s", v)
}

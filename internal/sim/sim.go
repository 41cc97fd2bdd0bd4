// Package sim executes recorded sink traces against a flat little-endian
// memory and a reference implementation of the runtime hooks.
//
// It exists so lowering can be tested by behaviour: a test lowers a body
// into a sink.Trace, runs it here and inspects memory, slot results and
// hook activity instead of matching instruction sequences.
package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"
	"strings"

	"github.com/roach88/chisel/internal/sink"
)

const (
	// DefaultMemory is the size of the simulated address space.
	DefaultMemory = 1 << 20
	// HeapBase is the first heap address. Lower addresses are free for
	// tests to place tables and literal pools.
	HeapBase = 0x10000

	maxDepth = 64
)

// Func is an external function callable by symbol.
type Func func(m *Machine, args []uint64) ([]uint64, error)

// Machine is a single-threaded trace interpreter. It is not safe for
// concurrent use.
type Machine struct {
	mem      []byte
	trace    *sink.Trace
	prefix   string
	ptrWidth int
	sp       uint64
	heap     uint64
	depth    int

	externals map[string]Func
	calls     map[string]int
	released  []uint32
	refs      map[uint64]int
	drops     map[string]int
}

// Option configures a Machine.
type Option func(*Machine)

// WithPrefix sets the runtime hook prefix. Calls to "<prefix>_<hook>" are
// served by the built-in runtime.
func WithPrefix(prefix string) Option {
	return func(m *Machine) {
		m.prefix = prefix
	}
}

// WithPointerWidth sets the width of addresses in bytes (4 or 8).
func WithPointerWidth(w int) Option {
	return func(m *Machine) {
		m.ptrWidth = w
	}
}

// WithMemory sets the size of the address space.
func WithMemory(size int) Option {
	return func(m *Machine) {
		m.mem = make([]byte, size)
	}
}

// WithExternal registers fn under symbol.
func WithExternal(symbol string, fn Func) Option {
	return func(m *Machine) {
		m.externals[symbol] = fn
	}
}

// New returns a machine that resolves calls against trace.
func New(trace *sink.Trace, opts ...Option) *Machine {
	m := &Machine{
		trace:     trace,
		prefix:    "rt",
		ptrWidth:  8,
		externals: make(map[string]Func),
		calls:     make(map[string]int),
		refs:      make(map[uint64]int),
		drops:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.mem == nil {
		m.mem = make([]byte, DefaultMemory)
	}
	m.sp = uint64(len(m.mem))
	m.heap = HeapBase
	return m
}

// SP returns the current stack pointer.
func (m *Machine) SP() uint64 {
	return m.sp
}

// Calls returns how many times hook (without prefix) was called.
func (m *Machine) Calls(hook string) int {
	return m.calls[hook]
}

// Released lists borrow IDs in release order.
func (m *Machine) Released() []uint32 {
	return append([]uint32(nil), m.released...)
}

// RefCount returns the reference count recorded for a box.
func (m *Machine) RefCount(box uint64) int {
	return m.refs[box]
}

// SetRefCount seeds the reference count of a box.
func (m *Machine) SetRefCount(box uint64, n int) {
	m.refs[box] = n
}

// Alloc reserves size bytes of zeroed heap.
func (m *Machine) Alloc(size, align int) (uint64, error) {
	if align < 1 {
		align = 1
	}
	addr := (m.heap + uint64(align) - 1) &^ (uint64(align) - 1)
	end := addr + uint64(size)
	if end > m.sp {
		return 0, fmt.Errorf("sim: heap exhausted allocating %d bytes", size)
	}
	clear(m.mem[addr:end])
	m.heap = end
	return addr, nil
}

// Call runs the trace function, runtime hook or external called symbol.
func (m *Machine) Call(symbol string, args ...uint64) ([]uint64, error) {
	if f, ok := m.trace.Function(symbol); ok {
		return m.run(f, args)
	}
	if fn, ok := m.externals[symbol]; ok {
		return fn(m, args)
	}
	if hook, ok := m.hookName(symbol); ok {
		m.calls[hook]++
		return m.runtime(hook, args)
	}
	return nil, fmt.Errorf("sim: unresolved symbol %q", symbol)
}

func (m *Machine) hookName(symbol string) (string, bool) {
	if m.prefix == "" {
		return symbol, true
	}
	return strings.CutPrefix(symbol, m.prefix+"_")
}

type frame struct {
	fp    uint64
	slots []uint64
	vals  []uint64
}

func (fr *frame) get(v sink.Value) uint64 {
	if v.ID < len(fr.vals) {
		return fr.vals[v.ID]
	}
	return 0
}

func (fr *frame) set(v sink.Value, bits uint64) {
	for v.ID >= len(fr.vals) {
		fr.vals = append(fr.vals, 0)
	}
	fr.vals[v.ID] = normalize(v.Kind, bits)
}

func normalize(k sink.Kind, v uint64) uint64 {
	if k == sink.I32 || k == sink.F32 {
		return v & math.MaxUint32
	}
	return v
}

func (m *Machine) run(f *sink.Function, args []uint64) ([]uint64, error) {
	if len(args) != len(f.Sig.Params) {
		return nil, fmt.Errorf("sim: %s takes %d arguments, got %d", f.Sig.Name, len(f.Sig.Params), len(args))
	}
	if m.depth >= maxDepth {
		return nil, fmt.Errorf("sim: call depth exceeded in %s", f.Sig.Name)
	}
	m.depth++
	defer func() { m.depth-- }()

	entry := m.sp
	defer func() { m.sp = entry }()
	fp := (m.sp - uint64(f.Sig.FrameSize)) &^ 15
	if fp < m.heap {
		return nil, fmt.Errorf("sim: stack overflow in %s", f.Sig.Name)
	}
	clear(m.mem[fp:m.sp])
	m.sp = fp

	nslots := 0
	for _, s := range f.Sig.Slots {
		nslots = max(nslots, s.Index+1)
	}
	fr := &frame{fp: fp, slots: make([]uint64, nslots)}
	for i, p := range f.Sig.Params {
		fr.slots[p.Index] = normalize(p.Kind, args[i])
	}

	for pc, in := range f.Instrs {
		ret, done, err := m.step(fr, in)
		if err != nil {
			return nil, fmt.Errorf("sim: %s@%d (%s): %w", f.Sig.Name, pc, in, err)
		}
		if done {
			return ret, nil
		}
	}
	return nil, fmt.Errorf("sim: %s ended without return", f.Sig.Name)
}

func (m *Machine) step(fr *frame, in sink.Instr) ([]uint64, bool, error) {
	switch in.Op {
	case sink.OpBegin, sink.OpEnd:
	case sink.OpReturn:
		out := make([]uint64, len(in.Args))
		for i, v := range in.Args {
			out[i] = fr.get(v)
		}
		return out, true, nil
	case sink.OpLoad:
		v, err := m.load(fr.get(in.Args[0])+uint64(int64(in.Offset)), in.Size, in.Signed)
		if err != nil {
			return nil, false, err
		}
		fr.set(in.Dst, v)
	case sink.OpStore:
		if err := m.store(fr.get(in.Args[0])+uint64(int64(in.Offset)), in.Size, fr.get(in.Args[1])); err != nil {
			return nil, false, err
		}
	case sink.OpAddress:
		fr.set(in.Dst, fr.get(in.Args[0])+uint64(int64(in.Offset)))
	case sink.OpCall:
		args := make([]uint64, len(in.Args))
		for i, v := range in.Args {
			args[i] = fr.get(v)
		}
		res, err := m.Call(in.Symbol, args...)
		if err != nil {
			return nil, false, err
		}
		if len(res) < len(in.Results) {
			return nil, false, fmt.Errorf("%s returned %d values, want %d", in.Symbol, len(res), len(in.Results))
		}
		for i, r := range in.Results {
			fr.set(r, res[i])
		}
	case sink.OpConst:
		fr.set(in.Dst, in.Bits)
	case sink.OpSlotGet:
		if in.Slot >= len(fr.slots) {
			return nil, false, fmt.Errorf("slot %d out of range", in.Slot)
		}
		fr.set(in.Dst, fr.slots[in.Slot])
	case sink.OpSlotSet:
		if in.Slot >= len(fr.slots) {
			return nil, false, fmt.Errorf("slot %d out of range", in.Slot)
		}
		fr.slots[in.Slot] = fr.get(in.Args[0])
	case sink.OpFrameAddress:
		fr.set(in.Dst, fr.fp+uint64(in.Offset))
	case sink.OpStackAlloc:
		align := uint64(max(in.Align, 1))
		sp := (m.sp - fr.get(in.Args[0])) &^ (align - 1)
		if sp < m.heap || sp > m.sp {
			return nil, false, fmt.Errorf("stack overflow")
		}
		m.sp = sp
		fr.set(in.Dst, sp)
	case sink.OpBinary:
		v, err := binaryOp(in.Bin, in.Args[0].Kind, fr.get(in.Args[0]), fr.get(in.Args[1]))
		if err != nil {
			return nil, false, err
		}
		fr.set(in.Dst, v)
	case sink.OpUnary:
		fr.set(in.Dst, unaryOp(in.Un, in.Args[0].Kind, fr.get(in.Args[0])))
	case sink.OpConvert:
		fr.set(in.Dst, convert(in.Conv, in.Args[0].Kind, in.Dst.Kind, fr.get(in.Args[0])))
	case sink.OpSelect:
		if fr.get(in.Args[0]) != 0 {
			fr.set(in.Dst, fr.get(in.Args[1]))
		} else {
			fr.set(in.Dst, fr.get(in.Args[2]))
		}
	case sink.OpDrop:
	default:
		return nil, false, fmt.Errorf("unknown op %d", in.Op)
	}
	return nil, false, nil
}

func (m *Machine) check(addr uint64, size int) error {
	if addr == 0 {
		return fmt.Errorf("null access")
	}
	if addr+uint64(size) > uint64(len(m.mem)) || addr+uint64(size) < addr {
		return fmt.Errorf("access %#x+%d out of bounds", addr, size)
	}
	return nil
}

func (m *Machine) load(addr uint64, size int, signed bool) (uint64, error) {
	if err := m.check(addr, size); err != nil {
		return 0, err
	}
	b := m.mem[addr : addr+uint64(size)]
	switch size {
	case 1:
		if signed {
			return uint64(int64(int8(b[0]))), nil
		}
		return uint64(b[0]), nil
	case 2:
		v := binary.LittleEndian.Uint16(b)
		if signed {
			return uint64(int64(int16(v))), nil
		}
		return uint64(v), nil
	case 4:
		v := binary.LittleEndian.Uint32(b)
		if signed {
			return uint64(int64(int32(v))), nil
		}
		return uint64(v), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("unsupported load width %d", size)
}

func (m *Machine) store(addr uint64, size int, v uint64) error {
	if err := m.check(addr, size); err != nil {
		return err
	}
	b := m.mem[addr : addr+uint64(size)]
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		return fmt.Errorf("unsupported store width %d", size)
	}
	return nil
}

// ReadU32 reads a little-endian 32-bit word.
func (m *Machine) ReadU32(addr uint64) (uint32, error) {
	v, err := m.load(addr, 4, false)
	return uint32(v), err
}

// ReadU64 reads a little-endian 64-bit word.
func (m *Machine) ReadU64(addr uint64) (uint64, error) {
	return m.load(addr, 8, false)
}

// ReadWord reads a pointer-width word.
func (m *Machine) ReadWord(addr uint64) (uint64, error) {
	return m.load(addr, m.ptrWidth, false)
}

// Write stores the low size bytes of v at addr.
func (m *Machine) Write(addr uint64, size int, v uint64) error {
	return m.store(addr, size, v)
}

// WriteWord stores a pointer-width word.
func (m *Machine) WriteWord(addr, v uint64) error {
	return m.store(addr, m.ptrWidth, v)
}

// WriteBytes copies data to addr.
func (m *Machine) WriteBytes(addr uint64, data []byte) error {
	if err := m.check(addr, len(data)); err != nil {
		return err
	}
	copy(m.mem[addr:], data)
	return nil
}

// Bytes returns a copy of size bytes at addr.
func (m *Machine) Bytes(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if err := m.check(addr, size); err != nil {
		return nil, err
	}
	return append([]byte(nil), m.mem[addr:addr+uint64(size)]...), nil
}

func binaryOp(op sink.BinOp, k sink.Kind, a, b uint64) (uint64, error) {
	switch k {
	case sink.F32:
		return floatBinary(op, float64(math.Float32frombits(uint32(a))), float64(math.Float32frombits(uint32(b))), func(f float64) uint64 {
			return uint64(math.Float32bits(float32(f)))
		})
	case sink.F64:
		return floatBinary(op, math.Float64frombits(a), math.Float64frombits(b), math.Float64bits)
	case sink.I32:
		return int32Binary(op, uint32(a), uint32(b))
	}
	return int64Binary(op, a, b)
}

func flag(c bool) uint64 {
	if c {
		return 1
	}
	return 0
}

func floatBinary(op sink.BinOp, a, b float64, enc func(float64) uint64) (uint64, error) {
	switch op {
	case sink.Add:
		return enc(a + b), nil
	case sink.Sub:
		return enc(a - b), nil
	case sink.Mul:
		return enc(a * b), nil
	case sink.DivS, sink.DivU:
		return enc(a / b), nil
	case sink.Eq:
		return flag(a == b), nil
	case sink.Ne:
		return flag(a != b), nil
	case sink.LtS, sink.LtU:
		return flag(a < b), nil
	case sink.LeS, sink.LeU:
		return flag(a <= b), nil
	case sink.GtS, sink.GtU:
		return flag(a > b), nil
	case sink.GeS, sink.GeU:
		return flag(a >= b), nil
	}
	return 0, fmt.Errorf("float %s", op)
}

func int32Binary(op sink.BinOp, a, b uint32) (uint64, error) {
	sa, sb := int32(a), int32(b)
	var r uint32
	switch op {
	case sink.Add:
		r = a + b
	case sink.Sub:
		r = a - b
	case sink.Mul:
		r = a * b
	case sink.DivS, sink.RemS:
		if b == 0 {
			return 0, fmt.Errorf("integer division by zero")
		}
		if sa == math.MinInt32 && sb == -1 {
			if op == sink.DivS {
				return 0, fmt.Errorf("integer overflow")
			}
			return 0, nil
		}
		if op == sink.DivS {
			r = uint32(sa / sb)
		} else {
			r = uint32(sa % sb)
		}
	case sink.DivU, sink.RemU:
		if b == 0 {
			return 0, fmt.Errorf("integer division by zero")
		}
		if op == sink.DivU {
			r = a / b
		} else {
			r = a % b
		}
	case sink.And:
		r = a & b
	case sink.Or:
		r = a | b
	case sink.Xor:
		r = a ^ b
	case sink.Shl:
		r = a << (b & 31)
	case sink.ShrS:
		r = uint32(sa >> (b & 31))
	case sink.ShrU:
		r = a >> (b & 31)
	case sink.Rotl:
		r = bits.RotateLeft32(a, int(b&31))
	case sink.Rotr:
		r = bits.RotateLeft32(a, -int(b&31))
	case sink.Eq:
		return flag(a == b), nil
	case sink.Ne:
		return flag(a != b), nil
	case sink.LtS:
		return flag(sa < sb), nil
	case sink.LtU:
		return flag(a < b), nil
	case sink.LeS:
		return flag(sa <= sb), nil
	case sink.LeU:
		return flag(a <= b), nil
	case sink.GtS:
		return flag(sa > sb), nil
	case sink.GtU:
		return flag(a > b), nil
	case sink.GeS:
		return flag(sa >= sb), nil
	case sink.GeU:
		return flag(a >= b), nil
	default:
		return 0, fmt.Errorf("i32 %s", op)
	}
	return uint64(r), nil
}

func int64Binary(op sink.BinOp, a, b uint64) (uint64, error) {
	sa, sb := int64(a), int64(b)
	switch op {
	case sink.Add:
		return a + b, nil
	case sink.Sub:
		return a - b, nil
	case sink.Mul:
		return a * b, nil
	case sink.DivS, sink.RemS:
		if b == 0 {
			return 0, fmt.Errorf("integer division by zero")
		}
		if sa == math.MinInt64 && sb == -1 {
			if op == sink.DivS {
				return 0, fmt.Errorf("integer overflow")
			}
			return 0, nil
		}
		if op == sink.DivS {
			return uint64(sa / sb), nil
		}
		return uint64(sa % sb), nil
	case sink.DivU, sink.RemU:
		if b == 0 {
			return 0, fmt.Errorf("integer division by zero")
		}
		if op == sink.DivU {
			return a / b, nil
		}
		return a % b, nil
	case sink.And:
		return a & b, nil
	case sink.Or:
		return a | b, nil
	case sink.Xor:
		return a ^ b, nil
	case sink.Shl:
		return a << (b & 63), nil
	case sink.ShrS:
		return uint64(sa >> (b & 63)), nil
	case sink.ShrU:
		return a >> (b & 63), nil
	case sink.Rotl:
		return bits.RotateLeft64(a, int(b&63)), nil
	case sink.Rotr:
		return bits.RotateLeft64(a, -int(b&63)), nil
	case sink.Eq:
		return flag(a == b), nil
	case sink.Ne:
		return flag(a != b), nil
	case sink.LtS:
		return flag(sa < sb), nil
	case sink.LtU:
		return flag(a < b), nil
	case sink.LeS:
		return flag(sa <= sb), nil
	case sink.LeU:
		return flag(a <= b), nil
	case sink.GtS:
		return flag(sa > sb), nil
	case sink.GtU:
		return flag(a > b), nil
	case sink.GeS:
		return flag(sa >= sb), nil
	case sink.GeU:
		return flag(a >= b), nil
	}
	return 0, fmt.Errorf("i64 %s", op)
}

func unaryOp(op sink.UnOp, k sink.Kind, a uint64) uint64 {
	switch k {
	case sink.F32:
		f := math.Float32frombits(uint32(a))
		if op == sink.Neg {
			return uint64(math.Float32bits(-f))
		}
		return a
	case sink.F64:
		if op == sink.Neg {
			return math.Float64bits(-math.Float64frombits(a))
		}
		return a
	case sink.I32:
		v := uint32(a)
		switch op {
		case sink.Neg:
			return uint64(-v)
		case sink.Not:
			return uint64(^v)
		case sink.Eqz:
			return flag(v == 0)
		case sink.Clz:
			return uint64(bits.LeadingZeros32(v))
		case sink.Ctz:
			return uint64(bits.TrailingZeros32(v))
		case sink.Popcnt:
			return uint64(bits.OnesCount32(v))
		}
		return a
	}
	switch op {
	case sink.Neg:
		return -a
	case sink.Not:
		return ^a
	case sink.Eqz:
		return flag(a == 0)
	case sink.Clz:
		return uint64(bits.LeadingZeros64(a))
	case sink.Ctz:
		return uint64(bits.TrailingZeros64(a))
	case sink.Popcnt:
		return uint64(bits.OnesCount64(a))
	}
	return a
}

func toFloat(k sink.Kind, v uint64, signed bool) float64 {
	switch {
	case k == sink.I32 && signed:
		return float64(int32(v))
	case k == sink.I32:
		return float64(uint32(v))
	case signed:
		return float64(int64(v))
	}
	return float64(v)
}

func fromFloat(k sink.Kind, f float64) uint64 {
	if k == sink.F32 {
		return uint64(math.Float32bits(float32(f)))
	}
	return math.Float64bits(f)
}

func floatValue(k sink.Kind, v uint64) float64 {
	if k == sink.F32 {
		return float64(math.Float32frombits(uint32(v)))
	}
	return math.Float64frombits(v)
}

func convert(op sink.ConvOp, from, to sink.Kind, v uint64) uint64 {
	switch op {
	case sink.Wrap:
		return v & math.MaxUint32
	case sink.ExtendS:
		return uint64(int64(int32(v)))
	case sink.ExtendU:
		return v & math.MaxUint32
	case sink.Demote:
		return uint64(math.Float32bits(float32(math.Float64frombits(v))))
	case sink.Promote:
		return math.Float64bits(float64(math.Float32frombits(uint32(v))))
	case sink.ConvertS, sink.ConvertU:
		return fromFloat(to, toFloat(from, v, op == sink.ConvertS))
	case sink.TruncS:
		f := floatValue(from, v)
		if to == sink.I32 {
			return uint64(uint32(int32(f)))
		}
		return uint64(int64(f))
	case sink.TruncU:
		f := floatValue(from, v)
		if to == sink.I32 {
			return uint64(uint32(f))
		}
		return uint64(f)
	}
	return v
}

// Package sink defines the instruction-sink capability that lowering drives
// and its concrete implementations.
//
// A Sink never allocates values: every Value passed to it was numbered by
// the lowering function, so one lowering can feed several sinks at once
// (see Tee) and each sink sees the same register numbering.
package sink

import "fmt"

// Kind is the machine type of a value.
type Kind uint8

const (
	I32 Kind = iota + 1
	I64
	F32
	F64
)

func (k Kind) String() string {
	switch k {
	case I32:
		return "i32"
	case I64:
		return "i64"
	case F32:
		return "f32"
	case F64:
		return "f64"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsFloat reports whether k is a floating-point kind.
func (k Kind) IsFloat() bool {
	return k == F32 || k == F64
}

// Bytes is the natural width of k.
func (k Kind) Bytes() int {
	if k == I64 || k == F64 {
		return 8
	}
	return 4
}

// Value is a virtual register. ID zero is "no value".
type Value struct {
	ID   int
	Kind Kind
}

// Valid reports whether v names a register.
func (v Value) Valid() bool {
	return v.ID > 0
}

func (v Value) String() string {
	return fmt.Sprintf("%%v%d", v.ID)
}

// Slot is a function-local variable slot. Scalar locals and the pointer of
// pointer parameters live in slots.
type Slot struct {
	Index int
	Kind  Kind
	Name  string
}

// Signature describes a function about to be emitted. Params lists the
// slots that receive incoming arguments, in order; Slots lists every slot
// including the params.
type Signature struct {
	Name      string
	Params    []Slot
	Results   []Kind
	Slots     []Slot
	FrameSize int
}

// BinOp is a two-operand arithmetic, bitwise or comparison operation.
// Comparisons yield an I32 0/1.
type BinOp uint8

const (
	Add BinOp = iota
	Sub
	Mul
	DivS
	DivU
	RemS
	RemU
	And
	Or
	Xor
	Shl
	ShrS
	ShrU
	Rotl
	Rotr
	Eq
	Ne
	LtS
	LtU
	LeS
	LeU
	GtS
	GtU
	GeS
	GeU
)

var binOpNames = [...]string{
	"add", "sub", "mul", "div", "udiv", "rem", "urem", "and", "or", "xor",
	"shl", "sar", "shr", "rotl", "rotr",
	"eq", "ne", "slt", "ult", "sle", "ule", "sgt", "ugt", "sge", "uge",
}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return fmt.Sprintf("BinOp(%d)", uint8(op))
}

// IsComparison reports whether op yields a boolean.
func (op BinOp) IsComparison() bool {
	return op >= Eq
}

// UnOp is a one-operand operation.
type UnOp uint8

const (
	Neg UnOp = iota
	Not
	Eqz
	Clz
	Ctz
	Popcnt
)

var unOpNames = [...]string{"neg", "not", "eqz", "clz", "ctz", "popcnt"}

func (op UnOp) String() string {
	if int(op) < len(unOpNames) {
		return unOpNames[op]
	}
	return fmt.Sprintf("UnOp(%d)", uint8(op))
}

// ConvOp converts between kinds. The source kind is the operand's, the
// target kind is the destination's.
type ConvOp uint8

const (
	Wrap ConvOp = iota
	ExtendS
	ExtendU
	Demote
	Promote
	ConvertS
	ConvertU
	TruncS
	TruncU
)

var convOpNames = [...]string{"wrap", "extends", "extendu", "demote", "promote", "convs", "convu", "truncs", "truncu"}

func (op ConvOp) String() string {
	if int(op) < len(convOpNames) {
		return convOpNames[op]
	}
	return fmt.Sprintf("ConvOp(%d)", uint8(op))
}

// Sink receives the primitive operations that realize lowered code.
//
// LoadScalar, StoreScalar, ComputeAddress, Call and MaterializeConstant are
// the core contract. The remaining methods are the register-machine
// plumbing those five need.
type Sink interface {
	BeginFunction(sig Signature)
	EndFunction()
	Return(vals ...Value)

	// LoadScalar reads size bytes at addr+offset into dst, sign- or
	// zero-extending narrow reads.
	LoadScalar(dst, addr Value, offset, size int, signed bool)
	// StoreScalar writes the low size bytes of src to addr+offset.
	StoreScalar(addr Value, offset int, src Value, size int)
	// ComputeAddress sets dst to base+offset.
	ComputeAddress(dst, base Value, offset int)
	// Call invokes a named symbol. results may be empty.
	Call(symbol string, args []Value, results []Value)
	// MaterializeConstant sets dst to the raw bit pattern bits,
	// truncated to dst's kind.
	MaterializeConstant(dst Value, bits uint64)

	SlotGet(dst Value, slot int)
	SlotSet(slot int, src Value)
	FrameAddress(dst Value, offset int)
	StackAlloc(dst, size Value, align int)
	Binary(dst Value, op BinOp, a, b Value)
	Unary(dst Value, op UnOp, a Value)
	Convert(dst Value, op ConvOp, a Value)
	Select(dst, cond, ifTrue, ifFalse Value)
	Drop(v Value)
}

// Tee forwards every operation to each of its sinks in order.
type Tee []Sink

func (t Tee) BeginFunction(sig Signature) {
	for _, s := range t {
		s.BeginFunction(sig)
	}
}

func (t Tee) EndFunction() {
	for _, s := range t {
		s.EndFunction()
	}
}

func (t Tee) Return(vals ...Value) {
	for _, s := range t {
		s.Return(vals...)
	}
}

func (t Tee) LoadScalar(dst, addr Value, offset, size int, signed bool) {
	for _, s := range t {
		s.LoadScalar(dst, addr, offset, size, signed)
	}
}

func (t Tee) StoreScalar(addr Value, offset int, src Value, size int) {
	for _, s := range t {
		s.StoreScalar(addr, offset, src, size)
	}
}

func (t Tee) ComputeAddress(dst, base Value, offset int) {
	for _, s := range t {
		s.ComputeAddress(dst, base, offset)
	}
}

func (t Tee) Call(symbol string, args []Value, results []Value) {
	for _, s := range t {
		s.Call(symbol, args, results)
	}
}

func (t Tee) MaterializeConstant(dst Value, bits uint64) {
	for _, s := range t {
		s.MaterializeConstant(dst, bits)
	}
}

func (t Tee) SlotGet(dst Value, slot int) {
	for _, s := range t {
		s.SlotGet(dst, slot)
	}
}

func (t Tee) SlotSet(slot int, src Value) {
	for _, s := range t {
		s.SlotSet(slot, src)
	}
}

func (t Tee) FrameAddress(dst Value, offset int) {
	for _, s := range t {
		s.FrameAddress(dst, offset)
	}
}

func (t Tee) StackAlloc(dst, size Value, align int) {
	for _, s := range t {
		s.StackAlloc(dst, size, align)
	}
}

func (t Tee) Binary(dst Value, op BinOp, a, b Value) {
	for _, s := range t {
		s.Binary(dst, op, a, b)
	}
}

func (t Tee) Unary(dst Value, op UnOp, a Value) {
	for _, s := range t {
		s.Unary(dst, op, a)
	}
}

func (t Tee) Convert(dst Value, op ConvOp, a Value) {
	for _, s := range t {
		s.Convert(dst, op, a)
	}
}

func (t Tee) Select(dst, cond, ifTrue, ifFalse Value) {
	for _, s := range t {
		s.Select(dst, cond, ifTrue, ifFalse)
	}
}

func (t Tee) Drop(v Value) {
	for _, s := range t {
		s.Drop(v)
	}
}

// Section forwards the banner to the sinks that support one.
func (t Tee) Section(title string) {
	for _, s := range t {
		if sec, ok := s.(Sectioner); ok {
			sec.Section(title)
		}
	}
}

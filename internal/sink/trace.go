package sink

import (
	"fmt"
	"strings"
)

// Op identifies a recorded instruction.
type Op uint8

const (
	OpBegin Op = iota
	OpEnd
	OpReturn
	OpLoad
	OpStore
	OpAddress
	OpCall
	OpConst
	OpSlotGet
	OpSlotSet
	OpFrameAddress
	OpStackAlloc
	OpBinary
	OpUnary
	OpConvert
	OpSelect
	OpDrop
)

// Instr is one recorded sink operation. Only the fields relevant to Op
// are set.
type Instr struct {
	Op      Op
	Dst     Value
	Args    []Value
	Results []Value
	Offset  int
	Size    int
	Align   int
	Signed  bool
	Bits    uint64
	Slot    int
	Symbol  string
	Bin     BinOp
	Un      UnOp
	Conv    ConvOp
}

// Function is the recorded body of one function.
type Function struct {
	Sig    Signature
	Instrs []Instr
}

// Trace records operations in memory for inspection and simulation.
type Trace struct {
	Functions []*Function
	cur       *Function
}

// NewTrace returns an empty trace.
func NewTrace() *Trace {
	return &Trace{}
}

func (t *Trace) emit(in Instr) {
	if t.cur == nil {
		t.cur = &Function{Sig: Signature{Name: "<toplevel>"}}
		t.Functions = append(t.Functions, t.cur)
	}
	t.cur.Instrs = append(t.cur.Instrs, in)
}

// Function returns the recorded function called name.
func (t *Trace) Function(name string) (*Function, bool) {
	for _, f := range t.Functions {
		if f.Sig.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Calls lists the call targets of f in emission order.
func (f *Function) Calls() []string {
	var out []string
	for _, in := range f.Instrs {
		if in.Op == OpCall {
			out = append(out, in.Symbol)
		}
	}
	return out
}

// CallsTo counts calls to symbol.
func (f *Function) CallsTo(symbol string) int {
	n := 0
	for _, in := range f.Instrs {
		if in.Op == OpCall && in.Symbol == symbol {
			n++
		}
	}
	return n
}

// Count counts instructions with op.
func (f *Function) Count(op Op) int {
	n := 0
	for _, in := range f.Instrs {
		if in.Op == op {
			n++
		}
	}
	return n
}

func (t *Trace) BeginFunction(sig Signature) {
	t.cur = &Function{Sig: sig}
	t.Functions = append(t.Functions, t.cur)
	t.emit(Instr{Op: OpBegin})
}

func (t *Trace) EndFunction() {
	t.emit(Instr{Op: OpEnd})
	t.cur = nil
}

func (t *Trace) Return(vals ...Value) {
	t.emit(Instr{Op: OpReturn, Args: append([]Value(nil), vals...)})
}

func (t *Trace) LoadScalar(dst, addr Value, offset, size int, signed bool) {
	t.emit(Instr{Op: OpLoad, Dst: dst, Args: []Value{addr}, Offset: offset, Size: size, Signed: signed})
}

func (t *Trace) StoreScalar(addr Value, offset int, src Value, size int) {
	t.emit(Instr{Op: OpStore, Args: []Value{addr, src}, Offset: offset, Size: size})
}

func (t *Trace) ComputeAddress(dst, base Value, offset int) {
	t.emit(Instr{Op: OpAddress, Dst: dst, Args: []Value{base}, Offset: offset})
}

func (t *Trace) Call(symbol string, args []Value, results []Value) {
	t.emit(Instr{
		Op:      OpCall,
		Symbol:  symbol,
		Args:    append([]Value(nil), args...),
		Results: append([]Value(nil), results...),
	})
}

func (t *Trace) MaterializeConstant(dst Value, bits uint64) {
	t.emit(Instr{Op: OpConst, Dst: dst, Bits: bits})
}

func (t *Trace) SlotGet(dst Value, slot int) {
	t.emit(Instr{Op: OpSlotGet, Dst: dst, Slot: slot})
}

func (t *Trace) SlotSet(slot int, src Value) {
	t.emit(Instr{Op: OpSlotSet, Args: []Value{src}, Slot: slot})
}

func (t *Trace) FrameAddress(dst Value, offset int) {
	t.emit(Instr{Op: OpFrameAddress, Dst: dst, Offset: offset})
}

func (t *Trace) StackAlloc(dst, size Value, align int) {
	t.emit(Instr{Op: OpStackAlloc, Dst: dst, Args: []Value{size}, Align: align})
}

func (t *Trace) Binary(dst Value, op BinOp, a, b Value) {
	t.emit(Instr{Op: OpBinary, Dst: dst, Bin: op, Args: []Value{a, b}})
}

func (t *Trace) Unary(dst Value, op UnOp, a Value) {
	t.emit(Instr{Op: OpUnary, Dst: dst, Un: op, Args: []Value{a}})
}

func (t *Trace) Convert(dst Value, op ConvOp, a Value) {
	t.emit(Instr{Op: OpConvert, Dst: dst, Conv: op, Args: []Value{a}})
}

func (t *Trace) Select(dst, cond, ifTrue, ifFalse Value) {
	t.emit(Instr{Op: OpSelect, Dst: dst, Args: []Value{cond, ifTrue, ifFalse}})
}

func (t *Trace) Drop(v Value) {
	t.emit(Instr{Op: OpDrop, Args: []Value{v}})
}

// String renders the trace one instruction per line. The format is for
// test failure messages, not for consumption.
func (t *Trace) String() string {
	var b strings.Builder
	for _, f := range t.Functions {
		fmt.Fprintf(&b, "fn %s:\n", f.Sig.Name)
		for _, in := range f.Instrs {
			fmt.Fprintf(&b, "  %s\n", in)
		}
	}
	return b.String()
}

func (in Instr) String() string {
	switch in.Op {
	case OpBegin:
		return "begin"
	case OpEnd:
		return "end"
	case OpReturn:
		return fmt.Sprintf("ret %v", in.Args)
	case OpLoad:
		return fmt.Sprintf("%s = load%d %s+%d", in.Dst, in.Size, in.Args[0], in.Offset)
	case OpStore:
		return fmt.Sprintf("store%d %s+%d <- %s", in.Size, in.Args[0], in.Offset, in.Args[1])
	case OpAddress:
		return fmt.Sprintf("%s = addr %s+%d", in.Dst, in.Args[0], in.Offset)
	case OpCall:
		return fmt.Sprintf("%v = call %s%v", in.Results, in.Symbol, in.Args)
	case OpConst:
		return fmt.Sprintf("%s = const %#x", in.Dst, in.Bits)
	case OpSlotGet:
		return fmt.Sprintf("%s = slot%d", in.Dst, in.Slot)
	case OpSlotSet:
		return fmt.Sprintf("slot%d <- %s", in.Slot, in.Args[0])
	case OpFrameAddress:
		return fmt.Sprintf("%s = fp+%d", in.Dst, in.Offset)
	case OpStackAlloc:
		return fmt.Sprintf("%s = alloca %s align %d", in.Dst, in.Args[0], in.Align)
	case OpBinary:
		return fmt.Sprintf("%s = %s %s, %s", in.Dst, in.Bin, in.Args[0], in.Args[1])
	case OpUnary:
		return fmt.Sprintf("%s = %s %s", in.Dst, in.Un, in.Args[0])
	case OpConvert:
		return fmt.Sprintf("%s = %s %s", in.Dst, in.Conv, in.Args[0])
	case OpSelect:
		return fmt.Sprintf("%s = select %s ? %s : %s", in.Dst, in.Args[0], in.Args[1], in.Args[2])
	case OpDrop:
		return fmt.Sprintf("drop %s", in.Args[0])
	}
	return fmt.Sprintf("op(%d)", in.Op)
}

// Replay re-emits every recorded function into s, in recording order.
func (t *Trace) Replay(s Sink) {
	for _, f := range t.Functions {
		f.Replay(s)
	}
}

// Replay re-emits f alone into s.
func (f *Function) Replay(s Sink) {
	for _, in := range f.Instrs {
		in.replay(s, f.Sig)
	}
}

func (in Instr) replay(s Sink, sig Signature) {
	switch in.Op {
	case OpBegin:
		s.BeginFunction(sig)
	case OpEnd:
		s.EndFunction()
	case OpReturn:
		s.Return(in.Args...)
	case OpLoad:
		s.LoadScalar(in.Dst, in.Args[0], in.Offset, in.Size, in.Signed)
	case OpStore:
		s.StoreScalar(in.Args[0], in.Offset, in.Args[1], in.Size)
	case OpAddress:
		s.ComputeAddress(in.Dst, in.Args[0], in.Offset)
	case OpCall:
		s.Call(in.Symbol, in.Args, in.Results)
	case OpConst:
		s.MaterializeConstant(in.Dst, in.Bits)
	case OpSlotGet:
		s.SlotGet(in.Dst, in.Slot)
	case OpSlotSet:
		s.SlotSet(in.Slot, in.Args[0])
	case OpFrameAddress:
		s.FrameAddress(in.Dst, in.Offset)
	case OpStackAlloc:
		s.StackAlloc(in.Dst, in.Args[0], in.Align)
	case OpBinary:
		s.Binary(in.Dst, in.Bin, in.Args[0], in.Args[1])
	case OpUnary:
		s.Unary(in.Dst, in.Un, in.Args[0])
	case OpConvert:
		s.Convert(in.Dst, in.Conv, in.Args[0])
	case OpSelect:
		s.Select(in.Dst, in.Args[0], in.Args[1], in.Args[2])
	case OpDrop:
		s.Drop(in.Args[0])
	}
}

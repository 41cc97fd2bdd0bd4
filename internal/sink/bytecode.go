package sink

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
)

// Wasm-flavoured value types.
const (
	typeI32 = 0x7f
	typeI64 = 0x7e
	typeF32 = 0x7d
	typeF64 = 0x7c
)

// Opcodes used by the bytecode sink.
const (
	opIf        = 0x04
	opElse      = 0x05
	opEnd       = 0x0b
	opReturn    = 0x0f
	opCall      = 0x10
	opDrop      = 0x1a
	opSelect    = 0x1b
	opLocalGet  = 0x20
	opLocalSet  = 0x21
	opLocalTee  = 0x22
	opGlobalGet = 0x23
	opGlobalSet = 0x24

	opI32Load    = 0x28
	opI64Load    = 0x29
	opF32Load    = 0x2a
	opF64Load    = 0x2b
	opI32Load8S  = 0x2c
	opI32Load8U  = 0x2d
	opI32Load16S = 0x2e
	opI32Load16U = 0x2f
	opI64Load8S  = 0x30
	opI64Load8U  = 0x31
	opI64Load16S = 0x32
	opI64Load16U = 0x33
	opI64Load32S = 0x34
	opI64Load32U = 0x35
	opI32Store   = 0x36
	opI64Store   = 0x37
	opF32Store   = 0x38
	opF64Store   = 0x39
	opI32Store8  = 0x3a
	opI32Store16 = 0x3b
	opI64Store8  = 0x3c
	opI64Store16 = 0x3d
	opI64Store32 = 0x3e

	opI32Const = 0x41
	opI64Const = 0x42
	opF32Const = 0x43
	opF64Const = 0x44

	opI32Eqz = 0x45
	opI64Eqz = 0x50

	opI32WrapI64    = 0xa7
	opI64ExtendI32S = 0xac
	opI64ExtendI32U = 0xad
	opF32DemoteF64  = 0xb6
	opF64PromoteF32 = 0xbb
)

// Integer binary opcodes indexed by BinOp, for i32 and i64.
var intBinary = map[BinOp][2]byte{
	Add: {0x6a, 0x7c}, Sub: {0x6b, 0x7d}, Mul: {0x6c, 0x7e},
	DivS: {0x6d, 0x7f}, DivU: {0x6e, 0x80}, RemS: {0x6f, 0x81}, RemU: {0x70, 0x82},
	And: {0x71, 0x83}, Or: {0x72, 0x84}, Xor: {0x73, 0x85},
	Shl: {0x74, 0x86}, ShrS: {0x75, 0x87}, ShrU: {0x76, 0x88},
	Rotl: {0x77, 0x89}, Rotr: {0x78, 0x8a},
	Eq: {0x46, 0x51}, Ne: {0x47, 0x52},
	LtS: {0x48, 0x53}, LtU: {0x49, 0x54}, GtS: {0x4a, 0x55}, GtU: {0x4b, 0x56},
	LeS: {0x4c, 0x57}, LeU: {0x4d, 0x58}, GeS: {0x4e, 0x59}, GeU: {0x4f, 0x5a},
}

// Float binary opcodes indexed by BinOp, for f32 and f64.
var floatBinary = map[BinOp][2]byte{
	Add: {0x92, 0xa0}, Sub: {0x93, 0xa1}, Mul: {0x94, 0xa2}, DivS: {0x95, 0xa3},
	Eq: {0x5b, 0x61}, Ne: {0x5c, 0x62}, LtS: {0x5d, 0x63}, GtS: {0x5e, 0x64},
	LeS: {0x5f, 0x65}, GeS: {0x60, 0x66},
}

func appendULEB128(buf []byte, v uint64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			return buf
		}
	}
}

func appendSLEB128(buf []byte, v int64) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(buf, b)
		}
		buf = append(buf, b|0x80)
	}
}

func valueType(k Kind) byte {
	switch k {
	case I64:
		return typeI64
	case F32:
		return typeF32
	case F64:
		return typeF64
	}
	return typeI32
}

// CodeFunction is one encoded function body.
type CodeFunction struct {
	Name    string
	Params  []Kind
	Results []Kind
	Locals  []Kind
	Code    []byte
}

// Bytecode emits a wasm-flavoured stack bytecode.
//
// Slots map to the first locals, the frame base to the next one, and value
// N to the local after that plus N-1. Global 0 is the stack pointer. Every
// call target goes through the symbol import table.
type Bytecode struct {
	PointerKind Kind

	Imports   []string
	importIdx map[string]uint32
	Functions []*CodeFunction

	cur       *CodeFunction
	buf       []byte
	slotCount int
	frameSize int
	values    map[int]Kind
	maxValue  int
}

// NewBytecode returns an empty bytecode sink whose addresses are pointerKind.
func NewBytecode(pointerKind Kind) *Bytecode {
	return &Bytecode{PointerKind: pointerKind, importIdx: make(map[string]uint32)}
}

func (b *Bytecode) op(code byte) { b.buf = append(b.buf, code) }

func (b *Bytecode) uleb(v uint64) { b.buf = appendULEB128(b.buf, v) }

func (b *Bytecode) sleb(v int64) { b.buf = appendSLEB128(b.buf, v) }

func (b *Bytecode) fpLocal() uint64 { return uint64(b.slotCount) }

func (b *Bytecode) local(v Value) uint64 {
	if _, seen := b.values[v.ID]; !seen {
		b.values[v.ID] = v.Kind
	}
	if v.ID > b.maxValue {
		b.maxValue = v.ID
	}
	return uint64(b.slotCount + v.ID)
}

func (b *Bytecode) get(v Value) {
	b.op(opLocalGet)
	b.uleb(b.local(v))
}

func (b *Bytecode) set(v Value) {
	b.op(opLocalSet)
	b.uleb(b.local(v))
}

// symbol returns the import index of name, adding it on first use.
func (b *Bytecode) symbol(name string) uint32 {
	if idx, ok := b.importIdx[name]; ok {
		return idx
	}
	idx := uint32(len(b.Imports))
	b.Imports = append(b.Imports, name)
	b.importIdx[name] = idx
	return idx
}

func (b *Bytecode) ptrConst(n int64) {
	if b.PointerKind == I64 {
		b.op(opI64Const)
	} else {
		b.op(opI32Const)
	}
	b.sleb(n)
}

func (b *Bytecode) ptrOp(op BinOp) {
	codes := intBinary[op]
	if b.PointerKind == I64 {
		b.op(codes[1])
	} else {
		b.op(codes[0])
	}
}

func (b *Bytecode) BeginFunction(sig Signature) {
	b.cur = &CodeFunction{Name: sig.Name, Results: append([]Kind(nil), sig.Results...)}
	b.buf = nil
	b.values = make(map[int]Kind)
	b.maxValue = 0
	b.frameSize = sig.FrameSize

	b.slotCount = 0
	for _, s := range sig.Slots {
		if s.Index+1 > b.slotCount {
			b.slotCount = s.Index + 1
		}
	}
	slotKinds := make([]Kind, b.slotCount)
	for i := range slotKinds {
		slotKinds[i] = I32
	}
	for _, s := range sig.Slots {
		slotKinds[s.Index] = s.Kind
	}
	for _, p := range sig.Params {
		b.cur.Params = append(b.cur.Params, p.Kind)
	}
	// Locals past the params: the remaining slots and the frame base.
	b.cur.Locals = append(b.cur.Locals, slotKinds[len(sig.Params):]...)
	b.cur.Locals = append(b.cur.Locals, b.PointerKind)

	// The frame base doubles as the saved stack pointer, so it is set
	// even without a frame: Return restores SP past any StackAlloc.
	b.op(opGlobalGet)
	b.uleb(0)
	b.ptrConst(int64(b.frameSize))
	b.ptrOp(Sub)
	b.op(opLocalTee)
	b.uleb(b.fpLocal())
	b.op(opGlobalSet)
	b.uleb(0)
}

func (b *Bytecode) EndFunction() {
	b.op(opEnd)
	for id := 1; id <= b.maxValue; id++ {
		k, ok := b.values[id]
		if !ok {
			k = I32
		}
		b.cur.Locals = append(b.cur.Locals, k)
	}
	b.cur.Code = b.buf
	b.Functions = append(b.Functions, b.cur)
	b.cur, b.buf = nil, nil
}

func (b *Bytecode) Return(vals ...Value) {
	b.op(opLocalGet)
	b.uleb(b.fpLocal())
	b.ptrConst(int64(b.frameSize))
	b.ptrOp(Add)
	b.op(opGlobalSet)
	b.uleb(0)
	for _, v := range vals {
		b.get(v)
	}
	b.op(opReturn)
}

func loadOpcode(k Kind, size int, signed bool) byte {
	switch k {
	case F32:
		return opF32Load
	case F64:
		return opF64Load
	case I64:
		switch size {
		case 1:
			return pick(signed, opI64Load8S, opI64Load8U)
		case 2:
			return pick(signed, opI64Load16S, opI64Load16U)
		case 4:
			return pick(signed, opI64Load32S, opI64Load32U)
		}
		return opI64Load
	}
	switch size {
	case 1:
		return pick(signed, opI32Load8S, opI32Load8U)
	case 2:
		return pick(signed, opI32Load16S, opI32Load16U)
	}
	return opI32Load
}

func storeOpcode(k Kind, size int) byte {
	switch k {
	case F32:
		return opF32Store
	case F64:
		return opF64Store
	case I64:
		switch size {
		case 1:
			return opI64Store8
		case 2:
			return opI64Store16
		case 4:
			return opI64Store32
		}
		return opI64Store
	}
	switch size {
	case 1:
		return opI32Store8
	case 2:
		return opI32Store16
	}
	return opI32Store
}

func pick(cond bool, a, b byte) byte {
	if cond {
		return a
	}
	return b
}

func alignLog2(size int) uint64 {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	}
	return 3
}

// pushAddress leaves base+offset on the stack when offset cannot be a
// memarg immediate and returns the immediate to use.
func (b *Bytecode) pushAddress(base Value, offset int) uint64 {
	b.get(base)
	if offset >= 0 {
		return uint64(offset)
	}
	b.ptrConst(int64(offset))
	b.ptrOp(Add)
	return 0
}

func (b *Bytecode) LoadScalar(dst, addr Value, offset, size int, signed bool) {
	imm := b.pushAddress(addr, offset)
	b.op(loadOpcode(dst.Kind, size, signed))
	b.uleb(alignLog2(size))
	b.uleb(imm)
	b.set(dst)
}

func (b *Bytecode) StoreScalar(addr Value, offset int, src Value, size int) {
	imm := b.pushAddress(addr, offset)
	b.get(src)
	b.op(storeOpcode(src.Kind, size))
	b.uleb(alignLog2(size))
	b.uleb(imm)
}

func (b *Bytecode) ComputeAddress(dst, base Value, offset int) {
	b.get(base)
	if offset != 0 {
		b.ptrConst(int64(offset))
		b.ptrOp(Add)
	}
	b.set(dst)
}

func (b *Bytecode) Call(symbol string, args []Value, results []Value) {
	for _, a := range args {
		b.get(a)
	}
	b.op(opCall)
	b.uleb(uint64(b.symbol(symbol)))
	for i := len(results) - 1; i >= 0; i-- {
		b.set(results[i])
	}
}

func (b *Bytecode) MaterializeConstant(dst Value, bits uint64) {
	switch dst.Kind {
	case I32:
		b.op(opI32Const)
		b.sleb(int64(int32(uint32(bits))))
	case I64:
		b.op(opI64Const)
		b.sleb(int64(bits))
	case F32:
		b.op(opF32Const)
		b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(bits))
	case F64:
		b.op(opF64Const)
		b.buf = binary.LittleEndian.AppendUint64(b.buf, bits)
	}
	b.set(dst)
}

func (b *Bytecode) SlotGet(dst Value, slot int) {
	b.op(opLocalGet)
	b.uleb(uint64(slot))
	b.set(dst)
}

func (b *Bytecode) SlotSet(slot int, src Value) {
	b.get(src)
	b.op(opLocalSet)
	b.uleb(uint64(slot))
}

func (b *Bytecode) FrameAddress(dst Value, offset int) {
	b.op(opLocalGet)
	b.uleb(b.fpLocal())
	if offset != 0 {
		b.ptrConst(int64(offset))
		b.ptrOp(Add)
	}
	b.set(dst)
}

func (b *Bytecode) StackAlloc(dst, size Value, align int) {
	if align < 1 {
		align = 1
	}
	b.op(opGlobalGet)
	b.uleb(0)
	b.get(size)
	b.ptrOp(Sub)
	b.ptrConst(int64(-align))
	b.ptrOp(And)
	b.op(opLocalTee)
	b.uleb(b.local(dst))
	b.op(opGlobalSet)
	b.uleb(0)
}

func (b *Bytecode) Binary(dst Value, op BinOp, a, c Value) {
	b.get(a)
	b.get(c)
	k := a.Kind
	if k.IsFloat() {
		codes, ok := floatBinary[op]
		if !ok {
			// Unsigned float comparisons are the signed ones.
			codes = floatBinary[unsignedToSigned(op)]
		}
		b.op(pick(k == F32, codes[0], codes[1]))
	} else {
		codes := intBinary[op]
		b.op(pick(k == I32, codes[0], codes[1]))
	}
	b.set(dst)
}

func unsignedToSigned(op BinOp) BinOp {
	switch op {
	case LtU:
		return LtS
	case LeU:
		return LeS
	case GtU:
		return GtS
	case GeU:
		return GeS
	}
	return op
}

func (b *Bytecode) Unary(dst Value, op UnOp, a Value) {
	k := a.Kind
	switch op {
	case Neg:
		if k.IsFloat() {
			b.get(a)
			b.op(pick(k == F32, 0x8c, 0x9a))
		} else {
			b.constOf(k, 0)
			b.get(a)
			b.op(intBinary[Sub][kindIndex(k)])
		}
	case Not:
		b.get(a)
		b.constOf(k, math.MaxUint64)
		b.op(intBinary[Xor][kindIndex(k)])
	case Eqz:
		b.get(a)
		b.op(pick(k == I32, opI32Eqz, opI64Eqz))
	case Clz:
		b.get(a)
		b.op(pick(k == I32, 0x67, 0x79))
	case Ctz:
		b.get(a)
		b.op(pick(k == I32, 0x68, 0x7a))
	case Popcnt:
		b.get(a)
		b.op(pick(k == I32, 0x69, 0x7b))
	}
	b.set(dst)
}

func kindIndex(k Kind) int {
	if k == I64 {
		return 1
	}
	return 0
}

func (b *Bytecode) constOf(k Kind, bits uint64) {
	if k == I64 {
		b.op(opI64Const)
		b.sleb(int64(bits))
		return
	}
	b.op(opI32Const)
	b.sleb(int64(int32(uint32(bits))))
}

func (b *Bytecode) Convert(dst Value, op ConvOp, a Value) {
	b.get(a)
	from, to := a.Kind, dst.Kind
	switch op {
	case Wrap:
		b.op(opI32WrapI64)
	case ExtendS:
		b.op(opI64ExtendI32S)
	case ExtendU:
		b.op(opI64ExtendI32U)
	case Demote:
		b.op(opF32DemoteF64)
	case Promote:
		b.op(opF64PromoteF32)
	case ConvertS, ConvertU:
		// f32.convert_i32_s = 0xb2; layout: (to, from, sign) ascending.
		base := byte(0xb2)
		if to == F64 {
			base = 0xb7
		}
		if from == I64 {
			base += 2
		}
		if op == ConvertU {
			base++
		}
		b.op(base)
	case TruncS, TruncU:
		// i32.trunc_f32_s = 0xa8; i64.trunc_f32_s = 0xae.
		base := byte(0xa8)
		if to == I64 {
			base = 0xae
		}
		if from == F64 {
			base += 2
		}
		if op == TruncU {
			base++
		}
		b.op(base)
	}
	b.set(dst)
}

func (b *Bytecode) Select(dst, cond, ifTrue, ifFalse Value) {
	b.get(ifTrue)
	b.get(ifFalse)
	b.get(cond)
	b.op(opSelect)
	b.set(dst)
}

func (b *Bytecode) Drop(v Value) {
	b.get(v)
	b.op(opDrop)
}

// Encode serializes the import table and functions:
//
//	"\x00chb" u8(version=1)
//	uleb(#imports) { uleb(len) name }
//	uleb(#functions) { uleb(len) name  uleb(#params) types  uleb(#results) types
//	                   uleb(#locals) types  uleb(len) code }
func (b *Bytecode) Encode() []byte {
	var out []byte
	out = append(out, 0x00, 'c', 'h', 'b', 1)
	out = appendULEB128(out, uint64(len(b.Imports)))
	for _, name := range b.Imports {
		out = appendName(out, name)
	}
	out = appendULEB128(out, uint64(len(b.Functions)))
	for _, f := range b.Functions {
		out = appendName(out, f.Name)
		out = appendKinds(out, f.Params)
		out = appendKinds(out, f.Results)
		out = appendKinds(out, f.Locals)
		out = appendULEB128(out, uint64(len(f.Code)))
		out = append(out, f.Code...)
	}
	return out
}

func appendName(out []byte, name string) []byte {
	out = appendULEB128(out, uint64(len(name)))
	return append(out, name...)
}

func appendKinds(out []byte, kinds []Kind) []byte {
	out = appendULEB128(out, uint64(len(kinds)))
	for _, k := range kinds {
		out = append(out, valueType(k))
	}
	return out
}

// Dump renders a per-function hex listing for goldens and the CLI.
func (b *Bytecode) Dump() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "imports: %s\n", strings.Join(b.Imports, ", "))
	for _, f := range b.Functions {
		fmt.Fprintf(&sb, "func %s params=%v results=%v locals=%d\n", f.Name, f.Params, f.Results, len(f.Locals))
		for off := 0; off < len(f.Code); off += 16 {
			end := min(off+16, len(f.Code))
			fmt.Fprintf(&sb, "  %04x  %s\n", off, hex.EncodeToString(f.Code[off:end]))
		}
	}
	return sb.String()
}

// Function returns the encoded function called name.
func (b *Bytecode) Function(name string) (*CodeFunction, bool) {
	for _, f := range b.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Contains reports whether code holds the byte sequence seq.
func (f *CodeFunction) Contains(seq ...byte) bool {
	return bytes.Contains(f.Code, seq)
}

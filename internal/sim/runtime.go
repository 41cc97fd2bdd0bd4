package sim

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/roach88/chisel/internal/decimal"
	"github.com/roach88/chisel/internal/wide"
)

// runtime serves a prefix-stripped hook call.
func (m *Machine) runtime(hook string, args []uint64) ([]uint64, error) {
	need := func(n int) error {
		if len(args) < n {
			return fmt.Errorf("sim: %s takes %d arguments, got %d", hook, n, len(args))
		}
		return nil
	}

	switch hook {
	case "memmove":
		if err := need(3); err != nil {
			return nil, err
		}
		return nil, m.memmove(args[0], args[1], args[2])

	case "borrow_release":
		if err := need(1); err != nil {
			return nil, err
		}
		m.released = append(m.released, uint32(args[0]))
		return nil, nil

	case "alloc":
		if err := need(2); err != nil {
			return nil, err
		}
		p, err := m.Alloc(int(args[0]), int(args[1]))
		return []uint64{p}, err

	case "closure_env_clone":
		if err := need(3); err != nil {
			return nil, err
		}
		p, err := m.Alloc(int(args[1]), int(args[2]))
		if err != nil {
			return nil, err
		}
		return []uint64{p}, m.memmove(p, args[0], args[1])

	case "string_from_slice", "string_clone_slice":
		if err := need(2); err != nil {
			return nil, err
		}
		data, err := m.sliceBytes(args[1])
		if err != nil {
			return nil, err
		}
		return nil, m.newString(args[0], data)

	case "string_clone":
		if err := need(2); err != nil {
			return nil, err
		}
		s, err := m.ReadString(args[1])
		if err != nil {
			return nil, err
		}
		return nil, m.newString(args[0], []byte(s))

	case "string_concat":
		if err := need(3); err != nil {
			return nil, err
		}
		a, err := m.ReadString(args[1])
		if err != nil {
			return nil, err
		}
		b, err := m.ReadString(args[2])
		if err != nil {
			return nil, err
		}
		return nil, m.newString(args[0], []byte(a+b))

	case "vec_clone":
		if err := need(2); err != nil {
			return nil, err
		}
		return nil, m.cloneVec(args[0], args[1])

	case "rc_clone", "arc_clone":
		if err := need(2); err != nil {
			return nil, err
		}
		box, err := m.ReadWord(args[1])
		if err != nil {
			return nil, err
		}
		if box != 0 {
			m.refs[box]++
		}
		return nil, m.WriteWord(args[0], box)

	case "rc_drop", "arc_drop":
		if err := need(1); err != nil {
			return nil, err
		}
		box, err := m.ReadWord(args[0])
		if err != nil {
			return nil, err
		}
		if box != 0 {
			m.refs[box]--
		}
		return nil, nil

	case "string_drop", "vec_drop":
		return nil, need(1)
	}

	switch {
	case strings.HasPrefix(hook, "i128_"), strings.HasPrefix(hook, "u128_"):
		return m.wideHook(hook[5:], hook[0] == 'i', args)
	case strings.HasPrefix(hook, "decimal_") && strings.HasSuffix(hook, "_out"):
		return m.decimalHook(strings.TrimSuffix(strings.TrimPrefix(hook, "decimal_"), "_out"), args)
	case strings.HasPrefix(hook, "numeric_"):
		return m.numericHook(strings.TrimPrefix(hook, "numeric_"), args)
	}
	return nil, fmt.Errorf("sim: unknown runtime hook %q", hook)
}

func (m *Machine) memmove(dst, src, n uint64) error {
	if n == 0 {
		return nil
	}
	if err := m.check(dst, int(n)); err != nil {
		return err
	}
	if err := m.check(src, int(n)); err != nil {
		return err
	}
	copy(m.mem[dst:dst+n], m.mem[src:src+n])
	return nil
}

// sliceBytes reads a packed str: offset in the low half, length in the
// high half.
func (m *Machine) sliceBytes(packed uint64) ([]byte, error) {
	return m.Bytes(packed&0xffffffff, int(packed>>32))
}

// newString writes a String header {ptr, len, cap} at dst owning a copy of
// data.
func (m *Machine) newString(dst uint64, data []byte) error {
	var p uint64
	if len(data) > 0 {
		var err error
		if p, err = m.Alloc(len(data), 1); err != nil {
			return err
		}
		copy(m.mem[p:], data)
	}
	w := uint64(m.ptrWidth)
	for i, v := range []uint64{p, uint64(len(data)), uint64(len(data))} {
		if err := m.WriteWord(dst+uint64(i)*w, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadString reads the String header at addr.
func (m *Machine) ReadString(addr uint64) (string, error) {
	p, err := m.ReadWord(addr)
	if err != nil {
		return "", err
	}
	n, err := m.ReadWord(addr + uint64(m.ptrWidth))
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	b, err := m.Bytes(p, int(n))
	return string(b), err
}

// NewString allocates a String header owning s and returns its address.
func (m *Machine) NewString(s string) (uint64, error) {
	hdr, err := m.Alloc(3*m.ptrWidth, m.ptrWidth)
	if err != nil {
		return 0, err
	}
	return hdr, m.newString(hdr, []byte(s))
}

// vecHeaderWords covers ptr, len, cap, elem_size, elem_align, drop_fn and
// region.
const vecHeaderWords = 7

func (m *Machine) cloneVec(dst, src uint64) error {
	w := uint64(m.ptrWidth)
	if err := m.memmove(dst, src, vecHeaderWords*w); err != nil {
		return err
	}
	p, err := m.ReadWord(src)
	if err != nil {
		return err
	}
	n, err := m.ReadWord(src + w)
	if err != nil {
		return err
	}
	size, err := m.ReadWord(src + 3*w)
	if err != nil {
		return err
	}
	if n*size == 0 {
		return nil
	}
	copyTo, err := m.Alloc(int(n*size), 8)
	if err != nil {
		return err
	}
	if err := m.memmove(copyTo, p, n*size); err != nil {
		return err
	}
	if err := m.WriteWord(dst, copyTo); err != nil {
		return err
	}
	return m.WriteWord(dst+2*w, n)
}

// ReadWide reads a 128-bit {lo, hi} value.
func (m *Machine) ReadWide(addr uint64, signed bool) (*big.Int, error) {
	lo, err := m.ReadU64(addr)
	if err != nil {
		return nil, err
	}
	hi, err := m.ReadU64(addr + 8)
	if err != nil {
		return nil, err
	}
	return wide.Join(lo, hi, signed), nil
}

// WriteWide stores v as {lo, hi}.
func (m *Machine) WriteWide(addr uint64, v *big.Int) error {
	lo, hi := wide.Split(v)
	if err := m.Write(addr, 8, lo); err != nil {
		return err
	}
	return m.Write(addr+8, 8, hi)
}

func (m *Machine) wideHook(op string, signed bool, args []uint64) ([]uint64, error) {
	switch op {
	case "eq", "cmp":
		if len(args) != 2 {
			return nil, fmt.Errorf("sim: 128-bit %s takes 2 arguments", op)
		}
		a, err := m.ReadWide(args[0], signed)
		if err != nil {
			return nil, err
		}
		b, err := m.ReadWide(args[1], signed)
		if err != nil {
			return nil, err
		}
		c := wide.Compare(a, b)
		if op == "eq" {
			return []uint64{flag(c == 0)}, nil
		}
		return []uint64{uint64(uint32(int32(c)))}, nil
	case "neg", "not":
		if len(args) != 2 {
			return nil, fmt.Errorf("sim: 128-bit %s takes 2 arguments", op)
		}
		a, err := m.ReadWide(args[1], signed)
		if err != nil {
			return nil, err
		}
		r, err := wide.Unary(op, signed, a)
		if err != nil {
			return nil, err
		}
		return nil, m.WriteWide(args[0], r)
	}
	if len(args) != 3 {
		return nil, fmt.Errorf("sim: 128-bit %s takes 3 arguments", op)
	}
	a, err := m.ReadWide(args[1], signed)
	if err != nil {
		return nil, err
	}
	var b *big.Int
	if op == "shl" || op == "shr" {
		b = new(big.Int).SetUint64(args[2] & 0xffffffff)
	} else if b, err = m.ReadWide(args[2], signed); err != nil {
		return nil, err
	}
	r, err := wide.Binary(op, signed, a, b)
	if err != nil {
		return nil, err
	}
	return nil, m.WriteWide(args[0], r)
}

// ReadDecimal reads four 32-bit parts.
func (m *Machine) ReadDecimal(addr uint64) (decimal.Parts, error) {
	var p decimal.Parts
	for i := range p {
		w, err := m.ReadU32(addr + uint64(4*i))
		if err != nil {
			return decimal.Parts{}, err
		}
		p[i] = w
	}
	return p, nil
}

// WriteDecimal stores four 32-bit parts.
func (m *Machine) WriteDecimal(addr uint64, p decimal.Parts) error {
	for i, w := range p {
		if err := m.Write(addr+uint64(4*i), 4, uint64(w)); err != nil {
			return err
		}
	}
	return nil
}

// decimalHook serves decimal_<op>_out(out, a, b, [c,] rounding, flags).
func (m *Machine) decimalHook(op string, args []uint64) ([]uint64, error) {
	want := 5
	if op == "fma" {
		want = 6
	}
	if len(args) != want {
		return nil, fmt.Errorf("sim: decimal %s takes %d arguments, got %d", op, want, len(args))
	}
	operands := make([]decimal.Parts, 3)
	for i, addr := range args[1 : want-2] {
		p, err := m.ReadDecimal(addr)
		if err != nil {
			return nil, err
		}
		operands[i] = p
	}
	rounding := decimal.Rounding(uint32(args[want-2]))
	res, status := decimal.Apply(op, operands[0], operands[1], operands[2], rounding)
	out := args[0]
	if err := m.Write(out, 4, uint64(status)); err != nil {
		return nil, err
	}
	return nil, m.WriteDecimal(out+4, res)
}

// numericHook serves numeric_<op>_<i|u><bits>(out, a[, b]) -> ok. On
// overflow the out slot receives zero.
func (m *Machine) numericHook(name string, args []uint64) ([]uint64, error) {
	i := strings.LastIndexByte(name, '_')
	if i < 0 || i+2 > len(name) {
		return nil, fmt.Errorf("sim: malformed numeric hook %q", name)
	}
	op, suffix := name[:i], name[i+1:]
	signed := suffix[0] == 'i'
	width, err := strconv.Atoi(suffix[1:])
	if err != nil {
		return nil, fmt.Errorf("sim: malformed numeric hook %q", name)
	}
	operand := func(v uint64) *big.Int {
		if width < 64 {
			v &= uint64(1)<<width - 1
		}
		x := new(big.Int).SetUint64(v)
		if signed && v>>(width-1)&1 == 1 {
			x.Sub(x, new(big.Int).Lsh(big.NewInt(1), uint(width)))
		}
		return x
	}

	var r *big.Int
	switch op {
	case "try_add", "try_sub", "try_mul":
		if len(args) != 3 {
			return nil, fmt.Errorf("sim: %s takes 3 arguments", name)
		}
		a, b := operand(args[1]), operand(args[2])
		r = new(big.Int)
		switch op {
		case "try_add":
			r.Add(a, b)
		case "try_sub":
			r.Sub(a, b)
		default:
			r.Mul(a, b)
		}
	case "try_neg":
		if len(args) != 2 {
			return nil, fmt.Errorf("sim: %s takes 2 arguments", name)
		}
		r = new(big.Int).Neg(operand(args[1]))
	default:
		return nil, fmt.Errorf("sim: unknown numeric hook %q", name)
	}

	lo, hi := new(big.Int), new(big.Int).Lsh(big.NewInt(1), uint(width))
	if signed {
		hi.Rsh(hi, 1)
		lo.Neg(hi)
	}
	ok := r.Cmp(lo) >= 0 && r.Cmp(hi) < 0
	bits := uint64(0)
	if ok {
		w, _ := wide.Split(r)
		bits = w
	}
	if err := m.Write(args[0], max(width/8, 1), bits); err != nil {
		return nil, err
	}
	return []uint64{flag(ok)}, nil
}

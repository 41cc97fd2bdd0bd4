package harness

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/chisel/internal/decimal"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/wide"
)

// Fixture is a set of MIR function bodies written in YAML.
//
//	functions:
//	  - name: add_one
//	    locals:
//	      - {name: ret, ty: i32, kind: return}
//	      - {name: a, ty: i32, kind: arg}
//	    body:
//	      - assign: _0
//	        binary: {op: add, lhs: copy _1, rhs: const 1 i32}
type Fixture struct {
	Functions []FunctionSpec `yaml:"functions"`
}

// FunctionSpec is one MIR body.
type FunctionSpec struct {
	Name   string          `yaml:"name"`
	Async  bool            `yaml:"async,omitempty"`
	Extern bool            `yaml:"extern,omitempty"`
	Locals []LocalSpec     `yaml:"locals"`
	Body   []StatementSpec `yaml:"body,omitempty"`
}

// LocalSpec declares one local. Kind defaults to "return" for the first
// local and "local" otherwise.
type LocalSpec struct {
	Name         string `yaml:"name,omitempty"`
	Ty           string `yaml:"ty"`
	Kind         string `yaml:"kind,omitempty"`
	Mode         string `yaml:"mode,omitempty"`
	AddressTaken bool   `yaml:"address_taken,omitempty"`
	Self         bool   `yaml:"self,omitempty"`
}

// StatementSpec is one statement. An assignment names its destination in
// Assign and sets exactly one of the rvalue fields.
type StatementSpec struct {
	Assign      string `yaml:"assign,omitempty"`
	StorageDead *int   `yaml:"storage_dead,omitempty"`
	Nop         bool   `yaml:"nop,omitempty"`

	Use               string         `yaml:"use,omitempty"`
	Binary            *BinarySpec    `yaml:"binary,omitempty"`
	Unary             *UnarySpec     `yaml:"unary,omitempty"`
	Cast              *CastSpec      `yaml:"cast,omitempty"`
	Aggregate         *AggregateSpec `yaml:"aggregate,omitempty"`
	AddressOf         string         `yaml:"address_of,omitempty"`
	Len               string         `yaml:"len,omitempty"`
	Decimal           *DecimalSpec   `yaml:"decimal,omitempty"`
	Numeric           *NumericSpec   `yaml:"numeric,omitempty"`
	SpanAlloc         *SpanAllocSpec `yaml:"span_alloc,omitempty"`
	ClosureToFn       *ClosureSpec   `yaml:"closure_to_fn,omitempty"`
	ClosureToDelegate *ClosureSpec   `yaml:"closure_to_delegate,omitempty"`
}

type BinarySpec struct {
	Op  string `yaml:"op"`
	LHS string `yaml:"lhs"`
	RHS string `yaml:"rhs"`
}

type UnarySpec struct {
	Op      string `yaml:"op"`
	Operand string `yaml:"operand"`
}

type CastSpec struct {
	Kind    string `yaml:"kind"`
	Operand string `yaml:"operand"`
	From    string `yaml:"from"`
	To      string `yaml:"to"`
}

// AggregateSpec builds a tuple, an array of Elem or the ADT Name
// (optionally one of its variants).
type AggregateSpec struct {
	Kind    string   `yaml:"kind"`
	Elem    string   `yaml:"elem,omitempty"`
	Name    string   `yaml:"name,omitempty"`
	Variant string   `yaml:"variant,omitempty"`
	Fields  []string `yaml:"fields"`
}

type DecimalSpec struct {
	Op        string `yaml:"op"`
	LHS       string `yaml:"lhs"`
	RHS       string `yaml:"rhs"`
	Addend    string `yaml:"addend,omitempty"`
	Rounding  string `yaml:"rounding,omitempty"`
	Vectorize string `yaml:"vectorize,omitempty"`
}

type NumericSpec struct {
	Op       string   `yaml:"op"`
	Bits     int      `yaml:"bits"`
	Signed   bool     `yaml:"signed,omitempty"`
	Operands []string `yaml:"operands"`
	Out      string   `yaml:"out,omitempty"`
}

type SpanAllocSpec struct {
	Elem   string `yaml:"elem"`
	Length string `yaml:"length"`
	Source string `yaml:"source,omitempty"`
}

type ClosureSpec struct {
	Operand  string `yaml:"operand"`
	Closure  string `yaml:"closure"`
	Delegate string `yaml:"delegate,omitempty"`
}

// LoadFixture reads a fixture file, rejecting unknown fields.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}
	var f Fixture
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(f.Functions) == 0 {
		return nil, fmt.Errorf("invalid fixture: functions list is required and must be non-empty")
	}
	return &f, nil
}

// Bodies converts every function to a MIR body, in file order.
func (f *Fixture) Bodies() ([]*mir.Body, error) {
	bodies := make([]*mir.Body, 0, len(f.Functions))
	for i, fn := range f.Functions {
		b, err := fn.ToBody()
		if err != nil {
			return nil, fmt.Errorf("functions[%d] (%s): %w", i, fn.Name, err)
		}
		bodies = append(bodies, b)
	}
	return bodies, nil
}

// ToBody converts the spec to a MIR body.
func (fn FunctionSpec) ToBody() (*mir.Body, error) {
	if fn.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	b := &mir.Body{Name: fn.Name, Async: fn.Async, Extern: fn.Extern}
	for i, l := range fn.Locals {
		decl, err := l.decl(i)
		if err != nil {
			return nil, fmt.Errorf("locals[%d]: %w", i, err)
		}
		b.Locals = append(b.Locals, decl)
	}
	for i, st := range fn.Body {
		s, err := st.statement()
		if err != nil {
			return nil, fmt.Errorf("body[%d]: %w", i, err)
		}
		b.Statements = append(b.Statements, s)
	}
	return b, nil
}

func (l LocalSpec) decl(index int) (mir.LocalDecl, error) {
	ty, err := mir.ParseTy(l.Ty)
	if err != nil {
		return mir.LocalDecl{}, err
	}
	decl := mir.LocalDecl{Name: l.Name, Ty: ty, AddressTaken: l.AddressTaken, IsSelf: l.Self}

	kind := l.Kind
	if kind == "" {
		kind = "local"
		if index == 0 {
			kind = "return"
		}
	}
	switch kind {
	case "return":
		decl.Kind = mir.LocalReturn
	case "arg":
		decl.Kind = mir.LocalArg
	case "local", "var":
		decl.Kind = mir.LocalVar
	case "temp":
		decl.Kind = mir.LocalTemp
	default:
		return mir.LocalDecl{}, fmt.Errorf("unknown local kind %q", l.Kind)
	}

	switch l.Mode {
	case "", "value":
		decl.Mode = mir.ParamValue
	case "in":
		decl.Mode = mir.ParamIn
	case "ref":
		decl.Mode = mir.ParamRef
	case "out":
		decl.Mode = mir.ParamOut
	default:
		return mir.LocalDecl{}, fmt.Errorf("unknown parameter mode %q", l.Mode)
	}
	return decl, nil
}

func (st StatementSpec) statement() (mir.Statement, error) {
	switch {
	case st.Nop:
		return mir.Nop{}, nil
	case st.StorageDead != nil:
		return mir.StorageDead{Local: mir.LocalID(*st.StorageDead)}, nil
	case st.Assign == "":
		return nil, fmt.Errorf("statement needs assign, storage_dead or nop")
	}
	place, err := mir.ParsePlace(st.Assign)
	if err != nil {
		return nil, err
	}
	rv, err := st.rvalue()
	if err != nil {
		return nil, fmt.Errorf("assign %s: %w", st.Assign, err)
	}
	return mir.Assign{Place: place, Value: rv}, nil
}

// rvalue converts the single rvalue field that is set.
func (st StatementSpec) rvalue() (mir.Rvalue, error) {
	var rvs []mir.Rvalue
	var errs []error
	add := func(rv mir.Rvalue, err error) {
		rvs = append(rvs, rv)
		errs = append(errs, err)
	}

	if st.Use != "" {
		op, err := ParseOperand(st.Use)
		add(mir.Use{Operand: op}, err)
	}
	if st.Binary != nil {
		add(st.Binary.rvalue())
	}
	if st.Unary != nil {
		add(st.Unary.rvalue())
	}
	if st.Cast != nil {
		add(st.Cast.rvalue())
	}
	if st.Aggregate != nil {
		add(st.Aggregate.rvalue())
	}
	if st.AddressOf != "" {
		p, err := mir.ParsePlace(st.AddressOf)
		add(mir.AddressOf{Place: p}, err)
	}
	if st.Len != "" {
		p, err := mir.ParsePlace(st.Len)
		add(mir.Len{Place: p}, err)
	}
	if st.Decimal != nil {
		add(st.Decimal.rvalue())
	}
	if st.Numeric != nil {
		add(st.Numeric.rvalue())
	}
	if st.SpanAlloc != nil {
		add(st.SpanAlloc.rvalue())
	}
	if st.ClosureToFn != nil {
		op, err := ParseOperand(st.ClosureToFn.Operand)
		add(mir.ClosureToFnPtr{Operand: op, Closure: st.ClosureToFn.Closure}, err)
	}
	if st.ClosureToDelegate != nil {
		c := st.ClosureToDelegate
		op, err := ParseOperand(c.Operand)
		add(mir.ClosureToDelegate{Operand: op, Closure: c.Closure, Delegate: c.Delegate}, err)
	}

	switch len(rvs) {
	case 0:
		return nil, fmt.Errorf("no rvalue given")
	case 1:
		return rvs[0], errs[0]
	}
	return nil, fmt.Errorf("%d rvalues given, want exactly one", len(rvs))
}

var binOps = map[string]mir.BinOp{}

func init() {
	for op := mir.Add; op <= mir.Ge; op++ {
		binOps[op.String()] = op
	}
}

func (b *BinarySpec) rvalue() (mir.Rvalue, error) {
	op, ok := binOps[b.Op]
	if !ok {
		return nil, fmt.Errorf("unknown binary operator %q", b.Op)
	}
	lhs, err := ParseOperand(b.LHS)
	if err != nil {
		return nil, err
	}
	rhs, err := ParseOperand(b.RHS)
	if err != nil {
		return nil, err
	}
	return mir.Binary{Op: op, LHS: lhs, RHS: rhs}, nil
}

func (u *UnarySpec) rvalue() (mir.Rvalue, error) {
	ops := map[string]mir.UnOp{"neg": mir.Neg, "not": mir.Not, "plus": mir.Plus}
	op, ok := ops[u.Op]
	if !ok {
		return nil, fmt.Errorf("unknown unary operator %q", u.Op)
	}
	operand, err := ParseOperand(u.Operand)
	if err != nil {
		return nil, err
	}
	return mir.Unary{Op: op, Operand: operand}, nil
}

var castKinds = map[string]mir.CastKind{
	"int_to_int":     mir.IntToInt,
	"int_to_float":   mir.IntToFloat,
	"float_to_int":   mir.FloatToInt,
	"float_to_float": mir.FloatToFloat,
	"ptr_to_ptr":     mir.PtrToPtr,
	"unsize":         mir.Unsize,
}

func (c *CastSpec) rvalue() (mir.Rvalue, error) {
	kind, ok := castKinds[c.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown cast kind %q", c.Kind)
	}
	operand, err := ParseOperand(c.Operand)
	if err != nil {
		return nil, err
	}
	from, err := mir.ParseTy(c.From)
	if err != nil {
		return nil, err
	}
	to, err := mir.ParseTy(c.To)
	if err != nil {
		return nil, err
	}
	return mir.Cast{Kind: kind, Operand: operand, Source: from, Target: to}, nil
}

func (a *AggregateSpec) rvalue() (mir.Rvalue, error) {
	var kind mir.AggregateKind
	switch a.Kind {
	case "tuple":
		kind = mir.TupleAggregate{}
	case "array":
		elem, err := mir.ParseTy(a.Elem)
		if err != nil {
			return nil, err
		}
		kind = mir.ArrayAggregate{Elem: elem}
	case "adt":
		if a.Name == "" {
			return nil, fmt.Errorf("adt aggregate needs a name")
		}
		kind = mir.AdtAggregate{Name: a.Name, Variant: a.Variant}
	default:
		return nil, fmt.Errorf("unknown aggregate kind %q", a.Kind)
	}
	fields, err := parseOperands(a.Fields)
	if err != nil {
		return nil, err
	}
	return mir.Aggregate{Kind: kind, Fields: fields}, nil
}

func (d *DecimalSpec) rvalue() (mir.Rvalue, error) {
	rv := mir.DecimalIntrinsic{Kind: -1}
	for op := mir.DecimalAdd; op <= mir.DecimalFma; op++ {
		if op.String() == d.Op {
			rv.Kind = op
		}
	}
	if rv.Kind < 0 {
		return nil, fmt.Errorf("unknown decimal operator %q", d.Op)
	}
	var err error
	if rv.LHS, err = ParseOperand(d.LHS); err != nil {
		return nil, err
	}
	if rv.RHS, err = ParseOperand(d.RHS); err != nil {
		return nil, err
	}
	if rv.Addend, err = optionalOperand(d.Addend); err != nil {
		return nil, err
	}
	if rv.Rounding, err = optionalOperand(d.Rounding); err != nil {
		return nil, err
	}
	if rv.Vectorize, err = optionalOperand(d.Vectorize); err != nil {
		return nil, err
	}
	return rv, nil
}

func (n *NumericSpec) rvalue() (mir.Rvalue, error) {
	rv := mir.NumericIntrinsic{Kind: -1, Bits: n.Bits, Signed: n.Signed}
	for op := mir.TryAdd; op <= mir.IsPowerOfTwo; op++ {
		if op.String() == n.Op {
			rv.Kind = op
		}
	}
	if rv.Kind < 0 {
		return nil, fmt.Errorf("unknown numeric intrinsic %q", n.Op)
	}
	ops, err := parseOperands(n.Operands)
	if err != nil {
		return nil, err
	}
	rv.Operands = ops
	if n.Out != "" {
		out, err := mir.ParsePlace(n.Out)
		if err != nil {
			return nil, err
		}
		rv.Out = &out
	}
	return rv, nil
}

func (s *SpanAllocSpec) rvalue() (mir.Rvalue, error) {
	elem, err := mir.ParseTy(s.Elem)
	if err != nil {
		return nil, err
	}
	length, err := ParseOperand(s.Length)
	if err != nil {
		return nil, err
	}
	source, err := optionalOperand(s.Source)
	if err != nil {
		return nil, err
	}
	return mir.SpanStackAlloc{Elem: elem, Length: length, Source: source}, nil
}

func optionalOperand(s string) (mir.Operand, error) {
	if s == "" {
		return nil, nil
	}
	return ParseOperand(s)
}

func parseOperands(in []string) ([]mir.Operand, error) {
	out := make([]mir.Operand, len(in))
	for i, s := range in {
		op, err := ParseOperand(s)
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}
		out[i] = op
	}
	return out, nil
}

var borrowKinds = map[string]mir.BorrowKind{
	"shared": mir.BorrowShared,
	"unique": mir.BorrowUnique,
	"raw":    mir.BorrowRaw,
}

// ParseOperand parses one operand:
//
//	copy _1.x
//	move _2
//	borrow shared 7 _1
//	const 42 i32
//	const sym:double fn(i32) -> i32
//	pending
func ParseOperand(s string) (mir.Operand, error) {
	s = strings.TrimSpace(s)
	head, rest, _ := strings.Cut(s, " ")
	rest = strings.TrimSpace(rest)
	switch head {
	case "pending":
		return mir.Pending{}, nil
	case "copy":
		p, err := mir.ParsePlace(rest)
		return mir.Copy{Place: p}, err
	case "move":
		p, err := mir.ParsePlace(rest)
		return mir.Move{Place: p}, err
	case "borrow":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("parse operand %q: want borrow <kind> <id> <place>", s)
		}
		kind, ok := borrowKinds[fields[0]]
		if !ok {
			return nil, fmt.Errorf("parse operand %q: unknown borrow kind %q", s, fields[0])
		}
		id, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("parse operand %q: bad borrow id: %w", s, err)
		}
		p, err := mir.ParsePlace(fields[2])
		return mir.Borrow{ID: mir.BorrowID(id), Kind: kind, Place: p}, err
	case "const":
		text, tyText, ok := strings.Cut(rest, " ")
		if !ok {
			return nil, fmt.Errorf("parse operand %q: want const <value> <type>", s)
		}
		v, err := ParseConst(text)
		if err != nil {
			return nil, fmt.Errorf("parse operand %q: %w", s, err)
		}
		ty, err := mir.ParseTy(strings.TrimSpace(tyText))
		if err != nil {
			return nil, fmt.Errorf("parse operand %q: %w", s, err)
		}
		return mir.Const{Value: v, Ty: ty}, nil
	}
	return nil, fmt.Errorf("parse operand %q: unknown form %q", s, head)
}

// ParseConst parses a constant value token. Prefixed forms select the
// non-numeric constants: sym:NAME, str:ID, enum:N, dec:TEXT and wide:N.
func ParseConst(s string) (mir.ConstValue, error) {
	switch s {
	case "null":
		return mir.Null{}, nil
	case "unit":
		return mir.UnitValue{}, nil
	case "true":
		return mir.Bool{Value: true}, nil
	case "false":
		return mir.Bool{Value: false}, nil
	}
	if prefix, body, ok := strings.Cut(s, ":"); ok {
		switch prefix {
		case "sym":
			return mir.Symbol{Name: body}, nil
		case "str":
			id, err := strconv.Atoi(body)
			return mir.StrLit{ID: id}, err
		case "enum":
			n, err := strconv.ParseInt(body, 0, 64)
			return mir.Enum{Discriminant: n}, err
		case "dec":
			p, err := decimal.Parse(body)
			return mir.Decimal{Parts: p}, err
		case "wide":
			v, ok := new(big.Int).SetString(body, 0)
			if !ok {
				return nil, fmt.Errorf("bad wide constant %q", body)
			}
			lo, hi := wide.Split(v)
			return mir.Wide{Lo: lo, Hi: hi}, nil
		}
		return nil, fmt.Errorf("unknown constant prefix %q", prefix)
	}
	if strings.ContainsAny(s, ".eE") && !strings.HasPrefix(s, "0x") {
		f, err := strconv.ParseFloat(s, 64)
		return mir.Float{Value: f}, err
	}
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return mir.Int{Value: i}, nil
	}
	u, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return nil, fmt.Errorf("bad constant %q", s)
	}
	return mir.UInt{Value: u}, nil
}

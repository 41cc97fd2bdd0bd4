package mir

// BinOp is a binary operator.
type BinOp int

const (
	Add BinOp = iota
	Sub
	Mul
	Div
	Rem
	BitAnd
	BitOr
	BitXor
	Shl
	Shr
	Eq
	Ne
	Lt
	Le
	Gt
	Ge
)

var binOpNames = [...]string{"add", "sub", "mul", "div", "rem", "and", "or", "xor", "shl", "shr", "eq", "ne", "lt", "le", "gt", "ge"}

func (op BinOp) String() string {
	if int(op) < len(binOpNames) {
		return binOpNames[op]
	}
	return "binop?"
}

// IsComparison reports whether op yields a boolean.
func (op BinOp) IsComparison() bool {
	return op >= Eq
}

// UnOp is a unary operator.
type UnOp int

const (
	Neg UnOp = iota
	Not
	Plus
)

// CastKind classifies a cast.
type CastKind int

const (
	IntToInt CastKind = iota
	IntToFloat
	FloatToInt
	FloatToFloat
	PtrToPtr
	Unsize
)

// Rvalue is a sealed interface over assignment right-hand sides.
type Rvalue interface {
	isRvalue() // Sealed
}

// Use reads a single operand.
type Use struct {
	Operand Operand
}

// Binary applies a binary operator.
type Binary struct {
	Op  BinOp
	LHS Operand
	RHS Operand
}

// Unary applies a unary operator.
type Unary struct {
	Op      UnOp
	Operand Operand
}

// Cast converts an operand from Source to Target.
type Cast struct {
	Kind    CastKind
	Operand Operand
	Source  Ty
	Target  Ty
}

// AggregateKind is a sealed interface over aggregate constructors.
type AggregateKind interface {
	isAggregateKind() // Sealed
}

// TupleAggregate builds a tuple.
type TupleAggregate struct{}

// ArrayAggregate builds a fixed array of Elem.
type ArrayAggregate struct {
	Elem Ty
}

// AdtAggregate builds a named struct, or an enum variant when Variant is set.
type AdtAggregate struct {
	Name    string
	Variant string
}

func (TupleAggregate) isAggregateKind() {}
func (ArrayAggregate) isAggregateKind() {}
func (AdtAggregate) isAggregateKind()   {}

// Aggregate constructs a compound value from field operands.
type Aggregate struct {
	Kind   AggregateKind
	Fields []Operand
}

// AddressOf takes the raw address of a place.
type AddressOf struct {
	Place Place
}

// Len reads the length of an array, span or vec place.
type Len struct {
	Place Place
}

// DecimalOp is a decimal intrinsic operator.
type DecimalOp int

const (
	DecimalAdd DecimalOp = iota
	DecimalSub
	DecimalMul
	DecimalDiv
	DecimalRem
	DecimalFma
)

var decimalOpNames = [...]string{"add", "sub", "mul", "div", "rem", "fma"}

func (op DecimalOp) String() string {
	if int(op) < len(decimalOpNames) {
		return decimalOpNames[op]
	}
	return "decimal?"
}

// DecimalIntrinsic is a decimal arithmetic operation bridged to the runtime.
// Addend is only used by DecimalFma.
type DecimalIntrinsic struct {
	Kind      DecimalOp
	LHS       Operand
	RHS       Operand
	Addend    Operand
	Rounding  Operand
	Vectorize Operand
}

// NumericOp is a checked-arithmetic or bit-manipulation intrinsic.
type NumericOp int

const (
	TryAdd NumericOp = iota
	TrySub
	TryMul
	TryNeg
	LeadingZeroCount
	TrailingZeroCount
	PopCount
	RotateLeft
	RotateRight
	IsPowerOfTwo
)

var numericOpNames = [...]string{
	"try_add", "try_sub", "try_mul", "try_neg",
	"leading_zero_count", "trailing_zero_count", "pop_count",
	"rotate_left", "rotate_right", "is_power_of_two",
}

func (op NumericOp) String() string {
	if int(op) < len(numericOpNames) {
		return numericOpNames[op]
	}
	return "numeric?"
}

// IsChecked reports whether op is one of the Try* operations.
func (op NumericOp) IsChecked() bool {
	return op <= TryNeg
}

// NumericIntrinsic is a numeric intrinsic over Bits-wide integers.
// Checked operations write their result through Out and yield an ok flag.
type NumericIntrinsic struct {
	Kind     NumericOp
	Bits     int
	Signed   bool
	Operands []Operand
	Out      *Place
}

// SpanStackAlloc allocates Length elements on the stack and optionally copies
// them from Source.
type SpanStackAlloc struct {
	Elem   Ty
	Length Operand
	Source Operand
}

// ClosureToFnPtr converts a closure value to a function pointer.
type ClosureToFnPtr struct {
	Operand Operand
	Closure string
}

// ClosureToDelegate converts a closure value to a named delegate.
type ClosureToDelegate struct {
	Operand  Operand
	Closure  string
	Delegate string
}

func (Use) isRvalue()               {}
func (Binary) isRvalue()            {}
func (Unary) isRvalue()             {}
func (Cast) isRvalue()              {}
func (Aggregate) isRvalue()         {}
func (AddressOf) isRvalue()         {}
func (Len) isRvalue()               {}
func (DecimalIntrinsic) isRvalue()  {}
func (NumericIntrinsic) isRvalue()  {}
func (SpanStackAlloc) isRvalue()    {}
func (ClosureToFnPtr) isRvalue()    {}
func (ClosureToDelegate) isRvalue() {}

package mir

import "fmt"

// BorrowKind classifies a borrow operand.
type BorrowKind int

const (
	BorrowShared BorrowKind = iota
	BorrowUnique
	BorrowRaw
)

func (k BorrowKind) String() string {
	switch k {
	case BorrowShared:
		return "shared"
	case BorrowUnique:
		return "unique"
	case BorrowRaw:
		return "raw"
	}
	return fmt.Sprintf("BorrowKind(%d)", int(k))
}

// BorrowID identifies one borrow region for the runtime borrow checker.
type BorrowID int

// Operand is a sealed interface over rvalue inputs.
type Operand interface {
	isOperand() // Sealed
}

// Copy reads a place without invalidating it.
type Copy struct {
	Place Place
}

// Move reads a place and transfers ownership out of it.
type Move struct {
	Place Place
}

// Borrow takes a tracked reference to a place.
type Borrow struct {
	ID    BorrowID
	Kind  BorrowKind
	Place Place
}

// Const is an immediate value of type Ty.
type Const struct {
	Value ConstValue
	Ty    Ty
}

// Pending is a placeholder operand that lowers to a zero value.
type Pending struct{}

func (Copy) isOperand()    {}
func (Move) isOperand()    {}
func (Borrow) isOperand()  {}
func (Const) isOperand()   {}
func (Pending) isOperand() {}

// OperandPlace returns the place read by a Copy, Move or Borrow operand.
func OperandPlace(op Operand) (Place, bool) {
	switch o := op.(type) {
	case Copy:
		return o.Place, true
	case Move:
		return o.Place, true
	case Borrow:
		return o.Place, true
	}
	return Place{}, false
}

// ConstValue is a sealed interface over compile-time constants.
type ConstValue interface {
	isConst() // Sealed
}

// Int is a signed integer constant of at most 64 bits.
type Int struct {
	Value int64
}

// UInt is an unsigned integer constant of at most 64 bits.
type UInt struct {
	Value uint64
}

// Wide is a 128-bit constant split into two's-complement words.
type Wide struct {
	Lo uint64
	Hi uint64
}

// Float is a floating-point constant.
type Float struct {
	Value float64
}

// Bool is a boolean constant.
type Bool struct {
	Value bool
}

// Null is the null pointer / empty value.
type Null struct{}

// Symbol names a function; its value is the function's address.
type Symbol struct {
	Name string
}

// StrLit references an interned string literal.
type StrLit struct {
	ID int
}

// Decimal is a decimal constant in its four-part encoding.
type Decimal struct {
	Parts [4]uint32
}

// Enum is an enum discriminant.
type Enum struct {
	Discriminant int64
}

// UnitValue is the value of the unit type.
type UnitValue struct{}

func (Int) isConst()       {}
func (UInt) isConst()      {}
func (Wide) isConst()      {}
func (Float) isConst()     {}
func (Bool) isConst()      {}
func (Null) isConst()      {}
func (Symbol) isConst()    {}
func (StrLit) isConst()    {}
func (Decimal) isConst()   {}
func (Enum) isConst()      {}
func (UnitValue) isConst() {}

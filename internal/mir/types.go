package mir

import (
	"fmt"
	"strings"
)

// Ty is a sealed interface over the fully resolved types the backend sees.
// Only the variants declared in this file implement it; every lowering site
// switches over them exhaustively.
type Ty interface {
	isTy() // Sealed
	// CanonicalName is the stable spelling used as the key for every
	// layout, dispatch-table and closure-registry lookup.
	CanonicalName() string
}

// Named is a nominal type: a primitive (i32, f64, i128, decimal, ...),
// struct, class or enum. Which of these it is comes from the layout tables.
type Named struct {
	Name string
}

// Unit is the empty tuple.
type Unit struct{}

// Str is a borrowed text slice packed into one 64-bit scalar
// (pointer in the low 32 bits, length in the high 32 bits).
type Str struct{}

// String is the owned, growable text type.
type String struct{}

// Vec is a growable array.
type Vec struct {
	Elem Ty
}

// Span is a pointer/length view over contiguous elements.
type Span struct {
	Elem     Ty
	Readonly bool
}

// Rc is a single-threaded reference-counted pointer.
type Rc struct {
	Elem Ty
}

// Arc is an atomically reference-counted pointer.
type Arc struct {
	Elem Ty
}

// Pointer is a raw pointer.
type Pointer struct {
	Elem    Ty
	Mutable bool
}

// Ref is a managed reference.
type Ref struct {
	Elem    Ty
	Mutable bool
}

// Fn is a function type. Non-extern function values use the 6-word
// function-pointer layout; extern ones are thin addresses.
type Fn struct {
	Params []Ty
	Ret    Ty
	Extern bool
}

// TraitObject is a dynamically dispatched interface value.
type TraitObject struct {
	Trait string
}

// Tuple is an anonymous product type.
type Tuple struct {
	Elems []Ty
}

// Array is a fixed-length array.
type Array struct {
	Elem Ty
	Len  int
}

// Nullable wraps a type with an explicit null state.
type Nullable struct {
	Elem Ty
}

func (Named) isTy()       {}
func (Unit) isTy()        {}
func (Str) isTy()         {}
func (String) isTy()      {}
func (Vec) isTy()         {}
func (Span) isTy()        {}
func (Rc) isTy()          {}
func (Arc) isTy()         {}
func (Pointer) isTy()     {}
func (Ref) isTy()         {}
func (Fn) isTy()          {}
func (TraitObject) isTy() {}
func (Tuple) isTy()       {}
func (Array) isTy()       {}
func (Nullable) isTy()    {}

func (t Named) CanonicalName() string { return t.Name }
func (Unit) CanonicalName() string    { return "()" }
func (Str) CanonicalName() string     { return "str" }
func (String) CanonicalName() string  { return "string" }
func (t Vec) CanonicalName() string   { return "Vec<" + t.Elem.CanonicalName() + ">" }
func (t Rc) CanonicalName() string    { return "Rc<" + t.Elem.CanonicalName() + ">" }
func (t Arc) CanonicalName() string   { return "Arc<" + t.Elem.CanonicalName() + ">" }

func (t Span) CanonicalName() string {
	if t.Readonly {
		return "ReadOnlySpan<" + t.Elem.CanonicalName() + ">"
	}
	return "Span<" + t.Elem.CanonicalName() + ">"
}

func (t Pointer) CanonicalName() string {
	if t.Mutable {
		return "*mut " + t.Elem.CanonicalName()
	}
	return "*const " + t.Elem.CanonicalName()
}

func (t Ref) CanonicalName() string {
	if t.Mutable {
		return "&mut " + t.Elem.CanonicalName()
	}
	return "&" + t.Elem.CanonicalName()
}

func (t Fn) CanonicalName() string {
	var b strings.Builder
	if t.Extern {
		b.WriteString("extern ")
	}
	b.WriteString("fn(")
	for i, p := range t.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.CanonicalName())
	}
	b.WriteString(") -> ")
	if t.Ret == nil {
		b.WriteString("()")
	} else {
		b.WriteString(t.Ret.CanonicalName())
	}
	return b.String()
}

func (t TraitObject) CanonicalName() string { return "dyn " + t.Trait }

func (t Tuple) CanonicalName() string {
	parts := make([]string, len(t.Elems))
	for i, e := range t.Elems {
		parts[i] = e.CanonicalName()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (t Array) CanonicalName() string {
	return fmt.Sprintf("[%s; %d]", t.Elem.CanonicalName(), t.Len)
}

func (t Nullable) CanonicalName() string { return t.Elem.CanonicalName() + "?" }

// Primitive type names understood without a layout table entry.
var primitives = map[string]bool{
	"bool": true, "char": true,
	"i8": true, "i16": true, "i32": true, "i64": true, "isize": true,
	"u8": true, "u16": true, "u32": true, "u64": true, "usize": true,
	"f32": true, "f64": true,
	"i128": true, "u128": true,
	"decimal": true,
}

// IsPrimitive reports whether name is a builtin primitive.
func IsPrimitive(name string) bool {
	return primitives[name]
}

// IntInfo describes an integer primitive.
type IntInfo struct {
	Bits   int
	Signed bool
}

// IntInfoFor returns integer metadata for a primitive name. isize/usize take
// the supplied pointer width in bytes.
func IntInfoFor(name string, pointerWidth int) (IntInfo, bool) {
	switch strings.ToLower(name) {
	case "bool", "u8":
		return IntInfo{Bits: 8}, true
	case "i8":
		return IntInfo{Bits: 8, Signed: true}, true
	case "i16":
		return IntInfo{Bits: 16, Signed: true}, true
	case "u16", "char":
		return IntInfo{Bits: 16}, true
	case "i32":
		return IntInfo{Bits: 32, Signed: true}, true
	case "u32":
		return IntInfo{Bits: 32}, true
	case "i64":
		return IntInfo{Bits: 64, Signed: true}, true
	case "u64":
		return IntInfo{Bits: 64}, true
	case "isize":
		return IntInfo{Bits: pointerWidth * 8, Signed: true}, true
	case "usize":
		return IntInfo{Bits: pointerWidth * 8}, true
	case "i128", "int128":
		return IntInfo{Bits: 128, Signed: true}, true
	case "u128", "uint128":
		return IntInfo{Bits: 128}, true
	}
	return IntInfo{}, false
}

// WideSignedness reports whether ty is a 128-bit integer and, if so, whether
// it is signed.
func WideSignedness(ty Ty) (signed bool, ok bool) {
	n, isNamed := ty.(Named)
	if !isNamed {
		return false, false
	}
	switch strings.ToLower(n.Name) {
	case "i128", "int128", "std::int128":
		return true, true
	case "u128", "uint128", "std::uint128":
		return false, true
	}
	return false, false
}

// IsDecimal reports whether ty is the builtin decimal type.
func IsDecimal(ty Ty) bool {
	n, ok := ty.(Named)
	return ok && (n.Name == "decimal" || n.Name == "Std::Decimal")
}

// IsFloat reports whether ty is f32 or f64.
func IsFloat(ty Ty) bool {
	n, ok := ty.(Named)
	return ok && (n.Name == "f32" || n.Name == "f64")
}

// Equal compares two types by canonical name.
func Equal(a, b Ty) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.CanonicalName() == b.CanonicalName()
}

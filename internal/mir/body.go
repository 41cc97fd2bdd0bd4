package mir

// LocalKind is the role of a local in its function.
type LocalKind int

const (
	LocalReturn LocalKind = iota
	LocalArg
	LocalVar
	LocalTemp
)

func (k LocalKind) String() string {
	switch k {
	case LocalReturn:
		return "return"
	case LocalArg:
		return "arg"
	case LocalVar:
		return "local"
	case LocalTemp:
		return "temp"
	}
	return "unknown"
}

// ParamMode is the passing convention of an argument.
type ParamMode int

const (
	ParamValue ParamMode = iota
	ParamIn
	ParamRef
	ParamOut
)

func (m ParamMode) String() string {
	switch m {
	case ParamValue:
		return "value"
	case ParamIn:
		return "in"
	case ParamRef:
		return "ref"
	case ParamOut:
		return "out"
	}
	return "unknown"
}

// LocalDecl declares one function-local binding.
type LocalDecl struct {
	Name         string
	Ty           Ty
	Kind         LocalKind
	Mode         ParamMode
	AddressTaken bool
	IsSelf       bool
}

// Statement is a sealed interface over body statements.
type Statement interface {
	isStatement() // Sealed
}

// Assign writes Value into Place.
type Assign struct {
	Place Place
	Value Rvalue
}

// Nop does nothing.
type Nop struct{}

// StorageDead ends the storage of a local, releasing any live borrow it
// holds.
type StorageDead struct {
	Local LocalID
}

func (Assign) isStatement()      {}
func (Nop) isStatement()         {}
func (StorageDead) isStatement() {}

// Body is one function ready for lowering. Extern bodies are declarations
// implemented outside the unit: they are classified but emit no code.
type Body struct {
	Name       string
	Locals     []LocalDecl
	Statements []Statement
	Async      bool
	Extern     bool
}

// Local returns the declaration of id, or false when id is out of range.
func (b *Body) Local(id LocalID) (LocalDecl, bool) {
	if int(id) < 0 || int(id) >= len(b.Locals) {
		return LocalDecl{}, false
	}
	return b.Locals[id], true
}

// Params returns the argument locals in declaration order.
func (b *Body) Params() []LocalID {
	var ids []LocalID
	for i, l := range b.Locals {
		if l.Kind == LocalArg {
			ids = append(ids, LocalID(i))
		}
	}
	return ids
}

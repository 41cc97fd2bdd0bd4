package mir

import (
	"fmt"
	"strings"
)

// LocalID indexes Body.Locals. Local 0 is the return slot.
type LocalID int

// Projection is a sealed interface over place projection steps.
type Projection interface {
	isProjection() // Sealed
	String() string
}

// FieldIndex selects a field by its layout position.
type FieldIndex struct {
	Index int
}

// FieldName selects a field by name.
type FieldName struct {
	Name string
}

// Deref follows the pointer stored at the current place.
type Deref struct{}

// ConstIndex selects an array element with a compile-time index.
type ConstIndex struct {
	Index int
}

// Index selects an array element with an index held in a local.
type Index struct {
	Local LocalID
}

// Downcast narrows an enum place to one variant's payload.
type Downcast struct {
	Variant int
}

// Subslice narrows an array place to [From, To).
type Subslice struct {
	From int
	To   int
}

func (FieldIndex) isProjection() {}
func (FieldName) isProjection()  {}
func (Deref) isProjection()      {}
func (ConstIndex) isProjection() {}
func (Index) isProjection()      {}
func (Downcast) isProjection()   {}
func (Subslice) isProjection()   {}

func (p FieldIndex) String() string { return fmt.Sprintf(".%d", p.Index) }
func (p FieldName) String() string  { return "." + p.Name }
func (Deref) String() string        { return ".*" }
func (p ConstIndex) String() string { return fmt.Sprintf("[%d]", p.Index) }
func (p Index) String() string      { return fmt.Sprintf("[_%d]", p.Local) }
func (p Downcast) String() string   { return fmt.Sprintf(" as #%d", p.Variant) }
func (p Subslice) String() string   { return fmt.Sprintf("[%d..%d]", p.From, p.To) }

// Place is a local plus a projection path.
type Place struct {
	Local      LocalID
	Projection []Projection
}

// LocalPlace returns the whole-local place for id.
func LocalPlace(id LocalID) Place {
	return Place{Local: id}
}

// IsWhole reports whether the place names an entire local.
func (p Place) IsWhole() bool {
	return len(p.Projection) == 0
}

// Project returns a copy of p extended with proj.
func (p Place) Project(proj ...Projection) Place {
	out := Place{Local: p.Local, Projection: make([]Projection, 0, len(p.Projection)+len(proj))}
	out.Projection = append(out.Projection, p.Projection...)
	out.Projection = append(out.Projection, proj...)
	return out
}

func (p Place) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "_%d", p.Local)
	for _, proj := range p.Projection {
		b.WriteString(proj.String())
	}
	return b.String()
}

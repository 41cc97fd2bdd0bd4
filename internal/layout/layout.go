// Package layout holds the frozen, pre-resolved type layouts and dispatch
// tables that lowering consults.
//
// Tables are populated once (from CUE via internal/compiler, or directly in
// Go) and never mutated afterwards; every lookup is keyed by the
// canonical type name from mir.Ty.CanonicalName.
package layout

import (
	"fmt"

	"github.com/roach88/chisel/internal/mir"
)

// Kind classifies a named layout.
type Kind string

const (
	KindStruct Kind = "struct"
	KindClass  Kind = "class"
	KindUnion  Kind = "union"
	KindEnum   Kind = "enum"
)

// FieldLayout describes one field. Offset is meaningful only when Resolved.
type FieldLayout struct {
	Name     string
	Ty       mir.Ty
	Offset   int
	Resolved bool
}

// Field is a resolved field at a fixed offset.
func Field(name string, ty mir.Ty, offset int) FieldLayout {
	return FieldLayout{Name: name, Ty: ty, Offset: offset, Resolved: true}
}

// StructLayout is the layout of a named aggregate.
//
// For enums, PayloadOffset is where variant payloads start and Variants
// lists the variant names in discriminant order. Variant payload layouts
// are registered under "Enum::Variant".
type StructLayout struct {
	Name          string
	Kind          Kind
	Fields        []FieldLayout
	Size          int
	Align         int
	PayloadOffset int
	Variants      []string
}

// FieldByName returns the field called name and its position.
func (l *StructLayout) FieldByName(name string) (FieldLayout, int, bool) {
	for i, f := range l.Fields {
		if f.Name == name {
			return f, i, true
		}
	}
	return FieldLayout{}, -1, false
}

// FieldAt returns the field at position i.
func (l *StructLayout) FieldAt(i int) (FieldLayout, bool) {
	if i < 0 || i >= len(l.Fields) {
		return FieldLayout{}, false
	}
	return l.Fields[i], true
}

// HasPayload reports whether an enum carries data beyond its discriminant.
func (l *StructLayout) HasPayload() bool {
	return l.Kind == KindEnum && len(l.Variants) > 0 && l.Size > l.PayloadOffset
}

// TraitVtable registers the dispatch table generated for (Trait, Impl).
type TraitVtable struct {
	Trait  string
	Impl   string
	Symbol string
}

// Environment describes a closure's captured-variable block.
type Environment struct {
	TypeName string
	DropGlue string
	Size     int
	Align    int
}

// ClosureInfo is the closure registry entry for one synthesized closure type.
type ClosureInfo struct {
	Name     string
	Invoke   string
	Captures []string
	Fn       mir.Fn
	// InvokeTakesContext is set when Invoke already accepts a leading
	// context pointer and can be stored in a function pointer as is.
	InvokeTakesContext bool
	Environment        *Environment
}

// AutoTraits records the auto-trait flags of an environment type.
type AutoTraits struct {
	Send bool
	Sync bool
}

// StringLiteral locates an interned literal in the data segment.
type StringLiteral struct {
	Offset uint32
	Len    uint32
}

// Tables is the read-only input to lowering.
type Tables struct {
	PointerWidth int

	Layouts            map[string]*StructLayout
	TraitVtables       []TraitVtable
	TraitVtableOffsets map[string]uint32
	ClassVtableOffsets map[string]uint32
	Closures           map[string]*ClosureInfo
	Functions          map[string]uint32
	AutoTraits         map[string]AutoTraits
	StringLiterals     map[int]StringLiteral
}

// New returns empty tables for the given pointer width in bytes.
func New(pointerWidth int) *Tables {
	return &Tables{
		PointerWidth:       pointerWidth,
		Layouts:            make(map[string]*StructLayout),
		TraitVtableOffsets: make(map[string]uint32),
		ClassVtableOffsets: make(map[string]uint32),
		Closures:           make(map[string]*ClosureInfo),
		Functions:          make(map[string]uint32),
		AutoTraits:         make(map[string]AutoTraits),
		StringLiterals:     make(map[int]StringLiteral),
	}
}

// AddLayout registers l under its name.
func (t *Tables) AddLayout(l *StructLayout) {
	t.Layouts[l.Name] = l
}

// Layout returns the registered layout for name.
func (t *Tables) Layout(name string) (*StructLayout, bool) {
	l, ok := t.Layouts[name]
	return l, ok
}

// Closure returns the closure registry entry for name.
func (t *Tables) Closure(name string) (*ClosureInfo, bool) {
	c, ok := t.Closures[name]
	return c, ok
}

// FunctionIndex returns the function-table index of name.
func (t *Tables) FunctionIndex(name string) (uint32, bool) {
	idx, ok := t.Functions[name]
	return idx, ok
}

// ClassVtableSymbol names the single class-level dispatch table of impl.
func ClassVtableSymbol(impl string) string {
	return impl + "::__class_vtable"
}

// DirectVtableOffset looks up the dispatch table registered for
// (trait, impl).
func (t *Tables) DirectVtableOffset(trait, impl string) (uint32, bool) {
	for _, tv := range t.TraitVtables {
		if tv.Trait == trait && tv.Impl == impl {
			off, ok := t.TraitVtableOffsets[tv.Symbol]
			return off, ok
		}
	}
	return 0, false
}

// RemapPair maps a class-level table offset to the trait table serving the
// same impl.
type RemapPair struct {
	ClassOffset uint32
	TraitOffset uint32
}

// RemapPairs returns the slot-correspondence pairs for trait, in
// registration order. Impls without a class-level table are skipped.
func (t *Tables) RemapPairs(trait string) []RemapPair {
	var pairs []RemapPair
	for _, tv := range t.TraitVtables {
		if tv.Trait != trait {
			continue
		}
		traitOff, ok := t.TraitVtableOffsets[tv.Symbol]
		if !ok {
			continue
		}
		classOff, ok := t.ClassVtableOffsets[ClassVtableSymbol(tv.Impl)]
		if !ok {
			continue
		}
		pairs = append(pairs, RemapPair{ClassOffset: classOff, TraitOffset: traitOff})
	}
	return pairs
}

// RemapVtableOffset resolves (trait, impl) through impl's class-level table
// at lowering time.
func (t *Tables) RemapVtableOffset(trait, impl string) (uint32, bool) {
	classOff, ok := t.ClassVtableOffsets[ClassVtableSymbol(impl)]
	if !ok {
		return 0, false
	}
	for _, p := range t.RemapPairs(trait) {
		if p.ClassOffset == classOff {
			return p.TraitOffset, true
		}
	}
	return 0, false
}

// ImplsOf lists the impl types registered for trait.
func (t *Tables) ImplsOf(trait string) []string {
	var impls []string
	for _, tv := range t.TraitVtables {
		if tv.Trait == trait {
			impls = append(impls, tv.Impl)
		}
	}
	return impls
}

// Validate checks cross-table references. It reports the first problem.
func (t *Tables) Validate() error {
	if t.PointerWidth != 4 && t.PointerWidth != 8 {
		return fmt.Errorf("pointer width must be 4 or 8, got %d", t.PointerWidth)
	}
	for _, tv := range t.TraitVtables {
		if _, ok := t.TraitVtableOffsets[tv.Symbol]; !ok {
			return fmt.Errorf("trait vtable %s for (%s, %s) has no offset", tv.Symbol, tv.Trait, tv.Impl)
		}
	}
	for name, c := range t.Closures {
		if c.Invoke == "" {
			return fmt.Errorf("closure %s has no invoke symbol", name)
		}
		if c.Environment != nil && c.Environment.Align <= 0 {
			return fmt.Errorf("closure %s environment has non-positive alignment", name)
		}
	}
	for name, l := range t.Layouts {
		if l.Align <= 0 {
			return fmt.Errorf("layout %s has non-positive alignment", name)
		}
	}
	return nil
}

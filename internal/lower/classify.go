package lower

import (
	"fmt"
	"strings"

	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// Representation is the physical storage of a local. It is chosen once per
// function and never changes.
type Representation int

const (
	// Scalar locals live in a slot (or nowhere, for unit values).
	Scalar Representation = iota
	// PointerParam locals are reached through an address held in a slot:
	// by-reference parameters and the hidden return pointer.
	PointerParam
	// FrameAllocated locals live at a fixed offset in the function frame.
	FrameAllocated
)

func (r Representation) String() string {
	switch r {
	case Scalar:
		return "scalar"
	case PointerParam:
		return "pointer-param"
	case FrameAllocated:
		return "frame"
	}
	return fmt.Sprintf("Representation(%d)", int(r))
}

// LocalPlan is the classification of one local.
type LocalPlan struct {
	Local       mir.LocalID
	Name        string
	Repr        Representation
	FrameOffset int
	// Slot holds the value (Scalar), the address (PointerParam) or the
	// incoming argument (FrameAllocated parameters). -1 means no slot.
	Slot int
	Kind sink.Kind
	// SlotKind is the kind of Slot, which differs from Kind when the slot
	// carries an address.
	SlotKind sink.Kind
}

// Plan is the representation of every local in a body.
type Plan struct {
	Locals    []LocalPlan
	FrameSize int
	// Params lists the slots receiving arguments in call order. A hidden
	// return pointer comes first.
	Params []int
	// Result is the kind returned in a register, or zero.
	Result sink.Kind
}

// Local returns the plan of id.
func (p Plan) Local(id mir.LocalID) (LocalPlan, bool) {
	if int(id) < 0 || int(id) >= len(p.Locals) {
		return LocalPlan{}, false
	}
	return p.Locals[id], true
}

// Signature builds the sink signature for a function lowered with p.
func (p Plan) Signature(name string) sink.Signature {
	sig := sink.Signature{Name: name, FrameSize: p.FrameSize}
	bySlot := make(map[int]LocalPlan)
	for _, lp := range p.Locals {
		if lp.Slot >= 0 {
			bySlot[lp.Slot] = lp
			sig.Slots = append(sig.Slots, sink.Slot{Index: lp.Slot, Kind: lp.SlotKind, Name: lp.Name})
		}
	}
	for _, s := range p.Params {
		lp := bySlot[s]
		sig.Params = append(sig.Params, sink.Slot{Index: s, Kind: lp.SlotKind, Name: lp.Name})
	}
	if p.Result != 0 {
		sig.Results = []sink.Kind{p.Result}
	}
	return sig
}

// ClassifyLocals assigns every local of body its representation and frame
// offset. It is pure: classifying the same body twice gives equal plans.
func ClassifyLocals(tables *layout.Tables, body *mir.Body) (Plan, error) {
	return classify(tables, body, diag.Nop())
}

func classify(tables *layout.Tables, body *mir.Body, d *diag.Facility) (Plan, error) {
	ptr := pointerKind(tables)
	taken := addressTaken(body)
	plan := Plan{Locals: make([]LocalPlan, len(body.Locals))}

	for i, decl := range body.Locals {
		id := mir.LocalID(i)
		lp := LocalPlan{Local: id, Name: localName(decl, id), Slot: -1}
		kind, err := valueKind(tables, decl.Ty)
		if err != nil {
			return Plan{}, err
		}
		lp.Kind = kind

		needsMem := needsMemory(tables, decl, body.Async)
		requiresMem := tables.RequiresMemory(decl.Ty)
		_, isUnit := decl.Ty.(mir.Unit)

		switch decl.Kind {
		case mir.LocalArg:
			switch {
			case decl.Mode != mir.ParamValue:
				lp.Repr = PointerParam
			case decl.AddressTaken || taken[id] || (needsMem && !requiresMem):
				lp.Repr = FrameAllocated
			case requiresMem:
				lp.Repr = PointerParam
			default:
				lp.Repr = Scalar
			}
		case mir.LocalReturn:
			if !isUnit && (needsMem || body.Async) {
				lp.Repr = PointerParam
			}
		default:
			if needsMem || decl.AddressTaken || taken[id] {
				lp.Repr = FrameAllocated
			}
		}
		plan.Locals[i] = lp
	}

	// Slots: the hidden return pointer, then arguments, then the rest.
	next := 0
	assign := func(lp *LocalPlan, kind sink.Kind) {
		lp.Slot = next
		lp.SlotKind = kind
		next++
	}
	for i, decl := range body.Locals {
		lp := &plan.Locals[i]
		if decl.Kind == mir.LocalReturn && lp.Repr == PointerParam {
			assign(lp, ptr)
			plan.Params = append(plan.Params, lp.Slot)
		}
	}
	for i, decl := range body.Locals {
		if decl.Kind != mir.LocalArg {
			continue
		}
		lp := &plan.Locals[i]
		kind := lp.Kind
		if lp.Repr == PointerParam || tables.RequiresMemory(decl.Ty) {
			kind = ptr
		}
		if kind == 0 {
			kind = sink.I32
		}
		assign(lp, kind)
		plan.Params = append(plan.Params, lp.Slot)
	}
	for i, decl := range body.Locals {
		lp := &plan.Locals[i]
		if decl.Kind == mir.LocalArg || lp.Repr != Scalar || lp.Kind == 0 {
			continue
		}
		assign(lp, lp.Kind)
		if decl.Kind == mir.LocalReturn {
			plan.Result = lp.Kind
		}
	}

	off := 0
	for i, decl := range body.Locals {
		lp := &plan.Locals[i]
		if lp.Repr != FrameAllocated {
			continue
		}
		size, align, err := tables.SizeAndAlign(decl.Ty)
		if err != nil {
			return Plan{}, missingLayout(decl.Ty.CanonicalName(), "local %s: %v", lp.Name, err)
		}
		off = layout.AlignTo(off, align)
		lp.FrameOffset = off
		off += size
	}
	plan.FrameSize = layout.AlignTo(off, 16)

	for _, lp := range plan.Locals {
		d.Trace(diag.TopicClassify, "classified local",
			"local", lp.Name, "repr", lp.Repr.String(), "slot", lp.Slot, "frame_offset", lp.FrameOffset)
	}
	return plan, nil
}

func localName(decl mir.LocalDecl, id mir.LocalID) string {
	if decl.Name != "" {
		return decl.Name
	}
	return fmt.Sprintf("_%d", id)
}

// needsMemory reports whether a local must be addressable.
func needsMemory(tables *layout.Tables, decl mir.LocalDecl, async bool) bool {
	if tables.RequiresMemory(decl.Ty) || decl.AddressTaken || decl.IsSelf {
		return true
	}
	if async && (decl.Kind == mir.LocalVar || decl.Kind == mir.LocalTemp) {
		return true
	}
	switch v := decl.Ty.(type) {
	case mir.Rc, mir.Arc:
		return true
	case mir.Fn:
		return !v.Extern
	case mir.Named:
		return isAtomic(v.Name)
	}
	return false
}

func isAtomic(name string) bool {
	if i := strings.LastIndex(name, "::"); i >= 0 {
		name = name[i+2:]
	}
	return strings.HasPrefix(name, "Atomic")
}

// addressTaken finds locals whose address escapes through a borrow or
// AddressOf without a dereference in between.
func addressTaken(body *mir.Body) map[mir.LocalID]bool {
	out := make(map[mir.LocalID]bool)
	mark := func(p mir.Place) {
		for _, proj := range p.Projection {
			if _, ok := proj.(mir.Deref); ok {
				return
			}
		}
		out[p.Local] = true
	}
	visit := func(op mir.Operand) {
		if b, ok := op.(mir.Borrow); ok {
			mark(b.Place)
		}
	}
	for _, st := range body.Statements {
		a, ok := st.(mir.Assign)
		if !ok {
			continue
		}
		switch rv := a.Value.(type) {
		case mir.AddressOf:
			mark(rv.Place)
		case mir.Use:
			visit(rv.Operand)
		case mir.Binary:
			visit(rv.LHS)
			visit(rv.RHS)
		case mir.Unary:
			visit(rv.Operand)
		case mir.Cast:
			visit(rv.Operand)
		case mir.Aggregate:
			for _, f := range rv.Fields {
				visit(f)
			}
		case mir.NumericIntrinsic:
			if rv.Out != nil {
				mark(*rv.Out)
			}
		}
	}
	return out
}

func pointerKind(tables *layout.Tables) sink.Kind {
	if tables.PointerWidth == 8 {
		return sink.I64
	}
	return sink.I32
}

// valueKind is the register kind of a value of ty. Memory-resident
// values are represented by their address. Unit has no kind.
func valueKind(tables *layout.Tables, ty mir.Ty) (sink.Kind, error) {
	ptr := pointerKind(tables)
	switch v := ty.(type) {
	case mir.Unit:
		return 0, nil
	case mir.Str:
		return sink.I64, nil
	case mir.Named:
		switch v.Name {
		case "bool", "char", "i8", "i16", "i32", "u8", "u16", "u32":
			return sink.I32, nil
		case "i64", "u64":
			return sink.I64, nil
		case "f32":
			return sink.F32, nil
		case "f64":
			return sink.F64, nil
		}
		if l, ok := tables.Layout(v.Name); ok && l.Kind == layout.KindEnum && !tables.RequiresMemory(ty) {
			return sink.I32, nil
		}
		return ptr, nil
	case mir.String, mir.Vec, mir.Span, mir.Rc, mir.Arc, mir.Pointer, mir.Ref,
		mir.Fn, mir.TraitObject, mir.Tuple, mir.Array, mir.Nullable:
		return ptr, nil
	}
	return 0, notYetImplemented(fmt.Sprintf("%T", ty), "no register kind for type")
}

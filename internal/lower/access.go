package lower

import (
	"fmt"

	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// Base says where a memory access starts.
type Base int

const (
	// BaseFrame is the local's frame slot.
	BaseFrame Base = iota
	// BasePointerSlot is the address held by a PointerParam local.
	BasePointerSlot
	// BaseScalarPointer is a pointer value held by a Scalar local.
	BaseScalarPointer
)

func (b Base) String() string {
	switch b {
	case BaseFrame:
		return "frame"
	case BasePointerSlot:
		return "pointer-slot"
	case BaseScalarPointer:
		return "scalar-pointer"
	}
	return fmt.Sprintf("Base(%d)", int(b))
}

// ScaledIndex adds Scale times the value of a scalar local.
type ScaledIndex struct {
	Local mir.LocalID
	Scale int
}

// DerefStep loads a pointer from the running address plus Offset and the
// scaled indices, and continues from the loaded pointer.
type DerefStep struct {
	Offset int
	Index  []ScaledIndex
}

// MemoryAccess is a resolved place: start at Base, follow Derefs, then add
// Offset and Index. ValueTy is the type of the addressed value.
type MemoryAccess struct {
	Local       mir.LocalID
	Base        Base
	FrameOffset int
	Slot        int
	Derefs      []DerefStep
	Offset      int
	Index       []ScaledIndex
	ValueTy     mir.Ty
}

// LoadsBase reports whether the base is an address read from a slot
// rather than the frame itself.
func (a MemoryAccess) LoadsBase() bool {
	return a.Base != BaseFrame
}

func (a *MemoryAccess) deref() {
	a.Derefs = append(a.Derefs, DerefStep{Offset: a.Offset, Index: a.Index})
	a.Offset = 0
	a.Index = nil
}

func (fl *functionLowerer) isClass(ty mir.Ty) bool {
	n, ok := ty.(mir.Named)
	if !ok {
		return false
	}
	l, ok := fl.tables.Layout(n.Name)
	return ok && l.Kind == layout.KindClass
}

func pointee(ty mir.Ty) (mir.Ty, bool) {
	switch v := ty.(type) {
	case mir.Pointer:
		return v.Elem, true
	case mir.Ref:
		return v.Elem, true
	case mir.Rc:
		return v.Elem, true
	case mir.Arc:
		return v.Elem, true
	}
	return nil, false
}

// resolveMemoryAccess turns a place into a memory access. It emits
// nothing.
func (fl *functionLowerer) resolveMemoryAccess(place mir.Place) (MemoryAccess, error) {
	lp, ok := fl.plan.Local(place.Local)
	if !ok {
		return MemoryAccess{}, unsupported(place.String(), "unknown local")
	}
	decl := fl.body.Locals[place.Local]
	acc := MemoryAccess{Local: place.Local, Slot: lp.Slot, FrameOffset: lp.FrameOffset, ValueTy: decl.Ty}
	projs := place.Projection
	// inObject is set while the running address is a class object rather
	// than a slot holding a reference to one.
	inObject := false

	switch lp.Repr {
	case FrameAllocated:
		acc.Base = BaseFrame
	case PointerParam:
		acc.Base = BasePointerSlot
	case Scalar:
		if lp.Slot < 0 {
			return MemoryAccess{}, unsupported(place.String(), "local has no storage")
		}
		acc.Base = BaseScalarPointer
		if len(projs) > 0 {
			if _, isDeref := projs[0].(mir.Deref); isDeref {
				elem, ok := pointee(decl.Ty)
				if !ok {
					return MemoryAccess{}, unsupported(place.String(), "dereference of non-pointer %s", decl.Ty.CanonicalName())
				}
				acc.ValueTy = elem
				projs = projs[1:]
				break
			}
		}
		if !fl.isClass(decl.Ty) || len(projs) == 0 {
			return MemoryAccess{}, unsupported(place.String(), "scalar local %s is not addressable", decl.Ty.CanonicalName())
		}
		inObject = true
	}

	for _, proj := range projs {
		cur := acc.ValueTy
		switch p := proj.(type) {
		case mir.FieldIndex, mir.FieldName:
			if fl.isClass(cur) && !inObject {
				acc.deref()
			}
			inObject = false
			l, err := fl.layoutOf(cur, place)
			if err != nil {
				return MemoryAccess{}, err
			}
			var (
				f     layout.FieldLayout
				found bool
			)
			if fi, isIndex := p.(mir.FieldIndex); isIndex {
				f, found = l.FieldAt(fi.Index)
			} else {
				f, _, found = l.FieldByName(p.(mir.FieldName).Name)
			}
			if !found {
				return MemoryAccess{}, unsupported(place.String(), "%s has no field %s", l.Name, proj)
			}
			if !f.Resolved {
				return MemoryAccess{}, missingLayout(place.String(), "field %s%s has no resolved offset", l.Name, proj)
			}
			acc.Offset += f.Offset
			acc.ValueTy = f.Ty

		case mir.Deref:
			elem, ok := pointee(cur)
			if !ok {
				return MemoryAccess{}, unsupported(place.String(), "dereference of non-pointer %s", cur.CanonicalName())
			}
			acc.deref()
			inObject = false
			acc.ValueTy = elem

		case mir.ConstIndex, mir.Index:
			elem, err := fl.indexBase(&acc, cur, place)
			if err != nil {
				return MemoryAccess{}, err
			}
			size, align, err := fl.tables.SizeAndAlign(elem)
			if err != nil {
				return MemoryAccess{}, missingLayout(place.String(), "element %s: %v", elem.CanonicalName(), err)
			}
			stride := layout.AlignTo(size, align)
			if ci, isConst := p.(mir.ConstIndex); isConst {
				acc.Offset += ci.Index * stride
			} else {
				acc.Index = append(acc.Index, ScaledIndex{Local: p.(mir.Index).Local, Scale: stride})
			}
			acc.ValueTy = elem

		case mir.Downcast:
			n, ok := cur.(mir.Named)
			l, found := fl.tables.Layout(n.Name)
			if !ok || !found || l.Kind != layout.KindEnum {
				return MemoryAccess{}, unsupported(place.String(), "downcast of non-enum %s", cur.CanonicalName())
			}
			if p.Variant < 0 || p.Variant >= len(l.Variants) {
				return MemoryAccess{}, unsupported(place.String(), "enum %s has no variant #%d", l.Name, p.Variant)
			}
			payload := l.Name + "::" + l.Variants[p.Variant]
			if _, ok := fl.tables.Layout(payload); !ok {
				return MemoryAccess{}, missingLayout(place.String(), "no payload layout for %s", payload)
			}
			acc.Offset += l.PayloadOffset
			acc.ValueTy = mir.Named{Name: payload}

		case mir.Subslice:
			arr, ok := cur.(mir.Array)
			if !ok {
				return MemoryAccess{}, notYetImplemented(place.String(), "subslice of %s", cur.CanonicalName())
			}
			if p.From < 0 || p.To < p.From || p.To > arr.Len {
				return MemoryAccess{}, unsupported(place.String(), "subslice [%d..%d] out of range for %s", p.From, p.To, arr.CanonicalName())
			}
			size, align, err := fl.tables.SizeAndAlign(arr.Elem)
			if err != nil {
				return MemoryAccess{}, missingLayout(place.String(), "element %s: %v", arr.Elem.CanonicalName(), err)
			}
			acc.Offset += p.From * layout.AlignTo(size, align)
			acc.ValueTy = mir.Array{Elem: arr.Elem, Len: p.To - p.From}

		default:
			return MemoryAccess{}, notYetImplemented(place.String(), "projection %T", proj)
		}
	}
	return acc, nil
}

// indexBase prepares acc for indexing into cur and returns the element
// type. Spans and vecs index through their data pointer.
func (fl *functionLowerer) indexBase(acc *MemoryAccess, cur mir.Ty, place mir.Place) (mir.Ty, error) {
	switch v := cur.(type) {
	case mir.Array:
		return v.Elem, nil
	case mir.Span:
		acc.deref()
		return v.Elem, nil
	case mir.Vec:
		acc.deref()
		return v.Elem, nil
	}
	return nil, unsupported(place.String(), "cannot index %s", cur.CanonicalName())
}

func (fl *functionLowerer) layoutOf(ty mir.Ty, place mir.Place) (*layout.StructLayout, error) {
	l, err := fl.tables.LayoutOf(ty)
	if err != nil {
		return nil, missingLayout(place.String(), "%v", err)
	}
	return l, nil
}

// addressParts materializes the address of acc as a base value and an
// immediate offset still to be added.
func (fl *functionLowerer) addressParts(acc MemoryAccess) (sink.Value, int, error) {
	cur := fl.newValue(fl.ptr)
	if acc.Base == BaseFrame {
		if len(acc.Derefs) == 0 && len(acc.Index) == 0 {
			fl.out.FrameAddress(cur, acc.FrameOffset)
			return cur, acc.Offset, nil
		}
		fl.out.FrameAddress(cur, acc.FrameOffset)
	} else {
		fl.out.SlotGet(cur, acc.Slot)
	}
	for _, step := range acc.Derefs {
		base, err := fl.applyIndex(cur, step.Index)
		if err != nil {
			return sink.Value{}, 0, err
		}
		next := fl.newValue(fl.ptr)
		fl.out.LoadScalar(next, base, step.Offset, fl.tables.PointerWidth, false)
		cur = next
	}
	cur, err := fl.applyIndex(cur, acc.Index)
	if err != nil {
		return sink.Value{}, 0, err
	}
	return cur, acc.Offset, nil
}

func (fl *functionLowerer) applyIndex(base sink.Value, index []ScaledIndex) (sink.Value, error) {
	for _, idx := range index {
		v, _, err := fl.readPlace(mir.LocalPlace(idx.Local))
		if err != nil {
			return sink.Value{}, err
		}
		v, err = fl.coerce(v, fl.ptr, false, "index")
		if err != nil {
			return sink.Value{}, err
		}
		scaled := fl.newValue(fl.ptr)
		fl.out.Binary(scaled, sink.Mul, v, fl.constant(fl.ptr, uint64(idx.Scale)))
		sum := fl.newValue(fl.ptr)
		fl.out.Binary(sum, sink.Add, base, scaled)
		base = sum
	}
	return base, nil
}

// pointerExpression materializes the full address of acc.
func (fl *functionLowerer) pointerExpression(acc MemoryAccess) (sink.Value, error) {
	base, off, err := fl.addressParts(acc)
	if err != nil {
		return sink.Value{}, err
	}
	return fl.offsetAddress(base, off), nil
}

func (fl *functionLowerer) offsetAddress(base sink.Value, off int) sink.Value {
	if off == 0 {
		return base
	}
	dst := fl.newValue(fl.ptr)
	fl.out.ComputeAddress(dst, base, off)
	return dst
}

// placeAddress resolves and materializes the address of place.
func (fl *functionLowerer) placeAddress(place mir.Place) (sink.Value, mir.Ty, error) {
	acc, err := fl.resolveMemoryAccess(place)
	if err != nil {
		return sink.Value{}, nil, err
	}
	addr, err := fl.pointerExpression(acc)
	return addr, acc.ValueTy, err
}

package lower

import (
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// managedHooks are the clone and drop helpers of a reference-managed kind.
type managedHooks struct {
	clone Hook
	drop  Hook
}

func managedHooksFor(ty mir.Ty) (managedHooks, bool) {
	switch ty.(type) {
	case mir.String:
		return managedHooks{HookStringClone, HookStringDrop}, true
	case mir.Vec:
		return managedHooks{HookVecClone, HookVecDrop}, true
	case mir.Rc:
		return managedHooks{HookRcClone, HookRcDrop}, true
	case mir.Arc:
		return managedHooks{HookArcClone, HookArcDrop}, true
	}
	return managedHooks{}, false
}

// lowerManaged handles String, Vec, Span, Rc and Arc destinations. It
// declines, without emitting anything, when no handler applies.
func (fl *functionLowerer) lowerManaged(a assignment) (bool, error) {
	if _, ok := a.destTy.(mir.Span); ok {
		return fl.lowerSpanAssign(a)
	}
	switch rv := a.rv.(type) {
	case mir.Use:
		return fl.lowerManagedUse(a, rv.Operand)
	case mir.Binary:
		if _, ok := a.destTy.(mir.String); !ok || rv.Op != mir.Add {
			return false, nil
		}
		lp, lok := mir.OperandPlace(rv.LHS)
		rp, rok := mir.OperandPlace(rv.RHS)
		if !lok || !rok {
			return false, nil
		}
		if !fl.placeIs(lp, mir.String{}) || !fl.placeIs(rp, mir.String{}) {
			return false, nil
		}
		dst, _, err := fl.placeAddress(a.dest)
		if err != nil {
			return false, err
		}
		lhs, _, err := fl.placeAddress(lp)
		if err != nil {
			return false, err
		}
		rhs, _, err := fl.placeAddress(rp)
		if err != nil {
			return false, err
		}
		fl.call(HookStringConcat, []sink.Value{dst, lhs, rhs}, 0)
		return true, nil
	}
	return false, nil
}

func (fl *functionLowerer) placeIs(p mir.Place, want mir.Ty) bool {
	ty, err := fl.placeTy(p)
	return err == nil && mir.Equal(ty, want)
}

func (fl *functionLowerer) lowerManagedUse(a assignment, op mir.Operand) (bool, error) {
	_, isString := a.destTy.(mir.String)

	if c, ok := op.(mir.Const); ok {
		switch c.Value.(type) {
		case mir.StrLit:
			if !isString {
				return false, nil
			}
			dst, _, err := fl.placeAddress(a.dest)
			if err != nil {
				return false, err
			}
			s, err := fl.constValue(c)
			if err != nil {
				return false, err
			}
			fl.call(HookStringCloneSlice, []sink.Value{dst, s}, 0)
			return true, nil
		case mir.Null:
			switch a.destTy.(type) {
			case mir.Rc, mir.Arc:
				dst, _, err := fl.placeAddress(a.dest)
				if err != nil {
					return false, err
				}
				fl.out.StoreScalar(dst, 0, fl.constant(fl.ptr, 0), fl.tables.PointerWidth)
				return true, nil
			}
		}
		return false, nil
	}

	src, move, ok := sourcePlaceOf(op)
	if !ok {
		return false, nil
	}
	srcTy, err := fl.placeTy(src)
	if err != nil {
		return false, err
	}

	if isString {
		if _, isStr := srcTy.(mir.Str); isStr {
			s, _, err := fl.readPlace(src)
			if err != nil {
				return false, err
			}
			dst, _, err := fl.placeAddress(a.dest)
			if err != nil {
				return false, err
			}
			fl.call(HookStringFromSlice, []sink.Value{dst, s}, 0)
			return true, nil
		}
	}

	hooks, ok := managedHooksFor(a.destTy)
	if !ok || !mir.Equal(srcTy, a.destTy) {
		return false, nil
	}
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return false, err
	}
	from, _, err := fl.placeAddress(src)
	if err != nil {
		return false, err
	}
	fl.call(hooks.clone, []sink.Value{dst, from}, 0)
	if move {
		fl.call(hooks.drop, []sink.Value{from}, 0)
	}
	return true, nil
}

func sourcePlaceOf(op mir.Operand) (mir.Place, bool, bool) {
	switch o := op.(type) {
	case mir.Copy:
		return o.Place, false, true
	case mir.Move:
		return o.Place, true, true
	}
	return mir.Place{}, false, false
}

// spanSource unwraps the operand a span is built from, looking through an
// unsizing cast.
func spanSource(rv mir.Rvalue) (mir.Place, bool) {
	var op mir.Operand
	switch r := rv.(type) {
	case mir.Use:
		op = r.Operand
	case mir.Cast:
		if r.Kind != mir.Unsize {
			return mir.Place{}, false
		}
		op = r.Operand
	default:
		return mir.Place{}, false
	}
	return mir.OperandPlace(op)
}

// lowerSpanAssign builds or relocates the {ptr, len, elem_size,
// elem_align} words of a span.
func (fl *functionLowerer) lowerSpanAssign(a assignment) (bool, error) {
	src, ok := spanSource(a.rv)
	if !ok {
		return false, nil
	}
	srcTy, err := fl.placeTy(src)
	if err != nil {
		return false, err
	}
	pw := fl.tables.PointerWidth

	switch s := srcTy.(type) {
	case mir.Span:
		from, _, err := fl.placeAddress(src)
		if err != nil {
			return false, err
		}
		dst, _, err := fl.placeAddress(a.dest)
		if err != nil {
			return false, err
		}
		words := make([]sink.Value, 4)
		for i := range words {
			words[i] = fl.newValue(fl.ptr)
			fl.out.LoadScalar(words[i], from, i*pw, pw, false)
		}
		for i, w := range words {
			fl.out.StoreScalar(dst, i*pw, w, pw)
		}
		return true, nil

	case mir.Array:
		size, align, err := fl.elemShape(s.Elem, a.construct)
		if err != nil {
			return false, err
		}
		base, _, err := fl.placeAddress(src)
		if err != nil {
			return false, err
		}
		return true, fl.writeSpan(a.dest, base, fl.constant(fl.ptr, uint64(s.Len)), size, align)

	case mir.Vec:
		size, align, err := fl.elemShape(s.Elem, a.construct)
		if err != nil {
			return false, err
		}
		vl, err := fl.layoutOf(s, src)
		if err != nil {
			return false, err
		}
		ptrField, _, okPtr := vl.FieldByName("ptr")
		lenField, _, okLen := vl.FieldByName("len")
		if !okPtr || !okLen || !ptrField.Resolved || !lenField.Resolved {
			return false, missingLayout(a.construct, "%s lacks resolved ptr/len fields", vl.Name)
		}
		from, _, err := fl.placeAddress(src)
		if err != nil {
			return false, err
		}
		data := fl.newValue(fl.ptr)
		fl.out.LoadScalar(data, from, ptrField.Offset, pw, false)
		n := fl.newValue(fl.ptr)
		fl.out.LoadScalar(n, from, lenField.Offset, pw, false)
		return true, fl.writeSpan(a.dest, data, n, size, align)
	}
	return false, nil
}

func (fl *functionLowerer) elemShape(elem mir.Ty, construct string) (int, int, error) {
	size, align, err := fl.tables.SizeAndAlign(elem)
	if err != nil {
		return 0, 0, missingLayout(construct, "element %s: %v", elem.CanonicalName(), err)
	}
	return layout.AlignTo(size, align), align, nil
}

// writeSpan stores the four span words at dest.
func (fl *functionLowerer) writeSpan(dest mir.Place, data, n sink.Value, elemSize, elemAlign int) error {
	dst, _, err := fl.placeAddress(dest)
	if err != nil {
		return err
	}
	pw := fl.tables.PointerWidth
	fl.out.StoreScalar(dst, 0, data, pw)
	fl.out.StoreScalar(dst, pw, n, pw)
	fl.out.StoreScalar(dst, 2*pw, fl.constant(fl.ptr, uint64(elemSize)), pw)
	fl.out.StoreScalar(dst, 3*pw, fl.constant(fl.ptr, uint64(elemAlign)), pw)
	return nil
}

func (fl *functionLowerer) lowerSpanStackAlloc(a assignment) (bool, error) {
	rv := a.rv.(mir.SpanStackAlloc)
	if _, ok := a.destTy.(mir.Span); !ok {
		return false, unsupported(a.construct, "stack span into %s", a.destTy.CanonicalName())
	}
	size, align, err := fl.elemShape(rv.Elem, a.construct)
	if err != nil {
		return false, err
	}
	n, _, err := fl.operandValue(rv.Length)
	if err != nil {
		return false, err
	}
	if n, err = fl.coerce(n, fl.ptr, true, a.construct); err != nil {
		return false, err
	}
	bytes := fl.newValue(fl.ptr)
	fl.out.Binary(bytes, sink.Mul, n, fl.constant(fl.ptr, uint64(size)))
	data := fl.newValue(fl.ptr)
	fl.out.StackAlloc(data, bytes, align)
	fl.scratch++

	if rv.Source != nil {
		if _, pending := rv.Source.(mir.Pending); !pending {
			if err := fl.fillStackSpan(data, bytes, rv.Source, a.construct); err != nil {
				return false, err
			}
		}
	}
	return true, fl.writeSpan(a.dest, data, n, size, align)
}

// fillStackSpan copies the initial contents of a stack span from an
// array, span or vec.
func (fl *functionLowerer) fillStackSpan(data, bytes sink.Value, src mir.Operand, construct string) error {
	place, ok := mir.OperandPlace(src)
	if !ok {
		return unsupported(construct, "stack span source %T", src)
	}
	ty, err := fl.placeTy(place)
	if err != nil {
		return err
	}
	from, _, err := fl.placeAddress(place)
	if err != nil {
		return err
	}
	switch ty.(type) {
	case mir.Array:
	case mir.Span, mir.Vec:
		ptr := fl.newValue(fl.ptr)
		fl.out.LoadScalar(ptr, from, 0, fl.tables.PointerWidth, false)
		from = ptr
	default:
		return unsupported(construct, "stack span source of type %s", ty.CanonicalName())
	}
	fl.call(HookMemmove, []sink.Value{data, from, bytes}, 0)
	return nil
}

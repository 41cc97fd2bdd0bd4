package lower

import (
	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

func isExternFn(ty mir.Ty) bool {
	fn, ok := ty.(mir.Fn)
	return ok && fn.Extern
}

func matchFnPointer(fl *functionLowerer, a assignment) bool {
	switch a.rv.(type) {
	case mir.ClosureToFnPtr, mir.ClosureToDelegate:
		return true
	}
	if fl.tables.IsFnPointerShaped(a.destTy) {
		return true
	}
	if !isExternFn(a.destTy) {
		return false
	}
	src, _, ok := sourcePlace(a.rv)
	if !ok {
		return false
	}
	ty, err := fl.placeTy(src)
	return err == nil && fl.tables.IsFnPointerShaped(ty)
}

// fnWords are the six function-pointer words in layout order.
type fnWords [6]sink.Value

func (fl *functionLowerer) lowerFnPointer(a assignment) (bool, error) {
	// A field-by-field literal is left to the aggregate rule.
	if _, ok := a.rv.(mir.Aggregate); ok {
		return false, nil
	}
	fl.releaseBorrow(a.dest)

	if isExternFn(a.destTy) {
		// A thin extern pointer only keeps the invoke word.
		src, _, _ := sourcePlace(a.rv)
		from, srcTy, err := fl.placeAddress(src)
		if err != nil {
			return false, err
		}
		l, err := fl.layoutOf(srcTy, src)
		if err != nil {
			return false, err
		}
		invoke := fl.newValue(fl.ptr)
		fl.out.LoadScalar(invoke, from, l.Fields[0].Offset, fl.tables.PointerWidth, false)
		return true, fl.storeValue(a.dest, invoke, mir.Named{Name: "usize"})
	}

	l, err := fl.layoutOf(a.destTy, a.dest)
	if err != nil {
		return false, err
	}
	if !layout.IsFnPointerLayout(l) {
		return false, unsupported(a.construct, "%s is not function-pointer shaped", a.destTy.CanonicalName())
	}
	for _, f := range l.Fields {
		if !f.Resolved {
			return false, missingLayout(a.construct, "function pointer field %s has no offset", f.Name)
		}
	}

	words, err := fl.fnPointerWords(a)
	if err != nil {
		return false, err
	}
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return false, err
	}
	for i, f := range l.Fields {
		size := fl.tables.PointerWidth
		if f.Name == layout.FnTypeID {
			size = 8
		}
		fl.out.StoreScalar(dst, f.Offset, words[i], size)
	}
	return true, nil
}

// fnPointerWords computes every word before anything is stored, so the
// destination is written in one uninterrupted run.
func (fl *functionLowerer) fnPointerWords(a assignment) (fnWords, error) {
	typeID := artifact.TypeIdentity(a.destTy.CanonicalName())

	switch rv := a.rv.(type) {
	case mir.ClosureToFnPtr:
		return fl.closureWords(a, rv.Operand, rv.Closure, "", typeID)
	case mir.ClosureToDelegate:
		return fl.closureWords(a, rv.Operand, rv.Closure, rv.Delegate, typeID)
	case mir.Use:
		switch op := rv.Operand.(type) {
		case mir.Const:
			switch c := op.Value.(type) {
			case mir.Null:
				return fl.zeroWords(), nil
			case mir.Symbol:
				idx, ok := fl.c.functionIndex(c.Name)
				if !ok {
					return fnWords{}, missingLayout(c.Name, "function %s has no table index", c.Name)
				}
				return fl.thinWords(fl.constant(fl.ptr, uint64(idx)), typeID), nil
			}
		case mir.Copy, mir.Move, mir.Borrow:
			place, _ := mir.OperandPlace(op)
			ty, err := fl.placeTy(place)
			if err != nil {
				return fnWords{}, err
			}
			if fl.tables.IsFnPointerShaped(ty) {
				return fl.copyFnWords(place, ty)
			}
		}
		v, _, err := fl.operandValue(rv.Operand)
		if err != nil {
			return fnWords{}, err
		}
		if !v.Valid() || v.Kind.IsFloat() {
			return fnWords{}, unsupported(a.construct, "function pointer from %T", rv.Operand)
		}
		v, err = fl.coerce(v, fl.ptr, true, a.construct)
		if err != nil {
			return fnWords{}, err
		}
		return fl.thinWords(v, typeID), nil
	}
	return fnWords{}, unsupported(a.construct, "%T into function pointer %s", a.rv, a.destTy.CanonicalName())
}

func (fl *functionLowerer) zeroWords() fnWords {
	var w fnWords
	zero := fl.constant(fl.ptr, 0)
	for i := range w {
		w[i] = zero
	}
	w[3] = fl.constant(sink.I64, 0)
	return w
}

// thinWords wraps a bare code address: no context, no environment.
func (fl *functionLowerer) thinWords(invoke sink.Value, typeID uint64) fnWords {
	w := fl.zeroWords()
	w[0] = invoke
	w[3] = fl.constant(sink.I64, typeID)
	return w
}

func (fl *functionLowerer) copyFnWords(src mir.Place, ty mir.Ty) (fnWords, error) {
	l, err := fl.layoutOf(ty, src)
	if err != nil {
		return fnWords{}, err
	}
	from, _, err := fl.placeAddress(src)
	if err != nil {
		return fnWords{}, err
	}
	var w fnWords
	for i, f := range l.Fields {
		kind, size := fl.ptr, fl.tables.PointerWidth
		if f.Name == layout.FnTypeID {
			kind, size = sink.I64, 8
		}
		w[i] = fl.newValue(kind)
		fl.out.LoadScalar(w[i], from, f.Offset, size, false)
	}
	return w, nil
}

// closureWords materializes a closure as a function pointer. Captured
// environments are cloned so the pointer owns its context.
func (fl *functionLowerer) closureWords(a assignment, op mir.Operand, closure, delegate string, typeID uint64) (fnWords, error) {
	info, ok := fl.tables.Closure(closure)
	if !ok {
		return fnWords{}, missingLayout(closure, "closure %s is not registered", closure)
	}

	var invoke uint32
	if needsAdapter(info) {
		sym := adapterSymbol(info)
		idx, ok := fl.c.functionIndex(sym)
		if !ok {
			return fnWords{}, missingLayout(sym, "adapter %s has no table index", sym)
		}
		invoke = idx
		fl.adapters = append(fl.adapters, Adapter{
			Symbol:   sym,
			Closure:  info.Name,
			Invoke:   info.Invoke,
			Index:    idx,
			Captures: len(info.Captures),
		})
	} else {
		idx, ok := fl.c.functionIndex(info.Invoke)
		if !ok {
			return fnWords{}, missingLayout(info.Invoke, "closure invoke %s has no table index", info.Invoke)
		}
		invoke = idx
	}

	w := fl.thinWords(fl.constant(fl.ptr, uint64(invoke)), typeID)
	envType := info.Name
	if len(info.Captures) > 0 {
		env := info.Environment
		if env == nil {
			return fnWords{}, missingLayout(closure, "closure %s captures %d values but has no environment", closure, len(info.Captures))
		}
		if env.TypeName != "" {
			envType = env.TypeName
		}
		place, ok := mir.OperandPlace(op)
		if !ok {
			return fnWords{}, unsupported(a.construct, "closure %s value is not a place", closure)
		}
		src, _, err := fl.placeAddress(place)
		if err != nil {
			return fnWords{}, err
		}
		size := fl.constant(fl.ptr, uint64(env.Size))
		align := fl.constant(fl.ptr, uint64(env.Align))
		w[1] = fl.call(HookClosureEnvClone, []sink.Value{src, size, align}, fl.ptr)
		if env.DropGlue != "" {
			idx, ok := fl.c.functionIndex(env.DropGlue)
			if !ok {
				return fnWords{}, missingLayout(env.DropGlue, "drop glue %s has no table index", env.DropGlue)
			}
			w[2] = fl.constant(fl.ptr, uint64(idx))
		}
		w[4] = size
		w[5] = align
	} else if info.Environment != nil && info.Environment.TypeName != "" {
		envType = info.Environment.TypeName
	}

	if delegate != "" {
		flags := fl.tables.AutoTraits[envType]
		fl.autoTraits = append(fl.autoTraits, AutoTraitRecord{
			Delegate: delegate,
			EnvType:  envType,
			Send:     flags.Send,
			Sync:     flags.Sync,
		})
	}
	fl.d.Trace(diag.TopicFnAssign, "closure converted",
		"closure", closure, "captures", len(info.Captures), "adapter", needsAdapter(info))
	return w, nil
}

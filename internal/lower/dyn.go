package lower

import (
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

func matchDyn(_ *functionLowerer, a assignment) bool {
	_, ok := a.destTy.(mir.TraitObject)
	return ok
}

// dynWords are the two words of a trait object plus an optional patch of
// the selected table's first slot.
type dynWords struct {
	ctx, vt  sink.Value
	patch    uint32
	hasPatch bool
}

func (fl *functionLowerer) lowerDyn(a assignment) (bool, error) {
	to := a.destTy.(mir.TraitObject)
	words, err := fl.dynWords(a, to, a.rv)
	if err != nil {
		return false, err
	}
	dst, _, err := fl.placeAddress(a.dest)
	if err != nil {
		return false, err
	}
	ctxOff, vtOff := fl.tables.TraitObjectOffsets(to)
	pw := fl.tables.PointerWidth
	fl.out.StoreScalar(dst, ctxOff, words.ctx, pw)
	fl.out.StoreScalar(dst, vtOff, words.vt, pw)
	if words.hasPatch {
		fl.out.StoreScalar(words.vt, 0, fl.constant(fl.ptr, uint64(words.patch)), pw)
	}
	return true, nil
}

func (fl *functionLowerer) dynWords(a assignment, to mir.TraitObject, rv mir.Rvalue) (dynWords, error) {
	var op mir.Operand
	switch r := rv.(type) {
	case mir.Use:
		op = r.Operand
	case mir.Cast:
		return fl.dynWords(a, to, mir.Use{Operand: r.Operand})
	default:
		return dynWords{}, unsupported(a.construct, "%T into %s", rv, to.CanonicalName())
	}

	if c, ok := op.(mir.Const); ok {
		switch c.Value.(type) {
		case mir.Null:
			zero := fl.constant(fl.ptr, 0)
			return dynWords{ctx: zero, vt: zero}, nil
		case mir.StrLit:
			return fl.dynStringLiteral(a, to, c)
		}
		return dynWords{}, unsupported(a.construct, "constant %T into %s", c.Value, to.CanonicalName())
	}

	place, ok := mir.OperandPlace(op)
	if !ok {
		return dynWords{}, unsupported(a.construct, "%T into %s", op, to.CanonicalName())
	}
	srcTy, err := fl.operandTy(op)
	if err != nil {
		return dynWords{}, err
	}

	if src, ok := srcTy.(mir.TraitObject); ok {
		from, _, err := fl.placeAddress(place)
		if err != nil {
			return dynWords{}, err
		}
		ctxOff, vtOff := fl.tables.TraitObjectOffsets(src)
		pw := fl.tables.PointerWidth
		ctx := fl.newValue(fl.ptr)
		fl.out.LoadScalar(ctx, from, ctxOff, pw, false)
		if src.Trait == to.Trait {
			vt := fl.newValue(fl.ptr)
			fl.out.LoadScalar(vt, from, vtOff, pw, false)
			return dynWords{ctx: ctx, vt: vt}, nil
		}
		return fl.runtimeRemap(to, ctx, "")
	}

	impl, pointerLike := srcTy.CanonicalName(), false
	if elem, ok := pointee(srcTy); ok {
		impl, pointerLike = elem.CanonicalName(), true
	}

	var ctx sink.Value
	switch {
	case pointerLike || fl.isClass(srcTy) || fl.tables.RequiresMemory(srcTy):
		ctx, _, err = fl.operandValue(op)
	default:
		ctx, _, err = fl.placeAddress(place)
	}
	if err != nil {
		return dynWords{}, err
	}

	if off, ok := fl.tables.DirectVtableOffset(to.Trait, impl); ok {
		w := dynWords{ctx: ctx, vt: fl.constant(fl.ptr, uint64(off))}
		if fl.isThreadStart(to) {
			if idx, ok := fl.c.functionIndex(ThreadStartAdapterRun); ok {
				w.patch, w.hasPatch = idx, true
			}
		}
		fl.d.Trace(diag.TopicDynAssign, "direct table", "trait", to.Trait, "impl", impl, "offset", off)
		return w, nil
	}
	if off, ok := fl.tables.RemapVtableOffset(to.Trait, impl); ok {
		fl.d.Trace(diag.TopicDynAssign, "remapped table", "trait", to.Trait, "impl", impl, "offset", off)
		return dynWords{ctx: ctx, vt: fl.constant(fl.ptr, uint64(off))}, nil
	}
	if (pointerLike || fl.isClass(srcTy)) && len(fl.tables.RemapPairs(to.Trait)) > 0 {
		return fl.runtimeRemap(to, ctx, impl)
	}
	return dynWords{}, unsupported(a.construct, "%s does not implement %s", impl, to.Trait)
}

// runtimeRemap selects the trait table from the class table found in the
// object header: vt = select(cls == classOff, traitOff, vt) per pair.
// A class offset that matches no pair is left in vt unchanged, so such an
// object dispatches through its own class table.
func (fl *functionLowerer) runtimeRemap(to mir.TraitObject, ctx sink.Value, impl string) (dynWords, error) {
	cls := fl.newValue(fl.ptr)
	fl.out.LoadScalar(cls, ctx, 0, fl.tables.PointerWidth, false)
	vt := cls
	pairs := fl.tables.RemapPairs(to.Trait)
	for _, p := range pairs {
		eq := fl.newValue(sink.I32)
		fl.out.Binary(eq, sink.Eq, cls, fl.constant(fl.ptr, uint64(p.ClassOffset)))
		next := fl.newValue(fl.ptr)
		fl.out.Select(next, eq, fl.constant(fl.ptr, uint64(p.TraitOffset)), vt)
		vt = next
	}
	w := dynWords{ctx: ctx, vt: vt}
	if impl != "" && fl.isThreadStart(to) {
		if idx, ok := fl.c.functionIndex(impl + "::Run"); ok {
			w.patch, w.hasPatch = idx, true
		}
	}
	fl.d.Trace(diag.TopicDynAssign, "runtime remap",
		"trait", to.Trait, "pairs", len(pairs), "unmatched", "class table")
	return w, nil
}

func (fl *functionLowerer) isThreadStart(to mir.TraitObject) bool {
	trait := fl.c.opts.ThreadStartTrait
	return trait != "" && to.Trait == trait
}

// dynStringLiteral boxes an interned literal as the context of a str
// trait object, or as a fresh String when only String implements the
// trait.
func (fl *functionLowerer) dynStringLiteral(a assignment, to mir.TraitObject, c mir.Const) (dynWords, error) {
	s, err := fl.constValue(c)
	if err != nil {
		return dynWords{}, err
	}
	if off, ok := fl.tables.DirectVtableOffset(to.Trait, mir.Str{}.CanonicalName()); ok {
		block := fl.call(HookAlloc, []sink.Value{fl.constant(fl.ptr, 8), fl.constant(fl.ptr, 8)}, fl.ptr)
		fl.out.StoreScalar(block, 0, s, 8)
		return dynWords{ctx: block, vt: fl.constant(fl.ptr, uint64(off))}, nil
	}
	if off, ok := fl.tables.DirectVtableOffset(to.Trait, mir.String{}.CanonicalName()); ok {
		size, align, err := fl.tables.SizeAndAlign(mir.String{})
		if err != nil {
			return dynWords{}, missingLayout(a.construct, "%v", err)
		}
		block := fl.call(HookAlloc, []sink.Value{fl.constant(fl.ptr, uint64(size)), fl.constant(fl.ptr, uint64(align))}, fl.ptr)
		fl.call(HookStringCloneSlice, []sink.Value{block, s}, 0)
		return dynWords{ctx: block, vt: fl.constant(fl.ptr, uint64(off))}, nil
	}
	return dynWords{}, unsupported(a.construct, "string literal does not implement %s", to.Trait)
}

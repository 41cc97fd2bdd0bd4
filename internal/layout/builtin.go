package layout

import (
	"fmt"
	"strconv"

	"github.com/roach88/chisel/internal/mir"
)

// Builtin layout names.
const (
	DecimalResultName = "DecimalIntrinsicResult"
	WideBlockSize     = 16
	DecimalBlockSize  = 16
)

// Function-pointer field names, in layout order.
const (
	FnInvoke   = "invoke"
	FnContext  = "context"
	FnDropGlue = "drop_glue"
	FnTypeID   = "type_id"
	FnEnvSize  = "env_size"
	FnEnvAlign = "env_align"
)

var fnPointerFields = [...]string{FnInvoke, FnContext, FnDropGlue, FnTypeID, FnEnvSize, FnEnvAlign}

// AlignTo rounds n up to a multiple of align.
func AlignTo(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}

func (t *Tables) ptrTy() mir.Ty {
	return mir.Named{Name: "usize"}
}

// sequential lays out fields one after another with natural alignment.
func (t *Tables) sequential(name string, kind Kind, names []string, tys []mir.Ty) (*StructLayout, error) {
	l := &StructLayout{Name: name, Kind: kind, Align: 1}
	off := 0
	for i, ty := range tys {
		size, align, err := t.SizeAndAlign(ty)
		if err != nil {
			return nil, err
		}
		off = AlignTo(off, align)
		l.Fields = append(l.Fields, Field(names[i], ty, off))
		off += size
		if align > l.Align {
			l.Align = align
		}
	}
	l.Size = AlignTo(off, l.Align)
	return l, nil
}

// FnPointerLayout is the six-word function-pointer layout. type_id is
// always 64-bit; the rest are pointer-width.
func (t *Tables) FnPointerLayout(name string) *StructLayout {
	ptr := t.ptrTy()
	tys := []mir.Ty{ptr, ptr, ptr, mir.Named{Name: "u64"}, ptr, ptr}
	l, _ := t.sequential(name, KindStruct, fnPointerFields[:], tys)
	return l
}

// IsFnPointerLayout reports whether l has exactly the function-pointer
// field sequence.
func IsFnPointerLayout(l *StructLayout) bool {
	if l == nil || len(l.Fields) != len(fnPointerFields) {
		return false
	}
	for i, f := range l.Fields {
		if f.Name != fnPointerFields[i] {
			return false
		}
	}
	return true
}

// TraitObjectLayout returns the registered layout for a trait object or the
// default {context, vtable} pair.
func (t *Tables) TraitObjectLayout(ty mir.TraitObject) *StructLayout {
	if l, ok := t.Layouts[ty.CanonicalName()]; ok {
		return l
	}
	ptr := t.ptrTy()
	l, _ := t.sequential(ty.CanonicalName(), KindStruct, []string{"context", "vtable"}, []mir.Ty{ptr, ptr})
	return l
}

// TraitObjectOffsets returns the (context, vtable) offsets of a trait
// object layout: the field at offset zero is the context, the first
// non-zero offset is the vtable.
func (t *Tables) TraitObjectOffsets(ty mir.TraitObject) (ctx, vtable int) {
	l := t.TraitObjectLayout(ty)
	ctx, vtable = 0, t.PointerWidth
	foundVT := false
	for _, f := range l.Fields {
		if !f.Resolved {
			continue
		}
		if f.Offset != 0 && !foundVT {
			vtable = f.Offset
			foundVT = true
		}
	}
	return ctx, vtable
}

// LayoutOf returns the layout for ty: the registered one if present,
// otherwise a builtin layout for managed, function-pointer, trait-object,
// tuple, array, nullable and decimal-result types.
func (t *Tables) LayoutOf(ty mir.Ty) (*StructLayout, error) {
	name := ty.CanonicalName()
	if l, ok := t.Layouts[name]; ok {
		return l, nil
	}
	ptr := t.ptrTy()
	switch v := ty.(type) {
	case mir.String:
		l, err := t.sequential(name, KindStruct,
			[]string{"ptr", "len", "cap", "inline"},
			[]mir.Ty{ptr, ptr, ptr, mir.Array{Elem: mir.Named{Name: "u8"}, Len: 32}})
		return l, err
	case mir.Vec:
		return t.sequential(name, KindStruct,
			[]string{"ptr", "len", "cap", "elem_size", "elem_align", "drop_fn", "region", "uses_inline", "inline_pad", "inline_storage"},
			[]mir.Ty{ptr, ptr, ptr, ptr, ptr, ptr, ptr, mir.Named{Name: "bool"}, mir.Named{Name: "u32"}, mir.Array{Elem: mir.Named{Name: "u8"}, Len: 64}})
	case mir.Span:
		return t.sequential(name, KindStruct,
			[]string{"ptr", "len", "elem_size", "elem_align"},
			[]mir.Ty{ptr, ptr, ptr, ptr})
	case mir.Fn:
		if v.Extern {
			return nil, fmt.Errorf("extern function type %s has no aggregate layout", name)
		}
		return t.FnPointerLayout(name), nil
	case mir.TraitObject:
		return t.TraitObjectLayout(v), nil
	case mir.Tuple:
		names := make([]string, len(v.Elems))
		for i := range v.Elems {
			names[i] = strconv.Itoa(i)
		}
		return t.sequential(name, KindStruct, names, v.Elems)
	case mir.Nullable:
		if t.isPointerLike(v.Elem) {
			return nil, fmt.Errorf("nullable %s is a bare pointer", name)
		}
		return t.sequential(name, KindStruct, []string{"has_value", "value"}, []mir.Ty{mir.Named{Name: "bool"}, v.Elem})
	case mir.Named:
		if v.Name == DecimalResultName {
			return t.sequential(name, KindStruct,
				[]string{"Status", "Value", "Variant"},
				[]mir.Ty{mir.Named{Name: "i32"}, mir.Named{Name: "decimal"}, mir.Named{Name: "i32"}})
		}
	}
	return nil, fmt.Errorf("no layout for %s", name)
}

// isPointerLike reports whether ty is a single pointer-width address.
func (t *Tables) isPointerLike(ty mir.Ty) bool {
	switch v := ty.(type) {
	case mir.Pointer, mir.Ref, mir.Rc, mir.Arc:
		return true
	case mir.Fn:
		return v.Extern
	case mir.Named:
		l, ok := t.Layouts[v.Name]
		return ok && l.Kind == KindClass
	}
	return false
}

// SizeAndAlign returns the byte size and alignment of ty.
func (t *Tables) SizeAndAlign(ty mir.Ty) (int, int, error) {
	pw := t.PointerWidth
	switch v := ty.(type) {
	case mir.Unit:
		return 0, 1, nil
	case mir.Str:
		return 8, 8, nil
	case mir.Pointer, mir.Ref, mir.Rc, mir.Arc:
		return pw, pw, nil
	case mir.Array:
		size, align, err := t.SizeAndAlign(v.Elem)
		if err != nil {
			return 0, 0, err
		}
		return AlignTo(size, align) * v.Len, align, nil
	case mir.Fn:
		if v.Extern {
			return pw, pw, nil
		}
	case mir.Nullable:
		if t.isPointerLike(v.Elem) {
			return pw, pw, nil
		}
	case mir.Named:
		if size, align, ok := primitiveSize(v.Name, pw); ok {
			return size, align, nil
		}
		if l, ok := t.Layouts[v.Name]; ok && l.Kind == KindClass {
			// Class values are references to heap objects.
			return pw, pw, nil
		}
	}
	l, err := t.LayoutOf(ty)
	if err != nil {
		return 0, 0, err
	}
	return l.Size, l.Align, nil
}

func primitiveSize(name string, pw int) (int, int, bool) {
	switch name {
	case "bool", "i8", "u8":
		return 1, 1, true
	case "i16", "u16", "char":
		return 2, 2, true
	case "i32", "u32", "f32":
		return 4, 4, true
	case "i64", "u64", "f64":
		return 8, 8, true
	case "isize", "usize":
		return pw, pw, true
	case "i128", "u128":
		return WideBlockSize, 8, true
	case "decimal":
		return DecimalBlockSize, 4, true
	}
	return 0, 0, false
}

// RequiresMemory reports whether a value of ty cannot live in a single
// scalar slot.
func (t *Tables) RequiresMemory(ty mir.Ty) bool {
	switch v := ty.(type) {
	case mir.Unit, mir.Str, mir.Pointer, mir.Ref, mir.Rc, mir.Arc:
		return false
	case mir.String, mir.Vec, mir.Span, mir.TraitObject, mir.Array:
		return true
	case mir.Fn:
		return !v.Extern
	case mir.Tuple:
		return len(v.Elems) > 0
	case mir.Nullable:
		return !t.isPointerLike(v.Elem)
	case mir.Named:
		switch v.Name {
		case "i128", "u128", "decimal":
			return true
		}
		if mir.IsPrimitive(v.Name) {
			return false
		}
		l, ok := t.Layouts[v.Name]
		if !ok {
			return v.Name == DecimalResultName
		}
		switch l.Kind {
		case KindClass:
			return false
		case KindEnum:
			return l.HasPayload() || IsFnPointerLayout(l)
		}
		return true
	}
	return false
}

// IsFnPointerShaped reports whether ty is stored with the six-word
// function-pointer layout.
func (t *Tables) IsFnPointerShaped(ty mir.Ty) bool {
	switch v := ty.(type) {
	case mir.Fn:
		return !v.Extern
	case mir.Named:
		l, ok := t.Layouts[v.Name]
		return ok && IsFnPointerLayout(l)
	}
	return false
}

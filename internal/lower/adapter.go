package lower

import (
	"fmt"

	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// needsAdapter reports whether a closure's invoke cannot be stored in a
// function pointer directly. Capturing closures always go through an
// adapter that unpacks the environment; a capture-less invoke is stored
// directly only when it already takes a context argument.
func needsAdapter(info *layout.ClosureInfo) bool {
	return len(info.Captures) > 0 || !info.InvokeTakesContext
}

// adapterSymbol names the adapter of a closure. The suffix counts the
// captures it unpacks.
func adapterSymbol(info *layout.ClosureInfo) string {
	return fmt.Sprintf("%s::to_fn_ptr#%d", info.Invoke, len(info.Captures))
}

// EmitAdapter writes the body of an adapter: it takes (ctx, params...),
// loads each capture through ctx, calls the invoke with the captures
// followed by the parameters and returns its result.
func (c *Context) EmitAdapter(a Adapter, out sink.Sink) error {
	info, ok := c.tables.Closure(a.Closure)
	if !ok {
		return missingLayout(a.Closure, "closure %s is not registered", a.Closure)
	}

	values := 0
	newValue := func(k sink.Kind) sink.Value {
		values++
		return sink.Value{ID: values, Kind: k}
	}
	kindOf := func(ty mir.Ty) (sink.Kind, error) {
		if c.tables.RequiresMemory(ty) {
			return c.ptrKind, nil
		}
		return valueKind(c.tables, ty)
	}

	sig := sink.Signature{Name: a.Symbol}
	addSlot := func(name string, k sink.Kind) int {
		idx := len(sig.Slots)
		s := sink.Slot{Index: idx, Kind: k, Name: name}
		sig.Slots = append(sig.Slots, s)
		sig.Params = append(sig.Params, s)
		return idx
	}

	sret := -1
	var result sink.Kind
	if info.Fn.Ret != nil {
		if c.tables.RequiresMemory(info.Fn.Ret) {
			sret = addSlot("ret", c.ptrKind)
		} else {
			k, err := valueKind(c.tables, info.Fn.Ret)
			if err != nil {
				return err
			}
			result = k
		}
	}
	ctxSlot := addSlot("ctx", c.ptrKind)
	params := make([]int, len(info.Fn.Params))
	for i, p := range info.Fn.Params {
		k, err := kindOf(p)
		if err != nil {
			return err
		}
		if k == 0 {
			k = sink.I32
		}
		params[i] = addSlot(fmt.Sprintf("arg%d", i), k)
	}
	if result != 0 {
		sig.Results = []sink.Kind{result}
	}

	var captures []sink.Value
	if len(info.Captures) > 0 {
		env, err := c.captureLayout(info)
		if err != nil {
			return err
		}
		ctx := newValue(c.ptrKind)
		var loads []func()
		for _, name := range info.Captures {
			f, _, ok := env.FieldByName(name)
			if !ok || !f.Resolved {
				return missingLayout(a.Symbol, "capture %s has no resolved offset in %s", name, env.Name)
			}
			k, err := kindOf(f.Ty)
			if err != nil {
				return err
			}
			v := newValue(k)
			captures = append(captures, v)
			if c.tables.RequiresMemory(f.Ty) {
				off := f.Offset
				loads = append(loads, func() { out.ComputeAddress(v, ctx, off) })
				continue
			}
			size, _, err := c.tables.SizeAndAlign(f.Ty)
			if err != nil {
				return missingLayout(a.Symbol, "capture %s: %v", name, err)
			}
			off, signed := f.Offset, isSigned(f.Ty, c.tables.PointerWidth)
			loads = append(loads, func() { out.LoadScalar(v, ctx, off, size, signed) })
		}
		out.BeginFunction(sig)
		out.SlotGet(ctx, ctxSlot)
		for _, load := range loads {
			load()
		}
	} else {
		out.BeginFunction(sig)
	}

	var args []sink.Value
	if sret >= 0 {
		r := newValue(c.ptrKind)
		out.SlotGet(r, sret)
		args = append(args, r)
	}
	args = append(args, captures...)
	for _, slot := range params {
		v := newValue(sig.Slots[slot].Kind)
		out.SlotGet(v, slot)
		args = append(args, v)
	}

	if result != 0 {
		r := newValue(result)
		out.Call(info.Invoke, args, []sink.Value{r})
		out.Return(r)
	} else {
		out.Call(info.Invoke, args, nil)
		out.Return()
	}
	out.EndFunction()
	return nil
}

// captureLayout finds the layout of a closure's captured fields: the
// environment type when named, otherwise the closure type itself.
func (c *Context) captureLayout(info *layout.ClosureInfo) (*layout.StructLayout, error) {
	if info.Environment != nil && info.Environment.TypeName != "" {
		if l, ok := c.tables.Layout(info.Environment.TypeName); ok {
			return l, nil
		}
	}
	if l, ok := c.tables.Layout(info.Name); ok {
		return l, nil
	}
	return nil, missingLayout(info.Name, "closure %s has no capture layout", info.Name)
}

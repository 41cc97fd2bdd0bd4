package compiler

import (
	"fmt"
	"sort"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
)

// CompileTables turns a CUE value into frozen layout tables.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// Recognized top-level fields (all optional except pointer_width):
//
//	pointer_width: 4
//	layouts: Point: {kind: "struct", size: 8, align: 4, fields: [{name: "x", type: "i32", offset: 0}, ...]}
//	enums: Shape: {size: 12, align: 4, payload_offset: 4, variants: ["Circle", "Square"]}
//	delegates: Callback: "fn(i32) -> ()"
//	trait_vtables: [{trait: "Shape", impl: "Circle", symbol: "vt_shape_circle"}]
//	vtable_offsets: vt_shape_circle: 64
//	class_vtables: Circle: 512
//	closures: "main::{closure#0}": {invoke: "...", captures: [...], fn: "fn(i32) -> i32", ...}
//	functions: main: 0
//	auto_traits: Env: {send: true, sync: false}
//	string_literals: "0": {offset: 1024, len: 5}
func CompileTables(v cue.Value) (*layout.Tables, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	pwVal := v.LookupPath(cue.ParsePath("pointer_width"))
	if !pwVal.Exists() {
		return nil, &CompileError{Field: "pointer_width", Message: "pointer_width is required", Pos: v.Pos()}
	}
	pw, err := pwVal.Int64()
	if err != nil {
		return nil, formatCUEError(err)
	}
	tables := layout.New(int(pw))

	steps := []func(cue.Value, *layout.Tables) error{
		compileLayouts,
		compileEnums,
		compileDelegates,
		compileTraitVtables,
		compileOffsets,
		compileClosures,
		compileFunctions,
		compileAutoTraits,
		compileStringLiterals,
	}
	for _, step := range steps {
		if err := step(v, tables); err != nil {
			return nil, err
		}
	}
	return tables, nil
}

// fields iterates the struct at path, calling fn per label in source order.
// A missing path is not an error.
func fields(v cue.Value, path string, fn func(label string, v cue.Value) error) error {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return nil
	}
	iter, err := val.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		if err := fn(iter.Label(), iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

// list iterates the list at path. A missing path is not an error.
func list(v cue.Value, path string, fn func(i int, v cue.Value) error) error {
	val := v.LookupPath(cue.ParsePath(path))
	if !val.Exists() {
		return nil
	}
	iter, err := val.List()
	if err != nil {
		return formatCUEError(err)
	}
	for i := 0; iter.Next(); i++ {
		if err := fn(i, iter.Value()); err != nil {
			return err
		}
	}
	return nil
}

func stringField(v cue.Value, name, where string, required bool) (string, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		if required {
			return "", &CompileError{Field: where + "." + name, Message: name + " is required", Pos: v.Pos()}
		}
		return "", nil
	}
	s, err := f.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func intField(v cue.Value, name, where string, required bool) (int64, bool, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		if required {
			return 0, false, &CompileError{Field: where + "." + name, Message: name + " is required", Pos: v.Pos()}
		}
		return 0, false, nil
	}
	n, err := f.Int64()
	if err != nil {
		return 0, false, formatCUEError(err)
	}
	return n, true, nil
}

func boolField(v cue.Value, name string) (bool, error) {
	f := v.LookupPath(cue.ParsePath(name))
	if !f.Exists() {
		return false, nil
	}
	b, err := f.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func typeField(v cue.Value, name, where string) (mir.Ty, error) {
	s, err := stringField(v, name, where, true)
	if err != nil {
		return nil, err
	}
	ty, err := mir.ParseTy(s)
	if err != nil {
		return nil, &CompileError{Field: where + "." + name, Message: err.Error(), Pos: v.Pos()}
	}
	return ty, nil
}

func compileLayouts(v cue.Value, tables *layout.Tables) error {
	return fields(v, "layouts", func(name string, lv cue.Value) error {
		where := "layouts." + name
		kind, err := stringField(lv, "kind", where, false)
		if err != nil {
			return err
		}
		if kind == "" {
			kind = string(layout.KindStruct)
		}
		l := &layout.StructLayout{Name: name, Kind: layout.Kind(kind)}
		switch l.Kind {
		case layout.KindStruct, layout.KindClass, layout.KindUnion:
		default:
			return &CompileError{Field: where + ".kind", Message: fmt.Sprintf("unknown layout kind %q", kind), Pos: lv.Pos()}
		}
		if err := sizeAlign(lv, where, l); err != nil {
			return err
		}
		err = list(lv, "fields", func(i int, fv cue.Value) error {
			fwhere := fmt.Sprintf("%s.fields[%d]", where, i)
			fname, err := stringField(fv, "name", fwhere, true)
			if err != nil {
				return err
			}
			ty, err := typeField(fv, "type", fwhere)
			if err != nil {
				return err
			}
			field := layout.FieldLayout{Name: fname, Ty: ty}
			off, ok, err := intField(fv, "offset", fwhere, false)
			if err != nil {
				return err
			}
			if ok {
				field.Offset = int(off)
				field.Resolved = true
			}
			l.Fields = append(l.Fields, field)
			return nil
		})
		if err != nil {
			return err
		}
		tables.AddLayout(l)
		return nil
	})
}

func sizeAlign(v cue.Value, where string, l *layout.StructLayout) error {
	size, _, err := intField(v, "size", where, true)
	if err != nil {
		return err
	}
	align, _, err := intField(v, "align", where, true)
	if err != nil {
		return err
	}
	l.Size, l.Align = int(size), int(align)
	return nil
}

func compileEnums(v cue.Value, tables *layout.Tables) error {
	return fields(v, "enums", func(name string, ev cue.Value) error {
		where := "enums." + name
		l := &layout.StructLayout{Name: name, Kind: layout.KindEnum}
		if err := sizeAlign(ev, where, l); err != nil {
			return err
		}
		off, _, err := intField(ev, "payload_offset", where, false)
		if err != nil {
			return err
		}
		l.PayloadOffset = int(off)
		err = list(ev, "variants", func(_ int, vv cue.Value) error {
			s, err := vv.String()
			if err != nil {
				return formatCUEError(err)
			}
			l.Variants = append(l.Variants, s)
			return nil
		})
		if err != nil {
			return err
		}
		tables.AddLayout(l)
		return nil
	})
}

func compileDelegates(v cue.Value, tables *layout.Tables) error {
	return fields(v, "delegates", func(name string, dv cue.Value) error {
		sig, err := dv.String()
		if err != nil {
			return formatCUEError(err)
		}
		if _, err := mir.ParseTy(sig); err != nil {
			return &CompileError{Field: "delegates." + name, Message: err.Error(), Pos: dv.Pos()}
		}
		tables.AddLayout(tables.FnPointerLayout(name))
		return nil
	})
}

func compileTraitVtables(v cue.Value, tables *layout.Tables) error {
	return list(v, "trait_vtables", func(i int, tv cue.Value) error {
		where := fmt.Sprintf("trait_vtables[%d]", i)
		var entry layout.TraitVtable
		var err error
		if entry.Trait, err = stringField(tv, "trait", where, true); err != nil {
			return err
		}
		if entry.Impl, err = stringField(tv, "impl", where, true); err != nil {
			return err
		}
		if entry.Symbol, err = stringField(tv, "symbol", where, true); err != nil {
			return err
		}
		tables.TraitVtables = append(tables.TraitVtables, entry)
		return nil
	})
}

func compileOffsets(v cue.Value, tables *layout.Tables) error {
	err := fields(v, "vtable_offsets", func(symbol string, ov cue.Value) error {
		n, err := uint32Value(ov, "vtable_offsets."+symbol)
		if err != nil {
			return err
		}
		tables.TraitVtableOffsets[symbol] = n
		return nil
	})
	if err != nil {
		return err
	}
	return fields(v, "class_vtables", func(impl string, ov cue.Value) error {
		n, err := uint32Value(ov, "class_vtables."+impl)
		if err != nil {
			return err
		}
		tables.ClassVtableOffsets[layout.ClassVtableSymbol(impl)] = n
		return nil
	})
}

func uint32Value(v cue.Value, where string) (uint32, error) {
	n, err := v.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	if n < 0 || n > 0xFFFFFFFF {
		return 0, &CompileError{Field: where, Message: fmt.Sprintf("offset %d out of range", n), Pos: v.Pos()}
	}
	return uint32(n), nil
}

func compileClosures(v cue.Value, tables *layout.Tables) error {
	return fields(v, "closures", func(name string, cv cue.Value) error {
		where := "closures." + name
		info := &layout.ClosureInfo{Name: name}
		var err error
		if info.Invoke, err = stringField(cv, "invoke", where, true); err != nil {
			return err
		}
		fnTy, err := typeField(cv, "fn", where)
		if err != nil {
			return err
		}
		fn, ok := fnTy.(mir.Fn)
		if !ok {
			return &CompileError{Field: where + ".fn", Message: "closure signature must be a fn type", Pos: cv.Pos()}
		}
		info.Fn = fn
		if info.InvokeTakesContext, err = boolField(cv, "invoke_takes_context"); err != nil {
			return err
		}
		err = list(cv, "captures", func(_ int, c cue.Value) error {
			s, err := c.String()
			if err != nil {
				return formatCUEError(err)
			}
			info.Captures = append(info.Captures, s)
			return nil
		})
		if err != nil {
			return err
		}
		env := cv.LookupPath(cue.ParsePath("environment"))
		if env.Exists() {
			ewhere := where + ".environment"
			e := &layout.Environment{}
			if e.TypeName, err = stringField(env, "type", ewhere, true); err != nil {
				return err
			}
			if e.DropGlue, err = stringField(env, "drop_glue", ewhere, false); err != nil {
				return err
			}
			size, _, err := intField(env, "size", ewhere, true)
			if err != nil {
				return err
			}
			align, _, err := intField(env, "align", ewhere, true)
			if err != nil {
				return err
			}
			e.Size, e.Align = int(size), int(align)
			info.Environment = e
		}
		tables.Closures[name] = info
		return nil
	})
}

func compileFunctions(v cue.Value, tables *layout.Tables) error {
	return fields(v, "functions", func(name string, fv cue.Value) error {
		n, err := uint32Value(fv, "functions."+name)
		if err != nil {
			return err
		}
		tables.Functions[name] = n
		return nil
	})
}

func compileAutoTraits(v cue.Value, tables *layout.Tables) error {
	return fields(v, "auto_traits", func(name string, av cue.Value) error {
		send, err := boolField(av, "send")
		if err != nil {
			return err
		}
		sync, err := boolField(av, "sync")
		if err != nil {
			return err
		}
		tables.AutoTraits[name] = layout.AutoTraits{Send: send, Sync: sync}
		return nil
	})
}

func compileStringLiterals(v cue.Value, tables *layout.Tables) error {
	return fields(v, "string_literals", func(label string, sv cue.Value) error {
		where := "string_literals." + label
		id, err := strconv.Atoi(label)
		if err != nil {
			return &CompileError{Field: where, Message: "string literal ids must be integers", Pos: sv.Pos()}
		}
		off, _, err := intField(sv, "offset", where, true)
		if err != nil {
			return err
		}
		n, _, err := intField(sv, "len", where, true)
		if err != nil {
			return err
		}
		tables.StringLiterals[id] = layout.StringLiteral{Offset: uint32(off), Len: uint32(n)}
		return nil
	})
}

// Summary counts the entries of compiled tables.
type Summary struct {
	Layouts        int      `json:"layouts"`
	TraitVtables   int      `json:"trait_vtables"`
	ClassVtables   int      `json:"class_vtables"`
	Closures       int      `json:"closures"`
	Functions      int      `json:"functions"`
	StringLiterals int      `json:"string_literals"`
	Traits         []string `json:"traits"`
}

// Summarize reports table counts with traits sorted by name.
func Summarize(t *layout.Tables) Summary {
	seen := map[string]bool{}
	s := Summary{
		Layouts:        len(t.Layouts),
		TraitVtables:   len(t.TraitVtables),
		ClassVtables:   len(t.ClassVtableOffsets),
		Closures:       len(t.Closures),
		Functions:      len(t.Functions),
		StringLiterals: len(t.StringLiterals),
	}
	for _, tv := range t.TraitVtables {
		if !seen[tv.Trait] {
			seen[tv.Trait] = true
			s.Traits = append(s.Traits, tv.Trait)
		}
	}
	sort.Strings(s.Traits)
	return s
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}

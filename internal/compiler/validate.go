package compiler

import (
	"fmt"
	"sort"

	"github.com/roach88/chisel/internal/layout"
)

// Validation error codes (E100-E199)
const (
	ErrUnsupportedInput = "E100" // unsupported input type for validation

	// Layout errors (E101-E109)
	ErrPointerWidth      = "E101" // pointer width must be 4 or 8
	ErrLayoutAlignment   = "E102" // alignment must be a positive power of two
	ErrFieldOutOfBounds  = "E103" // field extends past the layout size
	ErrDuplicateField    = "E104" // duplicate field name in a layout
	ErrEnumPayloadOffset = "E105" // payload offset beyond the enum size
	ErrFieldMisaligned   = "E106" // field offset violates the field's alignment

	// Dispatch and closure errors (E110-E119)
	ErrVtableNoOffset     = "E110" // trait vtable symbol has no offset
	ErrDuplicateVtable    = "E111" // (trait, impl) registered twice
	ErrClosureNoInvoke    = "E112" // closure has no invoke symbol
	ErrClosureEnvironment = "E113" // closure environment has an invalid size or alignment
	ErrClosureCaptures    = "E114" // environment-less closure declares captures
)

// ValidationError represents a table validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate checks compiled tables against structural rules.
// Returns all errors found (does not fail-fast), in a deterministic order.
func Validate(v any) []ValidationError {
	switch t := v.(type) {
	case *layout.Tables:
		return validateTables(t)
	default:
		return []ValidationError{{
			Field:   "type",
			Message: fmt.Sprintf("unsupported input type: %T", v),
			Code:    ErrUnsupportedInput,
		}}
	}
}

func validateTables(t *layout.Tables) []ValidationError {
	var errs []ValidationError

	if t.PointerWidth != 4 && t.PointerWidth != 8 {
		errs = append(errs, ValidationError{
			Field:   "pointer_width",
			Message: fmt.Sprintf("must be 4 or 8, got %d", t.PointerWidth),
			Code:    ErrPointerWidth,
		})
	}

	for _, name := range sortedKeys(t.Layouts) {
		errs = append(errs, validateLayout(t, t.Layouts[name])...)
	}

	seen := make(map[[2]string]bool)
	for i, tv := range t.TraitVtables {
		field := fmt.Sprintf("trait_vtables[%d]", i)
		if _, ok := t.TraitVtableOffsets[tv.Symbol]; !ok {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("symbol %s has no vtable offset", tv.Symbol),
				Code:    ErrVtableNoOffset,
			})
		}
		key := [2]string{tv.Trait, tv.Impl}
		if seen[key] {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("(%s, %s) registered more than once", tv.Trait, tv.Impl),
				Code:    ErrDuplicateVtable,
			})
		}
		seen[key] = true
	}

	for _, name := range sortedKeys(t.Closures) {
		errs = append(errs, validateClosure(name, t.Closures[name])...)
	}

	return errs
}

func validateLayout(t *layout.Tables, l *layout.StructLayout) []ValidationError {
	var errs []ValidationError
	field := "layouts." + l.Name

	if l.Align <= 0 || l.Align&(l.Align-1) != 0 {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("alignment %d is not a positive power of two", l.Align),
			Code:    ErrLayoutAlignment,
		})
	}

	if l.Kind == layout.KindEnum && l.PayloadOffset > l.Size {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("payload offset %d beyond size %d", l.PayloadOffset, l.Size),
			Code:    ErrEnumPayloadOffset,
		})
	}

	names := make(map[string]bool)
	for _, f := range l.Fields {
		ffield := field + "." + f.Name
		if names[f.Name] {
			errs = append(errs, ValidationError{Field: ffield, Message: "duplicate field name", Code: ErrDuplicateField})
		}
		names[f.Name] = true

		if !f.Resolved {
			continue
		}
		size, align, err := t.SizeAndAlign(f.Ty)
		if err != nil {
			// Unknown field types surface as MissingLayout during lowering.
			continue
		}
		if f.Offset+size > l.Size {
			errs = append(errs, ValidationError{
				Field:   ffield,
				Message: fmt.Sprintf("offset %d + size %d exceeds layout size %d", f.Offset, size, l.Size),
				Code:    ErrFieldOutOfBounds,
			})
		}
		if align > 0 && f.Offset%align != 0 {
			errs = append(errs, ValidationError{
				Field:   ffield,
				Message: fmt.Sprintf("offset %d is not %d-aligned", f.Offset, align),
				Code:    ErrFieldMisaligned,
			})
		}
	}
	return errs
}

func validateClosure(name string, c *layout.ClosureInfo) []ValidationError {
	var errs []ValidationError
	field := "closures." + name
	if c.Invoke == "" {
		errs = append(errs, ValidationError{Field: field, Message: "invoke symbol is required", Code: ErrClosureNoInvoke})
	}
	if env := c.Environment; env != nil {
		if env.Size < 0 || env.Align <= 0 || env.Align&(env.Align-1) != 0 {
			errs = append(errs, ValidationError{
				Field:   field + ".environment",
				Message: fmt.Sprintf("invalid size %d / align %d", env.Size, env.Align),
				Code:    ErrClosureEnvironment,
			})
		}
	} else if len(c.Captures) > 0 {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("%d capture(s) but no environment", len(c.Captures)),
			Code:    ErrClosureCaptures,
		})
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

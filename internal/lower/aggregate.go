package lower

import (
	"github.com/roach88/chisel/internal/mir"
)

// lowerAggregate writes each field of an aggregate through the dispatcher
// so nested managed, function-pointer and 128-bit fields get their own
// rules.
func (fl *functionLowerer) lowerAggregate(a assignment) (bool, error) {
	agg := a.rv.(mir.Aggregate)
	switch kind := agg.Kind.(type) {
	case mir.TupleAggregate:
		tup, ok := a.destTy.(mir.Tuple)
		if !ok {
			return false, unsupported(a.construct, "tuple aggregate into %s", a.destTy.CanonicalName())
		}
		if len(tup.Elems) != len(agg.Fields) {
			return false, unsupported(a.construct, "tuple aggregate has %d fields, %s has %d", len(agg.Fields), tup.CanonicalName(), len(tup.Elems))
		}
		for i, f := range agg.Fields {
			if err := fl.assign(a.dest.Project(mir.FieldIndex{Index: i}), mir.Use{Operand: f}); err != nil {
				return false, err
			}
		}
		return true, nil

	case mir.ArrayAggregate:
		arr, ok := a.destTy.(mir.Array)
		if !ok {
			return false, unsupported(a.construct, "array aggregate into %s", a.destTy.CanonicalName())
		}
		if arr.Len != len(agg.Fields) {
			return false, unsupported(a.construct, "array aggregate has %d elements, %s has %d", len(agg.Fields), arr.CanonicalName(), arr.Len)
		}
		for i, f := range agg.Fields {
			if err := fl.assign(a.dest.Project(mir.ConstIndex{Index: i}), mir.Use{Operand: f}); err != nil {
				return false, err
			}
		}
		return true, nil

	case mir.AdtAggregate:
		if kind.Variant != "" {
			return false, unsupported(a.construct, "enum variant aggregate %s::%s", kind.Name, kind.Variant)
		}
		l, ok := fl.tables.Layout(kind.Name)
		if !ok {
			if _, isClosure := fl.tables.Closure(kind.Name); isClosure {
				return false, missingLayout(a.construct, "closure %s has no capture layout", kind.Name)
			}
			return false, missingLayout(a.construct, "no layout for %s", kind.Name)
		}
		if len(l.Fields) != len(agg.Fields) {
			return false, unsupported(a.construct, "%s aggregate has %d fields, layout has %d", kind.Name, len(agg.Fields), len(l.Fields))
		}
		for i, f := range l.Fields {
			if err := fl.assign(a.dest.Project(mir.FieldName{Name: f.Name}), mir.Use{Operand: agg.Fields[i]}); err != nil {
				return false, err
			}
		}
		return true, nil
	}
	return false, notYetImplemented(a.construct, "aggregate kind %T", agg.Kind)
}

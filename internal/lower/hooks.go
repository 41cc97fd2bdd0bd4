package lower

import (
	"fmt"

	"github.com/roach88/chisel/internal/mir"
)

// Hook names a runtime entry point without its prefix.
type Hook string

const (
	HookBorrowRelease   Hook = "borrow_release"
	HookMemmove         Hook = "memmove"
	HookAlloc           Hook = "alloc"
	HookClosureEnvClone Hook = "closure_env_clone"

	HookStringClone      Hook = "string_clone"
	HookStringDrop       Hook = "string_drop"
	HookStringFromSlice  Hook = "string_from_slice"
	HookStringCloneSlice Hook = "string_clone_slice"
	HookStringConcat     Hook = "string_concat"
	HookVecClone         Hook = "vec_clone"
	HookVecDrop          Hook = "vec_drop"
	HookRcClone          Hook = "rc_clone"
	HookRcDrop           Hook = "rc_drop"
	HookArcClone         Hook = "arc_clone"
	HookArcDrop          Hook = "arc_drop"
)

// Symbol renders the linkable name, e.g. "rt_memmove".
func (h Hook) Symbol(prefix string) string {
	if prefix == "" {
		return string(h)
	}
	return prefix + "_" + string(h)
}

// WideHook is the 128-bit helper for op, e.g. "i128_add".
func WideHook(signed bool, op string) Hook {
	if signed {
		return Hook("i128_" + op)
	}
	return Hook("u128_" + op)
}

// DecimalHook is the scalar decimal helper for op. Vectorized variants
// share it; the flags word carries the hint.
func DecimalHook(op mir.DecimalOp) Hook {
	return Hook(fmt.Sprintf("decimal_%s_out", op))
}

// NumericTryHook is the checked-arithmetic helper, e.g. "numeric_try_add_i32".
func NumericTryHook(op mir.NumericOp, signed bool, bits int) Hook {
	sign := "u"
	if signed {
		sign = "i"
	}
	return Hook(fmt.Sprintf("numeric_%s_%s%d", op, sign, bits))
}

package lower

import (
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// noteBorrow starts tracking a non-raw borrow stored into a whole local.
func (fl *functionLowerer) noteBorrow(dest mir.Place, rv mir.Rvalue) {
	if !dest.IsWhole() {
		return
	}
	use, ok := rv.(mir.Use)
	if !ok {
		return
	}
	b, ok := use.Operand.(mir.Borrow)
	if !ok || b.Kind == mir.BorrowRaw {
		return
	}
	fl.borrows[dest.Local] = &borrowMeta{ID: b.ID, Kind: b.Kind, live: true}
}

// releaseBorrow ends the live borrow held by a whole-local destination
// before it is overwritten. It emits at most one release per borrow.
func (fl *functionLowerer) releaseBorrow(dest mir.Place) {
	if !dest.IsWhole() {
		return
	}
	m, ok := fl.borrows[dest.Local]
	if !ok || !m.live {
		return
	}
	m.live = false
	fl.call(HookBorrowRelease, []sink.Value{fl.constant(sink.I32, uint64(m.ID))}, 0)
}

// endBorrow releases the live borrow of a local whose storage is gone.
func (fl *functionLowerer) endBorrow(local mir.LocalID) {
	fl.releaseBorrow(mir.Place{Local: local})
}

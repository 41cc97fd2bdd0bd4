// Package lower turns MIR function bodies into sink operations.
//
// Each local is classified once into a physical representation (see
// ClassifyLocals). Every assignment is then routed through an ordered
// chain of rules that decide how the value reaches its destination:
// a slot write, a store through a computed address, a bulk copy, or a
// call into a runtime helper for managed, 128-bit and decimal values.
//
// A Context is immutable and can lower many bodies concurrently; all
// mutable state of one body lives in an unexported functionLowerer.
package lower

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
)

// Adapter is a synthesized function that lets a closure invoke be called
// through the function-pointer ABI.
type Adapter struct {
	Symbol   string
	Closure  string
	Invoke   string
	Index    uint32
	Captures int
}

// AutoTraitRecord is emitted when a closure is converted to a delegate.
type AutoTraitRecord struct {
	Delegate string
	EnvType  string
	Send     bool
	Sync     bool
}

// Result describes one lowered function.
type Result struct {
	Function   string
	Plan       Plan
	Extern     bool
	Adapters   []Adapter
	AutoTraits []AutoTraitRecord
	// ScratchBlocks counts the stack blocks allocated for helper operands
	// and results.
	ScratchBlocks int
}

// Unit is the result of lowering several bodies together.
type Unit struct {
	Functions []*Result
	// Adapters are deduplicated by symbol, in first-use order.
	Adapters []Adapter
}

type borrowMeta struct {
	ID   mir.BorrowID
	Kind mir.BorrowKind
	live bool
}

// functionLowerer holds the mutable state of one body. It is never shared.
type functionLowerer struct {
	c      *Context
	tables *layout.Tables
	body   *mir.Body
	plan   Plan
	out    sink.Sink
	ptr    sink.Kind
	d      *diag.Facility

	values     int
	borrows    map[mir.LocalID]*borrowMeta
	scratch    int
	adapters   []Adapter
	autoTraits []AutoTraitRecord
}

// LowerFunction lowers body into out. On error nothing is emitted.
func (c *Context) LowerFunction(body *mir.Body, out sink.Sink) (*Result, error) {
	res, trace, err := c.lowerBuffered(body)
	if err != nil {
		return nil, err
	}
	trace.Replay(out)
	return res, nil
}

// lowerBuffered lowers body into a private trace so a failure leaves no
// partial output behind.
func (c *Context) lowerBuffered(body *mir.Body) (*Result, *sink.Trace, error) {
	if body == nil {
		return nil, nil, fmt.Errorf("lower: nil body")
	}
	plan, err := classify(c.tables, body, c.opts.Diag)
	if err != nil {
		return nil, nil, inFunction(err, body.Name)
	}
	res := &Result{Function: body.Name, Plan: plan, Extern: body.Extern}
	trace := sink.NewTrace()
	if body.Extern {
		return res, trace, nil
	}

	fl := &functionLowerer{
		c:       c,
		tables:  c.tables,
		body:    body,
		plan:    plan,
		out:     trace,
		ptr:     c.ptrKind,
		d:       c.opts.Diag,
		borrows: make(map[mir.LocalID]*borrowMeta),
	}
	if err := fl.run(); err != nil {
		return nil, nil, inFunction(err, body.Name)
	}
	res.Adapters = fl.adapters
	res.AutoTraits = fl.autoTraits
	res.ScratchBlocks = fl.scratch
	return res, trace, nil
}

// LowerUnit lowers bodies with at most Options.Workers running at once,
// emits them into out in input order and appends the adapter bodies
// they require. The first error aborts the unit.
func (c *Context) LowerUnit(ctx context.Context, bodies []*mir.Body, out sink.Sink) (*Unit, error) {
	results := make([]*Result, len(bodies))
	traces := make([]*sink.Trace, len(bodies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for i, body := range bodies {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, trace, err := c.lowerBuffered(body)
			if err != nil {
				return err
			}
			results[i], traces[i] = res, trace
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	unit := &Unit{Functions: results}
	seen := make(map[string]bool)
	for _, res := range results {
		for _, a := range res.Adapters {
			if seen[a.Symbol] {
				continue
			}
			seen[a.Symbol] = true
			unit.Adapters = append(unit.Adapters, a)
		}
	}

	adapters := sink.NewTrace()
	for _, a := range unit.Adapters {
		if err := c.EmitAdapter(a, adapters); err != nil {
			return nil, err
		}
	}

	for _, trace := range traces {
		trace.Replay(out)
	}
	if len(unit.Adapters) > 0 {
		if s, ok := out.(sink.Sectioner); ok {
			s.Section("synthesized adapters")
		}
		adapters.Replay(out)
	}
	return unit, nil
}

func (fl *functionLowerer) newValue(kind sink.Kind) sink.Value {
	fl.values++
	return sink.Value{ID: fl.values, Kind: kind}
}

// call invokes a runtime hook. resultKind zero means no result.
func (fl *functionLowerer) call(h Hook, args []sink.Value, resultKind sink.Kind) sink.Value {
	return fl.callSymbol(fl.c.symbol(h), args, resultKind)
}

func (fl *functionLowerer) callSymbol(symbol string, args []sink.Value, resultKind sink.Kind) sink.Value {
	if resultKind == 0 {
		fl.out.Call(symbol, args, nil)
		return sink.Value{}
	}
	r := fl.newValue(resultKind)
	fl.out.Call(symbol, args, []sink.Value{r})
	return r
}

func (fl *functionLowerer) memmove(dst, src sink.Value, size int) {
	if size == 0 {
		return
	}
	fl.call(HookMemmove, []sink.Value{dst, src, fl.constant(fl.ptr, uint64(size))}, 0)
}

// scratchBlock reserves size bytes of stack for a helper operand or
// result.
func (fl *functionLowerer) scratchBlock(size, align int) sink.Value {
	v := fl.newValue(fl.ptr)
	fl.out.StackAlloc(v, fl.constant(fl.ptr, uint64(size)), align)
	fl.scratch++
	return v
}

func (fl *functionLowerer) run() error {
	fl.out.BeginFunction(fl.plan.Signature(fl.body.Name))
	if err := fl.prologue(); err != nil {
		return err
	}
	for _, st := range fl.body.Statements {
		switch s := st.(type) {
		case mir.Assign:
			if err := fl.assign(s.Place, s.Value); err != nil {
				return err
			}
		case mir.StorageDead:
			fl.endBorrow(s.Local)
		case mir.Nop:
		default:
			return notYetImplemented(fmt.Sprintf("%T", st), "statement")
		}
	}
	if fl.plan.Result != 0 {
		lp := fl.plan.Locals[0]
		v := fl.newValue(lp.SlotKind)
		fl.out.SlotGet(v, lp.Slot)
		fl.out.Return(v)
	} else {
		fl.out.Return()
	}
	fl.out.EndFunction()
	return nil
}

// prologue spills incoming arguments that live in the frame.
func (fl *functionLowerer) prologue() error {
	for i, decl := range fl.body.Locals {
		lp := fl.plan.Locals[i]
		if decl.Kind != mir.LocalArg || lp.Repr != FrameAllocated {
			continue
		}
		incoming := fl.newValue(lp.SlotKind)
		fl.out.SlotGet(incoming, lp.Slot)
		dst := fl.newValue(fl.ptr)
		fl.out.FrameAddress(dst, lp.FrameOffset)
		size, _, err := fl.tables.SizeAndAlign(decl.Ty)
		if err != nil {
			return missingLayout(decl.Ty.CanonicalName(), "argument %s: %v", lp.Name, err)
		}
		if fl.tables.RequiresMemory(decl.Ty) {
			fl.memmove(dst, incoming, size)
			continue
		}
		fl.out.StoreScalar(dst, 0, incoming, size)
	}
	return nil
}

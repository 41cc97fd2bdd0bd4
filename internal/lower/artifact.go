package lower

import (
	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/sink"
)

// Artifacts builds one artifact per function of unit, followed by one per
// synthesized adapter. trace must hold the unit's emitted code; each
// function is replayed alone into fresh text and bytecode sinks.
func (c *Context) Artifacts(unit *Unit, trace *sink.Trace) []*artifact.Artifact {
	out := make([]*artifact.Artifact, 0, len(unit.Functions)+len(unit.Adapters))
	for _, res := range unit.Functions {
		a := &artifact.Artifact{Function: res.Function, FrameSize: res.Plan.FrameSize}
		for _, lp := range res.Plan.Locals {
			a.Plan = append(a.Plan, artifact.PlanEntry{
				Local:          int(lp.Local),
				Name:           lp.Name,
				Representation: lp.Repr.String(),
				FrameOffset:    lp.FrameOffset,
			})
		}
		for _, ad := range res.Adapters {
			a.Adapters = append(a.Adapters, ad.Symbol)
		}
		for _, t := range res.AutoTraits {
			a.AutoTraits = append(a.AutoTraits, artifact.AutoTrait{
				Delegate: t.Delegate, EnvType: t.EnvType, Send: t.Send, Sync: t.Sync,
			})
		}
		c.fillCode(a, trace)
		out = append(out, a)
	}
	for _, ad := range unit.Adapters {
		a := &artifact.Artifact{Function: ad.Symbol}
		c.fillCode(a, trace)
		out = append(out, a)
	}
	return out
}

// fillCode sets the listing and bytecode of a from its recorded body.
// Extern functions have none.
func (c *Context) fillCode(a *artifact.Artifact, trace *sink.Trace) {
	f, ok := trace.Function(a.Function)
	if !ok {
		return
	}
	text := sink.NewText()
	code := sink.NewBytecode(c.ptrKind)
	f.Replay(sink.Tee{text, code})
	a.Listing = text.String()
	a.Bytecode = code.Encode()
}

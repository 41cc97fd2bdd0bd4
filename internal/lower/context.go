package lower

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/layout"
	"github.com/roach88/chisel/internal/sink"
)

const (
	DefaultRuntimePrefix    = "rt"
	DefaultThreadStartTrait = "Std::Thread::ThreadStart"
	DefaultWorkers          = 4

	// ThreadStartAdapterRun is patched into thread-start tables that
	// resolve through a direct entry.
	ThreadStartAdapterRun = "ThreadFunctionStartAdapter::Run"
)

// Options configures lowering.
type Options struct {
	RuntimePrefix    string
	ThreadStartTrait string
	Workers          int
	Diag             *diag.Facility
}

// Option configures a Context.
type Option func(*Options)

// WithRuntimePrefix sets the prefix of runtime hook symbols.
func WithRuntimePrefix(prefix string) Option {
	return func(o *Options) {
		o.RuntimePrefix = prefix
	}
}

// WithThreadStartTrait names the trait that receives the thread-start
// table fixup. An empty name disables the fixup.
func WithThreadStartTrait(trait string) Option {
	return func(o *Options) {
		o.ThreadStartTrait = trait
	}
}

// WithWorkers bounds how many bodies LowerUnit lowers at once.
func WithWorkers(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Workers = n
		}
	}
}

// WithDiagnostics injects the diagnostics facility.
func WithDiagnostics(f *diag.Facility) Option {
	return func(o *Options) {
		o.Diag = f
	}
}

// Context is the read-only environment threaded through lowering. It is
// immutable after NewContext and safe to share between goroutines.
type Context struct {
	tables   *layout.Tables
	opts     Options
	ptrKind  sink.Kind
	adapters map[string]uint32
}

// NewContext validates tables and freezes the lowering environment.
func NewContext(tables *layout.Tables, opts ...Option) (*Context, error) {
	if tables == nil {
		return nil, fmt.Errorf("lower: nil tables")
	}
	if err := tables.Validate(); err != nil {
		return nil, fmt.Errorf("lower: %w", err)
	}
	o := Options{
		RuntimePrefix:    DefaultRuntimePrefix,
		ThreadStartTrait: DefaultThreadStartTrait,
		Workers:          DefaultWorkers,
		Diag:             diag.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Diag == nil {
		o.Diag = diag.Nop()
	}
	c := &Context{tables: tables, opts: o, ptrKind: sink.I32}
	if tables.PointerWidth == 8 {
		c.ptrKind = sink.I64
	}
	c.adapters = adapterIndices(tables)
	return c, nil
}

// Tables returns the frozen tables.
func (c *Context) Tables() *layout.Tables {
	return c.tables
}

// Options returns the effective options.
func (c *Context) Options() Options {
	return c.opts
}

// PointerKind is the sink kind of addresses.
func (c *Context) PointerKind() sink.Kind {
	return c.ptrKind
}

func (c *Context) symbol(h Hook) string {
	return h.Symbol(c.opts.RuntimePrefix)
}

// adapterIndices numbers every adapter the closure registry can require,
// after the highest registered function index. Closures are visited in
// name order so numbering is stable.
func adapterIndices(t *layout.Tables) map[string]uint32 {
	next := uint32(0)
	for _, idx := range t.Functions {
		if idx+1 > next {
			next = idx + 1
		}
	}
	out := make(map[string]uint32)
	for _, name := range slices.Sorted(maps.Keys(t.Closures)) {
		info := t.Closures[name]
		if !needsAdapter(info) {
			continue
		}
		sym := adapterSymbol(info)
		if _, ok := out[sym]; ok {
			continue
		}
		if idx, ok := t.FunctionIndex(sym); ok {
			out[sym] = idx
			continue
		}
		out[sym] = next
		next++
	}
	return out
}

// functionIndex resolves a registered function or synthesized adapter.
func (c *Context) functionIndex(name string) (uint32, bool) {
	if idx, ok := c.tables.FunctionIndex(name); ok {
		return idx, true
	}
	idx, ok := c.adapters[name]
	return idx, ok
}

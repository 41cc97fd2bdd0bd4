package testutil

import (
	"fmt"
	"sync"
)

// SequenceIDGenerator hands out predictable IDs: "<prefix>-0001",
// "<prefix>-0002", and so on. It satisfies store.RunIDGenerator so that
// stored runs and artifacts have stable IDs in golden output.
//
// Thread-safety: safe for concurrent use.
type SequenceIDGenerator struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSequenceIDGenerator returns a generator for prefix. An empty prefix
// becomes "test".
func NewSequenceIDGenerator(prefix string) *SequenceIDGenerator {
	if prefix == "" {
		prefix = "test"
	}
	return &SequenceIDGenerator{prefix: prefix}
}

// Generate returns the next ID.
func (g *SequenceIDGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%04d", g.prefix, g.n)
}

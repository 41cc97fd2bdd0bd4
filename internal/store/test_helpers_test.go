package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/testutil"
)

// createTestStore opens a fresh store with deterministic IDs and seqs.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithIDGenerator(testutil.NewSequenceIDGenerator("id")),
		WithClock(testutil.NewDeterministicClock()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestArtifact returns a small artifact for function.
func createTestArtifact(function, listing string) *artifact.Artifact {
	return &artifact.Artifact{
		Function: function,
		Plan: []artifact.PlanEntry{
			{Local: 0, Name: "ret", Representation: "scalar"},
			{Local: 1, Name: "p", Representation: "frame", FrameOffset: 8},
		},
		FrameSize: 16,
		Listing:   listing,
		Bytecode:  []byte{0x00, 0x0b},
	}
}

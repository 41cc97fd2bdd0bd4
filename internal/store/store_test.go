package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_AppliesPragmas(t *testing.T) {
	s := createTestStore(t)

	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma("foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
	assert.NoError(t, s.verifyPragma("user_version", "1"))
}

func TestOpen_CreatesTables(t *testing.T) {
	s := createTestStore(t)

	for _, table := range []string{"runs", "artifacts", "diagnostics"} {
		var name string
		err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, "table %s", table)
	}
	var idx string
	err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type = 'index' AND name = 'idx_diagnostics_topic'`).Scan(&idx)
	assert.NoError(t, err, "migration index")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	assert.NoError(t, s2.verifyPragma("user_version", "1"))
}

func TestOpen_ResumesClock(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "resume.db")

	s1, err := Open(path)
	require.NoError(t, err)
	run := s1.NewRun("tables", "")
	require.NoError(t, s1.WriteRun(ctx, run))
	rec, _, err := s1.WriteArtifact(ctx, run.ID, createTestArtifact("f", "listing"))
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	next := s2.NewRun("tables", "")
	assert.Greater(t, next.StartedSeq, rec.Seq, "seq keeps increasing across reopen")
	assert.NotEqual(t, run.ID, next.ID)
	assert.Len(t, next.ID, 36, "UUIDv7 string")
}

func TestClose_Nil(t *testing.T) {
	assert.NoError(t, (&Store{}).Close())
}

func TestClock(t *testing.T) {
	c := NewClockAt(41)
	assert.Equal(t, int64(41), c.Current())
	assert.Equal(t, int64(42), c.Next())
	assert.Equal(t, int64(42), c.Current())
}

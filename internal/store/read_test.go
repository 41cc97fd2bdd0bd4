package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedRuns(t *testing.T, s *Store) (Run, Run) {
	t.Helper()
	ctx := context.Background()
	r1, r2 := s.NewRun("h1", ""), s.NewRun("h2", "")
	require.NoError(t, s.WriteRun(ctx, r1))
	require.NoError(t, s.WriteRun(ctx, r2))

	for _, w := range []struct {
		run      Run
		function string
		listing  string
	}{
		{r1, "alpha", "a1"},
		{r1, "beta", "b1"},
		{r2, "alpha", "a2"},
	} {
		_, _, err := s.WriteArtifact(ctx, w.run.ID, createTestArtifact(w.function, w.listing))
		require.NoError(t, err)
	}
	return r1, r2
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	empty, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	r1, r2 := seedRuns(t, s)

	all, err := s.ListRuns(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, r1, all[0].Run)
	assert.Equal(t, 2, all[0].Artifacts)
	assert.Equal(t, r2, all[1].Run)
	assert.Equal(t, 1, all[1].Artifacts)

	beta, err := s.ListRuns(ctx, "beta")
	require.NoError(t, err)
	require.Len(t, beta, 1)
	assert.Equal(t, r1.ID, beta[0].ID)
	assert.Equal(t, 2, beta[0].Artifacts, "count covers the whole run")
}

func TestReadArtifacts_Ordered(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	r1, _ := seedRuns(t, s)

	records, err := s.ReadArtifacts(ctx, r1.ID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "alpha", records[0].Function)
	assert.Equal(t, "beta", records[1].Function)
	assert.Less(t, records[0].Seq, records[1].Seq)

	none, err := s.ReadArtifacts(ctx, "missing")
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestLatestArtifact(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	_, r2 := seedRuns(t, s)

	rec, err := s.LatestArtifact(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, r2.ID, rec.RunID)
	assert.Equal(t, "a2", rec.Listing)

	_, err = s.LatestArtifact(ctx, "gamma")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestReadRun_NotFound(t *testing.T) {
	_, err := createTestStore(t).ReadRun(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

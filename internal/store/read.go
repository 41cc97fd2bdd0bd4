package store

import (
	"context"
	"fmt"

	"github.com/roach88/chisel/internal/artifact"
)

// ArtifactRecord is a stored artifact row.
type ArtifactRecord struct {
	ID       string
	RunID    string
	Seq      int64
	Function string
	Hash     string
	Listing  string
	Bytecode []byte
	Plan     []artifact.PlanEntry
}

// RunSummary is a run with the number of artifacts it produced.
type RunSummary struct {
	Run
	Artifacts int
}

// Diagnostic is a stored diagnostics message.
type Diagnostic struct {
	RunID   string
	Seq     int64
	Topic   string
	Message string
}

const artifactColumns = "id, run_id, seq, function, hash, listing, bytecode, plan_json"

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanArtifact scans one artifact row. Scan errors are returned unwrapped
// so callers can test for sql.ErrNoRows.
func scanArtifact(row rowScanner) (ArtifactRecord, error) {
	var rec ArtifactRecord
	var planJSON string
	if err := row.Scan(
		&rec.ID, &rec.RunID, &rec.Seq, &rec.Function, &rec.Hash,
		&rec.Listing, &rec.Bytecode, &planJSON,
	); err != nil {
		return ArtifactRecord{}, err
	}
	plan, err := artifact.DecodePlan(planJSON)
	if err != nil {
		return ArtifactRecord{}, err
	}
	rec.Plan = plan
	return rec, nil
}

// ReadRun retrieves a single run by ID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	var run Run
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_seq, tables_hash, config_json
		FROM runs
		WHERE id = ?
	`, id).Scan(&run.ID, &run.StartedSeq, &run.TablesHash, &run.ConfigJSON)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns every run in start order with its artifact count. A
// non-empty function restricts the list to runs that lowered it.
//
// Returns an empty slice (not nil) if there are no runs.
func (s *Store) ListRuns(ctx context.Context, function string) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.started_seq, r.tables_hash, r.config_json, COUNT(a.id)
		FROM runs r
		LEFT JOIN artifacts a ON a.run_id = r.id
		WHERE ? = '' OR EXISTS (
			SELECT 1 FROM artifacts f WHERE f.run_id = r.id AND f.function = ?
		)
		GROUP BY r.id
		ORDER BY r.started_seq ASC, r.id COLLATE BINARY ASC
	`, function, function)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var rs RunSummary
		if err := rows.Scan(&rs.ID, &rs.StartedSeq, &rs.TablesHash, &rs.ConfigJSON, &rs.Artifacts); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadArtifacts returns the artifacts of a run in write order.
//
// Returns an empty slice (not nil) if the run has no artifacts.
func (s *Store) ReadArtifacts(ctx context.Context, runID string) ([]ArtifactRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE run_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	records := []ArtifactRecord{}
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return records, nil
}

// LatestArtifact returns the most recently written artifact for function
// across all runs.
// Returns sql.ErrNoRows if the function was never lowered.
func (s *Store) LatestArtifact(ctx context.Context, function string) (ArtifactRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE function = ?
		ORDER BY seq DESC, id COLLATE BINARY DESC
		LIMIT 1
	`, function)
	return scanArtifact(row)
}

// ReadDiagnostics returns the diagnostics of a run in capture order.
func (s *Store) ReadDiagnostics(ctx context.Context, runID string) ([]Diagnostic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, topic, message
		FROM diagnostics
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query diagnostics: %w", err)
	}
	defer rows.Close()

	out := []Diagnostic{}
	for rows.Next() {
		var d Diagnostic
		if err := rows.Scan(&d.RunID, &d.Seq, &d.Topic, &d.Message); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate diagnostics: %w", err)
	}
	return out, nil
}

package store

import (
	"context"
	"fmt"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/diag"
)

// Run is one invocation of the lowering pipeline.
type Run struct {
	ID         string
	StartedSeq int64
	TablesHash string
	ConfigJSON string
}

// NewRun returns a run with a fresh ID and the next seq. It is not
// persisted until WriteRun.
func (s *Store) NewRun(tablesHash, configJSON string) Run {
	if configJSON == "" {
		configJSON = "{}"
	}
	return Run{
		ID:         s.ids.Generate(),
		StartedSeq: s.clock.Next(),
		TablesHash: tablesHash,
		ConfigJSON: configJSON,
	}
}

// WriteRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - duplicate IDs are silently ignored.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("write run: empty id")
	}
	if run.ConfigJSON == "" {
		run.ConfigJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, started_seq, tables_hash, config_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.StartedSeq,
		run.TablesHash,
		run.ConfigJSON,
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// WriteArtifact stores the artifact of one function in a run.
// Returns the stored record and whether a new row was inserted.
//
// An artifact is unique per (run_id, function). If the function already has
// an artifact in this run, the existing record is returned with
// inserted=false and a is not written.
//
// Note: The run referenced by runID must exist (foreign key constraint).
func (s *Store) WriteArtifact(ctx context.Context, runID string, a *artifact.Artifact) (rec ArtifactRecord, inserted bool, err error) {
	hash, err := a.Hash()
	if err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: %w", err)
	}
	planJSON, err := a.PlanJSON()
	if err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	rec = ArtifactRecord{
		ID:       s.ids.Generate(),
		RunID:    runID,
		Seq:      s.clock.Next(),
		Function: a.Function,
		Hash:     hash,
		Listing:  a.Listing,
		Bytecode: a.Bytecode,
		Plan:     a.Plan,
	}
	result, err := tx.ExecContext(ctx, `
		INSERT INTO artifacts
		(id, run_id, seq, function, hash, listing, bytecode, plan_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, function) DO NOTHING
	`,
		rec.ID,
		rec.RunID,
		rec.Seq,
		rec.Function,
		rec.Hash,
		rec.Listing,
		rec.Bytecode,
		planJSON,
	)
	if err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: rows affected: %w", err)
	}

	if rowsAffected == 0 {
		row := tx.QueryRowContext(ctx, `
			SELECT `+artifactColumns+`
			FROM artifacts
			WHERE run_id = ? AND function = ?
		`, runID, a.Function)
		rec, err = scanArtifact(row)
		if err != nil {
			return ArtifactRecord{}, false, fmt.Errorf("write artifact: select existing: %w", err)
		}
	} else {
		inserted = true
	}

	if err := tx.Commit(); err != nil {
		return ArtifactRecord{}, false, fmt.Errorf("write artifact: commit: %w", err)
	}
	return rec, inserted, nil
}

// WriteDiagnostics appends captured diagnostics to a run, each with its own seq.
func (s *Store) WriteDiagnostics(ctx context.Context, runID string, records []diag.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write diagnostics: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, r := range records {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO diagnostics (run_id, seq, topic, message)
			VALUES (?, ?, ?, ?)
		`, runID, s.clock.Next(), r.Topic, r.Message)
		if err != nil {
			return fmt.Errorf("write diagnostics: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write diagnostics: commit: %w", err)
	}
	return nil
}

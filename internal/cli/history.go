package cli

import (
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/chisel/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Function string
	Run      string
}

// RunEntry is one recorded run.
type RunEntry struct {
	ID         string `json:"id"`
	StartedSeq int64  `json:"started_seq"`
	TablesHash string `json:"tables_hash"`
	Artifacts  int    `json:"artifacts"`
}

// ArtifactEntry is one stored artifact of a run.
type ArtifactEntry struct {
	Function string `json:"function"`
	Seq      int64  `json:"seq"`
	Hash     string `json:"hash"`
}

// RunDetail is a run with its artifacts and diagnostics count.
type RunDetail struct {
	RunEntry
	Config      string          `json:"config"`
	Functions   []ArtifactEntry `json:"functions"`
	Diagnostics int             `json:"diagnostics"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded lowering runs",
		Long: `List the lowering runs recorded in the artifact store, oldest first.

With --function only runs that lowered that function are listed. With
--run the artifacts of a single run are shown.

Examples:
  chisel history --db ./chisel.db
  chisel history --db ./chisel.db --function swap
  chisel history --db ./chisel.db --run 0191f6c2-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "SQLite database path, default from config store.path")
	cmd.Flags().StringVar(&opts.Function, "function", "", "only runs that lowered this function")
	cmd.Flags().StringVar(&opts.Run, "run", "", "show the artifacts of one run")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	path := opts.Database
	if path == "" {
		path = opts.config().Store.Path
	}
	if path == "" {
		return reportError(formatter, ExitCommandError, ErrCodeNotFound, "no database: pass --db or set store.path", nil)
	}
	// Opening would create an empty database.
	if _, err := os.Stat(path); err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", path), nil)
	}

	st, err := store.Open(path)
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	defer st.Close()

	if opts.Run != "" {
		return showRun(formatter, st, opts.Run, cmd)
	}

	runs, err := st.ListRuns(ctx, opts.Function)
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	entries := make([]RunEntry, len(runs))
	for i, r := range runs {
		entries[i] = RunEntry{ID: r.ID, StartedSeq: r.StartedSeq, TablesHash: r.TablesHash, Artifacts: r.Artifacts}
	}

	if formatter.Format == "json" {
		return formatter.Success(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(formatter.Writer, "No runs recorded")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(formatter.Writer, "%s  seq %-4d  %d artifact(s)  tables %s\n", e.ID, e.StartedSeq, e.Artifacts, shortHash(e.TablesHash))
	}
	return nil
}

func showRun(formatter *OutputFormatter, st *store.Store, id string, cmd *cobra.Command) error {
	ctx := commandContext(cmd)

	run, err := st.ReadRun(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return reportError(formatter, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("run not found: %s", id), nil)
	}
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	artifacts, err := st.ReadArtifacts(ctx, id)
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	diags, err := st.ReadDiagnostics(ctx, id)
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}

	detail := RunDetail{
		RunEntry:    RunEntry{ID: run.ID, StartedSeq: run.StartedSeq, TablesHash: run.TablesHash, Artifacts: len(artifacts)},
		Config:      run.ConfigJSON,
		Functions:   []ArtifactEntry{},
		Diagnostics: len(diags),
	}
	for _, a := range artifacts {
		detail.Functions = append(detail.Functions, ArtifactEntry{Function: a.Function, Seq: a.Seq, Hash: a.Hash})
	}

	if formatter.Format == "json" {
		return formatter.SuccessRun(run.ID, detail)
	}
	fmt.Fprintf(formatter.Writer, "Run %s (seq %d)\n", detail.ID, detail.StartedSeq)
	fmt.Fprintf(formatter.Writer, "Tables: %s\n", detail.TablesHash)
	fmt.Fprintf(formatter.Writer, "Config: %s\n", detail.Config)
	for _, f := range detail.Functions {
		fmt.Fprintf(formatter.Writer, "  %-32s %s\n", f.Function, shortHash(f.Hash))
	}
	fmt.Fprintf(formatter.Writer, "Diagnostics: %d\n", detail.Diagnostics)
	return nil
}

// shortHash abbreviates a content hash for display.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

package cli

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chisel/internal/artifact"
	"github.com/roach88/chisel/internal/config"
	"github.com/roach88/chisel/internal/diag"
	"github.com/roach88/chisel/internal/harness"
	"github.com/roach88/chisel/internal/lower"
	"github.com/roach88/chisel/internal/mir"
	"github.com/roach88/chisel/internal/sink"
	"github.com/roach88/chisel/internal/store"
)

// LowerOptions holds flags for the lower command.
type LowerOptions struct {
	*RootOptions
	Tables   string // CUE tables directory
	Sink     string // overrides config sink
	Output   string // output file path
	Database string // overrides config store.path

	// IDGenerator and Clock override the store's run IDs and sequence
	// numbers (for testing). Nil keeps the store defaults.
	IDGenerator store.RunIDGenerator
	Clock       store.Sequencer
}

// FunctionSummary describes one lowered function.
type FunctionSummary struct {
	Function  string   `json:"function"`
	FrameSize int      `json:"frame_size"`
	Hash      string   `json:"hash"`
	Adapters  []string `json:"adapters,omitempty"`
}

// LowerResult is the JSON payload of the lower command.
type LowerResult struct {
	TablesHash string            `json:"tables_hash"`
	Functions  []FunctionSummary `json:"functions"`
	Listing    string            `json:"listing,omitempty"`
	Bytecode   string            `json:"bytecode,omitempty"` // hex
}

// NewLowerCommand creates the lower command.
func NewLowerCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LowerOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "lower <fixture.yaml>",
		Short: "Lower MIR bodies to a listing or bytecode",
		Long: `Lower every function of a YAML MIR fixture against CUE layout tables.

The text sink prints a QBE-style listing; the bytecode sink prints a hex
dump of the encoded module. Synthesized function-pointer adapters follow
the lowered functions. With --db (or store.path in the config) the run,
one artifact per function and the captured diagnostics are recorded.

Exit codes:
  0 - Lowering succeeded
  1 - Lowering failed (MISSING_LAYOUT, UNSUPPORTED_SHAPE, NOT_YET_IMPLEMENTED)
  2 - Command error (invalid paths, malformed fixture, store errors)

Examples:
  chisel lower ./unit.yaml --tables ./tables
  chisel lower ./unit.yaml --tables ./tables --sink both -o unit.out
  chisel lower ./unit.yaml --tables ./tables --db ./chisel.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLower(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tables, "tables", "", "CUE tables directory (required)")
	_ = cmd.MarkFlagRequired("tables")
	cmd.Flags().StringVar(&opts.Sink, "sink", "", "instruction sink (text|bytecode|both), default from config")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the listing or hex dump to a file")
	cmd.Flags().StringVar(&opts.Database, "db", "", "record the run in this SQLite database")

	return cmd
}

func runLower(opts *LowerOptions, fixturePath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	ctx := commandContext(cmd)

	// Flags override file values.
	cfg := *opts.config()
	if opts.Sink != "" {
		cfg.Sink = config.Sink(opts.Sink)
	}
	if opts.Database != "" {
		cfg.Store.Path = opts.Database
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return reportError(formatter, ExitCommandError, ErrCodeGeneric, errs[0].Error(), nil)
	}

	loadResult, bodies, err := loadUnit(formatter, opts.Tables, fixturePath)
	if err != nil {
		return err
	}
	if cfg.PointerWidth != loadResult.Tables.PointerWidth {
		formatter.VerboseLog("Tables pointer width %d overrides config %d", loadResult.Tables.PointerWidth, cfg.PointerWidth)
	}

	rec := diag.NewRecorder()
	c, err := lower.NewContext(loadResult.Tables,
		lower.WithRuntimePrefix(cfg.RuntimePrefix),
		lower.WithThreadStartTrait(cfg.ThreadStartTrait),
		lower.WithWorkers(cfg.Workers),
		lower.WithDiagnostics(opts.diagnostics(formatter.GetErrWriter(), rec)),
	)
	if err != nil {
		return reportError(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	formatter.VerboseLog("Lowering %d function(s) from %s", len(bodies), fixturePath)
	trace := sink.NewTrace()
	text := sink.NewText()
	code := sink.NewBytecode(c.PointerKind())
	unit, err := c.LowerUnit(ctx, bodies, sink.Tee{trace, text, code})
	if err != nil {
		return reportLowerError(formatter, err)
	}
	artifacts := c.Artifacts(unit, trace)
	bytecode := code.Encode()

	rendered := render(cfg.Sink, text.String(), bytecode)
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(rendered), 0644); err != nil {
			return reportError(formatter, ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	result := LowerResult{TablesHash: loadResult.Hash}
	for _, a := range artifacts {
		hash, err := a.Hash()
		if err != nil {
			return reportError(formatter, ExitCommandError, ErrCodeGeneric, err.Error(), nil)
		}
		result.Functions = append(result.Functions, FunctionSummary{
			Function:  a.Function,
			FrameSize: a.FrameSize,
			Hash:      hash,
			Adapters:  a.Adapters,
		})
	}
	if cfg.Sink != config.SinkBytecode {
		result.Listing = text.String()
	}
	if cfg.Sink != config.SinkText {
		result.Bytecode = hex.EncodeToString(bytecode)
	}

	var runID string
	if cfg.Store.Path != "" {
		runID, err = recordRun(ctx, opts, &cfg, loadResult.Hash, artifacts, rec.Records())
		if err != nil {
			return reportError(formatter, ExitCommandError, ErrCodeWriteFailed, err.Error(), nil)
		}
		formatter.VerboseLog("Recorded run %s in %s", runID, cfg.Store.Path)
	}

	if formatter.Format == "json" {
		return formatter.SuccessRun(runID, result)
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "✓ Lowered %d function(s), wrote %s\n", len(unit.Functions), opts.Output)
	} else {
		fmt.Fprint(formatter.Writer, rendered)
	}
	if runID != "" {
		fmt.Fprintf(formatter.Writer, "Run: %s\n", runID)
	}
	return nil
}

// loadUnit loads the tables and the fixture's bodies, reporting failures
// through formatter.
func loadUnit(formatter *OutputFormatter, tablesDir, fixturePath string) (*LoadResult, []*mir.Body, error) {
	loadResult, errs := LoadTables(tablesDir, LoadModeCollectAll)
	if loadResult == nil {
		return nil, nil, reportErrors(formatter, ExitCommandError, "Loading tables failed", errs)
	}
	if len(errs) > 0 {
		return nil, nil, reportErrors(formatter, ExitFailure, "Validation failed", errs)
	}

	if _, err := os.Stat(fixturePath); err != nil {
		return nil, nil, reportError(formatter, ExitCommandError, ErrCodeNotFound, fmt.Sprintf("fixture not found: %s", fixturePath), nil)
	}
	fixture, err := harness.LoadFixture(fixturePath)
	if err != nil {
		return nil, nil, reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	bodies, err := fixture.Bodies()
	if err != nil {
		return nil, nil, reportError(formatter, ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	return loadResult, bodies, nil
}

// reportLowerError outputs a lowering failure under its lowering code.
func reportLowerError(formatter *OutputFormatter, err error) error {
	var le *lower.Error
	if !errors.As(err, &le) {
		return reportError(formatter, ExitFailure, ErrCodeGeneric, err.Error(), nil)
	}
	details := map[string]string{"function": le.Function}
	if le.Construct != "" {
		details["construct"] = le.Construct
	}
	_ = formatter.Error(string(le.Code), le.Message, details)
	return WrapExitError(ExitFailure, "lowering failed", err)
}

// render formats the unit for the selected sink.
func render(s config.Sink, listing string, bytecode []byte) string {
	var b strings.Builder
	if s != config.SinkBytecode {
		b.WriteString(listing)
	}
	if s != config.SinkText {
		b.WriteString(hex.Dump(bytecode))
	}
	return b.String()
}

// recordRun writes the run, its artifacts and diagnostics to the store.
func recordRun(ctx context.Context, opts *LowerOptions, cfg *config.Config, tablesHash string, artifacts []*artifact.Artifact, records []diag.Record) (string, error) {
	var storeOpts []store.Option
	if opts.IDGenerator != nil {
		storeOpts = append(storeOpts, store.WithIDGenerator(opts.IDGenerator))
	}
	if opts.Clock != nil {
		storeOpts = append(storeOpts, store.WithClock(opts.Clock))
	}
	st, err := store.Open(cfg.Store.Path, storeOpts...)
	if err != nil {
		return "", err
	}
	defer st.Close()

	configJSON, err := artifact.MarshalCanonical(cfg.Object())
	if err != nil {
		return "", err
	}

	run := st.NewRun(tablesHash, string(configJSON))
	if err := st.WriteRun(ctx, run); err != nil {
		return "", err
	}
	for _, a := range artifacts {
		if _, _, err := st.WriteArtifact(ctx, run.ID, a); err != nil {
			return "", err
		}
	}
	if err := st.WriteDiagnostics(ctx, run.ID, records); err != nil {
		return "", err
	}
	return run.ID, nil
}

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/chisel/internal/compiler"
)

// TablesOptions holds flags for the tables command.
type TablesOptions struct {
	*RootOptions
}

// TablesResult is the JSON payload of the tables command.
type TablesResult struct {
	Dir          string `json:"dir"`
	Files        int    `json:"files"`
	PointerWidth int    `json:"pointer_width"`
	Hash         string `json:"hash"`
	compiler.Summary
}

// NewTablesCommand creates the tables command.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TablesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tables <dir>",
		Short: "Compile and validate CUE layout tables",
		Long: `Compile the CUE layout tables in a directory and check them against the
structural rules (field bounds, alignment, vtable offsets, closure
environments). Every validation error is reported.

Exit codes:
  0 - Tables are valid
  1 - Validation failed
  2 - Tables could not be loaded or compiled

Examples:
  chisel tables ./tables
  chisel tables ./tables --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTables(opts, args[0], cmd)
		},
	}

	return cmd
}

func runTables(opts *TablesOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, errs := LoadTables(dir, LoadModeCollectAll)
	if loadResult == nil {
		return reportErrors(formatter, ExitCommandError, "Loading tables failed", errs)
	}
	formatter.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, dir)
	if len(errs) > 0 {
		return reportErrors(formatter, ExitFailure, "Validation failed", errs)
	}

	result := TablesResult{
		Dir:          dir,
		Files:        loadResult.FileCount,
		PointerWidth: loadResult.Tables.PointerWidth,
		Hash:         loadResult.Hash,
		Summary:      compiler.Summarize(loadResult.Tables),
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Tables valid (%d file(s), pointer width %d)\n\n", result.Files, result.PointerWidth)
	fmt.Fprintf(w, "  layouts:         %d\n", result.Layouts)
	fmt.Fprintf(w, "  trait vtables:   %d\n", result.TraitVtables)
	fmt.Fprintf(w, "  class vtables:   %d\n", result.ClassVtables)
	fmt.Fprintf(w, "  closures:        %d\n", result.Closures)
	fmt.Fprintf(w, "  functions:       %d\n", result.Functions)
	fmt.Fprintf(w, "  string literals: %d\n", result.StringLiterals)
	if len(result.Traits) > 0 {
		fmt.Fprintf(w, "  traits:          %s\n", strings.Join(result.Traits, ", "))
	}
	fmt.Fprintf(w, "\nHash: %s\n", result.Hash)
	return nil
}

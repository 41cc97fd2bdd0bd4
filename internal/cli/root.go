package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/chisel/internal/config"
	"github.com/roach88/chisel/internal/diag"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigPath string

	// Config is resolved from ConfigPath, ./chisel.yaml or the defaults
	// before any subcommand runs.
	Config *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the chisel CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "chisel",
		Short: "chisel - MIR assignment lowering",
		Long: `Lower typed MIR function bodies to a stack-machine or QBE-style listing.

Layouts, vtables and closure descriptions come from CUE tables; function
bodies come from YAML fixtures. Lowering runs can be recorded in a SQLite
store and inspected later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			cfg, _, err := config.Discover(opts.ConfigPath)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			opts.Config = cfg
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output (enables every diagnostics topic)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ./chisel.yaml if present)")

	// Add subcommands
	cmd.AddCommand(NewLowerCommand(opts))
	cmd.AddCommand(NewTablesCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewClassifyCommand(opts))

	return cmd
}

// formatter builds the output formatter for cmd. Verbose logs go to stderr
// to avoid corrupting JSON output.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// diagnostics builds the lowering diagnostics facility. The configured
// topics are captured by rec when it is non-nil; --verbose enables every
// topic and also logs them to w in the output format.
func (o *RootOptions) diagnostics(w io.Writer, rec *diag.Recorder) *diag.Facility {
	var topics []diag.Topic
	if o.Config != nil {
		topics = o.Config.Topics()
	}
	var handlers []slog.Handler
	if rec != nil {
		handlers = append(handlers, rec)
	}
	if o.Verbose {
		topics = diag.AllTopics()
		hopts := &slog.HandlerOptions{Level: slog.LevelDebug}
		if o.Format == "json" {
			handlers = append(handlers, slog.NewJSONHandler(w, hopts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, hopts))
		}
	}
	if len(handlers) == 0 || len(topics) == 0 {
		return diag.Nop()
	}
	return diag.New(slog.New(diag.Fanout(handlers...)), topics...)
}

// commandContext returns the command's context, or a background context
// when the command was executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// config returns the resolved config, or the defaults when the root
// pre-run hook did not execute.
func (o *RootOptions) config() *config.Config {
	if o.Config == nil {
		return config.Default()
	}
	return o.Config
}

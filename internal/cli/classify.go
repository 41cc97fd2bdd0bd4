package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/chisel/internal/lower"
)

// ClassifyOptions holds flags for the classify command.
type ClassifyOptions struct {
	*RootOptions
	Tables string
}

// LocalEntry is one classified local.
type LocalEntry struct {
	Local          int    `json:"local"`
	Name           string `json:"name"`
	Representation string `json:"representation"`
	Slot           int    `json:"slot"`
	FrameOffset    int    `json:"frame_offset"`
}

// ClassifyResult is the storage plan of one function.
type ClassifyResult struct {
	Function  string       `json:"function"`
	FrameSize int          `json:"frame_size"`
	Locals    []LocalEntry `json:"locals"`
}

// NewClassifyCommand creates the classify command.
func NewClassifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClassifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "classify <fixture.yaml>",
		Short: "Show the storage plan of every function without lowering",
		Long: `Classify every local of each fixture function as scalar, pointer-param
or frame-allocated and print the frame layout. No code is emitted.

Examples:
  chisel classify ./unit.yaml --tables ./tables
  chisel classify ./unit.yaml --tables ./tables --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClassify(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Tables, "tables", "", "CUE tables directory (required)")
	_ = cmd.MarkFlagRequired("tables")

	return cmd
}

func runClassify(opts *ClassifyOptions, fixturePath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loadResult, bodies, err := loadUnit(formatter, opts.Tables, fixturePath)
	if err != nil {
		return err
	}

	results := make([]ClassifyResult, 0, len(bodies))
	for _, body := range bodies {
		plan, err := lower.ClassifyLocals(loadResult.Tables, body)
		if err != nil {
			var le *lower.Error
			if errors.As(err, &le) && le.Function == "" {
				le.Function = body.Name
			}
			return reportLowerError(formatter, err)
		}
		r := ClassifyResult{Function: body.Name, FrameSize: plan.FrameSize, Locals: []LocalEntry{}}
		for _, lp := range plan.Locals {
			r.Locals = append(r.Locals, LocalEntry{
				Local:          int(lp.Local),
				Name:           lp.Name,
				Representation: lp.Repr.String(),
				Slot:           lp.Slot,
				FrameOffset:    lp.FrameOffset,
			})
		}
		results = append(results, r)
	}

	if formatter.Format == "json" {
		return formatter.Success(results)
	}

	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(formatter.Writer)
		}
		fmt.Fprintf(formatter.Writer, "%s (frame %d)\n", r.Function, r.FrameSize)
		for _, l := range r.Locals {
			slot := "-"
			if l.Slot >= 0 {
				slot = strconv.Itoa(l.Slot)
			}
			repr := l.Representation
			if repr == lower.FrameAllocated.String() {
				repr = fmt.Sprintf("frame @%d", l.FrameOffset)
			}
			fmt.Fprintf(formatter.Writer, "  _%-3d %-8s %-14s slot %s\n", l.Local, l.Name, repr, slot)
		}
	}
	return nil
}

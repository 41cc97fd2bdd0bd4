package testutil

import (
	"log/slog"

	"github.com/roach88/chisel/internal/diag"
)

// NewDiagnostics returns a facility with topics enabled whose output is
// captured by the returned recorder.
func NewDiagnostics(topics ...diag.Topic) (*diag.Facility, *diag.Recorder) {
	rec := diag.NewRecorder()
	return diag.New(slog.New(rec), topics...), rec
}

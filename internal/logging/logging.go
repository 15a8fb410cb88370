// Package logging builds the bridge's single log/slog logger, backed by
// github.com/lmittmann/tint for readable, colorized development output —
// the same handler thrum wires up at daemon startup.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Options controls the constructed logger.
type Options struct {
	Level  slog.Level
	Writer io.Writer
	NoColor bool
}

// New builds a *slog.Logger writing tint-formatted lines to opts.Writer
// (stderr if nil).
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	handler := tint.NewHandler(w, &tint.Options{
		Level:      opts.Level,
		TimeFormat: time.Kitchen,
		NoColor:    opts.NoColor,
	})
	return slog.New(handler)
}

package logger

import (
	"log/slog"
	"os"
)

// New returns the process-wide structured logger. Production emits JSON;
// development keeps the readable text handler.
func New(production bool) *slog.Logger {
	if production {
		return slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

package testhelpers

import (
	"io"
	"log/slog"

	"github.com/opendx-health/opendx/internal/logging"
)

// NewLogger creates a logger writing to the given sink such as io.Discard.
func NewLogger(logSink io.Writer) *slog.Logger {
	handler := logging.NewContextHandler(slog.NewTextHandler(logSink, &slog.HandlerOptions{
		AddSource:   false,
		Level:       slog.LevelDebug,
		ReplaceAttr: nil,
	}))
	return slog.New(handler)
}

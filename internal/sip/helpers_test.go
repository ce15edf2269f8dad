package sip

import (
	"io"
	"log/slog"
)

// testLogger returns a logger that discards output, used across this
// package's tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

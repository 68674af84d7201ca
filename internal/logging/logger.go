// Package logging wires a single process-wide structured logger through
// constructors, the way broker.go's main() configures the standard log
// package once and every handler below it just calls log.Println.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a component-scoped logger writing to w (os.Stderr if nil),
// with IPv4 addresses redacted by scrubWriter before they reach the sink.
func New(component string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(&scrubWriter{out: w}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Default is the package-level logger used by code that has no natural
// constructor injection point (sample binaries, init()-time wiring), kept
// to a single instance the way the teacher keeps a single *log.Logger.
var Default = New("libsourcey", os.Stderr)

// Package output renders command results for the CLI.
package output

import (
	"io"
	"os"
)

// Printer renders a result.
type Printer interface {
	Print(v any) error
}

// New returns a JSON or human printer writing to w (stdout when nil).
func New(w io.Writer, jsonOut bool) Printer {
	if w == nil {
		w = os.Stdout
	}
	if jsonOut {
		return JSONPrinter{Out: w}
	}
	return HumanPrinter{Out: w}
}

package main

import (
	"os"

	"github.com/rs/zerolog"
)

var (
	debugOut = os.Stdout
	errorOut = os.Stderr
)

// LogOut sends warnings and errors to stderr and everything else to stdout.
type LogOut struct{}

// Write should not be called
func (l LogOut) Write(p []byte) (n int, err error) {
	return debugOut.Write(p)
}

// WriteLevel writes to the output matching level.
func (l LogOut) WriteLevel(level zerolog.Level, p []byte) (n int, err error) {
	if level < zerolog.WarnLevel {
		return debugOut.Write(p)
	}
	return errorOut.Write(p)
}

package main

import (
	"io"
)

var Parser = parser

func MockStdout(w io.Writer) (restore func()) {
	old := stdout
	stdout = w
	return func() {
		stdout = old
	}
}

// MockOptions starts a test from zeroed command line options. Values
// without a default tag survive between ParseArgs calls otherwise.
func MockOptions() (restore func()) {
	old := opts
	opts = options{}
	return func() {
		opts = old
	}
}

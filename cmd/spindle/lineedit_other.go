//go:build !linux

package main

import (
	"io"
	"os"
)

func stdinIsTTY() bool {
	fi, err := os.Stdin.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

func (e *lineEditor) readRaw(prompt string) (string, error) {
	_, _ = io.WriteString(e.out, prompt)
	line, err := e.readPlain()
	if err == nil {
		e.hist.add(line)
	}
	return line, err
}

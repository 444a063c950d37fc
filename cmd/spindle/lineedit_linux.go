//go:build linux

package main

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

func stdinIsTTY() bool {
	_, err := unix.IoctlGetTermios(int(os.Stdin.Fd()), unix.TCGETS)
	return err == nil
}

func (e *lineEditor) readRaw(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	old, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return "", err
	}
	raw := *old
	raw.Lflag &^= unix.ICANON | unix.ECHO
	raw.Cc[unix.VMIN] = 1
	raw.Cc[unix.VTIME] = 0
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, &raw); err != nil {
		return "", err
	}
	defer func() { _ = unix.IoctlSetTermios(fd, unix.TCSETS, old) }()

	buf := newLineBuffer(prompt, e.out, &e.hist)
	_, _ = io.WriteString(e.out, prompt)
	var in [16]byte
	for {
		n, err := os.Stdin.Read(in[:])
		if err != nil {
			return "", err
		}
		for _, c := range in[:n] {
			done, err := buf.feed(c)
			if err != nil {
				return "", err
			}
			if done {
				return buf.String(), nil
			}
		}
	}
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// lineEditor reads prompts for interactive runs. On a terminal it edits the
// line in raw mode with history; otherwise it reads plain lines.
type lineEditor struct {
	in   *bufio.Reader
	out  io.Writer
	tty  bool
	hist history
}

func newLineEditor() *lineEditor {
	return &lineEditor{
		in:   bufio.NewReader(os.Stdin),
		out:  os.Stdout,
		tty:  stdinIsTTY(),
		hist: history{max: 500},
	}
}

// ReadLine returns io.EOF on Ctrl+D, Ctrl+C or end of input.
func (e *lineEditor) ReadLine(prompt string) (string, error) {
	if !e.tty {
		return e.readPlain()
	}
	return e.readRaw(prompt)
}

func (e *lineEditor) readPlain() (string, error) {
	s, err := e.in.ReadString('\n')
	if err != nil && (err != io.EOF || s == "") {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

type history struct {
	entries []string
	max     int
}

func (h *history) add(s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	if n := len(h.entries); n > 0 && h.entries[n-1] == s {
		return
	}
	h.entries = append(h.entries, s)
	if h.max > 0 && len(h.entries) > h.max {
		h.entries = h.entries[len(h.entries)-h.max:]
	}
}

// lineBuffer is the state of one line being edited. It consumes raw
// terminal bytes and redraws itself on out after every change.
type lineBuffer struct {
	prompt string
	out    io.Writer
	hist   *history

	line   []byte
	cursor int

	esc int // 0 none, 1 after ESC, 2 inside CSI
	seq []byte

	histPos  int
	browsing bool
	draft    string
}

func newLineBuffer(prompt string, out io.Writer, hist *history) *lineBuffer {
	return &lineBuffer{
		prompt:  prompt,
		out:     out,
		hist:    hist,
		histPos: len(hist.entries),
	}
}

func (b *lineBuffer) String() string { return string(b.line) }

// feed consumes one byte and reports whether the line is complete.
func (b *lineBuffer) feed(c byte) (bool, error) {
	switch b.esc {
	case 1:
		b.esc = 0
		switch c {
		case '[':
			b.esc = 2
			b.seq = b.seq[:0]
		case 'b', 'B':
			b.wordLeft()
		case 'f', 'F':
			b.wordRight()
		case 127:
			b.deleteWordBack()
		}
		return false, nil
	case 2:
		b.seq = append(b.seq, c)
		if c == '~' || (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') {
			b.esc = 0
			b.csi(string(b.seq))
		}
		return false, nil
	}

	switch c {
	case 27:
		b.esc = 1
	case '\r', '\n':
		_, _ = io.WriteString(b.out, "\r\n")
		b.hist.add(b.String())
		return true, nil
	case 3: // Ctrl+C
		_, _ = io.WriteString(b.out, "^C\r\n")
		return false, io.EOF
	case 4: // Ctrl+D
		if len(b.line) == 0 {
			_, _ = io.WriteString(b.out, "\r\n")
			return false, io.EOF
		}
		b.deleteForward()
	case 127, 8:
		if b.cursor > 0 {
			b.line = append(b.line[:b.cursor-1], b.line[b.cursor:]...)
			b.cursor--
			b.redraw()
		}
	case 1: // Ctrl+A
		b.cursor = 0
		b.redraw()
	case 5: // Ctrl+E
		b.cursor = len(b.line)
		b.redraw()
	case 21: // Ctrl+U
		b.line = append(b.line[:0], b.line[b.cursor:]...)
		b.cursor = 0
		b.redraw()
	case 23: // Ctrl+W
		b.deleteWordBack()
	default:
		if c >= 32 {
			b.line = append(b.line, 0)
			copy(b.line[b.cursor+1:], b.line[b.cursor:])
			b.line[b.cursor] = c
			b.cursor++
			b.redraw()
		}
	}
	return false, nil
}

func (b *lineBuffer) csi(seq string) {
	switch seq {
	case "A":
		b.historyPrev()
	case "B":
		b.historyNext()
	case "C":
		if b.cursor < len(b.line) {
			b.cursor++
			b.redraw()
		}
	case "D":
		if b.cursor > 0 {
			b.cursor--
			b.redraw()
		}
	case "H":
		b.cursor = 0
		b.redraw()
	case "F":
		b.cursor = len(b.line)
		b.redraw()
	case "3~":
		b.deleteForward()
	case "1;5D", "5D":
		b.wordLeft()
	case "1;5C", "5C":
		b.wordRight()
	}
}

func (b *lineBuffer) historyPrev() {
	if b.histPos == 0 {
		return
	}
	if !b.browsing {
		b.draft = b.String()
		b.browsing = true
	}
	b.histPos--
	b.setLine(b.hist.entries[b.histPos])
}

func (b *lineBuffer) historyNext() {
	if !b.browsing {
		return
	}
	b.histPos++
	if b.histPos >= len(b.hist.entries) {
		b.histPos = len(b.hist.entries)
		b.browsing = false
		b.setLine(b.draft)
		return
	}
	b.setLine(b.hist.entries[b.histPos])
}

func (b *lineBuffer) setLine(s string) {
	b.line = append(b.line[:0], s...)
	b.cursor = len(b.line)
	b.redraw()
}

func (b *lineBuffer) deleteForward() {
	if b.cursor < len(b.line) {
		b.line = append(b.line[:b.cursor], b.line[b.cursor+1:]...)
		b.redraw()
	}
}

func (b *lineBuffer) wordStart() int {
	i := b.cursor
	for i > 0 && isBlank(b.line[i-1]) {
		i--
	}
	for i > 0 && !isBlank(b.line[i-1]) {
		i--
	}
	return i
}

func (b *lineBuffer) wordLeft() {
	b.cursor = b.wordStart()
	b.redraw()
}

func (b *lineBuffer) wordRight() {
	for b.cursor < len(b.line) && isBlank(b.line[b.cursor]) {
		b.cursor++
	}
	for b.cursor < len(b.line) && !isBlank(b.line[b.cursor]) {
		b.cursor++
	}
	b.redraw()
}

func (b *lineBuffer) deleteWordBack() {
	start := b.wordStart()
	b.line = append(b.line[:start], b.line[b.cursor:]...)
	b.cursor = start
	b.redraw()
}

func (b *lineBuffer) redraw() {
	fmt.Fprintf(b.out, "\r%s%s\x1b[K", b.prompt, b.line)
	if b.cursor < len(b.line) {
		fmt.Fprintf(b.out, "\r%s%s", b.prompt, b.line[:b.cursor])
	}
}

func isBlank(c byte) bool { return c == ' ' || c == '\t' }

package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/samcharles93/spindle/internal/inference"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamQuiet   StreamMode = "quiet"
	StreamJSONL   StreamMode = "jsonl"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(s)); m {
	case StreamInstant, StreamQuiet, StreamJSONL:
		return m, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (instant, quiet, jsonl)", s)
	}
}

// StreamWriter prints step events as they arrive. Instant writes token text
// as it is sampled, quiet writes the whole text at Flush, and jsonl writes
// one JSON object per event.
type StreamWriter struct {
	mode StreamMode
	out  *bufio.Writer
	raw  bool

	mu          sync.Mutex
	accumulator strings.Builder
	warnings    []inference.ErrorEvent
}

func NewStreamWriter(w io.Writer, mode StreamMode, raw bool) *StreamWriter {
	return &StreamWriter{
		mode: mode,
		out:  bufio.NewWriterSize(w, 4096),
		raw:  raw,
	}
}

// Event is an inference.EventFunc.
func (w *StreamWriter) Event(ev inference.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == StreamJSONL {
		return w.writeJSON(ev)
	}
	switch ev := ev.(type) {
	case inference.TokenEvent:
		w.accumulator.WriteString(ev.Text)
		if w.mode == StreamInstant {
			_, _ = w.out.WriteString(w.escape(ev.Text))
			return w.out.Flush()
		}
	case inference.ErrorEvent:
		w.warnings = append(w.warnings, ev)
	}
	return nil
}

// Flush writes anything still buffered and returns the full text.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.mode == StreamQuiet {
		_, _ = w.out.WriteString(w.escape(w.accumulator.String()))
	}
	if w.mode != StreamJSONL {
		_ = w.out.WriteByte('\n')
	}
	_ = w.out.Flush()
	return w.accumulator.String()
}

// Warnings returns the non-fatal errors seen so far.
func (w *StreamWriter) Warnings() []inference.ErrorEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]inference.ErrorEvent(nil), w.warnings...)
}

func (w *StreamWriter) writeJSON(ev inference.Event) error {
	typ := "token"
	switch ev := ev.(type) {
	case inference.TokenEvent:
		w.accumulator.WriteString(ev.Text)
	case inference.ErrorEvent:
		typ = "warning"
		if ev.Fatal {
			typ = "error"
		}
	case inference.Ack:
		typ = "ack"
	}
	b, err := json.Marshal(struct {
		Type  string          `json:"type"`
		Event inference.Event `json:"event"`
	}{typ, ev})
	if err != nil {
		return err
	}
	_, _ = w.out.Write(b)
	_ = w.out.WriteByte('\n')
	return w.out.Flush()
}

func (w *StreamWriter) escape(s string) string {
	if !w.raw {
		return s
	}
	var b strings.Builder
	for _, r := range s {
		b.WriteString(escapeRawOutputRune(r))
	}
	return b.String()
}

// escapeRawOutputRune escapes a single rune for raw output
func escapeRawOutputRune(r rune) string {
	switch r {
	case '\n':
		return `\n`
	case '\r':
		return `\r`
	case '\t':
		return `\t`
	case '\\':
		return `\\`
	default:
		if strconv.IsPrint(r) {
			return string(r)
		}
		return fmt.Sprintf(`\u%04x`, r)
	}
}

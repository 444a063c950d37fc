package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/session"
	"github.com/samcharles93/spindle/internal/toy"
)

func newTestStack(t *testing.T) *stack {
	t.Helper()
	opts := defaultStackOptions()
	opts.hidden = 8
	opts.maxBatch = 4
	st, err := buildStack(opts, session.DefaultParams(), logger.Discard())
	if err != nil {
		t.Fatalf("buildStack: %v", err)
	}
	stop := st.startScheduler(context.Background())
	t.Cleanup(stop)
	return st
}

func TestRunBench(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	report, err := runBench(context.Background(), st, benchConfig{
		sessions:  6,
		rounds:    2,
		maxTokens: 5,
		grammar:   "[a-z]{5}",
	}, logger.Discard())
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if report.Steps != 12 || report.FailedSteps != 0 {
		t.Fatalf("steps: %+v", report)
	}
	if report.Tokens < 12 || report.Tokens > 60 {
		t.Fatalf("tokens: got %d", report.Tokens)
	}
	if report.Scheduler.Batches == 0 || report.AvgBatch < 1 {
		t.Fatalf("scheduler: %+v avg=%f", report.Scheduler, report.AvgBatch)
	}
	if n := st.registry.Len(); n != 0 {
		t.Fatalf("bench sessions not destroyed: %d", n)
	}
	if live := st.model.Stats().LiveStates; live != 0 {
		t.Fatalf("leaked executor states: %d", live)
	}

	var out bytes.Buffer
	if err := printBenchReport(&out, report, false); err != nil {
		t.Fatalf("printBenchReport: %v", err)
	}
	if !strings.Contains(out.String(), "steps:          12 (0 failed)") {
		t.Fatalf("report:\n%s", out.String())
	}
}

func TestRunBenchCountsInjectedFailures(t *testing.T) {
	t.Parallel()

	st := newTestStack(t)
	st.model.SetHook(toy.FailEvery(4))
	report, err := runBench(context.Background(), st, benchConfig{
		sessions:  3,
		rounds:    3,
		maxTokens: 4,
	}, logger.Discard())
	if err != nil {
		t.Fatalf("runBench: %v", err)
	}
	if report.Steps != 9 {
		t.Fatalf("steps: got %d", report.Steps)
	}
	if report.FailedSteps == 0 {
		t.Fatalf("expected injected failures to be counted: %+v", report)
	}
	if report.Scheduler.Failed == 0 {
		t.Fatalf("scheduler did not record failures: %+v", report.Scheduler)
	}
}

func TestStreamWriterModes(t *testing.T) {
	t.Parallel()

	events := []inference.Event{
		inference.TokenEvent{SessionID: "s", Token: 5, Text: "a\n", Index: 0},
		inference.ErrorEvent{SessionID: "s", Kind: inference.KindPipelineTimeout, Message: "slow"},
		inference.TokenEvent{SessionID: "s", Token: 6, Text: "b", Index: 1, IsFinal: true, FinishReason: inference.FinishLength},
	}
	tests := []struct {
		mode StreamMode
		raw  bool
		want string
	}{
		{mode: StreamInstant, want: "a\nb\n"},
		{mode: StreamInstant, raw: true, want: `a\nb` + "\n"},
		{mode: StreamQuiet, want: "a\nb\n"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		w := NewStreamWriter(&buf, tt.mode, tt.raw)
		for _, ev := range events {
			if err := w.Event(ev); err != nil {
				t.Fatalf("%s: Event: %v", tt.mode, err)
			}
		}
		if text := w.Flush(); text != "a\nb" {
			t.Fatalf("%s: Flush text %q", tt.mode, text)
		}
		if buf.String() != tt.want {
			t.Fatalf("%s raw=%v: got %q want %q", tt.mode, tt.raw, buf.String(), tt.want)
		}
		if warns := w.Warnings(); len(warns) != 1 || warns[0].Message != "slow" {
			t.Fatalf("%s: warnings %+v", tt.mode, warns)
		}
	}

	var buf bytes.Buffer
	w := NewStreamWriter(&buf, StreamJSONL, false)
	for _, ev := range events {
		if err := w.Event(ev); err != nil {
			t.Fatalf("jsonl: Event: %v", err)
		}
	}
	w.Flush()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[1], `{"type":"warning"`) || !strings.Contains(lines[2], `"finish_reason":"length"`) {
		t.Fatalf("jsonl output:\n%s", buf.String())
	}
}

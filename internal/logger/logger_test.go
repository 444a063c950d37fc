package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestJSONSessionRecord(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelInfo).With("component", "registry")
	log.Debug("hidden")
	log.With("session_id", "s1").Info("session created", "grammar", "[0-9]{3}")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"level":      "INFO",
		"msg":        "session created",
		"component":  "registry",
		"session_id": "s1",
		"grammar":    "[0-9]{3}",
	} {
		if rec[key] != want {
			t.Fatalf("%s = %v, want %q (record %v)", key, rec[key], want, rec)
		}
	}
}

func TestPrettyRecords(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		log     func(Logger)
		want    []string
		notWant []string
	}{
		{
			name: "component prefix",
			log: func(l Logger) {
				l.With("component", "scheduler").Info("batch dispatched", "size", 3)
			},
			want:    []string{"[scheduler] ", "batch dispatched", "size=3"},
			notWant: []string{"component="},
		},
		{
			name: "component and session prefix",
			log: func(l Logger) {
				l.With("component", "engine").With("session_id", "s1").Warn("pipeline warning", "kind", "PipelineTimeout")
			},
			want:    []string{"[engine s1] ", "WARN ", "kind=PipelineTimeout"},
			notWant: []string{"session_id="},
		},
		{
			name: "session only",
			log: func(l Logger) {
				l.Info("session destroyed", "session_id", "bench-3")
			},
			want: []string{"[bench-3] ", "session destroyed"},
		},
		{
			name: "durations and quoting",
			log: func(l Logger) {
				l.Info("step finished", "queue_wait", 1500*time.Microsecond, "stop", "a=b", "text", "a\nb", "finish", "grammar")
			},
			want: []string{"queue_wait=1.5ms", `stop="a=b"`, `text="a\nb"`, "finish=grammar"},
		},
		{
			name: "grouped attributes keep their keys",
			log: func(l Logger) {
				l.WithGroup("stats").Info("scheduler", "component", "x", "depth", 2)
			},
			want:    []string{"stats.component=x", "stats.depth=2"},
			notWant: []string{"[x]"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var buf bytes.Buffer
			tc.log(Pretty(&buf, slog.LevelDebug))
			out := buf.String()
			for _, w := range tc.want {
				if !strings.Contains(out, w) {
					t.Fatalf("expected %q in %q", w, out)
				}
			}
			for _, w := range tc.notWant {
				if strings.Contains(out, w) {
					t.Fatalf("did not expect %q in %q", w, out)
				}
			}
		})
	}
}

func TestPrettyLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	h := NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})
	if h.Enabled(context.Background(), slog.LevelInfo) || !h.Enabled(context.Background(), slog.LevelError) {
		t.Fatalf("warn handler enables the wrong levels")
	}
	log := New(h)
	log.Info("reaped idle sessions", "count", 2)
	if buf.Len() != 0 {
		t.Fatalf("info leaked at warn level: %s", buf.String())
	}
	log.Error("scheduler stopped")
	if out := buf.String(); !strings.Contains(out, "ERROR") || !strings.Contains(out, "scheduler stopped") {
		t.Fatalf("expected the error record, got %q", buf.String())
	}
}

func TestContext(t *testing.T) {
	t.Parallel()

	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext without a logger returned nil")
	}

	var buf bytes.Buffer
	ctx := WithContext(context.Background(), JSON(&buf, slog.LevelInfo))
	FromContext(ctx).Info("serving", "addr", "127.0.0.1:8080")
	if !strings.Contains(buf.String(), `"addr":"127.0.0.1:8080"`) {
		t.Fatalf("expected the record via the context logger, got: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"DEBUG", slog.LevelDebug},
		{" Warn ", slog.LevelWarn},
	}
	for _, tc := range tests {
		if got := ParseLevel(tc.input); got != tc.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestSetupFormats(t *testing.T) {
	t.Parallel()

	tests := []struct {
		format string
		want   string
	}{
		{format: "json", want: `"msg":"ready"`},
		{format: "text", want: "msg=ready"},
		{format: "pretty", want: "ready"},
		{format: "unknown", want: "ready"},
	}
	for _, tc := range tests {
		var buf bytes.Buffer
		Setup(&buf, tc.format, "warn").Warn("ready")
		if !strings.Contains(buf.String(), tc.want) {
			t.Fatalf("format %q: expected %q in %s", tc.format, tc.want, buf.String())
		}
		buf.Reset()
		Setup(&buf, tc.format, "warn").Info("hidden")
		if buf.Len() != 0 {
			t.Fatalf("format %q: info leaked at warn level: %s", tc.format, buf.String())
		}
	}
}

func TestDiscard(t *testing.T) {
	t.Parallel()
	log := Discard().With("component", "x").WithGroup("g")
	log.Error("dropped", "k", "v")
}

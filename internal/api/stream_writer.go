package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/spindle/internal/inference"
)

// SSE event names.
const (
	sseToken   = "token"
	sseWarning = "warning"
	sseError   = "error"
	sseDone    = "done"
)

// SSEStreamWriter writes step events as server-sent events, one JSON payload
// per event.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
	}, nil
}

// Event writes an engine event. Non-fatal errors go out as warnings.
func (s *SSEStreamWriter) Event(ev inference.Event) error {
	switch ev := ev.(type) {
	case inference.TokenEvent:
		return s.send(sseToken, ev)
	case inference.ErrorEvent:
		if ev.Fatal {
			return s.send(sseError, ev)
		}
		return s.send(sseWarning, ev)
	case inference.Ack:
		return s.send("ack", ev)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
}

func (s *SSEStreamWriter) Error(ev inference.ErrorEvent) error {
	return s.send(sseError, ev)
}

func (s *SSEStreamWriter) Done(result *inference.Result) error {
	return s.send(sseDone, result)
}

func (s *SSEStreamWriter) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.seq++
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher()
	}
	return nil
}

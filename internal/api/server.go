// Package api exposes sessions over HTTP: a REST surface with SSE step
// streaming and a websocket command channel.
package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/version"
)

type Config struct {
	// WSRate is the number of commands per second one websocket connection
	// may send. Zero or less disables the limit.
	WSRate  float64
	WSBurst int
	// CleanupTimeout bounds how long a dropped connection waits for its
	// sessions to be destroyed.
	CleanupTimeout time.Duration
	// MaxMessageBytes caps one inbound websocket message.
	MaxMessageBytes int64
}

func DefaultConfig() Config {
	return Config{
		WSRate:          50,
		WSBurst:         100,
		CleanupTimeout:  5 * time.Second,
		MaxMessageBytes: 1 << 20,
	}
}

type Server struct {
	engine   *inference.Engine
	cfg      Config
	log      logger.Logger
	upgrader websocket.Upgrader
}

func NewServer(engine *inference.Engine, cfg Config, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		engine: engine,
		cfg:    cfg,
		log:    log.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/health", s.handleHealth)
	e.GET("/v1/stats", s.handleStats)

	// Sessions
	e.POST("/v1/sessions", s.handleCreateSession)
	e.GET("/v1/sessions", s.handleListSessions)
	e.GET("/v1/sessions/:id", s.handleGetSession)
	e.PATCH("/v1/sessions/:id", s.handleUpdateSession)
	e.DELETE("/v1/sessions/:id", s.handleDeleteSession)
	e.POST("/v1/sessions/:id/steps", s.handleStep)
	e.POST("/v1/sessions/:id/stop", s.handleStop)
	e.POST("/v1/sessions/:id/reset", s.handleReset)
	e.POST("/v1/sessions/:id/copy", s.handleCopy)

	e.GET("/v1/ws", s.handleWebSocket)
}

// ServerHeader sets the Server response header.
func ServerHeader() echo.MiddlewareFunc {
	value := version.ServerHeader()
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			c.Response().Header().Set("Server", value)
			return next(c)
		}
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Resolve(),
	})
}

func (s *Server) handleStats(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) handleCreateSession(c *echo.Context) error {
	req, err := decodeJSON[CreateSessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "", err.Error())
	}
	sess, err := s.engine.Sessions().Create(c.Request().Context(), req.config())
	if err != nil {
		return writeEngineError(c, req.ID, err)
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, SessionList{
		Object: "list",
		Data:   s.engine.Sessions().List(),
	})
}

func (s *Server) handleGetSession(c *echo.Context) error {
	id := c.Param("id")
	sess, err := s.engine.Sessions().Get(id)
	if err != nil {
		return writeEngineError(c, id, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleUpdateSession(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[UpdateSessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, id, err.Error())
	}
	reg := s.engine.Sessions()
	if err := reg.Reconfigure(c.Request().Context(), id, req.update()); err != nil {
		return writeEngineError(c, id, err)
	}
	return s.writeSnapshot(c, id)
}

func (s *Server) handleDeleteSession(c *echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Sessions().Destroy(c.Request().Context(), id); err != nil {
		return writeEngineError(c, id, err)
	}
	return c.JSON(http.StatusOK, inference.Ack{SessionID: id})
}

func (s *Server) handleStop(c *echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Sessions().Stop(id); err != nil {
		return writeEngineError(c, id, err)
	}
	return c.JSON(http.StatusOK, inference.Ack{SessionID: id})
}

func (s *Server) handleReset(c *echo.Context) error {
	id := c.Param("id")
	if err := s.engine.Sessions().Reset(c.Request().Context(), id); err != nil {
		return writeEngineError(c, id, err)
	}
	return s.writeSnapshot(c, id)
}

func (s *Server) handleCopy(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[CopySessionRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, id, err.Error())
	}
	sess, err := s.engine.Sessions().Copy(c.Request().Context(), id, req.ID)
	if err != nil {
		return writeEngineError(c, id, err)
	}
	return c.JSON(http.StatusCreated, sess.Snapshot())
}

func (s *Server) writeSnapshot(c *echo.Context, id string) error {
	sess, err := s.engine.Sessions().Get(id)
	if err != nil {
		return writeEngineError(c, id, err)
	}
	return c.JSON(http.StatusOK, sess.Snapshot())
}

func (s *Server) handleStep(c *echo.Context) error {
	id := c.Param("id")
	req, err := decodeJSON[StepRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, id, err.Error())
	}
	// Unknown sessions get a plain 404 before any stream is opened.
	if _, err := s.engine.Sessions().Get(id); err != nil {
		return writeEngineError(c, id, err)
	}
	ctx := c.Request().Context()

	stream := streamParam(c)
	if req.Stream != nil {
		stream = *req.Stream
	}
	if !stream {
		var warnings []inference.ErrorEvent
		result, err := s.engine.Step(ctx, req.engineRequest(id), func(ev inference.Event) error {
			if ev, ok := ev.(inference.ErrorEvent); ok {
				warnings = append(warnings, ev)
			}
			return nil
		})
		if err != nil {
			return writeEngineError(c, id, err)
		}
		return c.JSON(http.StatusOK, StepResponse{Result: result, Errors: warnings})
	}

	w, err := NewSSEStreamWriter(c)
	if err != nil {
		return writeBadRequest(c, id, err.Error())
	}
	result, err := s.engine.Step(ctx, req.engineRequest(id), w.Event)
	if err != nil {
		_, ev := errorEvent(id, err)
		return w.Error(ev)
	}
	return w.Done(result)
}

func streamParam(c *echo.Context) bool {
	q := c.QueryParam("stream")
	return q == "1" || strings.EqualFold(q, "true")
}

// decodeJSON decodes one JSON value from r. An empty body yields the zero
// value.
func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return out, newInvalidRequest("invalid JSON body: " + err.Error())
	}
	return out, nil
}

package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/samcharles93/spindle/internal/inference"
	"github.com/samcharles93/spindle/internal/logger"
	"github.com/samcharles93/spindle/internal/scheduler"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Reply statuses.
const (
	statusSuccess = "success"
	statusError   = "error"
	statusEvent   = "event"
)

// wsRequest is one command. EchoID is copied verbatim into every reply for
// the command so clients can match them up.
type wsRequest struct {
	EchoID  any             `json:"echo_id,omitempty"`
	Command string          `json:"command"`
	Data    json.RawMessage `json:"data,omitempty"`
}

type wsReply struct {
	EchoID any                   `json:"echo_id,omitempty"`
	Status string                `json:"status"`
	Result any                   `json:"result,omitempty"`
	Error  *inference.ErrorEvent `json:"error,omitempty"`
}

// wsEvent wraps a streamed step event.
type wsEvent struct {
	Type  string          `json:"type"`
	Event inference.Event `json:"event"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type wsUpdate struct {
	SessionID string `json:"session_id"`
	UpdateSessionRequest
}

type wsCopy struct {
	SessionID string `json:"session_id"`
	ID        string `json:"id,omitempty"`
}

// wsStep advances one session, or with Sessions several at once. Batch
// members share the sampling options; each has its own input.
type wsStep struct {
	SessionID string       `json:"session_id"`
	Sessions  []wsStepItem `json:"sessions,omitempty"`
	StepRequest
}

type wsStepItem struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt,omitempty"`
	Tokens    []int  `json:"tokens,omitempty"`
}

// wsStepOutcome is one member of a batch step reply. Exactly one of
// Result and Error is set.
type wsStepOutcome struct {
	SessionID string                `json:"session_id"`
	Result    *inference.Result     `json:"result,omitempty"`
	Error     *inference.ErrorEvent `json:"error,omitempty"`
}

type wsBatchResult struct {
	Results []wsStepOutcome `json:"results"`
}

func (in wsStep) validate() error {
	if len(in.Sessions) == 0 {
		return nil
	}
	if in.SessionID != "" || in.Prompt != "" || len(in.Tokens) > 0 {
		return newInvalidRequest("session_id, prompt and tokens go inside sessions[] for a batch step")
	}
	seen := make(map[string]bool, len(in.Sessions))
	for _, item := range in.Sessions {
		if item.SessionID == "" {
			return newInvalidRequest("sessions[] entries need a session_id")
		}
		if seen[item.SessionID] {
			return newInvalidRequest(fmt.Sprintf("session %q appears twice in one batch", item.SessionID))
		}
		seen[item.SessionID] = true
	}
	return nil
}

// wsConn is one websocket client. Sessions it creates belong to it and are
// destroyed when it disconnects.
type wsConn struct {
	s       *Server
	id      string
	ws      *websocket.Conn
	limiter *rate.Limiter
	log     logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	steps  sync.WaitGroup

	writeMu sync.Mutex

	mu    sync.Mutex
	owned map[string]struct{}
}

func (s *Server) handleWebSocket(c *echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already replied to the client.
		s.log.Debug("websocket upgrade failed", "error", err)
		return nil
	}
	limit := rate.Inf
	if s.cfg.WSRate > 0 {
		limit = rate.Limit(s.cfg.WSRate)
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request().Context()))
	conn := &wsConn{
		s:       s,
		id:      uuid.NewString(),
		ws:      ws,
		limiter: rate.NewLimiter(limit, max(s.cfg.WSBurst, 1)),
		ctx:     ctx,
		cancel:  cancel,
		owned:   make(map[string]struct{}),
	}
	conn.log = s.log.With("conn_id", conn.id)
	conn.log.Debug("websocket connected", "remote", c.Request().RemoteAddr)
	conn.serve()
	return nil
}

func (c *wsConn) serve() {
	done := make(chan struct{})
	defer func() {
		close(done)
		c.close()
	}()
	if c.s.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.s.cfg.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.pinger(done)

	for {
		typ, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read failed", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if typ != websocket.TextMessage {
			c.fail(nil, "", newInvalidRequest("only text frames are supported"))
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			c.fail(nil, "", newInvalidRequest("invalid JSON message: "+err.Error()))
			continue
		}
		if !c.limiter.Allow() {
			c.fail(req.EchoID, "", fmt.Errorf("%w: command rate exceeded", scheduler.ErrOverloaded))
			continue
		}
		c.dispatch(req)
	}
}

func (c *wsConn) pinger(done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// close stops running steps and destroys the connection's sessions.
func (c *wsConn) close() {
	c.cancel()
	c.steps.Wait()
	_ = c.ws.Close()

	c.mu.Lock()
	owned := make([]string, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	c.owned = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.s.cfg.CleanupTimeout)
	defer cancel()
	reg := c.s.engine.Sessions()
	for _, id := range owned {
		if err := reg.Destroy(ctx, id); err != nil {
			c.log.Warn("destroy on disconnect failed", "session_id", id, "error", err)
		}
	}
	c.log.Debug("websocket closed", "sessions_destroyed", len(owned))
}

func (c *wsConn) own(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owned != nil {
		c.owned[id] = struct{}{}
	}
}

func (c *wsConn) disown(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.owned, id)
}

// async runs fn off the read loop. Commands that wait for a session's turn
// go through here so a stop can still be read.
func (c *wsConn) async(fn func()) {
	c.steps.Add(1)
	go func() {
		defer c.steps.Done()
		fn()
	}()
}

func (c *wsConn) dispatch(req wsRequest) {
	reg := c.s.engine.Sessions()
	switch req.Command {
	case "echo":
		c.reply(req.EchoID, req.Data)

	case "create_session":
		in, err := decodeData[CreateSessionRequest](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		sess, err := reg.Create(c.ctx, in.config())
		if err != nil {
			c.fail(req.EchoID, in.ID, err)
			return
		}
		c.own(sess.ID())
		c.reply(req.EchoID, sess.Snapshot())

	case "update_session":
		in, err := decodeData[wsUpdate](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		c.async(func() {
			if err := reg.Reconfigure(c.ctx, in.SessionID, in.update()); err != nil {
				c.fail(req.EchoID, in.SessionID, err)
				return
			}
			c.replySnapshot(req.EchoID, in.SessionID)
		})

	case "copy_session":
		in, err := decodeData[wsCopy](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		c.async(func() {
			sess, err := reg.Copy(c.ctx, in.SessionID, in.ID)
			if err != nil {
				c.fail(req.EchoID, in.SessionID, err)
				return
			}
			c.own(sess.ID())
			c.reply(req.EchoID, sess.Snapshot())
		})

	case "reset_session":
		in, err := decodeData[sessionRef](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		c.async(func() {
			if err := reg.Reset(c.ctx, in.SessionID); err != nil {
				c.fail(req.EchoID, in.SessionID, err)
				return
			}
			c.replySnapshot(req.EchoID, in.SessionID)
		})

	case "delete_session", "close":
		in, err := decodeData[sessionRef](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		c.async(func() {
			if err := reg.Destroy(c.ctx, in.SessionID); err != nil {
				c.fail(req.EchoID, in.SessionID, err)
				return
			}
			c.disown(in.SessionID)
			c.reply(req.EchoID, inference.Ack{SessionID: in.SessionID})
		})

	case "stop":
		in, err := decodeData[sessionRef](req.Data)
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		if err := reg.Stop(in.SessionID); err != nil {
			c.fail(req.EchoID, in.SessionID, err)
			return
		}
		c.reply(req.EchoID, inference.Ack{SessionID: in.SessionID})

	case "step":
		in, err := decodeData[wsStep](req.Data)
		if err == nil {
			err = in.validate()
		}
		if err != nil {
			c.fail(req.EchoID, "", err)
			return
		}
		if len(in.Sessions) > 0 {
			c.async(func() { c.stepBatch(req.EchoID, in) })
			return
		}
		c.async(func() { c.step(req.EchoID, in) })

	case "stats":
		c.reply(req.EchoID, c.s.engine.Stats())

	default:
		c.fail(req.EchoID, "", newInvalidRequest(fmt.Sprintf("unknown command %q", req.Command)))
	}
}

// emitter streams step events as "event" replies to the command.
func (c *wsConn) emitter(echoID any) inference.EventFunc {
	return func(ev inference.Event) error {
		typ := sseToken
		if e, ok := ev.(inference.ErrorEvent); ok {
			typ = sseWarning
			if e.Fatal {
				typ = sseError
			}
		}
		return c.write(wsReply{EchoID: echoID, Status: statusEvent, Result: wsEvent{Type: typ, Event: ev}})
	}
}

func (c *wsConn) step(echoID any, in wsStep) {
	result, err := c.s.engine.Step(c.ctx, in.engineRequest(in.SessionID), c.emitter(echoID))
	if err != nil {
		c.fail(echoID, in.SessionID, err)
		return
	}
	c.reply(echoID, result)
}

// stepBatch steps every listed session concurrently and answers with one
// reply holding each outcome in request order. The scheduler batches the
// forward passes; one session failing does not fail the others.
func (c *wsConn) stepBatch(echoID any, in wsStep) {
	emit := c.emitter(echoID)
	out := make([]wsStepOutcome, len(in.Sessions))
	var g errgroup.Group
	for i, item := range in.Sessions {
		g.Go(func() error {
			req := inference.StepRequest{
				SessionID: item.SessionID,
				Prompt:    item.Prompt,
				Tokens:    item.Tokens,
				Options:   in.Options,
			}
			out[i].SessionID = item.SessionID
			res, err := c.s.engine.Step(c.ctx, req, emit)
			if err != nil {
				_, ev := errorEvent(item.SessionID, err)
				out[i].Error = &ev
				return nil
			}
			out[i].Result = res
			return nil
		})
	}
	_ = g.Wait()
	c.reply(echoID, wsBatchResult{Results: out})
}

func (c *wsConn) replySnapshot(echoID any, id string) {
	sess, err := c.s.engine.Sessions().Get(id)
	if err != nil {
		c.fail(echoID, id, err)
		return
	}
	c.reply(echoID, sess.Snapshot())
}

func (c *wsConn) reply(echoID, result any) {
	_ = c.write(wsReply{EchoID: echoID, Status: statusSuccess, Result: result})
}

func (c *wsConn) fail(echoID any, sessionID string, err error) {
	_, ev := errorEvent(sessionID, err)
	_ = c.write(wsReply{EchoID: echoID, Status: statusError, Error: &ev})
}

func (c *wsConn) write(r wsReply) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func decodeData[T any](data json.RawMessage) (T, error) {
	var out T
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, newInvalidRequest("invalid command data: " + err.Error())
	}
	return out, nil
}

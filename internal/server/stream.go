package server

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/shellus/tailexplorer/internal/hub"
)

// Close codes the streaming endpoint promises to clients. 4401 means
// "re-login and reconnect"; it is distinct from every protocol-level close
// so clients can key their retry policy off it.
const (
	closeAuthFailure   websocket.StatusCode = 4401
	closeUnknownSource websocket.StatusCode = 4004
)

const (
	wsReadLimit    = 1 << 20
	wsWriteTimeout = 10 * time.Second
)

type initialLogsMsg struct {
	Type     string   `json:"type"`
	SourceID string   `json:"source_id"`
	Logs     []string `json:"logs"`
}

type newLogMsg struct {
	Type     string `json:"type"`
	SourceID string `json:"source_id"`
	Log      string `json:"log"`
	Dropped  int    `json:"dropped,omitempty"`
}

type streamErrorMsg struct {
	Type     string `json:"type"`
	SourceID string `json:"source_id"`
	Message  string `json:"message"`
	Dropped  int    `json:"dropped,omitempty"`
}

type pongMsg struct {
	Type string `json:"type"`
}

// handleStream upgrades the connection and relays one source's output:
// an initial_logs batch with the buffered backlog, then one frame per line
// in arrival order, until the client leaves, the session stops, or the
// server shuts down.
func (r *Router) handleStream(c *gin.Context) {
	id := c.Param("id")

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		r.logger.Debug("websocket accept failed", "source", id, "error", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(wsReadLimit)

	ctx := c.Request.Context()

	if err := r.gate.Validate(ctx, extractToken(c.Request)); err != nil {
		conn.Close(closeAuthFailure, "authentication required")
		return
	}

	if _, err := r.reg.Lookup(id); err != nil {
		_ = writeWS(ctx, conn, streamErrorMsg{Type: "error", SourceID: id, Message: "unknown source: " + id})
		conn.Close(closeUnknownSource, "unknown source")
		return
	}

	sess, err := r.mgr.Session(id)
	if err != nil {
		r.logger.Error("session unavailable", "source", id, "error", err)
		conn.Close(websocket.StatusInternalError, "session unavailable")
		return
	}

	backlog, sub := sess.Hub().Subscribe()
	defer sess.Hub().Unsubscribe(sub)

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Server shutdown closes every stream with a going-away frame.
	go func() {
		select {
		case <-r.closing:
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			cancel()
		case <-streamCtx.Done():
		}
	}()

	// Client frames: answer pings, discard everything else. A read error
	// means the client is gone.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.Read(streamCtx)
			if err != nil {
				return
			}
			var probe struct {
				Type string `json:"type"`
			}
			if json.Unmarshal(data, &probe) != nil || probe.Type != "ping" {
				continue
			}
			if err := writeWS(streamCtx, conn, pongMsg{Type: "pong"}); err != nil {
				return
			}
		}
	}()

	r.logger.Debug("stream opened", "source", id)

	if err := writeWS(streamCtx, conn, initialLogsMsg{Type: "initial_logs", SourceID: id, Logs: backlog}); err != nil {
		return
	}

	for {
		ev, gap, err := sub.Next(streamCtx)
		if err != nil {
			if errors.Is(err, hub.ErrClosed) {
				conn.Close(websocket.StatusNormalClosure, sub.CloseReason())
			}
			return
		}
		switch ev.Kind {
		case hub.EventLine:
			err = writeWS(streamCtx, conn, newLogMsg{Type: "new_log", SourceID: id, Log: ev.Line, Dropped: gap})
		case hub.EventError:
			err = writeWS(streamCtx, conn, streamErrorMsg{Type: "error", SourceID: id, Message: ev.Message, Dropped: gap})
		}
		if err != nil {
			return
		}
	}
}

// writeWS marshals v and writes it as one text frame. The write deadline
// keeps a dead client from stalling its pump.
func writeWS(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const streamReadLimit = 1 << 20

// Stream is a live WebSocket subscription to one source. Messages arrive in
// order through Next; the first is always the initial_logs backlog.
type Stream struct {
	conn     *websocket.Conn
	sourceID string
}

// Stream opens a WebSocket to /ws/{id} authenticated with the current
// session token. Close the stream when done.
func (c *Client) Stream(ctx context.Context, id string) (*Stream, error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/" + url.PathEscape(id)
	if c.token != "" {
		wsURL += "?token=" + url.QueryEscape(c.token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: c.wsClient,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("stream dial: HTTP %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("stream dial: %w", err)
	}
	conn.SetReadLimit(streamReadLimit)

	return &Stream{conn: conn, sourceID: id}, nil
}

// SourceID returns the source this stream follows.
func (s *Stream) SourceID() string { return s.sourceID }

// Next blocks until the server sends the next message. Closure by the server
// surfaces as an error; CloseCode tells the two application close codes
// (CloseAuthFailure, CloseUnknownSource) apart from a normal end of stream.
func (s *Stream) Next(ctx context.Context) (StreamMessage, error) {
	var msg StreamMessage
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return msg, err
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode stream message: %w", err)
	}
	return msg, nil
}

// Ping asks the server for a pong frame, which arrives through Next like any
// other message. Useful as a liveness probe on quiet sources.
func (s *Stream) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`))
}

// Close ends the subscription cleanly.
func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseCode extracts the WebSocket close status from an error returned by
// Next, or -1 if the error is not a close frame.
func CloseCode(err error) int {
	return int(websocket.CloseStatus(err))
}

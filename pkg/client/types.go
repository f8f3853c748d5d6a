package client

import "time"

// Stream message types sent by the server on /ws/{id}.
const (
	MessageInitialLogs = "initial_logs"
	MessageNewLog      = "new_log"
	MessageError       = "error"
	MessagePong        = "pong"
)

// Close codes the server uses beyond the RFC 6455 standard set.
const (
	CloseAuthFailure   = 4401 // token missing, invalid or expired
	CloseUnknownSource = 4004 // source id not configured
)

// LoginResponse is the body of POST /api/login. The session token itself
// travels only in the Set-Cookie header.
type LoginResponse struct {
	Success   bool       `json:"success"`
	Message   string     `json:"message,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SourceSummary is one entry of GET /api/sources.
type SourceSummary struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

// SourceDetail is the body of GET /api/sources/{id}.
type SourceDetail struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Type              string `json:"type"`
	Command           string `json:"command"`
	WorkDir           string `json:"working_dir,omitempty"`
	Description       string `json:"description,omitempty"`
	Autostart         bool   `json:"autostart,omitempty"`
	State             string `json:"state"`
	ActiveConnections int    `json:"active_connections"`
	BufferedLines     int    `json:"buffered_lines"`
}

// StreamMessage is one WebSocket frame from the server. Type selects which
// fields are populated: Logs for initial_logs, Log for new_log, Message for
// error. Dropped counts lines lost to a slow connection immediately before
// this message.
type StreamMessage struct {
	Type     string   `json:"type"`
	SourceID string   `json:"source_id,omitempty"`
	Logs     []string `json:"logs,omitempty"`
	Log      string   `json:"log,omitempty"`
	Message  string   `json:"message,omitempty"`
	Dropped  int      `json:"dropped,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

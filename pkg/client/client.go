package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// sessionCookie is the cookie the server sets on login; its value is the
// session token.
const sessionCookie = "tailexplorer_session"

// Client talks to a tailexplorer server over REST and WebSocket.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	// wsClient shares the transport but carries no Timeout; coder/websocket
	// rejects clients with one, and streams outlive any sane timeout anyway.
	wsClient *http.Client
	logger   *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string        // server root, e.g. "http://localhost:8080"
	Token    string        // existing session token, if any
	Timeout  time.Duration // per-request timeout for REST calls
	Logger   *slog.Logger  // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// DefaultTLSConfig returns default TLS client configuration
func DefaultTLSConfig() Config {
	return Config{
		BaseURL: "https://localhost:8080",
		Timeout: 10 * time.Second,
		TLS: &TLSClientConfig{
			Enabled: true,
		},
	}
}

// InsecureConfig returns insecure client configuration (skip TLS verification)
func InsecureConfig() Config {
	return Config{
		BaseURL:  "https://localhost:8080",
		Timeout:  10 * time.Second,
		Insecure: true,
	}
}

// New creates a tailexplorer API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8080"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL:  strings.TrimRight(config.BaseURL, "/"),
		token:    config.Token,
		logger:   config.Logger,
		client:   &http.Client{Timeout: config.Timeout, Transport: transport},
		wsClient: &http.Client{Transport: transport},
	}
}

// Token returns the current session token, empty if not logged in.
func (c *Client) Token() string { return c.token }

// SetToken installs a previously issued session token.
func (c *Client) SetToken(tok string) { c.token = tok }

// IsReachable checks if the server is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/healthz", nil)
	if err != nil {
		c.logger.Debug("Failed to create request for reachability check", "error", err)
		return false
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Server unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()

	reachable := resp.StatusCode == http.StatusOK
	c.logger.Debug("Server reachability check", "reachable", reachable, "status", resp.StatusCode)
	return reachable
}

// Login exchanges the shared password for a session token and stores it on
// the client. The token arrives in the session cookie, not the body.
func (c *Client) Login(ctx context.Context, password string) (time.Time, error) {
	body, err := json.Marshal(map[string]string{"password": password})
	if err != nil {
		return time.Time{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/login", bytes.NewReader(body))
	if err != nil {
		return time.Time{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var lr LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return time.Time{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !lr.Success {
		msg := lr.Message
		if msg == "" {
			msg = fmt.Sprintf("HTTP %d", resp.StatusCode)
		}
		return time.Time{}, fmt.Errorf("login failed: %s", msg)
	}

	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			c.token = ck.Value
		}
	}
	if c.token == "" {
		return time.Time{}, fmt.Errorf("login response carried no session cookie")
	}
	var expiresAt time.Time
	if lr.ExpiresAt != nil {
		expiresAt = *lr.ExpiresAt
	}
	c.logger.Debug("Logged in", "expires_at", expiresAt)
	return expiresAt, nil
}

// Logout revokes the current session token and clears it from the client.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.doRequest(ctx, "POST", c.baseURL+"/api/logout", nil); err != nil {
		return err
	}
	c.token = ""
	return nil
}

// Sources lists the configured log sources, keyed by source id.
func (c *Client) Sources(ctx context.Context) (map[string]SourceSummary, error) {
	var out struct {
		Sources map[string]SourceSummary `json:"sources"`
		Count   int                      `json:"count"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/api/sources", &out); err != nil {
		return nil, err
	}
	return out.Sources, nil
}

// Source fetches the detail and live state of one source.
func (c *Client) Source(ctx context.Context, id string) (*SourceDetail, error) {
	var out SourceDetail
	if err := c.getJSON(ctx, c.baseURL+"/api/sources/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Recent returns up to count buffered lines for id, oldest first. count 0
// asks for the whole buffer; negative counts are rejected by the server.
func (c *Client) Recent(ctx context.Context, id string, count int) ([]string, error) {
	u := c.baseURL + "/api/sources/" + url.PathEscape(id) + "/recent"
	if count != 0 {
		u += "?count=" + strconv.Itoa(count)
	}
	var out struct {
		SourceID string   `json:"source_id"`
		Logs     []string `json:"logs"`
		Count    int      `json:"count"`
	}
	if err := c.getJSON(ctx, u, &out); err != nil {
		return nil, err
	}
	return out.Logs, nil
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	// Handle insecure mode (skip verification)
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// authorize attaches the session token as a bearer header.
func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// doRequest performs HTTP request with common error handling
func (c *Client) doRequest(ctx context.Context, method, url string, body []byte) error {
	var bodyReader *bytes.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	var req *http.Request
	var err error
	if bodyReader != nil {
		req, err = http.NewRequestWithContext(ctx, method, url, bodyReader)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	return c.handleErrorResponse(resp)
}

// getJSON performs an authorized GET and decodes the response body into out.
func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse handles HTTP error responses
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		c.logger.Error("Failed to decode error response", "status", resp.StatusCode)
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	c.logger.Error("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("API error: %s", errorResp.Error)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shellus/tailexplorer/pkg/client"
)

type command struct {
	sessions *SessionManager
}

// resolveServer picks the server URL: explicit flag first, then the saved
// session, then the local default.
func (c *command) resolveServer(flagURL string) (string, *Session) {
	sess, _ := c.sessions.LoadSession()
	if flagURL != "" {
		return flagURL, sess
	}
	if sess != nil && sess.ServerURL != "" {
		return sess.ServerURL, sess
	}
	return defaultServerURL, sess
}

// newClient builds an API client carrying the saved session token, if any.
func (c *command) newClient(flagURL string, insecure bool, timeout time.Duration) (*client.Client, *Session) {
	serverURL, sess := c.resolveServer(flagURL)
	cfg := client.Config{BaseURL: serverURL, Timeout: timeout, Insecure: insecure}
	if sess != nil {
		cfg.Token = sess.Token
	}
	return client.New(cfg), sess
}

// Login exchanges the password for a session token and saves it for future
// commands.
func (c *command) Login(f LoginFlags) error {
	if f.Password == "" {
		return fmt.Errorf("password is required")
	}

	serverURL := f.ServerURL
	if serverURL == "" {
		serverURL = defaultServerURL
	}

	cl := client.New(client.Config{BaseURL: serverURL, Timeout: f.Timeout, Insecure: f.Insecure})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if !cl.IsReachable(ctx) {
		return fmt.Errorf("server not reachable at %s - please start the server first with 'tailexplorer serve'", serverURL)
	}

	expiresAt, err := cl.Login(ctx, f.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	session := &Session{
		Token:     cl.Token(),
		ExpiresAt: expiresAt,
		ServerURL: serverURL,
	}
	if err := c.sessions.SaveSession(session); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	fmt.Printf("Login successful. Session saved to %s\n", c.sessions.GetSessionPath())
	if !expiresAt.IsZero() {
		fmt.Printf("Session expires at %s\n", expiresAt.Format(time.RFC3339))
	}
	return nil
}

// Logout revokes the saved session on the server and clears it locally.
func (c *command) Logout() error {
	sess, err := c.sessions.LoadSession()
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if sess == nil {
		fmt.Println("No active session found")
		return nil
	}

	if sess.Token != "" && sess.ServerURL != "" {
		cl := client.New(client.Config{BaseURL: sess.ServerURL, Token: sess.Token, Timeout: 10 * time.Second})
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cl.Logout(ctx); err != nil {
			// The local session goes away regardless.
			fmt.Printf("Warning: could not revoke session on server: %v\n", err)
		}
	}

	if err := c.sessions.ClearSession(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}

	fmt.Println("Logged out successfully")
	return nil
}

// Sources lists the configured log sources.
func (c *command) Sources(f SourcesFlags) error {
	cl, sess := c.newClient(f.ServerURL, f.Insecure, f.Timeout)
	if sess == nil {
		return fmt.Errorf("not logged in - run 'tailexplorer login' first")
	}

	sources, err := cl.Sources(context.Background())
	if err != nil {
		return err
	}
	printJSON(sources)
	return nil
}

// Status shows the detail and live state of one source.
func (c *command) Status(f StatusFlags) error {
	if f.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	cl, sess := c.newClient(f.ServerURL, f.Insecure, f.Timeout)
	if sess == nil {
		return fmt.Errorf("not logged in - run 'tailexplorer login' first")
	}

	detail, err := cl.Source(context.Background(), f.SourceID)
	if err != nil {
		return err
	}
	printJSON(detail)
	return nil
}

// Recent prints buffered lines for one source without subscribing.
func (c *command) Recent(f RecentFlags) error {
	if f.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	cl, sess := c.newClient(f.ServerURL, f.Insecure, f.Timeout)
	if sess == nil {
		return fmt.Errorf("not logged in - run 'tailexplorer login' first")
	}

	logs, err := cl.Recent(context.Background(), f.SourceID, f.Count)
	if err != nil {
		return err
	}
	for _, line := range logs {
		fmt.Println(line)
	}
	return nil
}

// Stream follows one source live: the buffered backlog first, then every
// new line until the user interrupts or the server closes the stream.
func (c *command) Stream(f StreamFlags) error {
	if f.SourceID == "" {
		return fmt.Errorf("source id is required")
	}
	cl, sess := c.newClient(f.ServerURL, f.Insecure, f.Timeout)
	if sess == nil {
		return fmt.Errorf("not logged in - run 'tailexplorer login' first")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := cl.Stream(ctx, f.SourceID)
	if err != nil {
		return fmt.Errorf("stream failed: %w", err)
	}
	defer func() { _ = st.Close() }()

	if f.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(f.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := st.Ping(ctx); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		msg, err := st.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil // user interrupt
			}
			switch client.CloseCode(err) {
			case client.CloseAuthFailure:
				return fmt.Errorf("session rejected - run 'tailexplorer login' again")
			case client.CloseUnknownSource:
				return fmt.Errorf("unknown source: %s", f.SourceID)
			case -1:
				return fmt.Errorf("stream error: %w", err)
			default:
				_, _ = fmt.Fprintln(os.Stderr, "stream closed by server")
				return nil
			}
		}

		switch msg.Type {
		case client.MessageInitialLogs:
			for _, line := range msg.Logs {
				fmt.Println(line)
			}
		case client.MessageNewLog:
			if msg.Dropped > 0 {
				_, _ = fmt.Fprintf(os.Stderr, "... %d lines dropped (slow connection) ...\n", msg.Dropped)
			}
			fmt.Println(msg.Log)
		case client.MessageError:
			_, _ = fmt.Fprintf(os.Stderr, "[%s] %s\n", msg.SourceID, msg.Message)
		}
	}
}

package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestServeRequiresConfig(t *testing.T) {
	err := runServeCommand(&ServeFlags{}, nil)
	if err == nil {
		t.Fatal("expected error without config path")
	}
	if !strings.Contains(err.Error(), "config file required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServeMissingConfigFile(t *testing.T) {
	flags := &ServeFlags{ConfigPath: filepath.Join(t.TempDir(), "nope.yaml")}
	err := runServeCommand(flags, nil)
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if !strings.Contains(err.Error(), "error loading config") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServeConfigAsPositionalArg(t *testing.T) {
	err := runServeCommand(&ServeFlags{}, []string{filepath.Join(t.TempDir(), "ghost.yaml")})
	if err == nil || !strings.Contains(err.Error(), "error loading config") {
		t.Fatalf("positional config path not honored: %v", err)
	}
}

// Serve blocks until SIGINT/SIGTERM, so the happy path is exercised by
// signaling our own process once the server is up.
func TestServeStopsOnSignal(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal-driven shutdown is not testable on windows")
	}
	t.Cleanup(func() { signal.Reset(syscall.SIGINT, syscall.SIGTERM) })

	raw := `
log_sources:
  app:
    name: App
    type: process-group-logs
    command: "sleep 60"
security:
  password: testpass
server:
  listen: "127.0.0.1:0"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- runServeCommand(&ServeFlags{ConfigPath: path}, nil)
	}()

	// Give serve time to install its signal handler before we fire.
	time.Sleep(500 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down after SIGTERM")
	}
}

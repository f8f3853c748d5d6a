package main

import "time"

// LoginFlags Flag structs to decouple cobra from logic for testing.
type LoginFlags struct {
	Password  string
	ServerURL string
	Insecure  bool
	Timeout   time.Duration
}

type SourcesFlags struct {
	ServerURL string
	Insecure  bool
	Timeout   time.Duration
}

type StatusFlags struct {
	SourceID  string
	ServerURL string
	Insecure  bool
	Timeout   time.Duration
}

type RecentFlags struct {
	SourceID  string
	Count     int
	ServerURL string
	Insecure  bool
	Timeout   time.Duration
}

type StreamFlags struct {
	SourceID     string
	ServerURL    string
	Insecure     bool
	Timeout      time.Duration
	PingInterval time.Duration
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

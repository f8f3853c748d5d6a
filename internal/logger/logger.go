package logger

import (
	"io"
	"log/slog"
	"os"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Level names accepted in configuration.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the structured output encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// SlogConfig controls the server's structured log output.
type SlogConfig struct {
	Level      Level  `mapstructure:"level" json:"level"`
	Format     Format `mapstructure:"format" json:"format"`
	Color      bool   `mapstructure:"color" json:"color"`
	TimeStamps bool   `mapstructure:"timestamps" json:"timestamps"`
	Source     bool   `mapstructure:"source" json:"source"`
}

// FileConfig adds a rotating server log file next to stdout.
type FileConfig struct {
	Path       string `mapstructure:"path" json:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
	Compress   bool   `mapstructure:"compress" json:"compress"`
}

// Config describes the process-wide logging setup.
type Config struct {
	Slog SlogConfig `mapstructure:"slog" json:"slog"`
	File FileConfig `mapstructure:"file" json:"file"`
}

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewSlogger builds the process-wide *slog.Logger from the config.
func (c Config) NewSlogger() *slog.Logger {
	return slog.New(c.Handler(c.Writer()))
}

// Handler builds the slog handler for w according to level/format options.
func (c Config) Handler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:     c.Slog.Level.slogLevel(),
		AddSource: c.Slog.Source,
	}
	if !c.Slog.TimeStamps {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		}
	}
	if c.Slog.Format == FormatJSON {
		return slog.NewJSONHandler(w, opts)
	}
	if c.Slog.Color {
		return NewColorTextHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Writer returns the log destination: stdout, plus the rotating file when
// one is configured.
func (c Config) Writer() io.Writer {
	if rot := c.RotatingWriter(); rot != nil {
		return io.MultiWriter(os.Stdout, rot)
	}
	return os.Stdout
}

// RotatingWriter returns the lumberjack writer for File.Path, or nil when no
// file is configured.
func (c Config) RotatingWriter() io.WriteCloser {
	if c.File.Path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   c.File.Path,
		MaxSize:    valOr(c.File.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.File.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.File.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.File.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

package registry

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Kind classifies what a source command produces.
type Kind string

const (
	KindProcessGroupLogs Kind = "process-group-logs"
	KindFileTail         Kind = "file-tail"
	KindSystemJournal    Kind = "system-journal"
)

// NormalizeKind maps a configured type string, including accepted aliases,
// to a canonical Kind. Returns "" for unknown values.
func NormalizeKind(s string) Kind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "process-group-logs", "docker-compose", "compose":
		return KindProcessGroupLogs
	case "file-tail", "file", "tail":
		return KindFileTail
	case "system-journal", "journal", "journald":
		return KindSystemJournal
	default:
		return ""
	}
}

func (k Kind) Valid() bool {
	switch k {
	case KindProcessGroupLogs, KindFileTail, KindSystemJournal:
		return true
	}
	return false
}

// ErrNotFound is returned by Lookup for unconfigured source ids.
var ErrNotFound = errors.New("source not found")

// Descriptor describes one configured log source. Immutable after load.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Kind        Kind   `json:"type"`
	Command     string `json:"command"`
	WorkDir     string `json:"working_dir,omitempty"`
	Description string `json:"description,omitempty"`
	Autostart   bool   `json:"autostart,omitempty"`
	// Env holds NAME=value overrides for the child process. Values routinely
	// carry credentials, so they never appear in API payloads.
	Env []string `json:"-"`
}

// Validate checks the descriptor fields that the rest of the system relies on.
// The id ends up in URL paths and metric labels, so it is restricted to a
// safe character set.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("source id required")
	}
	if !isSafeID(d.ID) {
		return fmt.Errorf("invalid source id %q: allowed [A-Za-z0-9._-] and no '..'", d.ID)
	}
	if d.Name == "" {
		return fmt.Errorf("source %q: name required", d.ID)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("source %q: unknown type %q", d.ID, string(d.Kind))
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("source %q: command required", d.ID)
	}
	if d.WorkDir != "" && !isSafeAbsPath(d.WorkDir) {
		return fmt.Errorf("source %q: working_dir must be an absolute path without traversal", d.ID)
	}
	for _, kv := range d.Env {
		if i := strings.IndexByte(kv, '='); i <= 0 {
			return fmt.Errorf("source %q: env entry %q must be NAME=value", d.ID, kv)
		}
	}
	return nil
}

// Summary is the discovery view of a Descriptor.
type Summary struct {
	Name        string `json:"name"`
	Type        Kind   `json:"type"`
	Description string `json:"description"`
}

// Registry holds the configured source descriptors, looked up by id.
// It is immutable after New, so concurrent lookups need no locking.
type Registry struct {
	byID map[string]Descriptor
	ids  []string
}

// New builds a Registry from descriptors. It fails on the first invalid or
// duplicate descriptor; a registry is either complete or not constructed.
func New(descs []Descriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", d.ID)
		}
		r.byID[d.ID] = d
		r.ids = append(r.ids, d.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Lookup returns the descriptor for id, or an error wrapping ErrNotFound.
func (r *Registry) Lookup(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("source %q: %w", id, ErrNotFound)
	}
	return d, nil
}

// List returns the discovery mapping id -> summary.
func (r *Registry) List() map[string]Summary {
	out := make(map[string]Summary, len(r.byID))
	for id, d := range r.byID {
		out[id] = Summary{Name: d.Name, Type: d.Kind, Description: d.Description}
	}
	return out
}

// IDs returns the configured ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// Len returns the number of configured sources.
func (r *Registry) Len() int { return len(r.byID) }

// isSafeID validates ids used in URL paths and file names.
func isSafeID(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return !strings.ContainsAny(s, "/\\")
}

// isSafeAbsPath ensures the path is absolute and already clean, so user
// config cannot smuggle traversal segments into the child's working directory.
func isSafeAbsPath(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	clean := filepath.Clean(p)
	sep := string(filepath.Separator)
	trimmed := strings.TrimRight(p, sep)
	if trimmed == "" {
		trimmed = p
	}
	return clean == p || clean == trimmed
}

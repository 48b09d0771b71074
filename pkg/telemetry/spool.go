package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/earcrawler/earcrawler/pkg/redact"
)

// Spool is an append-only JSONL event log. Every attribute map passes
// through redaction before serialization; raw questions, keys and
// credentials never land on disk here.
type Spool struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenSpool opens (or creates) the spool file under dir.
func OpenSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("telemetry: spool dir: %w", err)
	}
	path := filepath.Join(dir, "events.jsonl")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("telemetry: spool open: %w", err)
	}
	return &Spool{f: f, path: path}, nil
}

// Append writes one event line.
func (s *Spool) Append(name string, attrs map[string]any) error {
	event := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"event": redact.String(name),
		"attrs": redact.Map(attrs),
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("telemetry: spool marshal: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("telemetry: spool write: %w", err)
	}
	return nil
}

// Path returns the spool file path.
func (s *Spool) Path() string { return s.path }

// Close releases the file handle.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

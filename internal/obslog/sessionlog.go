package obslog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// SessionLog is the append-only, newline-delimited JSON writer for one
// session's logs.jsonl. zerolog's zero-allocation line writer matches the
// specification's "append-only NDJSON" contract directly, so this package
// reaches for it rather than hand-rolling a json.Encoder-over-os.File loop.
type SessionLog struct {
	mu     sync.Mutex
	file   *os.File
	logger zerolog.Logger
}

// OpenSessionLog opens (creating if absent) logs.jsonl under dir in
// append mode.
func OpenSessionLog(dir string) (*SessionLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("obslog: create session log dir: %w", err)
	}
	path := filepath.Join(dir, "logs.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("obslog: open session log: %w", err)
	}

	logger := zerolog.New(f).With().Timestamp().Logger()
	return &SessionLog{file: f, logger: logger}, nil
}

// Info appends an info-level line with optional extra fields.
func (s *SessionLog) Info(msg string, extra map[string]interface{}) {
	s.write(s.logger.Info(), msg, extra)
}

// Error appends an error-level line with optional extra fields.
func (s *SessionLog) Error(msg string, extra map[string]interface{}) {
	s.write(s.logger.Error(), msg, extra)
}

// Event appends a raw event payload, used to mirror eventbus envelopes into
// the session's durable log alongside the SSE stream.
func (s *SessionLog) Event(payload map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.logger.Info()
	for k, v := range payload {
		ev = ev.Interface(k, v)
	}
	ev.Msg("event")
}

func (s *SessionLog) write(ev *zerolog.Event, msg string, extra map[string]interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range extra {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

// Close flushes and closes the underlying file.
func (s *SessionLog) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

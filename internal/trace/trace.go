// Package trace writes the optional per-run JSONL event log. Every event
// except stream-token is appended as one JSON line.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rlm/internal/logging"
	"rlm/pkg/types"
)

// Writer appends engine events to a JSONL file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	logger logging.Logger
}

// line is the persisted form of one event.
type line struct {
	At    time.Time       `json:"at"`
	Type  types.EventType `json:"type"`
	Event any             `json:"event"`
}

// NewWriter opens a trace file for one run under dir. The file name embeds
// the task id.
func NewWriter(dir, taskID string, logger logging.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("trace-%s.jsonl", taskID))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	return &Writer{file: file, logger: logging.OrNop(logger)}, nil
}

// Handler returns an event-bus handler feeding this writer. stream-token
// events are dropped; they are too frequent to be worth persisting.
func (w *Writer) Handler() func(types.Event) {
	return func(event types.Event) {
		if event.EventType() == types.EventStreamToken {
			return
		}
		w.Append(event)
	}
}

// Append writes one event line. Write failures are logged, never surfaced:
// tracing must not break the engine.
func (w *Writer) Append(event types.Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return
	}
	data, err := json.Marshal(line{At: time.Now(), Type: event.EventType(), Event: event})
	if err != nil {
		w.logger.Warn("trace encode failed: %v", err)
		return
	}
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		w.logger.Warn("trace write failed: %v", err)
	}
}

// Close flushes and closes the trace file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

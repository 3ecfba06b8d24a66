// Package sessionlog manages per-session append-only log files. Each
// session owns one file under the configured directory, referenced
// from the session record so logs survive process restarts.
package sessionlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Manager creates and serves per-session log files under a base
// directory. The zero value is unusable; use NewManager.
type Manager struct {
	dir string

	mu   sync.Mutex
	open map[string]*Writer
}

// NewManager ensures dir exists and returns a manager rooted there.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &Manager{
		dir:  dir,
		open: make(map[string]*Writer),
	}, nil
}

// Open returns the writer for a session's log file, creating the file
// on first use. Repeated calls for the same session share one writer.
func (m *Manager) Open(sessionID string) (*Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.open[sessionID]; ok {
		return w, nil
	}
	path := m.Path(sessionID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	w := &Writer{f: f, manager: m, sessionID: sessionID}
	m.open[sessionID] = w
	return w, nil
}

// Path returns the log file path for a session. The session id is
// sanitized so it cannot escape the base directory.
func (m *Manager) Path(sessionID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, sessionID)
	return filepath.Join(m.dir, safe+".log")
}

// Reader opens a session's log file for reading. The caller closes it.
func (m *Manager) Reader(sessionID string) (io.ReadCloser, error) {
	return os.Open(m.Path(sessionID))
}

// Writer appends timestamped lines to one session's log file.
type Writer struct {
	manager   *Manager
	sessionID string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// Printf appends one formatted line, prefixed with a UTC timestamp.
func (w *Writer) Printf(format string, args ...any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	line := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	// best effort: a full disk must not take the session down
	_, _ = w.f.WriteString(line)
}

// Close flushes and closes the file and releases the manager slot.
// Further Printf calls are silently dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	err := w.f.Close()
	w.mu.Unlock()

	w.manager.mu.Lock()
	delete(w.manager.open, w.sessionID)
	w.manager.mu.Unlock()
	return err
}

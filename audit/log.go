package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// LineTimeLayout prefixes every audit line.
const LineTimeLayout = "2006-01-02 15:04:05"

// DefaultRecent is how many lines Log keeps in memory.
const DefaultRecent = 1000

// Log is an append-only event log. Every line is also kept in a bounded
// in-memory tail. A Log with no path only keeps the tail.
type Log struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	ring  []string
	next  int
	full  bool
	nowFn func() time.Time
}

// OpenLog opens (or creates) the log at path and keeps the last keep lines
// in memory. keep <= 0 selects DefaultRecent.
func OpenLog(path string, keep int) (*Log, error) {
	if keep <= 0 {
		keep = DefaultRecent
	}
	l := &Log{
		path:  path,
		ring:  make([]string, keep),
		nowFn: time.Now,
	}
	if path == "" {
		return l, nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log %s: %w", path, err)
	}
	l.file = f
	return l, nil
}

// Path returns the file backing the log, or "" for a memory-only log.
func (l *Log) Path() string {
	return l.path
}

// Printf formats and appends one line.
func (l *Log) Printf(format string, args ...interface{}) {
	l.Append(fmt.Sprintf(format, args...))
}

// Append writes "[<time>] msg". Write failures are logged, never returned:
// the log must not fail the transfer it describes.
func (l *Log) Append(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	line := fmt.Sprintf("[%s] %s", l.nowFn().Format(LineTimeLayout), msg)
	l.ring[l.next] = line
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}

	if l.file == nil {
		return
	}
	if _, err := l.file.WriteString(line + "\n"); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Append",
			"path":     l.path,
			"error":    err.Error(),
		}).Warn("Failed to write audit line")
	}
}

// Recent returns up to n of the most recent lines, oldest first.
// n <= 0 returns everything held in memory.
func (l *Log) Recent(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	start := 0
	if l.full {
		size = len(l.ring)
		start = l.next
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]string, 0, n)
	for i := size - n; i < size; i++ {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Close closes the backing file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

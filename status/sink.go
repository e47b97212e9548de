// Package status provides StatusSink implementations: a logrus sink for
// human-readable status lines, a channel sink for consumers such as a
// dashboard, and a recorder for tests and in-process inspection.
package status

import (
	"sync"
	"sync/atomic"

	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/sirupsen/logrus"
)

// DefaultProgressStep is the percentage step between logged progress lines.
const DefaultProgressStep = 10.0

// LogSink writes status events as structured log lines. Progress events are
// logged at Debug, and only when they cross a ProgressStep boundary.
type LogSink struct {
	entry        *logrus.Entry
	progressStep float64

	mu       sync.Mutex
	lastStep map[string]int
}

// NewLogSink creates a sink logging through entry. A nil entry uses the
// standard logrus logger.
func NewLogSink(entry *logrus.Entry) *LogSink {
	if entry == nil {
		entry = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogSink{
		entry:        entry,
		progressStep: DefaultProgressStep,
		lastStep:     make(map[string]int),
	}
}

// Report implements interfaces.StatusSink.
func (s *LogSink) Report(e interfaces.StatusEvent) {
	fields := logrus.Fields{
		"transfer_id": e.TransferID,
		"direction":   e.Direction,
		"file_type":   e.FileType,
		"status":      e.Status,
	}
	if e.Peer != "" {
		fields["peer"] = e.Peer
	}
	if e.Attempt > 0 {
		fields["attempt"] = e.Attempt
	}

	switch e.Status {
	case interfaces.StatusProgress:
		if !s.crossedStep(e) {
			return
		}
		fields["bytes"] = e.Bytes
		fields["total"] = e.Total
		s.entry.WithFields(fields).Debugf("Progress: %.1f%% (%d/%d bytes)", e.Percent(), e.Bytes, e.Total)
	case interfaces.StatusSucceeded:
		s.forget(e.TransferID)
		s.entry.WithFields(fields).Info(e.Message)
	case interfaces.StatusFailed, interfaces.StatusRejected:
		s.forget(e.TransferID)
		s.entry.WithFields(fields).Error(e.Message)
	case interfaces.StatusRetrying:
		s.forget(e.TransferID)
		s.entry.WithFields(fields).Warn(e.Message)
	default:
		s.entry.WithFields(fields).Info(e.Message)
	}
}

func (s *LogSink) crossedStep(e interfaces.StatusEvent) bool {
	step := int(e.Percent() / s.progressStep)

	s.mu.Lock()
	defer s.mu.Unlock()

	last, seen := s.lastStep[e.TransferID]
	if seen && step <= last {
		return false
	}
	s.lastStep[e.TransferID] = step
	return true
}

func (s *LogSink) forget(id string) {
	s.mu.Lock()
	delete(s.lastStep, id)
	s.mu.Unlock()
}

// ChannelSink forwards events to a buffered channel without ever blocking the
// reporter. Events that do not fit are counted and dropped.
type ChannelSink struct {
	events  chan interfaces.StatusEvent
	dropped atomic.Int64

	mu     sync.RWMutex
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{events: make(chan interfaces.StatusEvent, buffer)}
}

// Report implements interfaces.StatusSink.
func (s *ChannelSink) Report(e interfaces.StatusEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- e:
	default:
		s.dropped.Add(1)
	}
}

// Events returns the receive side of the channel.
func (s *ChannelSink) Events() <-chan interfaces.StatusEvent {
	return s.events
}

// Dropped returns how many events were discarded.
func (s *ChannelSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close closes the channel. Later reports are dropped.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []interfaces.StatusEvent
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Report implements interfaces.StatusSink.
func (r *Recorder) Report(e interfaces.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []interfaces.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]interfaces.StatusEvent, len(r.events))
	copy(out, r.events)
	return out
}

// ByStatus returns the recorded events with the given status.
func (r *Recorder) ByStatus(status interfaces.TransferStatus) []interfaces.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.StatusEvent
	for _, e := range r.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

// Terminal returns the recorded terminal events.
func (r *Recorder) Terminal() []interfaces.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []interfaces.StatusEvent
	for _, e := range r.events {
		if e.Status.Terminal() {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans each event out to several sinks in order. Nil sinks are skipped.
type Multi []interfaces.StatusSink

// Report implements interfaces.StatusSink.
func (m Multi) Report(e interfaces.StatusEvent) {
	for _, s := range m {
		if s != nil {
			s.Report(e)
		}
	}
}

// Discard drops every event.
var Discard interfaces.StatusSink = interfaces.StatusSinkFunc(func(interfaces.StatusEvent) {})

// OrDiscard returns s, or Discard when s is nil.
func OrDiscard(s interfaces.StatusSink) interfaces.StatusSink {
	if s == nil {
		return Discard
	}
	return s
}

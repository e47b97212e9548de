package interfaces

import (
	"net"
	"time"
)

// FileRequest names one file the export pipeline wants delivered.
type FileRequest struct {
	Path     string
	FileType string
}

// FileSource produces files to send. The channel is closed when the source stops.
type FileSource interface {
	Requests() <-chan FileRequest
}

// TransferStatus is the coarse outcome carried by a StatusEvent.
type TransferStatus string

const (
	StatusStarted   TransferStatus = "started"
	StatusProgress  TransferStatus = "progress"
	StatusRetrying  TransferStatus = "retrying"
	StatusSucceeded TransferStatus = "succeeded"
	StatusFailed    TransferStatus = "failed"
	StatusRejected  TransferStatus = "rejected"
)

// Terminal reports whether no further events follow for the transfer.
func (s TransferStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRejected
}

// Direction of a transfer as seen by the reporting peer.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// StatusEvent is one (status, human message) report about a transfer.
type StatusEvent struct {
	TransferID string
	Direction  string
	FileType   string
	Path       string
	Peer       string
	Status     TransferStatus
	Message    string
	Bytes      int64
	Total      int64
	Attempt    int
	Time       time.Time
}

// Percent returns Bytes as a percentage of Total. An empty payload counts as complete.
func (e StatusEvent) Percent() float64 {
	if e.Total <= 0 {
		return 100
	}
	return float64(e.Bytes) / float64(e.Total) * 100
}

// StatusSink consumes status events. Report must not block for long; it is
// called from transfer goroutines.
type StatusSink interface {
	Report(event StatusEvent)
}

// StatusSinkFunc adapts a function to StatusSink.
type StatusSinkFunc func(event StatusEvent)

// Report implements StatusSink.
func (f StatusSinkFunc) Report(event StatusEvent) {
	f(event)
}

// ReceiverController is the start/stop surface orchestration code drives.
type ReceiverController interface {
	// Start binds the listener and begins accepting connections.
	Start() error

	// Stop prevents new connections. In-flight transfers run to completion.
	Stop() error

	// IsRunning reports whether the accept loop is active.
	IsRunning() bool

	// Addr returns the bound address, or nil before Start.
	Addr() net.Addr
}

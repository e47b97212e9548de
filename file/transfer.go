// Package file implements the per-transfer bookkeeping shared by the sender
// and the receiver: chunked file I/O, progress, speed and state.
//
// Example:
//
//	transfer := file.NewTransfer(id, "model", path, size, file.TransferDirectionOutgoing)
//	transfer.OnProgress(func(done, total int64) {
//	    fmt.Printf("Progress: %.1f%%\n", float64(done)/float64(total)*100)
//	})
//	transfer.Start()
package file

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opd-ai/weightxfer/limits"
	"github.com/sirupsen/logrus"
)

// ErrDirectoryTraversal indicates an attempt to access files outside allowed directories.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// ErrChunkTooLarge indicates that a chunk exceeds the maximum allowed size.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ErrNotRunning indicates an I/O call on a transfer that is not running.
var ErrNotRunning = errors.New("transfer is not running")

// ErrCancelled is reported to completion callbacks of cancelled transfers.
var ErrCancelled = errors.New("transfer cancelled")

// TransferDirection indicates whether a transfer is incoming or outgoing.
type TransferDirection uint8

const (
	// TransferDirectionIncoming represents a file being received.
	TransferDirectionIncoming TransferDirection = iota
	// TransferDirectionOutgoing represents a file being sent.
	TransferDirectionOutgoing
)

func (d TransferDirection) String() string {
	if d == TransferDirectionOutgoing {
		return "outgoing"
	}
	return "incoming"
}

// TransferState represents the current state of a file transfer.
type TransferState uint8

const (
	// TransferStatePending indicates the transfer is waiting to start.
	TransferStatePending TransferState = iota
	// TransferStateRunning indicates bytes are moving.
	TransferStateRunning
	// TransferStateCompleted indicates all declared bytes were moved.
	TransferStateCompleted
	// TransferStateCancelled indicates the transfer was cancelled.
	TransferStateCancelled
	// TransferStateError indicates the transfer failed.
	TransferStateError
)

func (s TransferState) String() string {
	switch s {
	case TransferStatePending:
		return "pending"
	case TransferStateRunning:
		return "running"
	case TransferStateCompleted:
		return "completed"
	case TransferStateCancelled:
		return "cancelled"
	case TransferStateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

var defaultTimeProvider TimeProvider = DefaultTimeProvider{}

// ProgressFunc receives the cumulative byte count and the declared total.
type ProgressFunc func(transferred, total int64)

// Transfer tracks one file moving in one direction.
type Transfer struct {
	ID          string
	FileType    string
	Path        string
	Direction   TransferDirection
	FileSize    int64
	State       TransferState
	StartTime   time.Time
	Transferred int64
	Error       error

	fileHandle       *os.File
	progressCallback ProgressFunc
	completeCallback func(error)

	mu            sync.Mutex
	lastChunkTime time.Time
	transferSpeed float64 // bytes per second
	timeProvider  TimeProvider
}

// Stats is a point-in-time snapshot of a transfer.
type Stats struct {
	ID          string
	FileType    string
	Path        string
	Direction   TransferDirection
	State       TransferState
	FileSize    int64
	Transferred int64
	Progress    float64
	Speed       float64
	StartTime   time.Time
	// Remaining is the estimated time left; zero when unknown.
	Remaining time.Duration
	// Idle is the time since bytes last moved on a running transfer.
	Idle time.Duration
}

// NewTransfer creates a new file transfer in the pending state.
func NewTransfer(id, fileType, path string, fileSize int64, direction TransferDirection) *Transfer {
	logrus.WithFields(logrus.Fields{
		"function":    "NewTransfer",
		"transfer_id": id,
		"file_type":   fileType,
		"path":        path,
		"file_size":   fileSize,
		"direction":   direction,
	}).Debug("Creating new file transfer")

	tp := defaultTimeProvider
	return &Transfer{
		ID:            id,
		FileType:      fileType,
		Path:          path,
		Direction:     direction,
		FileSize:      fileSize,
		State:         TransferStatePending,
		lastChunkTime: tp.Now(),
		timeProvider:  tp,
	}
}

// SetTimeProvider sets a custom time provider for deterministic testing.
func (t *Transfer) SetTimeProvider(tp TimeProvider) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeProvider = tp
	t.lastChunkTime = tp.Now()
}

// ValidatePath checks if a file path is safe from directory traversal attacks.
// It returns the cleaned path or an error if the path contains traversal attempts.
func ValidatePath(path string) (string, error) {
	cleanedPath := filepath.Clean(path)

	for _, part := range strings.Split(filepath.ToSlash(cleanedPath), "/") {
		if part == ".." {
			return "", ErrDirectoryTraversal
		}
	}

	return cleanedPath, nil
}

// Start opens the file: for reading when outgoing, truncated for writing when
// incoming. A zero-length transfer completes immediately.
func (t *Transfer) Start() error {
	t.mu.Lock()

	if t.State != TransferStatePending {
		state := t.State
		t.mu.Unlock()
		return fmt.Errorf("transfer cannot be started in state %s", state)
	}

	safePath, err := ValidatePath(t.Path)
	if err != nil {
		cb := t.failLocked(err)
		t.mu.Unlock()
		invokeComplete(cb, err)
		return err
	}
	t.Path = safePath

	if t.Direction == TransferDirectionOutgoing {
		t.fileHandle, err = os.Open(t.Path)
	} else {
		t.fileHandle, err = os.OpenFile(t.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Start",
			"transfer_id": t.ID,
			"path":        t.Path,
			"direction":   t.Direction,
			"error":       err.Error(),
		}).Error("Failed to open file for transfer")
		cb := t.failLocked(err)
		t.mu.Unlock()
		invokeComplete(cb, err)
		return err
	}

	t.State = TransferStateRunning
	t.StartTime = t.timeProvider.Now()
	t.lastChunkTime = t.StartTime

	logrus.WithFields(logrus.Fields{
		"function":    "Start",
		"transfer_id": t.ID,
		"path":        t.Path,
		"direction":   t.Direction,
		"file_size":   t.FileSize,
	}).Debug("File transfer started")

	var cb func(error)
	if t.FileSize == 0 {
		cb = t.completeLocked()
	}
	t.mu.Unlock()

	if cb != nil {
		invokeComplete(cb, t.Err())
	}
	return t.Err()
}

// ReadChunk fills buf from an outgoing transfer's file. It returns io.EOF
// once the file is exhausted. Progress is not recorded; call Record after
// the bytes have actually been sent.
func (t *Transfer) ReadChunk(buf []byte) (int, error) {
	if len(buf) > limits.MaxChunkSize {
		return 0, ErrChunkTooLarge
	}

	t.mu.Lock()
	if t.Direction != TransferDirectionOutgoing {
		t.mu.Unlock()
		return 0, errors.New("cannot read from incoming transfer")
	}
	if t.State != TransferStateRunning {
		t.mu.Unlock()
		return 0, ErrNotRunning
	}
	f := t.fileHandle
	t.mu.Unlock()

	n, err := f.Read(buf)
	if n > 0 {
		return n, nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return 0, err
}

// Record adds n bytes to the transfer's progress. The transfer completes
// when the declared size has been reached.
func (t *Transfer) Record(n int64) {
	t.mu.Lock()
	if t.State != TransferStateRunning {
		t.mu.Unlock()
		return
	}
	t.Transferred += n
	t.updateTransferSpeed(n)

	progress := t.progressCallback
	transferred, total := t.Transferred, t.FileSize

	var complete func(error)
	if t.Transferred >= t.FileSize {
		complete = t.completeLocked()
	}
	err := t.Error
	t.mu.Unlock()

	if progress != nil {
		progress(transferred, total)
	}
	if complete != nil {
		invokeComplete(complete, err)
	}
}

// WriteChunk appends data to an incoming transfer's file and records progress.
func (t *Transfer) WriteChunk(data []byte) error {
	if len(data) > limits.MaxChunkSize {
		logrus.WithFields(logrus.Fields{
			"function":       "WriteChunk",
			"transfer_id":    t.ID,
			"chunk_size":     len(data),
			"max_chunk_size": limits.MaxChunkSize,
		}).Error("Chunk size exceeds maximum allowed")
		return ErrChunkTooLarge
	}

	t.mu.Lock()
	if t.Direction != TransferDirectionIncoming {
		t.mu.Unlock()
		return errors.New("cannot write to outgoing transfer")
	}
	if t.State != TransferStateRunning {
		t.mu.Unlock()
		return ErrNotRunning
	}
	f := t.fileHandle
	t.mu.Unlock()

	if _, err := f.Write(data); err != nil {
		t.Fail(err)
		return err
	}

	t.Record(int64(len(data)))
	return nil
}

// Fail marks the transfer as errored and releases the file handle.
// Failing a completed transfer is allowed: the bytes arrived but did not verify.
func (t *Transfer) Fail(err error) {
	t.mu.Lock()
	if t.State == TransferStateError || t.State == TransferStateCancelled {
		t.mu.Unlock()
		return
	}
	cb := t.failLocked(err)
	t.mu.Unlock()

	invokeComplete(cb, err)
}

// Cancel aborts the file transfer.
func (t *Transfer) Cancel() error {
	t.mu.Lock()
	if t.State == TransferStateCompleted || t.State == TransferStateCancelled || t.State == TransferStateError {
		t.mu.Unlock()
		return errors.New("transfer already finished")
	}
	t.closeHandleLocked("Cancel")
	t.State = TransferStateCancelled
	t.Error = ErrCancelled
	cb := t.completeCallback
	t.mu.Unlock()

	invokeComplete(cb, ErrCancelled)
	return nil
}

// Close releases the file handle if it is still open. It is safe to call on
// every exit path.
func (t *Transfer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closeHandleLocked("Close")
}

func (t *Transfer) failLocked(err error) func(error) {
	t.closeHandleLocked("Fail")
	t.State = TransferStateError
	t.Error = err

	logrus.WithFields(logrus.Fields{
		"function":    "Fail",
		"transfer_id": t.ID,
		"path":        t.Path,
		"transferred": t.Transferred,
		"file_size":   t.FileSize,
		"error":       err.Error(),
	}).Debug("File transfer failed")

	return t.completeCallback
}

// completeLocked flushes and closes the file and marks the transfer completed.
// A flush failure turns completion into an error.
func (t *Transfer) completeLocked() func(error) {
	if t.fileHandle != nil && t.Direction == TransferDirectionIncoming {
		if err := t.fileHandle.Sync(); err != nil {
			return t.failLocked(fmt.Errorf("sync %s: %w", t.Path, err))
		}
	}
	if t.fileHandle != nil {
		if err := t.fileHandle.Close(); err != nil && t.Direction == TransferDirectionIncoming {
			t.fileHandle = nil
			return t.failLocked(fmt.Errorf("close %s: %w", t.Path, err))
		}
		t.fileHandle = nil
	}

	t.State = TransferStateCompleted
	return t.completeCallback
}

func (t *Transfer) closeHandleLocked(function string) {
	if t.fileHandle == nil {
		return
	}
	if err := t.fileHandle.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    function,
			"transfer_id": t.ID,
			"path":        t.Path,
			"error":       err.Error(),
		}).Warn("Failed to close file handle")
	}
	t.fileHandle = nil
}

func invokeComplete(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}

// updateTransferSpeed calculates the current transfer speed.
func (t *Transfer) updateTransferSpeed(chunkSize int64) {
	now := t.timeProvider.Now()
	duration := t.timeProvider.Since(t.lastChunkTime).Seconds()

	if duration > 0 {
		instantSpeed := float64(chunkSize) / duration

		// Exponential moving average with alpha = 0.3
		if t.transferSpeed == 0 {
			t.transferSpeed = instantSpeed
		} else {
			t.transferSpeed = 0.7*t.transferSpeed + 0.3*instantSpeed
		}
	}

	t.lastChunkTime = now
}

// OnProgress sets a callback invoked after each recorded chunk. Callbacks run
// without the transfer lock held.
func (t *Transfer) OnProgress(callback ProgressFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progressCallback = callback
}

// OnComplete sets a callback invoked once when the transfer completes, fails
// or is cancelled. A verification failure after completion invokes it again
// with the failure.
func (t *Transfer) OnComplete(callback func(error)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.completeCallback = callback
}

// GetState returns the current state.
func (t *Transfer) GetState() TransferState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.State
}

// GetTransferred returns the bytes moved so far.
func (t *Transfer) GetTransferred() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Transferred
}

// Err returns the error that ended the transfer, if any.
func (t *Transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Error
}

func (t *Transfer) progressLocked() float64 {
	if t.FileSize == 0 {
		if t.State == TransferStateCompleted {
			return 100.0
		}
		return 0.0
	}
	return float64(t.Transferred) / float64(t.FileSize) * 100.0
}

// GetSpeed returns the current transfer speed in bytes per second.
func (t *Transfer) GetSpeed() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferSpeed
}

// remainingLocked estimates the time left from the current speed. It is zero
// unless the transfer is running with a known speed.
func (t *Transfer) remainingLocked() time.Duration {
	if t.State != TransferStateRunning || t.transferSpeed <= 0 {
		return 0
	}
	secondsRemaining := float64(t.FileSize-t.Transferred) / t.transferSpeed
	return time.Duration(secondsRemaining * float64(time.Second))
}

// idleLocked is the time since the last recorded chunk, or since Start.
func (t *Transfer) idleLocked() time.Duration {
	if t.State != TransferStateRunning {
		return 0
	}
	return t.timeProvider.Since(t.lastChunkTime)
}

// GetStats returns a snapshot of the transfer.
func (t *Transfer) GetStats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		ID:          t.ID,
		FileType:    t.FileType,
		Path:        t.Path,
		Direction:   t.Direction,
		State:       t.State,
		FileSize:    t.FileSize,
		Transferred: t.Transferred,
		Progress:    t.progressLocked(),
		Speed:       t.transferSpeed,
		StartTime:   t.StartTime,
		Remaining:   t.remainingLocked(),
		Idle:        t.idleLocked(),
	}
}

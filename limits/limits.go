// Package limits provides centralized size limits for the weight transfer protocol.
// This ensures consistent validation across the client, the receiver and the codec.
package limits

import (
	"errors"
	"fmt"
)

const (
	// DefaultChunkSize is the payload chunk size used by both peers (8 KiB)
	DefaultChunkSize = 8192

	// MinChunkSize is the smallest chunk size accepted by configuration
	MinChunkSize = 512

	// MaxChunkSize bounds a single read/write buffer (1 MiB)
	// This prevents memory exhaustion from a misconfigured peer
	MaxChunkSize = 1024 * 1024

	// MaxMetadataFrame is the largest metadata frame body a receiver will allocate.
	// Real metadata records are a few hundred bytes.
	MaxMetadataFrame = 64 * 1024

	// MaxTokenLength is the longest acknowledgement token read from a peer
	MaxTokenLength = 64

	// MaxFileTypeLength bounds the file_type tag
	MaxFileTypeLength = 64
)

var (
	// ErrFrameEmpty indicates a zero-length metadata frame
	ErrFrameEmpty = errors.New("empty frame")

	// ErrFrameTooLarge indicates a frame exceeds the maximum size
	ErrFrameTooLarge = errors.New("frame too large")

	// ErrChunkSize indicates a chunk size outside [MinChunkSize, MaxChunkSize]
	ErrChunkSize = errors.New("chunk size out of range")
)

// ValidateFrameSize validates a declared frame length against maxSize.
// Returns an error with context including the declared and maximum sizes.
func ValidateFrameSize(length uint32, maxSize int) error {
	if length == 0 {
		return ErrFrameEmpty
	}
	if uint64(length) > uint64(maxSize) {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrFrameTooLarge, length, maxSize)
	}
	return nil
}

// ValidateMetadataFrame validates a declared metadata frame length against MaxMetadataFrame.
func ValidateMetadataFrame(length uint32) error {
	return ValidateFrameSize(length, MaxMetadataFrame)
}

// ValidateChunkSize checks that a configured chunk size is usable.
func ValidateChunkSize(size int) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrChunkSize, size, MinChunkSize, MaxChunkSize)
	}
	return nil
}

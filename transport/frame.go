package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/opd-ai/weightxfer/limits"
)

// FrameHeaderSize is the size of the big-endian length prefix.
const FrameHeaderSize = 4

// ErrShortFrame indicates the peer closed the stream inside a frame.
var ErrShortFrame = errors.New("short frame")

// createLengthPrefix creates a 4-byte big-endian length prefix for the data.
func createLengthPrefix(data []byte) []byte {
	prefix := make([]byte, FrameHeaderSize)
	binary.BigEndian.PutUint32(prefix, uint32(len(data)))
	return prefix
}

// WriteFrame writes payload as one length-prefixed frame.
// Prefix and body are written with a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return limits.ErrFrameEmpty
	}
	if uint64(len(payload)) > 0xFFFFFFFF {
		return fmt.Errorf("%w: size %d does not fit the length prefix", limits.ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 0, FrameHeaderSize+len(payload))
	frame = append(frame, createLengthPrefix(payload)...)
	frame = append(frame, payload...)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame whose body may not exceed maxSize.
// A stream that ends before the prefix or the body is complete yields
// ErrShortFrame; one that ends before any byte also matches io.EOF.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var prefix [FrameHeaderSize]byte
	if n, err := io.ReadFull(r, prefix[:]); err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %w", ErrShortFrame, io.EOF)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d length bytes", ErrShortFrame, n, FrameHeaderSize)
		}
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(prefix[:])
	if err := limits.ValidateFrameSize(length, maxSize); err != nil {
		return nil, err
	}

	body := make([]byte, length)
	if n, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: got %d of %d body bytes", ErrShortFrame, n, length)
		}
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return body, nil
}

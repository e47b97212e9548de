package transport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/opd-ai/weightxfer/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// partialReader returns at most chunkSize bytes per Read, like a TCP stream
// delivering small segments.
type partialReader struct {
	data      []byte
	readPos   int
	chunkSize int
	readCalls int
}

func newPartialReader(data []byte, chunkSize int) *partialReader {
	return &partialReader{data: data, chunkSize: chunkSize}
}

func (p *partialReader) Read(b []byte) (int, error) {
	p.readCalls++
	remaining := len(p.data) - p.readPos
	if remaining == 0 {
		return 0, io.EOF
	}
	toRead := p.chunkSize
	if toRead > len(b) {
		toRead = len(b)
	}
	if toRead > remaining {
		toRead = remaining
	}
	n := copy(b, p.data[p.readPos:p.readPos+toRead])
	p.readPos += n
	return n, nil
}

// countingWriter records each Write call separately.
type countingWriter struct {
	writes [][]byte
}

func (c *countingWriter) Write(b []byte) (int, error) {
	c.writes = append(c.writes, append([]byte(nil), b...))
	return len(b), nil
}

func TestWriteFrameSingleWrite(t *testing.T) {
	w := &countingWriter{}
	payload := []byte(`{"file_type":"model"}`)

	require.NoError(t, WriteFrame(w, payload))
	require.Len(t, w.writes, 1, "prefix and body must go out as one logical frame")

	frame := w.writes[0]
	assert.Equal(t, uint32(len(payload)), binary.BigEndian.Uint32(frame[:4]))
	assert.Equal(t, payload, frame[4:])
}

func TestWriteFrameEmpty(t *testing.T) {
	err := WriteFrame(io.Discard, nil)
	assert.ErrorIs(t, err, limits.ErrFrameEmpty)
}

func TestReadFramePartialReads(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	for _, chunk := range []int{1, 3, 7, 4096} {
		r := newPartialReader(buf.Bytes(), chunk)
		got, err := ReadFrame(r, limits.MaxMetadataFrame)
		require.NoError(t, err, "chunk size %d", chunk)
		assert.Equal(t, payload, got)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tooLarge := make([]byte, 4)
	binary.BigEndian.PutUint32(tooLarge, limits.MaxMetadataFrame+1)

	truncatedBody := make([]byte, 4, 10)
	binary.BigEndian.PutUint32(truncatedBody, 100)
	truncatedBody = append(truncatedBody, []byte("abc")...)

	tests := []struct {
		name    string
		input   []byte
		wantErr error
	}{
		{"immediate close", nil, ErrShortFrame},
		{"two length bytes", []byte{0, 0}, ErrShortFrame},
		{"zero length", []byte{0, 0, 0, 0}, limits.ErrFrameEmpty},
		{"oversized length", tooLarge, limits.ErrFrameTooLarge},
		{"truncated body", truncatedBody, ErrShortFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bytes.NewReader(tt.input), limits.MaxMetadataFrame)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

type failingReader struct{ err error }

func (f failingReader) Read([]byte) (int, error) { return 0, f.err }

func TestReadFramePropagatesIOError(t *testing.T) {
	boom := errors.New("boom")
	_, err := ReadFrame(failingReader{boom}, limits.MaxMetadataFrame)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrShortFrame)
}

func TestReadFrameCleanCloseMatchesEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil), limits.MaxMetadataFrame)
	assert.ErrorIs(t, err, io.EOF)

	_, err = ReadFrame(bytes.NewReader([]byte{0, 0}), limits.MaxMetadataFrame)
	assert.NotErrorIs(t, err, io.EOF)
}

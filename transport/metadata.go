package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/opd-ai/weightxfer/limits"
)

// TimestampLayout is the ISO-8601 layout used for the timestamp field.
const TimestampLayout = "2006-01-02T15:04:05.000000"

// ErrInvalidMetadata indicates a metadata frame that could not be parsed or is incomplete.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Metadata describes exactly one payload stream that follows it on the same connection.
type Metadata struct {
	FileType  string `json:"file_type"`
	FileName  string `json:"file_name"`
	FileSize  int64  `json:"file_size"`
	FileHash  string `json:"file_hash"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// NewMetadata builds the record for a file about to be sent.
// Only the base name of path is carried; receivers treat it as advisory.
func NewMetadata(fileType, path string, size int64, fileHash, nodeID string, now time.Time) *Metadata {
	return &Metadata{
		FileType:  fileType,
		FileName:  filepath.Base(path),
		FileSize:  size,
		FileHash:  fileHash,
		Timestamp: now.Format(TimestampLayout),
		NodeID:    nodeID,
	}
}

// Origin returns the logical sender identifier. Peers fill either sender or node_id.
func (m *Metadata) Origin() string {
	switch {
	case m.Sender != "":
		return m.Sender
	case m.NodeID != "":
		return m.NodeID
	default:
		return "unknown"
	}
}

// Validate checks the fields a receiver relies on.
func (m *Metadata) Validate() error {
	if m.FileType == "" {
		return fmt.Errorf("%w: missing file_type", ErrInvalidMetadata)
	}
	if len(m.FileType) > limits.MaxFileTypeLength {
		return fmt.Errorf("%w: file_type longer than %d bytes", ErrInvalidMetadata, limits.MaxFileTypeLength)
	}
	if m.FileSize < 0 {
		return fmt.Errorf("%w: negative file_size %d", ErrInvalidMetadata, m.FileSize)
	}
	if m.FileHash == "" {
		return fmt.Errorf("%w: missing file_hash", ErrInvalidMetadata)
	}
	for _, c := range m.FileHash {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return fmt.Errorf("%w: file_hash is not lowercase hex", ErrInvalidMetadata)
		}
	}
	return nil
}

// EncodeMetadata serializes m to JSON.
func EncodeMetadata(m *Metadata) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata parses a JSON metadata body.
func DecodeMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	return &m, nil
}

// WriteMetadata writes m as one frame.
func WriteMetadata(w io.Writer, m *Metadata) error {
	data, err := EncodeMetadata(m)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// ReadMetadata reads and parses one metadata frame. It does not call Validate.
func ReadMetadata(r io.Reader) (*Metadata, error) {
	data, err := ReadFrame(r, limits.MaxMetadataFrame)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(data)
}

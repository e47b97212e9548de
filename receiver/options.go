package receiver

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/limits"
)

// PartialSuffix is appended to the destination while an atomic replace is in progress.
const PartialSuffix = ".partial"

// Destination is where one accepted file_type is installed.
type Destination struct {
	Path string
	// Info is the audit record path; empty disables the record.
	Info string
}

// Options configures a Server.
type Options struct {
	// Addr is the host:port to listen on.
	Addr string
	// NodeID identifies this receiver in info records.
	NodeID string
	// Dir is the base for relative destination and info paths.
	Dir          string
	Destinations map[string]Destination
	// BackupDir holds backups; empty keeps them next to the destination.
	BackupDir string

	ChunkSize      int
	Digest         digest.Algorithm
	IdleTimeout    time.Duration
	MaxConnections int
	AtomicReplace  bool
	// StatusInterval is how often in-flight transfers are logged; zero disables.
	StatusInterval time.Duration

	// AuditLog receives one line per session outcome; nil keeps an in-memory tail only.
	AuditLog *audit.Log
	// Sink receives status events; nil discards them.
	Sink interfaces.StatusSink
}

// DefaultOptions returns options listening on all interfaces at port 9000
// with no destinations.
func DefaultOptions() *Options {
	return &Options{
		Addr:           "0.0.0.0:9000",
		Dir:            ".",
		ChunkSize:      limits.DefaultChunkSize,
		Digest:         digest.DefaultAlgorithm,
		IdleTimeout:    30 * time.Second,
		AtomicReplace:  true,
		StatusInterval: 10 * time.Second,
		Destinations:   make(map[string]Destination),
	}
}

func (o *Options) validate() error {
	if len(o.Destinations) == 0 {
		return fmt.Errorf("receiver accepts no file types")
	}
	for fileType, dest := range o.Destinations {
		if dest.Path == "" {
			return fmt.Errorf("destination for %q has no path", fileType)
		}
		if _, err := file.ValidatePath(dest.Path); err != nil {
			return fmt.Errorf("destination for %q: %w", fileType, err)
		}
	}
	if err := limits.ValidateChunkSize(o.ChunkSize); err != nil {
		return err
	}
	if o.MaxConnections < 0 {
		return fmt.Errorf("max connections must not be negative")
	}
	if o.StatusInterval < 0 {
		return fmt.Errorf("status interval must not be negative")
	}
	return nil
}

// resolve returns the absolute-or-Dir-relative destination for fileType.
func (o *Options) resolve(fileType string) (Destination, bool) {
	dest, ok := o.Destinations[fileType]
	if !ok {
		return Destination{}, false
	}
	return Destination{Path: o.join(dest.Path), Info: o.join(dest.Info)}, true
}

func (o *Options) join(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.Dir, p)
}

// FileTypes returns the accepted file types.
func (o *Options) FileTypes() []string {
	out := make([]string, 0, len(o.Destinations))
	for t := range o.Destinations {
		out = append(out, t)
	}
	return out
}

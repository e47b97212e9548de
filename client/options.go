package client

import (
	"fmt"
	"time"

	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/limits"
	"github.com/opd-ai/weightxfer/transport"
)

// Default values.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 5 * time.Second
	DefaultPingTimeout = 5 * time.Second
)

// Options configures a Client.
type Options struct {
	ChunkSize   int
	Timeout     time.Duration // connect timeout and per-I/O idle timeout
	MaxAttempts int
	RetryDelay  time.Duration
	NodeID      string
	Digest      digest.Algorithm

	// Dialer defaults to a direct dialer with Timeout.
	Dialer transport.Dialer
	// Sink receives status events; nil discards them.
	Sink interfaces.StatusSink
	// OnProgress is called after every chunk with cumulative bytes sent.
	OnProgress file.ProgressFunc
}

// DefaultOptions returns the protocol defaults.
func DefaultOptions() *Options {
	return &Options{
		ChunkSize:   limits.DefaultChunkSize,
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		Digest:      digest.DefaultAlgorithm,
	}
}

func (o *Options) validate() error {
	if err := limits.ValidateChunkSize(o.ChunkSize); err != nil {
		return err
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", o.Timeout)
	}
	if o.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", o.MaxAttempts)
	}
	if o.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative, got %v", o.RetryDelay)
	}
	return nil
}

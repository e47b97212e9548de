package client

import (
	"errors"
	"fmt"

	"github.com/opd-ai/weightxfer/transport"
)

var (
	// ErrSourceMissing indicates the file to send no longer exists. Never retried.
	ErrSourceMissing = errors.New("source file missing")
	// ErrRejected indicates the receiver answered INVALID_TYPE. Never retried.
	ErrRejected = errors.New("file type rejected by receiver")
	// ErrNotReady indicates the receiver answered something other than READY.
	ErrNotReady = errors.New("receiver not ready")
	// ErrSizeMismatch indicates the receiver counted a different number of bytes.
	ErrSizeMismatch = errors.New("receiver reported size mismatch")
	// ErrHashMismatch indicates the receiver computed a different digest.
	ErrHashMismatch = errors.New("receiver reported hash mismatch")
	// ErrRemote indicates ERROR or an unrecognised final token.
	ErrRemote = errors.New("receiver reported failure")
	// ErrAttemptsExhausted wraps the last attempt's error once the retry budget is spent.
	ErrAttemptsExhausted = errors.New("all attempts failed")
)

// retriable reports whether another attempt could succeed after an attempt
// that ended with tok, if the receiver answered at all, and err.
func retriable(tok transport.Token, err error) bool {
	if tok != "" && !tok.Retriable() {
		return false
	}
	return !errors.Is(err, ErrSourceMissing)
}

// ackError maps the token read after the metadata frame.
func ackError(tok transport.Token) error {
	switch tok {
	case transport.TokenReady:
		return nil
	case transport.TokenInvalidType:
		return ErrRejected
	default:
		return fmt.Errorf("%w: got %q", ErrNotReady, tok)
	}
}

// finalError maps the token read after the payload.
func finalError(tok transport.Token) error {
	switch tok {
	case transport.TokenSuccess:
		return nil
	case transport.TokenSizeMismatch:
		return ErrSizeMismatch
	case transport.TokenHashMismatch:
		return ErrHashMismatch
	default:
		return fmt.Errorf("%w: got %q", ErrRemote, tok)
	}
}

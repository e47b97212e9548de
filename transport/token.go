package transport

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opd-ai/weightxfer/limits"
)

// Token is an unframed ASCII acknowledgement exchanged around the payload.
type Token string

const (
	// TokenReady permits the client to stream the payload.
	TokenReady Token = "READY"
	// TokenInvalidType rejects a file_type the receiver does not accept.
	TokenInvalidType Token = "INVALID_TYPE"
	// TokenError reports a receiver-side failure.
	TokenError Token = "ERROR"
	// TokenSuccess confirms that size and digest both matched.
	TokenSuccess Token = "SUCCESS"
	// TokenSizeMismatch reports fewer payload bytes than declared.
	TokenSizeMismatch Token = "SIZE_MISMATCH"
	// TokenHashMismatch reports a digest mismatch over the persisted bytes.
	TokenHashMismatch Token = "HASH_MISMATCH"
)

var knownTokens = []Token{
	TokenReady,
	TokenInvalidType,
	TokenError,
	TokenSuccess,
	TokenSizeMismatch,
	TokenHashMismatch,
}

// ErrEmptyToken indicates the peer closed the connection without sending a token.
var ErrEmptyToken = errors.New("connection closed before acknowledgement")

// Known reports whether t is one of the protocol tokens.
func (t Token) Known() bool {
	for _, k := range knownTokens {
		if t == k {
			return true
		}
	}
	return false
}

// Retriable reports whether a sender may retry after receiving t.
func (t Token) Retriable() bool {
	return t != TokenInvalidType && t != TokenSuccess
}

func (t Token) String() string {
	return string(t)
}

// couldBecomeKnown reports whether more bytes could still complete a known token.
func couldBecomeKnown(partial string) bool {
	for _, k := range knownTokens {
		if strings.HasPrefix(string(k), partial) {
			return true
		}
	}
	return false
}

// WriteToken writes t unframed.
func WriteToken(w io.Writer, t Token) error {
	if _, err := io.WriteString(w, string(t)); err != nil {
		return fmt.Errorf("write token %s: %w", t, err)
	}
	return nil
}

// ReadToken reads one unframed token. It keeps reading while the bytes seen so
// far are a prefix of a known token, so a token split across TCP segments is
// reassembled. No known token is a prefix of another, so the read never
// consumes bytes past the token. Unknown text is returned as-is with a nil error.
func ReadToken(r io.Reader) (Token, error) {
	buf := make([]byte, 0, limits.MaxTokenLength)
	tmp := make([]byte, limits.MaxTokenLength)

	for {
		n, err := r.Read(tmp[:limits.MaxTokenLength-len(buf)])
		buf = append(buf, tmp[:n]...)

		tok := Token(buf)
		if len(buf) > 0 {
			if tok.Known() || !couldBecomeKnown(string(buf)) || len(buf) == limits.MaxTokenLength {
				return tok, nil
			}
		}

		if err != nil {
			if len(buf) > 0 {
				return tok, nil
			}
			if errors.Is(err, io.EOF) {
				return "", ErrEmptyToken
			}
			return "", fmt.Errorf("read token: %w", err)
		}
	}
}

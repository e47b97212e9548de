package receiver

import "github.com/opd-ai/weightxfer/transport"

// State is the position of one session in the receive protocol.
type State uint8

const (
	StateAwaitLength State = iota
	StateAwaitMetadata
	StateTypeChecked
	StateAckSent
	StateReceiving
	StateSizeCheck
	StateHashCheck
	StateSuccess
	StateSizeMismatch
	StateHashMismatch
	StateInvalidType
	StateError
)

var stateNames = [...]string{
	StateAwaitLength:   "AWAIT_LENGTH",
	StateAwaitMetadata: "AWAIT_METADATA",
	StateTypeChecked:   "TYPE_CHECKED",
	StateAckSent:       "ACK_SENT",
	StateReceiving:     "RECEIVING",
	StateSizeCheck:     "SIZE_CHECK",
	StateHashCheck:     "HASH_CHECK",
	StateSuccess:       "SUCCESS",
	StateSizeMismatch:  "SIZE_MISMATCH",
	StateHashMismatch:  "HASH_MISMATCH",
	StateInvalidType:   "INVALID_TYPE",
	StateError:         "ERROR",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether the session has ended.
func (s State) Terminal() bool {
	return s >= StateSuccess
}

// terminalToken is the token sent on entering a terminal state.
func (s State) terminalToken() transport.Token {
	switch s {
	case StateSuccess:
		return transport.TokenSuccess
	case StateSizeMismatch:
		return transport.TokenSizeMismatch
	case StateHashMismatch:
		return transport.TokenHashMismatch
	case StateInvalidType:
		return transport.TokenInvalidType
	default:
		return transport.TokenError
	}
}

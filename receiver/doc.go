// Package receiver implements the listening side of the transfer protocol.
//
// A Server accepts connections concurrently and runs one session per
// connection:
//
//	AWAIT_LENGTH -> AWAIT_METADATA -> TYPE_CHECKED -> ACK_SENT -> RECEIVING
//	  -> SIZE_CHECK -> HASH_CHECK -> SUCCESS
//
// with SIZE_MISMATCH, HASH_MISMATCH, INVALID_TYPE and ERROR as the failing
// terminal states. Every terminal state closes the connection.
//
// The destination of a file is chosen by its file_type, never by the
// sender's file name. An existing destination is backed up before new bytes
// are written. With AtomicReplace the payload goes to a ".partial" sibling
// and is renamed over the destination only once size and digest match.
// Sessions for the same file_type are serialised from backup to audit.
package receiver

// Package file implements the file side of a weight transfer: opening the
// source or destination, moving it in chunks, and tracking progress.
//
// # Overview
//
//   - Transfer: state, byte counters, speed estimate and callbacks for one
//     file moving in one direction
//   - Manager: a registry of transfers currently in flight on a peer
//   - BackupPath / CopyFile: timestamped backups of an artifact before it is
//     replaced
//
// # Transfer States
//
//	const (
//	    TransferStatePending    // created, file not opened
//	    TransferStateRunning    // bytes moving
//	    TransferStateCompleted  // declared size reached, file closed
//	    TransferStateCancelled  // cancelled locally
//	    TransferStateError      // I/O failure or failed verification
//	)
//
// A Transfer is never resumed: once it leaves Running it stays terminal.
// Completion only means the declared number of bytes moved; integrity is
// checked by the caller, which calls Fail if the digest disagrees.
//
// # Sending
//
//	t := file.NewTransfer(id, "model", path, size, file.TransferDirectionOutgoing)
//	if err := t.Start(); err != nil {
//	    return err
//	}
//	defer t.Close()
//	buf := make([]byte, chunkSize)
//	for t.GetTransferred() < size {
//	    n, err := t.ReadChunk(buf)
//	    ...
//	    conn.Write(buf[:n])
//	    t.Record(int64(n))
//	}
//
// # Receiving
//
//	t := file.NewTransfer(id, "global_model", dest, size, file.TransferDirectionIncoming)
//	t.Start()
//	t.WriteChunk(chunk) // writes and records progress
//
// # Callbacks
//
// OnProgress receives (transferred, total) after each recorded chunk.
// OnComplete receives nil on completion or the error that ended the
// transfer. Callbacks run synchronously on the I/O goroutine without the
// transfer lock held.
//
// # Deterministic Testing
//
//	transfer.SetTimeProvider(clock)
//
// # Security
//
// ValidatePath rejects paths with ".." components. Receivers never derive a
// destination from the sender-supplied file name.
package file

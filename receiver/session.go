package receiver

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/limits"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/sirupsen/logrus"
)

var (
	errSizeMismatch = errors.New("size mismatch")
	errHashMismatch = errors.New("hash mismatch")
)

// session is the receive protocol for one connection.
type session struct {
	srv    *Server
	conn   net.Conn
	id     string
	remote string
	state  State
	meta   *transport.Metadata
	dest   Destination
	log    *logrus.Entry
}

func (s *Server) serve(raw net.Conn) {
	defer raw.Close()

	sess := &session{
		srv:    s,
		conn:   transport.NewIdleTimeoutConn(raw, s.opts.IdleTimeout),
		id:     uuid.NewString(),
		remote: raw.RemoteAddr().String(),
		state:  StateAwaitLength,
	}
	sess.log = logrus.WithFields(logrus.Fields{
		"transfer_id": sess.id,
		"remote_addr": sess.remote,
	})
	sess.run()
}

func (ss *session) enter(st State) {
	ss.log.WithFields(logrus.Fields{
		"function": "session.enter",
		"from":     ss.state,
		"to":       st,
	}).Debug("Session state transition")
	ss.state = st
}

// finish enters a terminal state and sends its token.
func (ss *session) finish(st State) {
	ss.enter(st)
	if err := transport.WriteToken(ss.conn, st.terminalToken()); err != nil {
		ss.log.WithFields(logrus.Fields{
			"function": "session.finish",
			"token":    st.terminalToken(),
			"error":    err.Error(),
		}).Warn("Failed to send final token")
	}
}

func (ss *session) run() {
	data, err := transport.ReadFrame(ss.conn, limits.MaxMetadataFrame)
	if err != nil {
		if errors.Is(err, io.EOF) {
			ss.log.WithField("function", "session.run").Debug("Connection closed without metadata")
			return
		}
		ss.abort("Failed to read metadata frame", err)
		return
	}

	ss.enter(StateAwaitMetadata)
	meta, err := transport.DecodeMetadata(data)
	if err != nil {
		ss.abort("Malformed metadata", err)
		return
	}
	ss.meta = meta
	ss.log = ss.log.WithFields(logrus.Fields{
		"file_type": meta.FileType,
		"file_size": meta.FileSize,
		"sender":    meta.Origin(),
	})
	if err := meta.Validate(); err != nil {
		ss.abort("Invalid metadata", err)
		ss.finish(StateError)
		return
	}
	if alg := ss.srv.hasher.Algorithm(); !digest.ValidHex(alg, meta.FileHash) {
		ss.abort("Invalid metadata", fmt.Errorf("%w: file_hash is not a %s digest", transport.ErrInvalidMetadata, alg))
		ss.finish(StateError)
		return
	}

	dest, ok := ss.srv.opts.resolve(meta.FileType)
	if !ok {
		ss.log.WithField("function", "session.run").Warn("Rejecting unsupported file type")
		ss.srv.auditLog.Printf("Rejected %q from %s (%s): unsupported file type", meta.FileType, meta.Origin(), ss.remote)
		ss.report(interfaces.StatusRejected, 0, fmt.Sprintf("Unsupported file type %q", meta.FileType))
		ss.finish(StateInvalidType)
		return
	}
	ss.dest = dest
	ss.enter(StateTypeChecked)

	if err := transport.WriteToken(ss.conn, transport.TokenReady); err != nil {
		ss.abort("Failed to acknowledge metadata", err)
		return
	}
	ss.enter(StateAckSent)

	unlock := ss.srv.locks.lock(meta.FileType)
	defer unlock()

	st, sum := ss.receive()
	ss.finish(st)
	if st == StateSuccess {
		ss.recordSuccess(sum)
	}
}

// receive runs backup, payload, size and hash checks and the install. It
// returns the terminal state and, on success, the verified digest.
func (ss *session) receive() (State, string) {
	o := &ss.srv.opts
	meta := ss.meta
	logger := ss.log.WithField("function", "session.receive")

	ss.srv.auditLog.Printf("Receiving %s (%d bytes) from %s (%s)", meta.FileType, meta.FileSize, meta.Origin(), ss.remote)
	ss.report(interfaces.StatusStarted, 0, fmt.Sprintf("Receiving %s from %s", meta.FileType, meta.Origin()))

	if err := os.MkdirAll(filepath.Dir(ss.dest.Path), 0o755); err != nil {
		ss.fail("Cannot create destination directory", err)
		return StateError, ""
	}
	ss.backup()

	target := ss.dest.Path
	if o.AtomicReplace {
		target += PartialSuffix
	}

	ss.enter(StateReceiving)
	tr := file.NewTransfer(ss.id, meta.FileType, target, meta.FileSize, file.TransferDirectionIncoming)
	tr.OnProgress(func(done, total int64) {
		ss.report(interfaces.StatusProgress, done, "")
	})
	if err := ss.srv.transfers.Add(tr); err != nil {
		ss.fail("Cannot register transfer", err)
		return StateError, ""
	}
	defer ss.srv.transfers.Remove(tr.ID)

	if err := tr.Start(); err != nil {
		ss.fail("Cannot open destination", err)
		return StateError, ""
	}
	defer tr.Close()

	received, err := ss.copyPayload(tr)
	if err != nil {
		ss.discard(target)
		ss.fail("Cannot write payload", err)
		return StateError, ""
	}

	ss.enter(StateSizeCheck)
	if received != meta.FileSize {
		tr.Fail(errSizeMismatch)
		ss.discard(target)
		logger.WithFields(logrus.Fields{
			"bytes_received": received,
			"file_size":      meta.FileSize,
		}).Error("Size mismatch")
		ss.srv.auditLog.Printf("Size mismatch for %s from %s: expected %d, got %d", meta.FileType, meta.Origin(), meta.FileSize, received)
		ss.report(interfaces.StatusFailed, received, fmt.Sprintf("Size mismatch: expected %d bytes, got %d", meta.FileSize, received))
		return StateSizeMismatch, ""
	}

	ss.enter(StateHashCheck)
	sum, _, err := ss.srv.hasher.File(target)
	if err != nil {
		tr.Fail(err)
		ss.discard(target)
		ss.fail("Cannot hash received file", err)
		return StateError, ""
	}
	if !digest.Equal(sum, meta.FileHash) {
		tr.Fail(errHashMismatch)
		ss.discard(target)
		logger.WithFields(logrus.Fields{
			"expected": meta.FileHash,
			"actual":   sum,
		}).Error("Hash mismatch")
		ss.srv.auditLog.Printf("Hash mismatch for %s from %s", meta.FileType, meta.Origin())
		ss.report(interfaces.StatusFailed, received, "Hash mismatch")
		return StateHashMismatch, ""
	}

	if o.AtomicReplace {
		if err := os.Rename(target, ss.dest.Path); err != nil {
			ss.discard(target)
			ss.fail("Cannot install received file", err)
			return StateError, ""
		}
	}

	logger.WithFields(logrus.Fields{
		"bytes_received": received,
		"path":           ss.dest.Path,
		"speed":          tr.GetSpeed(),
	}).Info("File received and verified")

	return StateSuccess, sum
}

// copyPayload reads up to file_size bytes into tr. It stops early when the
// peer closes or goes idle; only local write failures are errors.
func (ss *session) copyPayload(tr *file.Transfer) (int64, error) {
	size := ss.meta.FileSize
	buf := make([]byte, ss.srv.opts.ChunkSize)

	var received int64
	for received < size {
		want := int64(len(buf))
		if remaining := size - received; remaining < want {
			want = remaining
		}
		n, rerr := ss.conn.Read(buf[:want])
		if n > 0 {
			if err := tr.WriteChunk(buf[:n]); err != nil {
				return received, err
			}
			received += int64(n)
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				ss.log.WithFields(logrus.Fields{
					"function":       "session.copyPayload",
					"bytes_received": received,
					"timeout":        transport.IsTimeout(rerr),
					"error":          rerr.Error(),
				}).Warn("Payload read ended early")
			}
			break
		}
	}
	return received, nil
}

// backup copies an existing destination aside. Failure is logged only.
func (ss *session) backup() {
	dest := ss.dest.Path
	if !file.Exists(dest) {
		return
	}

	dir := ss.srv.opts.join(ss.srv.opts.BackupDir)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			ss.log.WithFields(logrus.Fields{
				"function":   "session.backup",
				"backup_dir": dir,
				"error":      err.Error(),
			}).Warn("Cannot create backup directory")
			return
		}
	}

	backupPath := file.BackupPath(dir, dest, ss.srv.now())
	if err := file.CopyFile(dest, backupPath); err != nil {
		ss.log.WithFields(logrus.Fields{
			"function": "session.backup",
			"path":     dest,
			"backup":   backupPath,
			"error":    err.Error(),
		}).Warn("Backup failed, continuing")
		ss.srv.auditLog.Printf("Backup of %s failed: %v", dest, err)
		return
	}

	ss.log.WithFields(logrus.Fields{
		"function": "session.backup",
		"path":     dest,
		"backup":   backupPath,
	}).Info("Previous version backed up")
	ss.srv.auditLog.Printf("Backed up %s to %s", filepath.Base(dest), filepath.Base(backupPath))
}

// recordSuccess writes the info record and audit line after SUCCESS was sent.
func (ss *session) recordSuccess(sum string) {
	meta := ss.meta
	if ss.dest.Info != "" {
		rec := &audit.Record{
			LastUpdate: ss.srv.now(),
			Sender:     meta.Origin(),
			FileHash:   sum,
			FileSize:   meta.FileSize,
			NodeID:     ss.srv.opts.NodeID,
			FileType:   meta.FileType,
		}
		if err := os.MkdirAll(filepath.Dir(ss.dest.Info), 0o755); err != nil {
			ss.log.WithFields(logrus.Fields{
				"function": "session.recordSuccess",
				"path":     ss.dest.Info,
				"error":    err.Error(),
			}).Warn("Cannot create info record directory")
		} else if err := audit.WriteRecord(ss.dest.Info, rec); err != nil {
			ss.log.WithFields(logrus.Fields{
				"function": "session.recordSuccess",
				"path":     ss.dest.Info,
				"error":    err.Error(),
			}).Warn("Failed to write info record")
		}
	}
	ss.srv.auditLog.Printf("Received %s from %s (%d bytes, %s)", meta.FileType, meta.Origin(), meta.FileSize, sum)
	ss.report(interfaces.StatusSucceeded, meta.FileSize, fmt.Sprintf("Received %s from %s", meta.FileType, meta.Origin()))
}

// discard removes a partial file. In-place writes are left for inspection.
func (ss *session) discard(target string) {
	if !ss.srv.opts.AtomicReplace {
		return
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		ss.log.WithFields(logrus.Fields{
			"function": "session.discard",
			"path":     target,
			"error":    err.Error(),
		}).Warn("Failed to remove partial file")
	}
}

// abort logs a failure that ends the session before any payload.
func (ss *session) abort(msg string, err error) {
	ss.log.WithFields(logrus.Fields{
		"function": "session.run",
		"state":    ss.state,
		"error":    err.Error(),
	}).Error(msg)
	ss.srv.auditLog.Printf("%s from %s: %v", msg, ss.remote, err)
}

// fail logs and reports a local failure after READY.
func (ss *session) fail(msg string, err error) {
	ss.abort(msg, err)
	ss.report(interfaces.StatusFailed, 0, fmt.Sprintf("%s: %v", msg, err))
}

func (ss *session) report(st interfaces.TransferStatus, done int64, msg string) {
	ev := interfaces.StatusEvent{
		TransferID: ss.id,
		Direction:  interfaces.DirectionReceive,
		Peer:       ss.remote,
		Status:     st,
		Message:    msg,
		Bytes:      done,
		Time:       time.Now(),
	}
	if ss.meta != nil {
		ev.FileType = ss.meta.FileType
		ev.Total = ss.meta.FileSize
		ev.Path = ss.dest.Path
	}
	ss.srv.sink.Report(ev)
}

package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/status"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/sirupsen/logrus"
)

// Client sends files to one receiver address.
type Client struct {
	addr   string
	opts   Options
	hasher *digest.Hasher
	dialer transport.Dialer
	sink   interfaces.StatusSink
	now    func() time.Time
}

// Result describes the outcome of one Send.
type Result struct {
	TransferID string
	Path       string
	FileType   string
	FileSize   int64
	FileHash   string
	Attempts   int
	// Token is the last token the receiver sent, if any.
	Token    transport.Token
	Duration time.Duration
	Err      error
}

// OK reports whether the receiver confirmed the transfer.
func (r *Result) OK() bool {
	return r.Err == nil
}

// New creates a client for the receiver at addr. A nil opts uses DefaultOptions.
func New(addr string, opts *Options) (*Client, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid receiver address %q: %w", addr, err)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	hasher, err := digest.NewHasher(opts.Digest)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &net.Dialer{Timeout: opts.Timeout}
	}

	return &Client{
		addr:   addr,
		opts:   *opts,
		hasher: hasher,
		dialer: dialer,
		sink:   status.OrDiscard(opts.Sink),
		now:    time.Now,
	}, nil
}

// Addr returns the receiver address.
func (c *Client) Addr() string {
	return c.addr
}

// Send transfers the file at path tagged with fileType. The returned error is
// also stored in the result; it is nil only when the receiver answered SUCCESS.
func (c *Client) Send(ctx context.Context, path, fileType string) (*Result, error) {
	start := c.now()
	res := &Result{
		TransferID: uuid.NewString(),
		Path:       path,
		FileType:   fileType,
	}
	finish := func(err error) (*Result, error) {
		res.Err = err
		res.Duration = c.now().Sub(start)
		return res, err
	}

	logger := logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"transfer_id": res.TransferID,
		"file_type":   fileType,
		"path":        path,
		"remote_addr": c.addr,
	})

	fileHash, size, err := c.hasher.File(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrSourceMissing, path)
		}
		logger.WithField("error", err.Error()).Error("Cannot read file to send")
		c.report(res, interfaces.StatusFailed, fmt.Sprintf("Cannot send %s: %v", path, err))
		return finish(err)
	}
	res.FileHash = fileHash
	res.FileSize = size

	c.report(res, interfaces.StatusStarted, fmt.Sprintf("Sending %s (%d bytes) to %s", path, size, c.addr))

	var lastErr error
	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		logger.WithFields(logrus.Fields{
			"attempt":      attempt,
			"max_attempts": c.opts.MaxAttempts,
		}).Info("Starting transfer attempt")

		tok, err := c.attempt(ctx, res, attempt)
		if tok != "" {
			res.Token = tok
		}
		if err == nil {
			logger.WithFields(logrus.Fields{
				"attempt":   attempt,
				"file_size": size,
			}).Info("Transfer confirmed by receiver")
			c.report(res, interfaces.StatusSucceeded, fmt.Sprintf("Sent %s to %s", path, c.addr))
			return finish(nil)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		lastErr = err

		logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"token":   tok,
			"error":   err.Error(),
		}).Error("Transfer attempt failed")

		if !retriable(tok, err) || ctx.Err() != nil {
			break
		}
		if attempt == c.opts.MaxAttempts {
			lastErr = fmt.Errorf("%w (%d): %w", ErrAttemptsExhausted, attempt, err)
			break
		}

		c.reportAttempt(res, interfaces.StatusRetrying, attempt,
			fmt.Sprintf("Attempt %d failed: %v; retrying in %v", attempt, err, c.opts.RetryDelay))
		if err := sleepContext(ctx, c.opts.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	st := interfaces.StatusFailed
	if errors.Is(lastErr, ErrRejected) {
		st = interfaces.StatusRejected
	}
	c.report(res, st, fmt.Sprintf("Failed to send %s: %v", path, lastErr))
	return finish(lastErr)
}

// attempt runs one connection's worth of the protocol. It returns the last
// token read, if any.
func (c *Client) attempt(ctx context.Context, res *Result, n int) (transport.Token, error) {
	if _, err := os.Stat(res.Path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrSourceMissing, res.Path)
		}
		return "", err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	raw, err := c.dialer.DialContext(dialCtx, "tcp", c.addr)
	cancel()
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", c.addr, err)
	}
	defer raw.Close()
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := transport.NewIdleTimeoutConn(raw, c.opts.Timeout)

	meta := transport.NewMetadata(res.FileType, res.Path, res.FileSize, res.FileHash, c.opts.NodeID, c.now())
	meta.Sender = c.opts.NodeID
	if err := transport.WriteMetadata(conn, meta); err != nil {
		return "", fmt.Errorf("send metadata: %w", err)
	}

	tok, err := transport.ReadToken(conn)
	if err != nil {
		return "", fmt.Errorf("await acknowledgement: %w", err)
	}
	if err := ackError(tok); err != nil {
		return tok, err
	}

	if err := c.stream(ctx, conn, res, n); err != nil {
		return tok, err
	}

	tok, err = transport.ReadToken(conn)
	if err != nil {
		return "", fmt.Errorf("await final status: %w", err)
	}
	return tok, finalError(tok)
}

// stream writes exactly res.FileSize bytes of the source file to w. A done
// ctx cancels the transfer between chunks.
func (c *Client) stream(ctx context.Context, w io.Writer, res *Result, attempt int) error {
	tr := file.NewTransfer(res.TransferID, res.FileType, res.Path, res.FileSize, file.TransferDirectionOutgoing)
	tr.OnProgress(func(done, total int64) {
		if c.opts.OnProgress != nil {
			c.opts.OnProgress(done, total)
		}
		c.sink.Report(interfaces.StatusEvent{
			TransferID: res.TransferID,
			Direction:  interfaces.DirectionSend,
			FileType:   res.FileType,
			Path:       res.Path,
			Peer:       c.addr,
			Status:     interfaces.StatusProgress,
			Bytes:      done,
			Total:      total,
			Attempt:    attempt,
			Time:       c.now(),
		})
	})
	tr.OnComplete(func(err error) {
		if err != nil {
			return
		}
		logrus.WithFields(logrus.Fields{
			"function":    "stream",
			"transfer_id": res.TransferID,
			"attempt":     attempt,
			"bytes_sent":  res.FileSize,
			"speed":       tr.GetSpeed(),
		}).Debug("Payload sent")
	})
	if err := tr.Start(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrSourceMissing, res.Path)
		}
		return err
	}
	defer tr.Close()

	buf := make([]byte, c.opts.ChunkSize)
	for sent := int64(0); sent < res.FileSize; {
		if err := ctx.Err(); err != nil {
			_ = tr.Cancel()
			logrus.WithFields(logrus.Fields{
				"function":    "stream",
				"transfer_id": res.TransferID,
				"bytes_sent":  sent,
				"file_size":   res.FileSize,
			}).Info("Transfer cancelled")
			return err
		}

		want := int64(len(buf))
		if remaining := res.FileSize - sent; remaining < want {
			want = remaining
		}

		n, err := tr.ReadChunk(buf[:want])
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("source shrank below %d bytes: %w", res.FileSize, io.ErrUnexpectedEOF)
			}
			tr.Fail(err)
			return err
		}
		if _, err := w.Write(buf[:n]); err != nil {
			tr.Fail(err)
			return fmt.Errorf("send payload: %w", err)
		}
		tr.Record(int64(n))
		sent += int64(n)
	}
	return nil
}

// Ping checks that the receiver accepts TCP connections.
func (c *Client) Ping(ctx context.Context) error {
	timeout := DefaultPingTimeout
	if c.opts.Timeout < timeout {
		timeout = c.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Ping",
			"remote_addr": c.addr,
			"error":       err.Error(),
		}).Debug("Receiver unreachable")
		return fmt.Errorf("receiver %s unreachable: %w", c.addr, err)
	}
	return conn.Close()
}

func (c *Client) report(res *Result, st interfaces.TransferStatus, msg string) {
	c.reportAttempt(res, st, res.Attempts, msg)
}

func (c *Client) reportAttempt(res *Result, st interfaces.TransferStatus, attempt int, msg string) {
	c.sink.Report(interfaces.StatusEvent{
		TransferID: res.TransferID,
		Direction:  interfaces.DirectionSend,
		FileType:   res.FileType,
		Path:       res.Path,
		Peer:       c.addr,
		Status:     st,
		Message:    msg,
		Total:      res.FileSize,
		Attempt:    attempt,
		Time:       c.now(),
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

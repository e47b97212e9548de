package receiver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/digest"
	"github.com/opd-ai/weightxfer/file"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/limits"
	"github.com/opd-ai/weightxfer/status"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
	rejectTimeout    = time.Second
)

// Server is a long-lived receiver. It satisfies interfaces.ReceiverController.
type Server struct {
	opts      Options
	hasher    *digest.Hasher
	sink      interfaces.StatusSink
	auditLog  *audit.Log
	locks     *lockArena
	sem       *semaphore.Weighted
	transfers *file.Manager
	now       func() time.Time

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	running  atomic.Bool
	acceptWG sync.WaitGroup
	connWG   sync.WaitGroup
}

var _ interfaces.ReceiverController = (*Server)(nil)

// New creates a stopped server.
func New(opts *Options) (*Server, error) {
	if opts == nil {
		return nil, errors.New("receiver options are required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	hasher, err := digest.NewHasher(opts.Digest)
	if err != nil {
		return nil, err
	}

	auditLog := opts.AuditLog
	if auditLog == nil {
		auditLog, err = audit.OpenLog("", audit.DefaultRecent)
		if err != nil {
			return nil, err
		}
	}

	destinations := make(map[string]Destination, len(opts.Destinations))
	for fileType, dest := range opts.Destinations {
		destinations[fileType] = dest
	}

	s := &Server{
		opts:      *opts,
		hasher:    hasher,
		sink:      status.OrDiscard(opts.Sink),
		auditLog:  auditLog,
		locks:     newLockArena(),
		transfers: file.NewManager(),
		now:       time.Now,
	}
	s.opts.Destinations = destinations
	if opts.MaxConnections > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConnections))
	}
	return s, nil
}

// Start binds the listener and begins accepting in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return errors.New("receiver already running")
	}

	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"addr":     s.opts.Addr,
			"error":    err.Error(),
		}).Error("Failed to bind receiver")
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.listener = ln
	s.running.Store(true)

	logrus.WithFields(logrus.Fields{
		"function":   "Start",
		"addr":       ln.Addr().String(),
		"file_types": s.opts.FileTypes(),
		"atomic":     s.opts.AtomicReplace,
	}).Info("Receiver listening")
	s.auditLog.Printf("Receiver listening on %s", ln.Addr())

	s.acceptWG.Add(1)
	go s.acceptLoop(ln)

	s.done = make(chan struct{})
	if s.opts.StatusInterval > 0 {
		s.acceptWG.Add(1)
		go s.reportLoop(s.done, s.opts.StatusInterval)
	}
	return nil
}

// Stop closes the listener. In-flight sessions run to completion; use Wait
// to block until they have.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running.Load() {
		s.mu.Unlock()
		return nil
	}
	s.running.Store(false)
	ln := s.listener
	close(s.done)
	s.mu.Unlock()

	err := ln.Close()
	s.acceptWG.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"addr":     ln.Addr().String(),
		"active":   s.transfers.Len(),
	}).Info("Receiver stopped accepting")
	s.auditLog.Append("Receiver stopped")

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Wait blocks until every accepted session has finished.
func (s *Server) Wait() {
	s.connWG.Wait()
}

// IsRunning reports whether the server is accepting connections.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe starts the server and serves until ctx is done, then stops
// and waits for in-flight sessions.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	err := s.Stop()
	s.Wait()
	return err
}

// Active returns snapshots of the transfers currently being received.
func (s *Server) Active() []file.Stats {
	return s.transfers.Active()
}

// AuditLog returns the server's audit log.
func (s *Server) AuditLog() *audit.Log {
	return s.auditLog
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.acceptWG.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			backoff = nextBackoff(backoff)
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
				"backoff":  backoff,
			}).Warn("Accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if s.sem != nil && !s.sem.TryAcquire(1) {
			s.connWG.Add(1)
			go func() {
				defer s.connWG.Done()
				s.reject(conn)
			}()
			continue
		}

		s.connWG.Add(1)
		go func() {
			defer s.connWG.Done()
			if s.sem != nil {
				defer s.sem.Release(1)
			}
			s.serve(conn)
		}()
	}
}

// reportLoop logs every in-flight transfer each interval until done closes.
func (s *Server) reportLoop(done <-chan struct{}, interval time.Duration) {
	defer s.acceptWG.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.reportActive()
		}
	}
}

func (s *Server) reportActive() {
	for _, st := range s.Active() {
		logger := logrus.WithFields(logrus.Fields{
			"function":    "reportActive",
			"transfer_id": st.ID,
			"file_type":   st.FileType,
			"state":       st.State,
			"progress":    fmt.Sprintf("%.1f%%", st.Progress),
			"speed":       st.Speed,
			"remaining":   st.Remaining,
			"idle":        st.Idle,
		})
		if s.stalled(st) {
			logger.Warn("Transfer stalled")
			continue
		}
		logger.Info("Transfer in progress")
	}
}

// stalled reports whether st has been idle for over half the idle timeout.
func (s *Server) stalled(st file.Stats) bool {
	return s.opts.IdleTimeout > 0 && st.Idle > s.opts.IdleTimeout/2
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptBackoff
	}
	if d *= 2; d > maxAcceptBackoff {
		return maxAcceptBackoff
	}
	return d
}

// reject answers ERROR to a connection over the cap. The metadata frame is
// drained first so the close does not reset the connection under the token.
func (s *Server) reject(conn net.Conn) {
	defer conn.Close()

	logrus.WithFields(logrus.Fields{
		"function":        "reject",
		"remote_addr":     conn.RemoteAddr().String(),
		"max_connections": s.opts.MaxConnections,
	}).Warn("Connection limit reached, rejecting")
	s.auditLog.Printf("Rejected connection from %s: connection limit %d reached", conn.RemoteAddr(), s.opts.MaxConnections)

	if err := conn.SetDeadline(time.Now().Add(rejectTimeout)); err != nil {
		return
	}
	if _, err := transport.ReadFrame(conn, limits.MaxMetadataFrame); err != nil {
		return
	}
	_ = transport.WriteToken(conn, transport.TokenError)
}

package weightxfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/opd-ai/weightxfer/audit"
	"github.com/opd-ai/weightxfer/client"
	"github.com/opd-ai/weightxfer/config"
	"github.com/opd-ai/weightxfer/interfaces"
	"github.com/opd-ai/weightxfer/receiver"
	"github.com/opd-ai/weightxfer/status"
	"github.com/opd-ai/weightxfer/transport"
	"github.com/opd-ai/weightxfer/watch"
	"github.com/sirupsen/logrus"
)

// ErrNoServer indicates a send on a node without client.server_address.
var ErrNoServer = errors.New("no server address configured")

// Node wires one configuration into a receiver, an optional client and an
// optional file watcher.
type Node struct {
	cfg      *config.Config
	sink     interfaces.StatusSink
	auditLog *audit.Log
	receiver *receiver.Server
	client   *client.Client
	watcher  *watch.Watcher

	closeOnce sync.Once
}

// NewNode validates cfg and builds the components it enables. A nil sink
// logs status events through logrus.
func NewNode(cfg *config.Config, sink interfaces.StatusSink) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = status.NewLogSink(nil)
	}

	alg, err := cfg.DigestAlgorithm()
	if err != nil {
		return nil, err
	}

	n := &Node{cfg: cfg, sink: sink}

	n.auditLog, err = audit.OpenLog(cfg.ResolvePath(cfg.Receiver.AuditLog), audit.DefaultRecent)
	if err != nil {
		return nil, err
	}

	ropts := &receiver.Options{
		Addr:           cfg.ListenAddress(),
		NodeID:         cfg.NodeID,
		Dir:            cfg.Receiver.Dir,
		Destinations:   make(map[string]receiver.Destination, len(cfg.Receiver.Destinations)),
		BackupDir:      cfg.Receiver.BackupDir,
		ChunkSize:      cfg.FileTransfer.ChunkSize,
		Digest:         alg,
		IdleTimeout:    cfg.Receiver.IdleTimeout,
		MaxConnections: cfg.Receiver.MaxConnections,
		AtomicReplace:  cfg.Receiver.AtomicReplace,
		StatusInterval: cfg.Receiver.StatusInterval,
		AuditLog:       n.auditLog,
		Sink:           sink,
	}
	for fileType, dest := range cfg.Receiver.Destinations {
		ropts.Destinations[fileType] = receiver.Destination{Path: dest.Path, Info: dest.Info}
	}
	if n.receiver, err = receiver.New(ropts); err != nil {
		n.auditLog.Close()
		return nil, err
	}

	if cfg.Client.ServerAddress != "" {
		dialer, err := transport.NewDialer(&cfg.Client.Proxy, cfg.FileTransfer.Timeout)
		if err != nil {
			n.auditLog.Close()
			return nil, err
		}
		copts := &client.Options{
			ChunkSize:   cfg.FileTransfer.ChunkSize,
			Timeout:     cfg.FileTransfer.Timeout,
			MaxAttempts: cfg.FileTransfer.RetryAttempts,
			RetryDelay:  cfg.FileTransfer.RetryDelay,
			NodeID:      cfg.NodeID,
			Digest:      alg,
			Dialer:      dialer,
			Sink:        sink,
		}
		if n.client, err = client.New(cfg.Client.ServerAddress, copts); err != nil {
			n.auditLog.Close()
			return nil, err
		}
	}

	if cfg.Watch.Enabled {
		if n.client == nil {
			n.auditLog.Close()
			return nil, fmt.Errorf("watch enabled: %w", ErrNoServer)
		}
		if n.watcher, err = watch.New(cfg.Watch.Files, cfg.Watch.Debounce); err != nil {
			n.auditLog.Close()
			return nil, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "NewNode",
		"node_id":    cfg.NodeID,
		"role":       cfg.Role,
		"listen":     ropts.Addr,
		"server":     cfg.Client.ServerAddress,
		"watch":      cfg.Watch.Enabled,
		"digest":     alg,
		"chunk_size": cfg.FileTransfer.ChunkSize,
	}).Info("Node configured")

	return n, nil
}

// Receiver returns the node's receiver.
func (n *Node) Receiver() *receiver.Server {
	return n.receiver
}

// Client returns the node's client, or nil when no server address is configured.
func (n *Node) Client() *client.Client {
	return n.client
}

// AuditLog returns the log shared with the receiver.
func (n *Node) AuditLog() *audit.Log {
	return n.auditLog
}

// Send transfers one file to the configured server.
func (n *Node) Send(ctx context.Context, path, fileType string) (*client.Result, error) {
	if n.client == nil {
		return nil, ErrNoServer
	}
	return n.client.Send(ctx, path, fileType)
}

// SendModelAndMetadata sends a trained model and its metadata file to the server.
func (n *Node) SendModelAndMetadata(ctx context.Context, modelPath, metadataPath string) (*client.BatchResult, error) {
	if n.client == nil {
		return nil, ErrNoServer
	}
	batch := n.client.SendPair(ctx, modelPath, metadataPath)
	n.auditLog.Printf("Model and metadata send to %s: %s (%d/2)", n.client.Addr(), batch.Outcome, batch.Succeeded())
	return batch, nil
}

// Forward sends every request from src until src closes or ctx is done.
// Unreachable servers are logged before the send so that retries are
// attributable; the send is attempted regardless.
func (n *Node) Forward(ctx context.Context, src interfaces.FileSource) error {
	if n.client == nil {
		return ErrNoServer
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-src.Requests():
			if !ok {
				return nil
			}
			if err := n.client.Ping(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "Forward",
					"remote_addr": n.client.Addr(),
					"error":       err.Error(),
				}).Warn("Server unreachable, sending anyway")
			}
			if _, err := n.client.Send(ctx, req.Path, req.FileType); err != nil {
				n.auditLog.Printf("Send of %s (%s) failed: %v", req.Path, req.FileType, err)
			} else {
				n.auditLog.Printf("Sent %s (%s) to %s", req.Path, req.FileType, n.client.Addr())
			}
		}
	}
}

// Run starts the receiver and, if enabled, the watcher, and serves until ctx
// is done. It then stops accepting, waits for in-flight transfers and closes
// the audit log.
func (n *Node) Run(ctx context.Context) error {
	if err := n.receiver.Start(); err != nil {
		return err
	}
	n.auditLog.Printf("Node %s started as %s", n.cfg.NodeID, n.cfg.Role)

	var wg sync.WaitGroup
	if n.watcher != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := n.watcher.Run(ctx); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Run",
					"error":    err.Error(),
				}).Error("File watcher stopped")
			}
		}()
		go func() {
			defer wg.Done()
			n.Forward(ctx, n.watcher)
		}()
	}

	<-ctx.Done()
	err := n.receiver.Stop()
	n.receiver.Wait()
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function": "Run",
		"node_id":  n.cfg.NodeID,
	}).Info("Node stopped")
	n.auditLog.Printf("Node %s stopped", n.cfg.NodeID)

	if cerr := n.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close releases the audit log. Run calls it on return.
func (n *Node) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.auditLog.Close()
	})
	return err
}

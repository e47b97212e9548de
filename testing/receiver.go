package testing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/weightxfer/transport"
	"github.com/sirupsen/logrus"
)

// Script is how a ScriptedReceiver answers one connection.
type Script struct {
	// Ack is sent after the metadata frame. Empty closes the connection
	// without answering.
	Ack transport.Token
	// ReadLimit caps how many payload bytes are read; 0 reads file_size.
	ReadLimit int64
	// Final is sent after the payload. Empty closes without answering.
	Final transport.Token
	// Delay is slept before Final is sent.
	Delay time.Duration
}

// Delivery records one connection served by a ScriptedReceiver.
type Delivery struct {
	Metadata      *transport.Metadata
	BytesReceived int64
	// PayloadSHA256 is the hex SHA-256 of the bytes read.
	PayloadSHA256 string
	Ack           transport.Token
	Final         transport.Token
	Err           error
	Timestamp     time.Time
}

// ScriptedReceiver is a fake receiver that follows scripts instead of
// verifying anything. Connection i uses scripts[i]; once the scripts run out
// the last one repeats.
type ScriptedReceiver struct {
	listener   net.Listener
	scripts    []Script
	deliveries []Delivery
	served     int
	mu         sync.Mutex
	wg         sync.WaitGroup
}

// NewScriptedReceiver listens on a loopback port and starts serving.
// With no scripts every connection gets READY then SUCCESS.
func NewScriptedReceiver(scripts ...Script) (*ScriptedReceiver, error) {
	if len(scripts) == 0 {
		scripts = []Script{{Ack: transport.TokenReady, Final: transport.TokenSuccess}}
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewScriptedReceiver",
		"addr":     ln.Addr().String(),
		"scripts":  len(scripts),
	}).Debug("Starting scripted receiver")

	r := &ScriptedReceiver{listener: ln, scripts: scripts}
	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

// Addr returns the host:port the fake listens on.
func (r *ScriptedReceiver) Addr() string {
	return r.listener.Addr().String()
}

// Close stops accepting and waits for in-flight connections.
func (r *ScriptedReceiver) Close() error {
	err := r.listener.Close()
	r.wg.Wait()
	return err
}

// Connections returns how many connections were accepted.
func (r *ScriptedReceiver) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.served
}

// Deliveries returns a copy of the delivery log.
func (r *ScriptedReceiver) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Delivery, len(r.deliveries))
	copy(out, r.deliveries)
	return out
}

func (r *ScriptedReceiver) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			return
		}

		r.mu.Lock()
		idx := r.served
		if idx >= len(r.scripts) {
			idx = len(r.scripts) - 1
		}
		script := r.scripts[idx]
		r.served++
		r.mu.Unlock()

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			d := serveScript(conn, script)
			r.mu.Lock()
			r.deliveries = append(r.deliveries, d)
			r.mu.Unlock()
		}()
	}
}

func serveScript(conn net.Conn, s Script) Delivery {
	defer conn.Close()
	d := Delivery{Timestamp: time.Now()}

	meta, err := transport.ReadMetadata(conn)
	if err != nil {
		d.Err = err
		return d
	}
	d.Metadata = meta

	if s.Ack == "" {
		return d
	}
	if err := transport.WriteToken(conn, s.Ack); err != nil {
		d.Err = err
		return d
	}
	d.Ack = s.Ack
	if s.Ack != transport.TokenReady {
		return d
	}

	want := meta.FileSize
	if s.ReadLimit > 0 && s.ReadLimit < want {
		want = s.ReadLimit
	}
	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(conn, want))
	d.BytesReceived = n
	d.PayloadSHA256 = hex.EncodeToString(h.Sum(nil))
	if err != nil && !errors.Is(err, io.EOF) {
		d.Err = err
		return d
	}

	if s.Delay > 0 {
		time.Sleep(s.Delay)
	}
	if s.Final == "" {
		return d
	}
	if err := transport.WriteToken(conn, s.Final); err != nil {
		d.Err = err
		return d
	}
	d.Final = s.Final
	return d
}

// RefusingAddr returns a loopback address that was just released, so dials
// to it are refused.
func RefusingAddr() (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		return "", err
	}
	return addr, nil
}

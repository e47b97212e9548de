package testing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/weightxfer/transport"
)

// RawSender drives the sending side of the protocol by hand.
type RawSender struct {
	Addr    string
	Timeout time.Duration
}

// Mutation alters what a RawSender puts on the wire. The zero value sends
// the payload unchanged.
type Mutation struct {
	// Truncate sends only SendBytes payload bytes, then half-closes.
	Truncate  bool
	SendBytes int
	// FlipBit flips the lowest bit of the payload byte at BitIndex.
	FlipBit  bool
	BitIndex int
	// Hold delays the payload after READY.
	Hold time.Duration
}

// Truncated sends only the first n payload bytes.
func Truncated(n int) Mutation {
	return Mutation{Truncate: true, SendBytes: n}
}

// Flipped flips one bit of the payload byte at i.
func Flipped(i int) Mutation {
	return Mutation{FlipBit: true, BitIndex: i}
}

// Exchange is what a RawSender observed.
type Exchange struct {
	Ack   transport.Token
	Final transport.Token
}

// NewRawSender creates a sender for addr with a 5 second I/O timeout.
func NewRawSender(addr string) *RawSender {
	return &RawSender{Addr: addr, Timeout: 5 * time.Second}
}

// Send writes meta and, if the receiver answers READY, payload altered by m.
func (s *RawSender) Send(ctx context.Context, meta *transport.Metadata, payload []byte, m Mutation) (Exchange, error) {
	var ex Exchange

	d := net.Dialer{Timeout: s.Timeout}
	raw, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return ex, err
	}
	defer raw.Close()
	conn := transport.NewIdleTimeoutConn(raw, s.Timeout)

	if err := transport.WriteMetadata(conn, meta); err != nil {
		return ex, fmt.Errorf("write metadata: %w", err)
	}
	ex.Ack, err = transport.ReadToken(conn)
	if err != nil {
		return ex, fmt.Errorf("read ack: %w", err)
	}
	if ex.Ack != transport.TokenReady {
		return ex, nil
	}

	if m.Hold > 0 {
		time.Sleep(m.Hold)
	}

	data := payload
	if m.FlipBit && m.BitIndex >= 0 && m.BitIndex < len(data) {
		data = append([]byte(nil), payload...)
		data[m.BitIndex] ^= 0x01
	}
	if m.Truncate && m.SendBytes >= 0 && m.SendBytes < len(data) {
		data = data[:m.SendBytes]
	}
	if _, err := conn.Write(data); err != nil {
		return ex, fmt.Errorf("write payload: %w", err)
	}
	if m.Truncate {
		if tcp, ok := raw.(*net.TCPConn); ok {
			if err := tcp.CloseWrite(); err != nil {
				return ex, err
			}
		}
	}

	ex.Final, err = transport.ReadToken(conn)
	if err != nil && !errors.Is(err, transport.ErrEmptyToken) {
		return ex, fmt.Errorf("read final: %w", err)
	}
	return ex, err
}

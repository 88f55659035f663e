// Package serialtcp provides a serial.Port over a TCP connection, to reach a machine exposed by
// "cncctl serve" (or any raw TCP to serial bridge).
package serialtcp

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fornellas/slogxt/log"
	"go.bug.st/serial"
)

var ErrNotSupported = errors.New("serialtcp: not supported")

// Port partially implements serial.Port interface over a TCP connection.
type Port struct {
	conn        net.Conn
	mu          sync.Mutex
	readTimeout time.Duration
}

// Dial connects to address. Reads block until data arrives unless SetReadTimeout is called.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Port, error) {
	logger := log.MustLogger(ctx)
	logger.Info("Dialing TCP port", "address", address, "timeout", timeout)
	dialer := &net.Dialer{
		Timeout: timeout,
	}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			return nil, errors.Join(err, conn.Close())
		}
	}
	return NewPort(conn), nil
}

// NewPort wraps an established connection.
func NewPort(conn net.Conn) *Port {
	return &Port{
		conn:        conn,
		readTimeout: serial.NoTimeout,
	}
}

// SetMode is accepted and ignored: line settings belong to the remote end of the bridge.
func (p *Port) SetMode(mode *serial.Mode) error {
	return nil
}

// Read behaves like go.bug.st/serial: when the read timeout expires it returns 0, nil.
func (p *Port) Read(b []byte) (n int, err error) {
	p.mu.Lock()
	readTimeout := p.readTimeout
	p.mu.Unlock()

	deadline := time.Time{}
	if readTimeout != serial.NoTimeout {
		deadline = time.Now().Add(readTimeout)
	}
	if err := p.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}
	n, err = p.conn.Read(b)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *Port) Write(b []byte) (n int, err error) {
	return p.conn.Write(b)
}

func (p *Port) Drain() error {
	return nil
}

func (p *Port) ResetInputBuffer() error {
	return ErrNotSupported
}

func (p *Port) ResetOutputBuffer() error {
	return ErrNotSupported
}

func (p *Port) SetDTR(dtr bool) error {
	return ErrNotSupported
}

func (p *Port) SetRTS(rts bool) error {
	return ErrNotSupported
}

func (p *Port) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return nil, ErrNotSupported
}

func (p *Port) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *Port) Close() error {
	return p.conn.Close()
}

func (p *Port) Break(time.Duration) error {
	return ErrNotSupported
}

var _ serial.Port = (*Port)(nil)

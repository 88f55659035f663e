package transport

import (
	"errors"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

var errFakePortClosed = errors.New("fake port closed")

// fakePort is an in-memory serial.Port: tests feed what the machine sends and inspect what was
// written to it.
type fakePort struct {
	mu          sync.Mutex
	readTimeout time.Duration
	pending     []byte
	written     []string
	writeErr    error
	onWrite     func(line string)
	closed      bool

	readCh    chan []byte
	readErrCh chan error
	closedCh  chan struct{}
}

func newFakePort() *fakePort {
	return &fakePort{
		readTimeout: serial.NoTimeout,
		readCh:      make(chan []byte, 100),
		readErrCh:   make(chan error, 10),
		closedCh:    make(chan struct{}),
	}
}

// feed queues data to be read from the port.
func (p *fakePort) feed(data string) {
	p.readCh <- []byte(data)
}

// lines returns every line written so far, without terminators.
func (p *fakePort) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.written...)
}

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) getReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

func (p *fakePort) SetMode(mode *serial.Mode) error {
	return nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if len(p.pending) > 0 {
		n := copy(b, p.pending)
		p.pending = p.pending[n:]
		p.mu.Unlock()
		return n, nil
	}
	readTimeout := p.readTimeout
	p.mu.Unlock()

	var timeoutCh <-chan time.Time
	if readTimeout != serial.NoTimeout {
		timer := time.NewTimer(readTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case data := <-p.readCh:
		n := copy(b, data)
		p.mu.Lock()
		p.pending = append(p.pending, data[n:]...)
		p.mu.Unlock()
		return n, nil
	case err := <-p.readErrCh:
		return 0, err
	case <-timeoutCh:
		return 0, nil
	case <-p.closedCh:
		return 0, errFakePortClosed
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, errFakePortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	line := strings.TrimSuffix(string(b), LineTerminator)
	p.written = append(p.written, line)
	onWrite := p.onWrite
	p.mu.Unlock()
	if onWrite != nil {
		onWrite(line)
	}
	return len(b), nil
}

func (p *fakePort) Drain() error {
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	return nil
}

func (p *fakePort) ResetOutputBuffer() error {
	return nil
}

func (p *fakePort) SetDTR(dtr bool) error {
	return nil
}

func (p *fakePort) SetRTS(rts bool) error {
	return nil
}

func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errFakePortClosed
	}
	p.closed = true
	close(p.closedCh)
	return nil
}

func (p *fakePort) Break(time.Duration) error {
	return nil
}

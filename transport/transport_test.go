package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fornellas/slogxt/log"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func testContext(t *testing.T) context.Context {
	return log.WithLogger(t.Context(), slog.New(slog.DiscardHandler))
}

// waitEvent reads events from ch until one of type T arrives.
func waitEvent[T Event](t *testing.T, ch <-chan Event) T {
	t.Helper()
	timeout := time.After(time.Second)
	for {
		select {
		case event, ok := <-ch:
			require.True(t, ok, "event channel closed")
			if e, ok := event.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			require.FailNowf(t, "timeout", "no %T event received", zero)
		}
	}
}

// collectEvents returns every event received within d.
func collectEvents(ch <-chan Event, d time.Duration) []Event {
	events := []Event{}
	timeout := time.After(d)
	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, event)
		case <-timeout:
			return events
		}
	}
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func newConnectedTransport(t *testing.T) (context.Context, *Transport, *fakePort) {
	ctx := testContext(t)
	port := newFakePort()
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		return port, nil
	}, &Options{ReadTimeout: 10 * time.Millisecond})
	require.NoError(t, transport.Connect(ctx, "COM1", 115200))
	t.Cleanup(func() {
		require.NoError(t, transport.Disconnect(ctx))
	})
	return ctx, transport, port
}

func TestConnect(t *testing.T) {
	ctx := testContext(t)
	port := newFakePort()
	var gotPortName string
	var gotMode *serial.Mode
	transport := NewTransport(func(_ context.Context, portName string, mode *serial.Mode) (serial.Port, error) {
		gotPortName = portName
		gotMode = mode
		return port, nil
	}, nil)
	events := transport.Subscribe("test", 10)

	require.Equal(t, ConnectionStateDisconnected, transport.State())
	require.NoError(t, transport.Connect(ctx, "/dev/ttyUSB0", 115200))
	require.Equal(t, ConnectionStateConnected, transport.State())
	require.True(t, transport.IsConnected())
	require.Equal(t, "/dev/ttyUSB0", transport.PortName())
	waitEvent[*ConnectionOpenedEvent](t, events)

	require.Equal(t, "/dev/ttyUSB0", gotPortName)
	require.Equal(t, 115200, gotMode.BaudRate)
	require.Equal(t, 8, gotMode.DataBits)
	require.Equal(t, DefaultOptions.ReadTimeout, port.getReadTimeout())

	err := transport.Connect(ctx, "/dev/ttyUSB0", 115200)
	require.ErrorIs(t, err, ErrAlreadyConnected)

	require.NoError(t, transport.Disconnect(ctx))
	require.True(t, port.isClosed())
}

func TestConnectInvalidBaudRate(t *testing.T) {
	ctx := testContext(t)
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		require.FailNow(t, "must not open")
		return nil, nil
	}, nil)
	require.ErrorIs(t, transport.Connect(ctx, "COM1", 0), ErrInvalidBaudRate)
	require.Equal(t, ConnectionStateDisconnected, transport.State())
}

func TestConnectRetriesExhausted(t *testing.T) {
	ctx := testContext(t)
	sleepRecorder := &sleepRecorder{}
	attempts := 0
	ioErr := errors.New("input/output error")
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		attempts++
		return nil, ioErr
	}, &Options{SleepFn: sleepRecorder.sleep})
	events := transport.Subscribe("test", 10)

	err := transport.Connect(ctx, "COM1", 115200)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, ioErr)
	require.Equal(t, 3, attempts)
	require.Equal(t, []time.Duration{500 * time.Millisecond, 1000 * time.Millisecond}, sleepRecorder.delays)
	require.Equal(t, ConnectionStateDisconnected, transport.State())
	waitEvent[*ErrorOccurredEvent](t, events)
}

func TestConnectRetrySucceeds(t *testing.T) {
	ctx := testContext(t)
	sleepRecorder := &sleepRecorder{}
	port := newFakePort()
	attempts := 0
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("device busy")
		}
		return port, nil
	}, &Options{SleepFn: sleepRecorder.sleep})

	require.NoError(t, transport.Connect(ctx, "COM1", 9600))
	require.Equal(t, 2, attempts)
	require.Equal(t, []time.Duration{500 * time.Millisecond}, sleepRecorder.delays)
	require.NoError(t, transport.Disconnect(ctx))
}

func TestConnectPermissionDenied(t *testing.T) {
	ctx := testContext(t)
	sleepRecorder := &sleepRecorder{}
	attempts := 0
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		attempts++
		return nil, fmt.Errorf("open /dev/ttyUSB0: %w", fs.ErrPermission)
	}, &Options{SleepFn: sleepRecorder.sleep})

	err := transport.Connect(ctx, "/dev/ttyUSB0", 115200)
	require.ErrorIs(t, err, ErrPermissionDenied)
	require.NotErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 1, attempts)
	require.Empty(t, sleepRecorder.delays)
	require.Equal(t, ConnectionStateDisconnected, transport.State())
}

func TestConnectCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(testContext(t))
	attempts := 0
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		attempts++
		cancel()
		return nil, errors.New("input/output error")
	}, &Options{InitialDelay: time.Hour})

	start := time.Now()
	err := transport.Connect(ctx, "COM1", 115200)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, 1, attempts)
	require.Equal(t, ConnectionStateDisconnected, transport.State())
}

func TestDisconnectIdempotent(t *testing.T) {
	ctx := testContext(t)
	port := newFakePort()
	transport := NewTransport(func(context.Context, string, *serial.Mode) (serial.Port, error) {
		return port, nil
	}, &Options{ReadTimeout: 10 * time.Millisecond})
	events := transport.Subscribe("test", 10)

	require.NoError(t, transport.Disconnect(ctx))

	require.NoError(t, transport.Connect(ctx, "COM1", 115200))
	require.NoError(t, transport.Disconnect(ctx))
	require.NoError(t, transport.Disconnect(ctx))
	require.Equal(t, ConnectionStateDisconnected, transport.State())

	closed := 0
	for _, event := range collectEvents(events, 100*time.Millisecond) {
		if _, ok := event.(*ConnectionClosedEvent); ok {
			closed++
		}
	}
	require.Equal(t, 1, closed)
}

func TestSendCommandNotConnected(t *testing.T) {
	ctx := testContext(t)
	transport := NewTransport(nil, nil)
	ok, err := transport.SendCommand(ctx, "G28", time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSendCommandInvalid(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	ok, err := transport.SendCommand(ctx, "G28\nM112", time.Second)
	require.ErrorIs(t, err, ErrInvalidCommand)
	require.False(t, ok)
	require.Empty(t, port.lines())
}

func TestSendCommandAcknowledged(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	port.onWrite = func(line string) {
		port.feed("ok\r\n")
	}

	ok, err := transport.SendCommand(ctx, "G28", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"G28"}, port.lines())
}

func TestSendCommandTimeout(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	ok, err := transport.SendCommand(ctx, "G28", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, []string{"G28"}, port.lines())
	require.Equal(t, "Response timeout", waitEvent[*ErrorOccurredEvent](t, events).Message)
}

func TestSendCommandCanceled(t *testing.T) {
	ctx, transport, _ := newConnectedTransport(t)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok, err := transport.SendCommand(ctx, "G28", 10*time.Second)
	require.ErrorIs(t, err, ErrCanceled)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
}

func TestSendCommandWriteError(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	writeErr := errors.New("write failed")
	port.writeErr = writeErr

	ok, err := transport.SendCommand(ctx, "G28", time.Second)
	require.ErrorIs(t, err, writeErr)
	require.NotErrorIs(t, err, ErrCanceled)
	require.False(t, ok)
}

func TestSendCommandDiscardsStaleLines(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	port.feed("ALARM:1\r\n")
	require.Equal(t, "ALARM:1", waitEvent[*DataReceivedEvent](t, events).Data)

	ok, err := transport.SendCommand(ctx, "$X", 50*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSendCommandResponseSkipsStaleLines(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	port.feed("Position: 1,2,3\r\n")
	require.Equal(t, "Position: 1,2,3", waitEvent[*DataReceivedEvent](t, events).Data)

	port.onWrite = func(line string) {
		port.feed("[VER:1.1]\r\n")
	}
	response, ok, err := transport.SendCommandResponse(ctx, "$I", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "[VER:1.1]", response)
}

func TestSendCommandSerialized(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)

	type result struct {
		ok  bool
		err error
	}
	firstCh := make(chan result, 1)
	secondCh := make(chan result, 1)

	go func() {
		ok, err := transport.SendCommand(ctx, "G28", 5*time.Second)
		firstCh <- result{ok, err}
	}()
	require.Eventually(t, func() bool { return len(port.lines()) == 1 }, time.Second, time.Millisecond)

	go func() {
		ok, err := transport.SendCommand(ctx, "M5", 5*time.Second)
		secondCh <- result{ok, err}
	}()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"G28"}, port.lines())

	port.feed("ok\r\n")
	first := <-firstCh
	require.NoError(t, first.err)
	require.True(t, first.ok)

	require.Eventually(t, func() bool { return len(port.lines()) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []string{"G28", "M5"}, port.lines())
	port.feed("ok\r\n")
	second := <-secondCh
	require.NoError(t, second.err)
	require.True(t, second.ok)
}

func TestSendCommandQueuedCanceled(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)

	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		_, _ = transport.SendCommand(ctx, "G28", 200*time.Millisecond)
	}()
	require.Eventually(t, func() bool { return len(port.lines()) == 1 }, time.Second, time.Millisecond)

	queuedCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	ok, err := transport.SendCommand(queuedCtx, "M5", time.Second)
	require.ErrorIs(t, err, ErrCanceled)
	require.False(t, ok)
	<-doneCh
	require.Equal(t, []string{"G28"}, port.lines())
}

func TestSendImmediateBypassesPendingSend(t *testing.T) {
	ctx, transport, port := newConnectedTransport(t)

	doneCh := make(chan bool, 1)
	go func() {
		ok, _ := transport.SendCommand(ctx, "G28", 5*time.Second)
		doneCh <- ok
	}()
	require.Eventually(t, func() bool { return len(port.lines()) == 1 }, time.Second, time.Millisecond)

	ok, err := transport.SendImmediate(ctx, "M112")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"G28", "M112"}, port.lines())

	port.feed("ok\r\n")
	require.True(t, <-doneCh)
}

func TestSendImmediateNotConnected(t *testing.T) {
	ctx := testContext(t)
	transport := NewTransport(nil, nil)
	ok, err := transport.SendImmediate(ctx, "M112")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadWorkerFramesLines(t *testing.T) {
	_, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	port.feed("ok\r\nPosi")
	port.feed("tion: 1,2,3\r\n\r\nALARM:1\n")

	for _, expected := range []string{"ok", "Position: 1,2,3", "ALARM:1"} {
		require.Equal(t, expected, waitEvent[*DataReceivedEvent](t, events).Data)
	}
}

func TestReadWorkerDropsLongLines(t *testing.T) {
	_, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	port.feed(strings.Repeat("x", maxLineSize+10))
	port.feed("yyy\r\nok\r\n")

	require.Equal(t,
		fmt.Sprintf("Received line longer than %d bytes, dropped", maxLineSize),
		waitEvent[*ErrorOccurredEvent](t, events).Message,
	)
	require.Equal(t, "ok", waitEvent[*DataReceivedEvent](t, events).Data)
}

func TestReadWorkerKeepsLinesAtLimit(t *testing.T) {
	_, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	line := strings.Repeat("x", maxLineSize)
	port.feed(line + "\n")
	require.Equal(t, line, waitEvent[*DataReceivedEvent](t, events).Data)
}

func TestReadWorkerContinuesAfterError(t *testing.T) {
	_, transport, port := newConnectedTransport(t)
	events := transport.Subscribe("test", 10)

	port.readErrCh <- errors.New("framing error")
	require.Equal(t, "Read error: framing error", waitEvent[*ErrorOccurredEvent](t, events).Message)

	port.feed("ok\r\n")
	require.Equal(t, "ok", waitEvent[*DataReceivedEvent](t, events).Data)
}

func TestGetAvailablePorts(t *testing.T) {
	ctx := testContext(t)

	t.Run("success", func(t *testing.T) {
		transport := NewTransport(nil, &Options{ListPortsFn: func() ([]string, error) {
			return []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, nil
		}})
		require.Equal(t, []string{"/dev/ttyUSB0", "/dev/ttyACM0"}, transport.GetAvailablePorts(ctx))
	})

	t.Run("none", func(t *testing.T) {
		transport := NewTransport(nil, &Options{ListPortsFn: func() ([]string, error) {
			return nil, nil
		}})
		require.Equal(t, []string{}, transport.GetAvailablePorts(ctx))
	})

	t.Run("error", func(t *testing.T) {
		transport := NewTransport(nil, &Options{ListPortsFn: func() ([]string, error) {
			return nil, errors.New("enumeration failed")
		}})
		events := transport.Subscribe("test", 10)
		require.Equal(t, []string{}, transport.GetAvailablePorts(ctx))
		waitEvent[*ErrorOccurredEvent](t, events)
	})
}

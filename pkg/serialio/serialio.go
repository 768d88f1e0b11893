// Package serialio is the Serial Transport external collaborator
// (spec §6): it opens one named serial port and delivers
// open/data/error/disconnect/close notifications to a Port Manager,
// with no framing of its own. It is a thin, event-driven wrapper
// around go.bug.st/serial, in the shape of the teacher's
// pkg/transport/serial, but reworked from a poll-style Receive(ctx)
// into push-style callbacks since the Port Manager's reconnect and
// quiescence logic needs to react to bytes as they arrive, not on its
// own schedule.
package serialio

import (
	"errors"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Common errors.
var (
	ErrPortNotOpen   = errors.New("serialio: port not open")
	ErrAlreadyOpen   = errors.New("serialio: port already open")
	ErrInvalidConfig = errors.New("serialio: invalid configuration")
)

// Mode configures how a port is opened. It intentionally exposes only
// the fields the Port Manager's reconnect loop ever varies (baud
// rate); data bits/parity/stop bits are fixed at 8-N-1 the way most
// line-oriented device firmwares expect, mirroring go.bug.st/serial's
// own zero-value Mode defaults.
type Mode struct {
	BaudRate int
	// ReadBufferSize sizes the internal read chunk. Zero uses a
	// sensible default.
	ReadBufferSize int
}

// EventHandler receives notifications from a Transport. OnData and
// OnDisconnect are invoked from the Transport's single internal reader
// goroutine; OnOpen and OnClose are invoked on the goroutine that calls
// Open or Close, so OnClose can run concurrently with a final OnData.
type EventHandler interface {
	OnOpen()
	OnData(data []byte)
	OnError(err error)
	OnDisconnect()
	OnClose()
}

// EventHandlerFuncs is a struct-of-funcs adapter for EventHandler,
// letting a caller implement only the notifications it cares about.
type EventHandlerFuncs struct {
	OpenFunc       func()
	DataFunc       func([]byte)
	ErrorFunc      func(error)
	DisconnectFunc func()
	CloseFunc      func()
}

func (h EventHandlerFuncs) OnOpen() {
	if h.OpenFunc != nil {
		h.OpenFunc()
	}
}
func (h EventHandlerFuncs) OnData(data []byte) {
	if h.DataFunc != nil {
		h.DataFunc(data)
	}
}
func (h EventHandlerFuncs) OnError(err error) {
	if h.ErrorFunc != nil {
		h.ErrorFunc(err)
	}
}
func (h EventHandlerFuncs) OnDisconnect() {
	if h.DisconnectFunc != nil {
		h.DisconnectFunc()
	}
}
func (h EventHandlerFuncs) OnClose() {
	if h.CloseFunc != nil {
		h.CloseFunc()
	}
}

// Transport is the contract required from the serial transport
// library (spec §6): open a named port at a given mode, write to it,
// and push open/data/error/disconnect/close notifications to a
// handler. No framing is performed.
type Transport interface {
	// Open opens the port and starts the internal reader. Open is
	// synchronous: it returns once the OS-level open call completes.
	Open(path string, mode Mode) error
	// Write sends data, returning once the OS has acknowledged the
	// write (or rejected it).
	Write(data []byte) (int, error)
	// Close closes the port and stops the reader goroutine.
	Close() error
	// SetEventHandler installs the notification sink. Must be called
	// before Open.
	SetEventHandler(h EventHandler)
}

// SerialTransport implements Transport against a real OS serial port
// via go.bug.st/serial.
type SerialTransport struct {
	mu      sync.Mutex
	port    serial.Port
	handler EventHandler
	path    string

	readBuf []byte
	closed  bool
}

// NewSerialTransport creates an unopened transport.
func NewSerialTransport() *SerialTransport {
	return &SerialTransport{readBuf: make([]byte, 4096)}
}

func (t *SerialTransport) SetEventHandler(h EventHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Open opens the named port and starts the reader goroutine that
// drives OnData/OnError/OnDisconnect notifications.
func (t *SerialTransport) Open(path string, mode Mode) error {
	t.mu.Lock()
	if t.port != nil {
		t.mu.Unlock()
		return ErrAlreadyOpen
	}
	if mode.BaudRate <= 0 {
		t.mu.Unlock()
		return ErrInvalidConfig
	}

	smode := &serial.Mode{
		BaudRate: mode.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, smode)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	// A short read timeout turns blocking Read calls into a polling
	// loop we can interleave with Close, without needing a context
	// per read the way a TCP conn would.
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		t.mu.Unlock()
		return err
	}

	if mode.ReadBufferSize > 0 {
		t.readBuf = make([]byte, mode.ReadBufferSize)
	}

	t.port = port
	t.path = path
	t.closed = false
	handler := t.handler
	t.mu.Unlock()

	if handler != nil {
		handler.OnOpen()
	}

	go t.readLoop(port, handler)
	return nil
}

func (t *SerialTransport) readLoop(port serial.Port, handler EventHandler) {
	for {
		n, err := port.Read(t.readBuf)

		t.mu.Lock()
		closing := t.closed || t.port != port
		t.mu.Unlock()
		if closing {
			return
		}

		if err != nil {
			// go.bug.st/serial surfaces a pulled cable as a read
			// error (io.EOF on some platforms, an OS-level I/O error
			// on others) rather than a distinct "unplugged" signal.
			// Any read error on an open port is treated as a
			// disconnect: the reconnect loop re-probes enumeration
			// and re-opens once the path is gone or comes back.
			if handler != nil {
				handler.OnDisconnect()
			}
			return
		}

		if n == 0 {
			// Read timeout, no data: normal, keep polling.
			continue
		}

		data := make([]byte, n)
		copy(data, t.readBuf[:n])
		if handler != nil {
			handler.OnData(data)
		}
	}
}

func (t *SerialTransport) Write(data []byte) (int, error) {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return 0, ErrPortNotOpen
	}
	return port.Write(data)
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	if t.port == nil || t.closed {
		t.mu.Unlock()
		return nil
	}
	port := t.port
	handler := t.handler
	t.closed = true
	t.port = nil
	t.mu.Unlock()

	err := port.Close()
	if handler != nil {
		handler.OnClose()
	}
	return err
}

// Factory constructs fresh Transport instances. The Port Manager's
// reconnect loop opens a new Transport on every cycle rather than
// reusing one, matching go.bug.st/serial's own "closed ports can't be
// reopened" behavior.
type Factory interface {
	New() Transport
}

// SerialFactory builds real SerialTransport instances.
type SerialFactory struct{}

func (SerialFactory) New() Transport { return NewSerialTransport() }

var _ Transport = (*SerialTransport)(nil)

package bq76

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
)

// Serial defaults for the daisy-chain UART.
const (
	DefaultBaudRate    = 612500
	DefaultReadTimeout = 50 * time.Millisecond
)

// Link is the raw byte transport under a Session. Read must return 0 bytes
// and a nil error when its timeout expires without data.
type Link interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// inputResetter is implemented by links that can discard stale input.
type inputResetter interface {
	ResetInputBuffer() error
}

// LinkConfig holds serial port settings.
type LinkConfig struct {
	BaudRate    int
	ReadTimeout time.Duration
}

// LinkOption configures OpenSerial.
type LinkOption func(*LinkConfig)

// WithBaudRate overrides the default 612500 baud.
func WithBaudRate(baud int) LinkOption {
	return func(c *LinkConfig) {
		if baud > 0 {
			c.BaudRate = baud
		}
	}
}

// WithReadTimeout overrides the 50 ms response window.
func WithReadTimeout(d time.Duration) LinkOption {
	return func(c *LinkConfig) {
		if d > 0 {
			c.ReadTimeout = d
		}
	}
}

// SerialLink is a Link over a local serial port.
type SerialLink struct {
	name   string
	port   serial.Port
	mu     sync.Mutex
	closed bool
}

var openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
	return serial.Open(name, mode)
}

// Links opened by this process, keyed by port name, so a second open of the
// same port can recover by closing the stale handle.
var (
	openLinks   = make(map[string]*SerialLink)
	openLinksMu sync.Mutex
)

// OpenSerial opens a port at 8N1. If the port cannot be opened while this
// process still holds it, the held link is closed and the open retried once.
func OpenSerial(name string, opts ...LinkOption) (*SerialLink, error) {
	cfg := LinkConfig{BaudRate: DefaultBaudRate, ReadTimeout: DefaultReadTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	openLinksMu.Lock()
	defer openLinksMu.Unlock()

	port, err := openPort(name, mode)
	if err != nil {
		stale, held := openLinks[name]
		if !held {
			return nil, fmt.Errorf("%w: open %s: %v", ErrConnection, name, err)
		}
		stale.closeLocked()
		delete(openLinks, name)
		port, err = openPort(name, mode)
		if err != nil {
			return nil, fmt.Errorf("%w: reopen %s: %v", ErrConnection, name, err)
		}
	}

	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: set read timeout on %s: %v", ErrConnection, name, err)
	}

	l := &SerialLink{name: name, port: port}
	openLinks[name] = l
	return l, nil
}

// Name returns the port name the link was opened on.
func (l *SerialLink) Name() string { return l.name }

func (l *SerialLink) Read(p []byte) (int, error) {
	return l.port.Read(p)
}

func (l *SerialLink) Write(p []byte) (int, error) {
	return l.port.Write(p)
}

// ResetInputBuffer drops bytes left over from a previous transaction.
func (l *SerialLink) ResetInputBuffer() error {
	return l.port.ResetInputBuffer()
}

// Close releases the port. Closing an already closed link is a no-op.
func (l *SerialLink) Close() error {
	openLinksMu.Lock()
	defer openLinksMu.Unlock()
	if openLinks[l.name] == l {
		delete(openLinks, l.name)
	}
	return l.closeLocked()
}

func (l *SerialLink) closeLocked() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.port.Close()
}

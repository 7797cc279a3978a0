package bq76

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestSession_ReadRegister(t *testing.T) {
	dev := newFakeDevice(3)
	dev.regs[RegAlertStatus] = 0x42
	s := NewSession(dev)

	data, err := s.ReadRegister(3, RegAlertStatus, 1)
	if err != nil {
		t.Fatalf("ReadRegister() error = %v", err)
	}
	if !bytes.Equal(data, []byte{0x42}) {
		t.Errorf("data = % X, want 42", data)
	}
	if !bytes.Equal(dev.requests[0], []byte{0x06, 0x20, 0x01}) {
		t.Errorf("request = % X, want 06 20 01", dev.requests[0])
	}
}

func TestSession_ReadRegisterTimeout(t *testing.T) {
	dev := newFakeDevice(3)
	s := NewSession(dev)

	_, err := s.ReadRegister(4, RegAlertStatus, 1)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("error = %v, want ErrTimeout", err)
	}
}

func TestSession_WriteRegister(t *testing.T) {
	dev := newFakeDevice(3)
	s := NewSession(dev)

	echoed, matched, err := s.WriteRegister(3, RegIOConfig, 0x03)
	if err != nil {
		t.Fatalf("WriteRegister() error = %v", err)
	}
	if echoed != 0x03 || !matched {
		t.Errorf("got (0x%02X, %v), want (0x03, true)", echoed, matched)
	}
	if dev.regs[RegIOConfig] != 0x03 {
		t.Errorf("register = 0x%02X, want 0x03", dev.regs[RegIOConfig])
	}

	dev.echo[RegIOConfig] = 0x01
	echoed, matched, err = s.WriteRegister(3, RegIOConfig, 0x03)
	if err != nil {
		t.Fatalf("WriteRegister() error = %v", err)
	}
	if echoed != 0x01 || matched {
		t.Errorf("got (0x%02X, %v), want (0x01, false)", echoed, matched)
	}
}

func TestSession_NoRetryByDefault(t *testing.T) {
	dev := newFakeDevice(3)
	dev.badCRC[3] = true
	s := NewSession(dev)

	if _, err := s.ReadRegister(3, RegFaultStatus, 1); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("error = %v, want ErrCrcMismatch", err)
	}
	if len(dev.requests) != 1 {
		t.Errorf("sent %d requests, want 1", len(dev.requests))
	}
}

func TestSession_Retries(t *testing.T) {
	dev := newFakeDevice(3)
	dev.badCRC[3] = true
	dev.echo[RegIOConfig] = 0x00

	var observed []Transaction
	s := NewSession(dev, WithRetries(2), WithObserver(func(tx Transaction) {
		observed = append(observed, tx)
	}))

	if _, err := s.ReadRegister(3, RegFaultStatus, 1); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("read error = %v, want ErrCrcMismatch", err)
	}
	if len(dev.requests) != 3 {
		t.Errorf("read sent %d requests, want 3", len(dev.requests))
	}

	dev.requests = nil
	_, matched, err := s.WriteRegister(3, RegIOConfig, 0x03)
	if err != nil || matched {
		t.Fatalf("write = (%v, %v), want unmatched without error", matched, err)
	}
	if len(dev.requests) != 3 {
		t.Errorf("write sent %d requests, want 3", len(dev.requests))
	}
	if len(observed) != 6 {
		t.Errorf("observer saw %d transactions, want 6", len(observed))
	}
	for _, tx := range observed {
		if tx.Err == nil {
			t.Errorf("transaction %s 0x%02X reported no error", tx.Op, tx.Register)
		}
	}
}

type failingLink struct{ fakeDevice }

func (l *failingLink) Read(p []byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestSession_LinkErrors(t *testing.T) {
	s := NewSession(&failingLink{})
	if _, err := s.ReadRegister(0, RegAddress, 1); !errors.Is(err, ErrConnection) {
		t.Errorf("error = %v, want ErrConnection", err)
	}
}

func TestSession_Close(t *testing.T) {
	dev := newFakeDevice(3)
	s := NewSession(dev)

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !dev.closed {
		t.Error("link was not closed")
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.ReadRegister(3, RegAddress, 1); !errors.Is(err, ErrConnection) {
		t.Errorf("error after close = %v, want ErrConnection", err)
	}
}

func TestSession_InvalidArguments(t *testing.T) {
	s := NewSession(newFakeDevice(3))
	if _, err := s.ReadRegister(0x40, RegAddress, 1); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("address 0x40: error = %v, want ErrInvalidArguments", err)
	}
	if _, err := s.ReadRegister(3, RegAddress, 0); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("length 0: error = %v, want ErrInvalidArguments", err)
	}
}

package bq76

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session owns one Link and serialises every transaction on it. The bus is
// half-duplex, so each public method holds the session lock for its whole
// sequence of round trips.
//
// Session is safe for concurrent use.
type Session struct {
	link   Link
	config Config

	mu     sync.Mutex
	closed bool
}

// NewSession creates a session over link.
func NewSession(link Link, opts ...Option) *Session {
	if link == nil {
		panic("link cannot be nil")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Session{link: link, config: cfg}
}

// Close closes the underlying link once the current operation completes.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.link.Close()
}

// ReadRegister reads length bytes starting at reg.
func (s *Session) ReadRegister(addr Address, reg, length byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readRegister(addr, reg, length)
}

// WriteRegister writes value to reg and reports the echoed value and whether
// it matched. A mismatch is not an error here; callers decide.
func (s *Session) WriteRegister(addr Address, reg, value byte) (echoed byte, matched bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRegister(addr, reg, value)
}

func (s *Session) readRegister(addr Address, reg, length byte) ([]byte, error) {
	if addr > Broadcast {
		return nil, fmt.Errorf("%w: address %d", ErrInvalidArguments, addr)
	}
	if length == 0 || int(length) > maxReadLength {
		return nil, fmt.Errorf("%w: read length %d", ErrInvalidArguments, length)
	}

	req := BuildRead(addr, reg, length)
	var err error
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		var resp, data []byte
		start := time.Now()
		resp, err = s.transact(req, int(length)+readOverhead)
		if err == nil {
			data, err = ParseReadResponse(resp, addr, reg, length)
		}
		s.observe("read", addr, reg, req, resp, err, time.Since(start))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, ErrCrcMismatch) {
			break
		}
	}
	return nil, err
}

func (s *Session) writeRegister(addr Address, reg, value byte) (byte, bool, error) {
	if addr > Broadcast {
		return 0, false, fmt.Errorf("%w: address %d", ErrInvalidArguments, addr)
	}

	req := BuildWrite(addr, reg, value)
	var (
		echoed  byte
		matched bool
	)
	for attempt := 0; attempt <= s.config.Retries; attempt++ {
		start := time.Now()
		resp, err := s.transact(req, writeFrameSize)
		if err == nil {
			echoed, matched, err = ParseWriteResponse(resp, addr, reg, value)
		}
		if err == nil && !matched {
			s.observe("write", addr, reg, req, resp,
				&WriteVerifyMismatchError{Address: addr, Register: reg, Written: value, Echoed: echoed},
				time.Since(start))
			continue
		}
		s.observe("write", addr, reg, req, resp, err, time.Since(start))
		if err != nil {
			return 0, false, err
		}
		return echoed, true, nil
	}
	return echoed, false, nil
}

// writeVerified writes value and turns an echo mismatch into an error.
func (s *Session) writeVerified(addr Address, reg, value byte) error {
	echoed, matched, err := s.writeRegister(addr, reg, value)
	if err != nil {
		return err
	}
	if !matched {
		return &WriteVerifyMismatchError{Address: addr, Register: reg, Written: value, Echoed: echoed}
	}
	return nil
}

// readByte reads a single register byte.
func (s *Session) readByte(addr Address, reg byte) (byte, error) {
	data, err := s.readRegister(addr, reg, 1)
	if err != nil {
		return 0, err
	}
	return data[0], nil
}

// transact writes req and collects up to want response bytes, stopping
// early when the link read times out.
func (s *Session) transact(req []byte, want int) ([]byte, error) {
	if s.closed {
		return nil, fmt.Errorf("%w: session closed", ErrConnection)
	}
	if r, ok := s.link.(inputResetter); ok {
		_ = r.ResetInputBuffer()
	}

	s.config.Logger.Debug("tx", "frame", hex.EncodeToString(req))
	if _, err := s.link.Write(req); err != nil {
		return nil, fmt.Errorf("%w: write: %v", ErrConnection, err)
	}

	resp := make([]byte, 0, want)
	buf := make([]byte, want)
	for len(resp) < want {
		n, err := s.link.Read(buf[:want-len(resp)])
		if err != nil {
			return nil, fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
		if n == 0 {
			break
		}
		resp = append(resp, buf[:n]...)
	}
	s.config.Logger.Debug("rx", "frame", hex.EncodeToString(resp))

	if s.config.OperationDelay > 0 {
		time.Sleep(s.config.OperationDelay)
	}
	return resp, nil
}

func (s *Session) observe(op string, addr Address, reg byte, req, resp []byte, err error, d time.Duration) {
	if err != nil {
		s.config.Logger.Debug("transaction failed", "op", op, "address", addr, "register", reg, "err", err)
	}
	if s.config.Observer == nil {
		return
	}
	s.config.Observer(Transaction{
		Op:       op,
		Address:  addr,
		Register: reg,
		Request:  req,
		Response: resp,
		Err:      err,
		Duration: d,
	})
}

package bq76

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by every register-level operation. Typed errors below
// match their kind with errors.Is.
var (
	ErrConnection          = errors.New("bq76: connection error")
	ErrTimeout             = errors.New("bq76: timeout")
	ErrCrcMismatch         = errors.New("bq76: crc mismatch")
	ErrNoDeviceFound       = errors.New("bq76: no device found")
	ErrWriteVerifyMismatch = errors.New("bq76: write verify mismatch")
	ErrInvalidThreshold    = errors.New("bq76: invalid threshold")
	ErrInvalidArguments    = errors.New("bq76: invalid arguments")
)

// CrcMismatchError indicates that a read response failed its CRC8 check.
type CrcMismatchError struct {
	Address  Address
	Register byte
	Expected byte
	Received byte
}

func (e *CrcMismatchError) Error() string {
	return fmt.Sprintf("crc mismatch reading 0x%02X from device %d: expected 0x%02X, received 0x%02X",
		e.Register, e.Address, e.Expected, e.Received)
}

func (e *CrcMismatchError) Is(target error) bool { return target == ErrCrcMismatch }

// WriteVerifyMismatchError indicates that the value echoed by the device
// differs from the value written.
type WriteVerifyMismatchError struct {
	Address  Address
	Register byte
	Written  byte
	Echoed   byte
}

func (e *WriteVerifyMismatchError) Error() string {
	return fmt.Sprintf("write verify mismatch at 0x%02X on device %d: wrote 0x%02X, echoed 0x%02X",
		e.Register, e.Address, e.Written, e.Echoed)
}

func (e *WriteVerifyMismatchError) Is(target error) bool { return target == ErrWriteVerifyMismatch }

// TimeoutError reports an empty or short response, or an exhausted poll.
type TimeoutError struct {
	Op       string
	Register byte
	Got      int
	Want     int
}

func (e *TimeoutError) Error() string {
	if e.Want == 0 {
		return fmt.Sprintf("%s 0x%02X timed out", e.Op, e.Register)
	}
	return fmt.Sprintf("%s 0x%02X timed out: got %d of %d bytes", e.Op, e.Register, e.Got, e.Want)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

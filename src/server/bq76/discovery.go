package bq76

import (
	"errors"
	"fmt"
	"iter"
)

// Device identifies a discovered device.
type Device struct {
	Address  Address `json:"address"`
	Assigned bool    `json:"assigned"`
}

// ScanAttempt is the outcome of probing one candidate address.
type ScanAttempt struct {
	Candidate Address
	Device    Device
	Err       error
}

// decodeAddress splits the address register into identity and assigned flag.
func decodeAddress(v byte) Device {
	return Device{
		Address:  Address(v & addressMask),
		Assigned: v&addressAssigned != 0,
	}
}

// ScanAttempts probes candidate addresses 0 through MaxAddress in ascending
// order by reading the address register. The sequence is lazy and can be
// ranged over again to restart the scan.
func (s *Session) ScanAttempts() iter.Seq[ScanAttempt] {
	return func(yield func(ScanAttempt) bool) {
		for candidate := Address(0); candidate <= MaxAddress; candidate++ {
			attempt := ScanAttempt{Candidate: candidate}
			data, err := s.ReadRegister(candidate, RegAddress, 1)
			if err != nil {
				attempt.Err = err
			} else {
				attempt.Device = decodeAddress(data[0])
			}
			if !yield(attempt) {
				return
			}
		}
	}
}

// Scan returns the first device that answers with a well-formed response.
// Candidates answering with a bad CRC or not at all are skipped; any other
// error aborts the scan.
func (s *Session) Scan() (Device, error) {
	for attempt := range s.ScanAttempts() {
		switch {
		case attempt.Err == nil:
			s.config.Logger.Info("device found",
				"address", attempt.Device.Address, "assigned", attempt.Device.Assigned,
				"probed", attempt.Candidate)
			return attempt.Device, nil
		case errors.Is(attempt.Err, ErrCrcMismatch), errors.Is(attempt.Err, ErrTimeout):
			s.config.Logger.Debug("scan candidate skipped", "candidate", attempt.Candidate, "err", attempt.Err)
		default:
			return Device{}, fmt.Errorf("scan candidate %d: %w", attempt.Candidate, attempt.Err)
		}
	}
	return Device{}, ErrNoDeviceFound
}

// SetID assigns a new bus address to the device currently at from. The
// caller is responsible for updating any address it has cached.
func (s *Session) SetID(from, to Address) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: set address %d -> %d", ErrInvalidArguments, from, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeVerified(from, RegAddress, addressAssigned|byte(to)); err != nil {
		return fmt.Errorf("set address %d -> %d: %w", from, to, err)
	}
	s.config.Logger.Info("address assigned", "from", from, "to", to)
	return nil
}

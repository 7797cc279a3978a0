package bq76

import (
	"fmt"
	"time"
)

// Reset sends the reset command. The device comes back unassigned at
// address 0, so callers must scan again afterwards. Only the absence of any
// response is reported; the echo is not validated.
func (s *Session) Reset(addr Address) error {
	if addr > Broadcast {
		return fmt.Errorf("%w: address %d", ErrInvalidArguments, addr)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req := BuildWrite(addr, RegReset, resetMagic)
	start := time.Now()
	resp, err := s.transact(req, writeFrameSize)
	if err == nil && len(resp) == 0 {
		err = &TimeoutError{Op: "reset", Register: RegReset}
	}
	s.observe("write", addr, RegReset, req, resp, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("reset device %d: %w", addr, err)
	}
	s.config.Logger.Info("device reset", "address", addr)
	return nil
}

// DumpRegisters reads the whole register space starting at 0x00.
func (s *Session) DumpRegisters(addr Address) ([]byte, error) {
	data, err := s.ReadRegister(addr, 0x00, RegisterSpace)
	if err != nil {
		return nil, fmt.Errorf("dump registers: %w", err)
	}
	return data, nil
}

// ReadAlerts returns the alert status byte.
func (s *Session) ReadAlerts(addr Address) (byte, error) {
	return s.readStatus(addr, RegAlertStatus, "alert status")
}

// ReadFaults returns the fault status byte.
func (s *Session) ReadFaults(addr Address) (byte, error) {
	return s.readStatus(addr, RegFaultStatus, "fault status")
}

// ReadOVCells returns the mask of cells above the OV threshold.
func (s *Session) ReadOVCells(addr Address) (CellMask, error) {
	v, err := s.readCells(addr, RegOVCells, "ov cells")
	return CellMask(v), err
}

// ReadUVCells returns the mask of cells below the UV threshold.
func (s *Session) ReadUVCells(addr Address) (CellMask, error) {
	v, err := s.readCells(addr, RegUVCells, "uv cells")
	return CellMask(v), err
}

// ClearCellFaults clears the latched cell over/undervoltage faults by
// writing their bits to the fault status register and then zero.
func (s *Session) ClearCellFaults(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearCellFaults(addr)
}

func (s *Session) clearCellFaults(addr Address) error {
	for _, v := range []byte{FaultCOV | FaultCUV, 0} {
		if err := s.writeVerified(addr, RegFaultStatus, v); err != nil {
			return fmt.Errorf("clear cell faults: %w", err)
		}
	}
	return nil
}

func (s *Session) readStatus(addr Address, reg byte, what string) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.readByte(addr, reg)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", what, err)
	}
	return v, nil
}

func (s *Session) readCells(addr Address, reg byte, what string) (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.ClearCellFaults {
		if err := s.clearCellFaults(addr); err != nil {
			return 0, err
		}
	}
	v, err := s.readByte(addr, reg)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", what, err)
	}
	return v & cellMaskBits, nil
}

package bq76

import (
	"errors"
	"fmt"
	"time"
)

// ReadMeasurement runs a full conversion (GPAI, six cells, both thermistors)
// and returns calibrated values. The ADC and IO configuration registers are
// restored to their prior values whether or not the conversion succeeds.
func (s *Session) ReadMeasurement(addr Address) (m Measurement, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adcConfig, err := s.readByte(addr, RegADCConfig)
	if err != nil {
		return Measurement{}, fmt.Errorf("snapshot adc config: %w", err)
	}
	ioConfig, err := s.readByte(addr, RegIOConfig)
	if err != nil {
		return Measurement{}, fmt.Errorf("snapshot io config: %w", err)
	}

	defer func() {
		restoreErr := s.restoreADCConfig(addr, adcConfig, ioConfig)
		if restoreErr == nil {
			return
		}
		if err == nil {
			err = restoreErr
			return
		}
		s.config.Logger.Error("adc config restore failed", "address", addr, "err", restoreErr)
	}()

	if err := s.writeVerified(addr, RegADCConfig, adcConfig|adcConfigAllChannels); err != nil {
		return Measurement{}, fmt.Errorf("configure adc channels: %w", err)
	}
	if err := s.writeVerified(addr, RegIOConfig, ioConfig|ioConfigThermistors); err != nil {
		return Measurement{}, fmt.Errorf("configure thermistor inputs: %w", err)
	}

	if err := s.convert(addr); err != nil {
		return Measurement{}, err
	}

	block, err := s.readRegister(addr, RegADCResult, adcResultLength)
	if err != nil {
		return Measurement{}, fmt.Errorf("read adc results: %w", err)
	}
	m = DecodeMeasurement(block)
	s.config.Logger.Debug("measurement", "address", addr, "pack_mv", m.PackMillivolts,
		"cells_mv", m.CellMillivolts, "temps_c", m.Temperatures)
	return m, nil
}

// convert starts a conversion and polls until the start register clears or
// the poll policy is exhausted.
func (s *Session) convert(addr Address) error {
	if err := s.writeVerified(addr, RegADCStart, 1); err != nil {
		return fmt.Errorf("start conversion: %w", err)
	}
	for attempt := 0; attempt < s.config.Poll.MaxAttempts; attempt++ {
		busy, err := s.readByte(addr, RegADCStart)
		if err != nil {
			return fmt.Errorf("poll conversion: %w", err)
		}
		if busy == 0 {
			return nil
		}
		if s.config.Poll.Delay > 0 {
			time.Sleep(s.config.Poll.Delay)
		}
	}
	return &TimeoutError{Op: "adc conversion", Register: RegADCStart}
}

func (s *Session) restoreADCConfig(addr Address, adcConfig, ioConfig byte) error {
	var errs []error
	if err := s.writeVerified(addr, RegADCConfig, adcConfig); err != nil {
		errs = append(errs, fmt.Errorf("restore adc config: %w", err))
	}
	if err := s.writeVerified(addr, RegIOConfig, ioConfig); err != nil {
		errs = append(errs, fmt.Errorf("restore io config: %w", err))
	}
	return errors.Join(errs...)
}

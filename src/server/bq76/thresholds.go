package bq76

import (
	"errors"
	"fmt"
	"math"
)

// Threshold encodings.
const (
	ovOffset = 2.0
	ovStep   = 0.050
	uvOffset = 0.7
	uvStep   = 0.1

	thresholdDisabled = 0x80
	maxVoltageCode    = 0x7F

	// codeEpsilon absorbs binary floating point error when a volts value
	// lies exactly on a step, e.g. (2.0-0.7)/0.1 = 12.999999999999998.
	// A bare trunc would write code 12 (1.9 V) for a 2.0 V request.
	codeEpsilon = 1e-9
)

// otCelsius maps a 4-bit OT code to degrees Celsius; code 0 disables the
// comparator.
var otCelsius = [12]int{0, 40, 45, 50, 55, 60, 65, 70, 75, 80, 85, 90}

// VoltageThreshold is a decoded OV or UV threshold register.
type VoltageThreshold struct {
	Code    byte    `json:"code"`
	Volts   float64 `json:"volts"`
	Enabled bool    `json:"enabled"`
}

// OTLevel is one 4-bit overtemperature setting.
type OTLevel struct {
	Code    byte `json:"code"`
	Celsius int  `json:"celsius"`
	Enabled bool `json:"enabled"`
}

// Label renders the level the way the register table does: "dis" for a
// disabled comparator, the temperature otherwise.
func (l OTLevel) Label() string {
	switch {
	case l.Code == 0:
		return "dis"
	case int(l.Code) >= len(otCelsius):
		return "reserved"
	}
	return fmt.Sprintf("%d", l.Celsius)
}

// OTThreshold is the decoded overtemperature register.
type OTThreshold struct {
	Raw     byte    `json:"raw"`
	Enabled bool    `json:"enabled"`
	OT1     OTLevel `json:"ot1"`
	OT2     OTLevel `json:"ot2"`
}

func decodeVoltage(raw byte, offset, step float64) VoltageThreshold {
	if raw&thresholdDisabled != 0 {
		return VoltageThreshold{Code: raw}
	}
	return VoltageThreshold{
		Code:    raw,
		Volts:   roundTo(offset+float64(raw)*step, 3),
		Enabled: true,
	}
}

func encodeVoltage(volts, offset, step float64) (byte, error) {
	q := (volts - offset) / step
	if math.IsNaN(q) || q+codeEpsilon < 0 || q >= maxVoltageCode+1 {
		return 0, fmt.Errorf("%w: %.3f V outside %.3f..%.3f V", ErrInvalidThreshold,
			volts, offset, offset+maxVoltageCode*step)
	}
	return byte(math.Trunc(q + codeEpsilon)), nil
}

// DecodeOVThreshold decodes an OV threshold register value.
func DecodeOVThreshold(raw byte) VoltageThreshold { return decodeVoltage(raw, ovOffset, ovStep) }

// DecodeUVThreshold decodes a UV threshold register value.
func DecodeUVThreshold(raw byte) VoltageThreshold { return decodeVoltage(raw, uvOffset, uvStep) }

// EncodeOVThreshold returns the register code for an OV threshold in volts.
func EncodeOVThreshold(volts float64) (byte, error) { return encodeVoltage(volts, ovOffset, ovStep) }

// EncodeUVThreshold returns the register code for a UV threshold in volts.
// Values on a step boundary encode to that step, so EncodeUVThreshold(2.0)
// is 13 rather than the 12 a bare trunc((v-0.7)/0.1) gives.
func EncodeUVThreshold(volts float64) (byte, error) { return encodeVoltage(volts, uvOffset, uvStep) }

func decodeOTLevel(code byte) OTLevel {
	l := OTLevel{Code: code}
	if code != 0 && int(code) < len(otCelsius) {
		l.Celsius = otCelsius[code]
		l.Enabled = true
	}
	return l
}

// DecodeOTThreshold splits the OT register: low nibble OT1, high nibble OT2.
func DecodeOTThreshold(raw byte) OTThreshold {
	return OTThreshold{
		Raw:     raw,
		Enabled: raw&thresholdDisabled == 0,
		OT1:     decodeOTLevel(raw & 0x0F),
		OT2:     decodeOTLevel(raw >> 4),
	}
}

// EncodeOTLevel returns the 4-bit code for a temperature. Only 40..90 °C
// in 5 °C steps are encodable.
func EncodeOTLevel(celsius int) (byte, error) {
	for code := 1; code < len(otCelsius); code++ {
		if otCelsius[code] == celsius {
			return byte(code), nil
		}
	}
	return 0, fmt.Errorf("%w: %d °C is not one of 40, 45, ..., 90", ErrInvalidThreshold, celsius)
}

// OTLevels lists the encodable overtemperature settings in °C.
func OTLevels() []int {
	out := make([]int, 0, len(otCelsius)-1)
	return append(out, otCelsius[1:]...)
}

// GetOVThreshold reads the overvoltage threshold.
func (s *Session) GetOVThreshold(addr Address) (VoltageThreshold, error) {
	raw, err := s.ReadRegister(addr, RegOVThreshold, 1)
	if err != nil {
		return VoltageThreshold{}, fmt.Errorf("read ov threshold: %w", err)
	}
	return DecodeOVThreshold(raw[0]), nil
}

// SetOVThreshold writes the overvoltage threshold.
func (s *Session) SetOVThreshold(addr Address, volts float64) error {
	code, err := EncodeOVThreshold(volts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.withUnlocked(addr, func() error {
		return s.writeVerified(addr, RegOVThreshold, code)
	}); err != nil {
		return fmt.Errorf("set ov threshold: %w", err)
	}
	s.config.Logger.Info("ov threshold set", "address", addr, "volts", volts, "code", code)
	return nil
}

// GetUVThreshold reads the undervoltage threshold.
func (s *Session) GetUVThreshold(addr Address) (VoltageThreshold, error) {
	raw, err := s.ReadRegister(addr, RegUVThreshold, 1)
	if err != nil {
		return VoltageThreshold{}, fmt.Errorf("read uv threshold: %w", err)
	}
	return DecodeUVThreshold(raw[0]), nil
}

// SetUVThreshold writes the undervoltage threshold.
func (s *Session) SetUVThreshold(addr Address, volts float64) error {
	code, err := EncodeUVThreshold(volts)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.withUnlocked(addr, func() error {
		return s.writeVerified(addr, RegUVThreshold, code)
	}); err != nil {
		return fmt.Errorf("set uv threshold: %w", err)
	}
	s.config.Logger.Info("uv threshold set", "address", addr, "volts", volts, "code", code)
	return nil
}

// GetOTThreshold reads both overtemperature settings.
func (s *Session) GetOTThreshold(addr Address) (OTThreshold, error) {
	raw, err := s.ReadRegister(addr, RegOTThreshold, 1)
	if err != nil {
		return OTThreshold{}, fmt.Errorf("read ot threshold: %w", err)
	}
	return DecodeOTThreshold(raw[0]), nil
}

// SetOTThreshold sets the overtemperature level of thermistor sensor 1 or 2,
// leaving the other sensor's level untouched.
func (s *Session) SetOTThreshold(addr Address, celsius, sensor int) error {
	if sensor != 1 && sensor != 2 {
		return fmt.Errorf("%w: thermistor %d", ErrInvalidArguments, sensor)
	}
	code, err := EncodeOTLevel(celsius)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var merged byte
	if err := s.withUnlocked(addr, func() error {
		current, err := s.readByte(addr, RegOTThreshold)
		if err != nil {
			return fmt.Errorf("read ot threshold: %w", err)
		}
		if sensor == 1 {
			merged = current&0xF0 | code
		} else {
			merged = current&0x0F | code<<4
		}
		return s.writeVerified(addr, RegOTThreshold, merged)
	}); err != nil {
		return fmt.Errorf("set ot%d threshold: %w", sensor, err)
	}
	s.config.Logger.Info("ot threshold set", "address", addr, "sensor", sensor, "celsius", celsius, "register", merged)
	return nil
}

// withUnlocked brackets one protected write: the shadow lock register is
// opened before write runs and written back to its snapshot afterwards, even
// when the unlock or the write fails.
func (s *Session) withUnlocked(addr Address, write func() error) (err error) {
	shadow, err := s.readByte(addr, RegShadowLock)
	if err != nil {
		return fmt.Errorf("read shadow lock: %w", err)
	}

	defer func() {
		lockErr := s.writeVerified(addr, RegShadowLock, shadow)
		if lockErr != nil {
			lockErr = fmt.Errorf("restore shadow lock: %w", lockErr)
			s.config.Logger.Error("shadow lock restore failed", "address", addr, "err", lockErr)
		}
		err = errors.Join(err, lockErr)
	}()

	if err := s.writeVerified(addr, RegShadowLock, shadow|shadowUnlock); err != nil {
		return fmt.Errorf("unlock shadow: %w", err)
	}
	s.config.Logger.Debug("protected registers unlocked", "address", addr)
	return write()
}

package bq76

import "fmt"

// Address is a 6-bit bus address.
type Address byte

const (
	// MaxAddress is the highest address a device can be assigned.
	MaxAddress Address = 0x3E
	// Broadcast addresses every device on the chain and is never a device identity.
	Broadcast Address = 0x3F
)

// Valid reports whether a is a concrete device address.
func (a Address) Valid() bool { return a <= MaxAddress }

func (a Address) String() string { return fmt.Sprintf("%d", byte(a)) }

// Register map.
const (
	RegADCResult    = 0x01
	RegAlertStatus  = 0x20
	RegFaultStatus  = 0x21
	RegOVCells      = 0x22
	RegUVCells      = 0x23
	RegADCConfig    = 0x30
	RegIOConfig     = 0x31
	RegADCStart     = 0x34
	RegShadowLock   = 0x3A
	RegAddress      = 0x3B
	RegReset        = 0x3C
	RegOVThreshold  = 0x42
	RegUVThreshold  = 0x44
	RegOTThreshold  = 0x46
	RegisterSpace   = 0x4C
	resetMagic      = 0xA5
	shadowUnlock    = 0x35
	addressAssigned = 0x80
	addressMask     = 0x3F
	cellMaskBits    = 0x3F
)

// ADC configuration bits.
const (
	adcConfigAllChannels = 0x3D // GPAI + cells 1..6
	ioConfigThermistors  = 0x03 // TS1 + TS2
	adcResultLength      = 9 * 2
)

// Alert status bits.
const (
	AlertOT2         = 0x01
	AlertOT1         = 0x02
	AlertSleep       = 0x04
	AlertThermal     = 0x08
	AlertForce       = 0x10
	AlertECC         = 0x20
	AlertGroup3Valid = 0x40
	AlertAddrUnset   = 0x80
)

// Fault status bits.
const (
	FaultCOV      = 0x01
	FaultCUV      = 0x02
	FaultCRC      = 0x04
	FaultPOR      = 0x08
	FaultForce    = 0x10
	FaultInternal = 0x20
)

type flagName struct {
	bit  byte
	name string
}

var alertNames = []flagName{
	{AlertAddrUnset, "address_unassigned"},
	{AlertGroup3Valid, "group3_valid"},
	{AlertECC, "otp_ecc"},
	{AlertForce, "alert_signal"},
	{AlertThermal, "too_hot"},
	{AlertSleep, "was_sleeping"},
	{AlertOT1, "ot1"},
	{AlertOT2, "ot2"},
}

var faultNames = []flagName{
	{FaultInternal, "internal"},
	{FaultForce, "fault_signal"},
	{FaultPOR, "power_on_reset"},
	{FaultCRC, "crc_error"},
	{FaultCUV, "cell_undervoltage"},
	{FaultCOV, "cell_overvoltage"},
}

func decodeFlags(v byte, names []flagName) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n.name] = v&n.bit != 0
	}
	return out
}

// DecodeAlerts expands an alert status byte into named flags.
func DecodeAlerts(v byte) map[string]bool { return decodeFlags(v, alertNames) }

// DecodeFaults expands a fault status byte into named flags.
func DecodeFaults(v byte) map[string]bool { return decodeFlags(v, faultNames) }

// CellMask is an over/under-voltage cell bitmask; bit 0 is cell 1.
type CellMask byte

// Cells returns the per-cell flags for the six cells.
func (m CellMask) Cells() [6]bool {
	var out [6]bool
	for i := range out {
		out[i] = m&(1<<uint(i)) != 0
	}
	return out
}

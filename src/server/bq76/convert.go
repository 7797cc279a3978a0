package bq76

import "math"

// ADC transfer constants.
const (
	adcFullScale  = 16383
	packFullScale = 33333 // mV
	cellFullScale = 6250  // mV

	thermA = 0.0007610373573
	thermB = 0.0002728524832
	thermC = 0.0000001022822735

	thermDividerRef = 1.78
	thermSeriesRef  = 3.57
	kelvinOffset    = 273.15
)

// thermistorChannel holds the per-input code offset and divisor.
type thermistorChannel struct {
	offset  float64
	divisor float64
}

var (
	ts1 = thermistorChannel{offset: 2, divisor: 33046}
	ts2 = thermistorChannel{offset: 9, divisor: 33068}
)

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// PackMillivolts converts a GPAI code into millivolts.
func PackMillivolts(code uint16) float64 {
	return float64(code) * packFullScale / adcFullScale
}

// CellMillivolts converts a cell channel code into millivolts.
func CellMillivolts(code uint16) float64 {
	return float64(code) * cellFullScale / adcFullScale
}

// thermistorCelsius applies the Steinhart-Hart equation to a TS code.
func thermistorCelsius(code uint16, ch thermistorChannel) float64 {
	x := (float64(code) + ch.offset) / ch.divisor
	r := (thermDividerRef/x - thermSeriesRef) * 1000
	lr := math.Log(r)
	return 1.0/(thermA+thermB*lr+math.Pow(lr, 3)*thermC) - kelvinOffset
}

// TS1Celsius converts a TS1 code into degrees Celsius.
func TS1Celsius(code uint16) float64 { return thermistorCelsius(code, ts1) }

// TS2Celsius converts a TS2 code into degrees Celsius.
func TS2Celsius(code uint16) float64 { return thermistorCelsius(code, ts2) }

// Measurement is one calibrated ADC conversion.
type Measurement struct {
	PackMillivolts float64    `json:"packMillivolts"`
	CellMillivolts [6]float64 `json:"cellMillivolts"`
	Temperatures   [2]float64 `json:"temperatures"`
}

// DecodeMeasurement converts the 18-byte result block (GPAI, cells 1..6,
// TS1, TS2; big-endian pairs) into rounded engineering units.
func DecodeMeasurement(block []byte) Measurement {
	code := func(i int) uint16 {
		return uint16(block[2*i])<<8 | uint16(block[2*i+1])
	}
	var m Measurement
	m.PackMillivolts = roundTo(PackMillivolts(code(0)), 2)
	for i := range m.CellMillivolts {
		m.CellMillivolts[i] = roundTo(CellMillivolts(code(1+i)), 2)
	}
	m.Temperatures[0] = roundTo(TS1Celsius(code(7)), 3)
	m.Temperatures[1] = roundTo(TS2Celsius(code(8)), 3)
	return m
}

package bq76

import (
	"bytes"
	"errors"
	"testing"
)

func loadResults(dev *fakeDevice, codes [9]uint16) {
	for i, c := range codes {
		dev.regs[RegADCResult+2*i] = byte(c >> 8)
		dev.regs[RegADCResult+2*i+1] = byte(c)
	}
}

func TestReadMeasurement(t *testing.T) {
	dev := newFakeDevice(1)
	dev.regs[RegADCConfig] = 0x40
	dev.regs[RegIOConfig] = 0x10
	dev.busyPolls = 2
	loadResults(dev, [9]uint16{16383, 16383, 8192, 0, 0, 0, 16383, 5000, 4000})
	s := NewSession(dev)

	m, err := s.ReadMeasurement(1)
	if err != nil {
		t.Fatalf("ReadMeasurement() error = %v", err)
	}
	if m.PackMillivolts != 33333 {
		t.Errorf("PackMillivolts = %v, want 33333", m.PackMillivolts)
	}
	if m.CellMillivolts[0] != 6250 || m.CellMillivolts[1] != 3125.19 {
		t.Errorf("CellMillivolts = %v", m.CellMillivolts)
	}
	if m.Temperatures != [2]float64{30.392, 22.221} {
		t.Errorf("Temperatures = %v, want [30.392 22.221]", m.Temperatures)
	}

	if got := dev.writesTo(RegADCConfig); !bytes.Equal(got, []byte{0x7D, 0x40}) {
		t.Errorf("adc config writes = % X, want 7D 40", got)
	}
	if got := dev.writesTo(RegIOConfig); !bytes.Equal(got, []byte{0x13, 0x10}) {
		t.Errorf("io config writes = % X, want 13 10", got)
	}
	if got := dev.writesTo(RegADCStart); !bytes.Equal(got, []byte{0x01}) {
		t.Errorf("start writes = % X, want 01", got)
	}
	if dev.regs[RegADCConfig] != 0x40 || dev.regs[RegIOConfig] != 0x10 {
		t.Errorf("config not restored: adc=0x%02X io=0x%02X", dev.regs[RegADCConfig], dev.regs[RegIOConfig])
	}
}

func TestReadMeasurement_PollTimeoutRestoresConfig(t *testing.T) {
	dev := newFakeDevice(1)
	dev.regs[RegADCConfig] = 0x01
	dev.regs[RegIOConfig] = 0x00
	dev.busyPolls = -1
	s := NewSession(dev, WithPollPolicy(PollPolicy{MaxAttempts: 5}))

	_, err := s.ReadMeasurement(1)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout", err)
	}

	polls := 0
	for _, req := range dev.requests {
		if len(req) == 3 && req[1] == RegADCStart {
			polls++
		}
	}
	if polls != 5 {
		t.Errorf("polled %d times, want 5", polls)
	}
	regs := dev.writeRegs()
	if n := len(regs); n < 2 || regs[n-2] != RegADCConfig || regs[n-1] != RegIOConfig {
		t.Errorf("write sequence = % X, want it to end with the config restore", regs)
	}
	if dev.regs[RegADCConfig] != 0x01 || dev.regs[RegIOConfig] != 0x00 {
		t.Errorf("config not restored: adc=0x%02X io=0x%02X", dev.regs[RegADCConfig], dev.regs[RegIOConfig])
	}
}

func TestReadMeasurement_SnapshotFailure(t *testing.T) {
	dev := newFakeDevice(1)
	dev.badCRC[1] = true
	s := NewSession(dev)

	if _, err := s.ReadMeasurement(1); !errors.Is(err, ErrCrcMismatch) {
		t.Fatalf("error = %v, want ErrCrcMismatch", err)
	}
	if regs := dev.writeRegs(); len(regs) != 0 {
		t.Errorf("wrote % X without a snapshot", regs)
	}
}

func TestReadMeasurement_StartEchoMismatch(t *testing.T) {
	dev := newFakeDevice(1)
	dev.regs[RegADCConfig] = 0x40
	dev.regs[RegIOConfig] = 0x10
	dev.echo[RegADCStart] = 0x00
	s := NewSession(dev)

	_, err := s.ReadMeasurement(1)
	if !errors.Is(err, ErrWriteVerifyMismatch) {
		t.Fatalf("error = %v, want ErrWriteVerifyMismatch", err)
	}
	for _, req := range dev.requests {
		if len(req) == 3 && req[1] == RegADCResult {
			t.Fatal("read results after a failed start")
		}
	}
	if got := dev.writesTo(RegADCConfig); !bytes.Equal(got, []byte{0x7D, 0x40}) {
		t.Errorf("adc config writes = % X, want 7D 40", got)
	}
	if got := dev.writesTo(RegIOConfig); !bytes.Equal(got, []byte{0x13, 0x10}) {
		t.Errorf("io config writes = % X, want 13 10", got)
	}
}

func TestReadMeasurement_PollsUntilStartRegisterIsZero(t *testing.T) {
	dev := newFakeDevice(1)
	dev.busyPolls = -1
	dev.busyValue = 0x02
	s := NewSession(dev, WithPollPolicy(PollPolicy{MaxAttempts: 3}))

	if _, err := s.ReadMeasurement(1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("error = %v, want ErrTimeout while the start register reads 0x02", err)
	}
}

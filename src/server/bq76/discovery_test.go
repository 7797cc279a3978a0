package bq76

import (
	"errors"
	"testing"
)

func TestScan_SkipsBadCRC(t *testing.T) {
	dev := newFakeDevice(7)
	for a := Address(0); a < 7; a++ {
		dev.badCRC[a] = true
	}
	s := NewSession(dev)

	got, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got.Address != 7 || !got.Assigned {
		t.Errorf("Scan() = %+v, want address 7 assigned", got)
	}
	if len(dev.requests) != 8 {
		t.Fatalf("sent %d requests, want 8", len(dev.requests))
	}
	for i, req := range dev.requests {
		want := []byte{byte(i) << 1, RegAddress, 1}
		if string(req) != string(want) {
			t.Errorf("request %d = % X, want % X", i, req, want)
		}
	}
}

func TestScan_SkipsSilentCandidates(t *testing.T) {
	dev := newFakeDevice(3)
	dev.assigned = false
	dev.regs[RegAddress] = 3
	s := NewSession(dev)

	got, err := s.Scan()
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if got.Address != 3 || got.Assigned {
		t.Errorf("Scan() = %+v, want address 3 unassigned", got)
	}
}

func TestScan_NoDevice(t *testing.T) {
	dev := newFakeDevice(0)
	dev.addr = Broadcast
	s := NewSession(dev)

	_, err := s.Scan()
	if !errors.Is(err, ErrNoDeviceFound) {
		t.Fatalf("error = %v, want ErrNoDeviceFound", err)
	}
	if len(dev.requests) != 63 {
		t.Errorf("probed %d candidates, want 63", len(dev.requests))
	}
}

func TestScanAttempts_Restartable(t *testing.T) {
	dev := newFakeDevice(2)
	s := NewSession(dev)

	for round := 0; round < 2; round++ {
		var candidates []Address
		for attempt := range s.ScanAttempts() {
			candidates = append(candidates, attempt.Candidate)
			if attempt.Err == nil {
				break
			}
			if !errors.Is(attempt.Err, ErrTimeout) {
				t.Errorf("candidate %d: error = %v, want ErrTimeout", attempt.Candidate, attempt.Err)
			}
		}
		if len(candidates) != 3 || candidates[0] != 0 || candidates[2] != 2 {
			t.Errorf("round %d probed %v, want [0 1 2]", round, candidates)
		}
	}
}

func TestSetID(t *testing.T) {
	dev := newFakeDevice(0)
	s := NewSession(dev)

	if err := s.SetID(0, 5); err != nil {
		t.Fatalf("SetID() error = %v", err)
	}
	if got := dev.writesTo(RegAddress); len(got) != 1 || got[0] != 0x85 {
		t.Errorf("address writes = % X, want 85", got)
	}

	found, err := s.Scan()
	if err != nil || found.Address != 5 || !found.Assigned {
		t.Errorf("Scan() after SetID = %+v, %v; want address 5 assigned", found, err)
	}
}

func TestSetID_Errors(t *testing.T) {
	dev := newFakeDevice(0)
	s := NewSession(dev)

	if err := s.SetID(0, Broadcast); !errors.Is(err, ErrInvalidArguments) {
		t.Errorf("SetID to broadcast: error = %v, want ErrInvalidArguments", err)
	}
	if len(dev.requests) != 0 {
		t.Errorf("invalid SetID sent %d requests", len(dev.requests))
	}

	dev.echo[RegAddress] = 0x80
	err := s.SetID(0, 9)
	if !errors.Is(err, ErrWriteVerifyMismatch) {
		t.Errorf("error = %v, want ErrWriteVerifyMismatch", err)
	}
}

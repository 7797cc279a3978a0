package monitor

import (
	"sync"

	"bq76-utils/src/server/bq76"
)

// simDevice answers request frames like a single device on the chain.
// Conversions complete immediately.
type simDevice struct {
	mu       sync.Mutex
	addr     bq76.Address
	regs     [0x50]byte
	pending  []byte
	requests int
	closed   bool
	// muteAfter makes the device stop answering after it echoes a write to
	// that register; 0 disables it.
	muteAfter int
	muted     bool
}

func newSimDevice(addr bq76.Address) *simDevice {
	d := &simDevice{addr: addr}
	d.regs[bq76.RegAddress] = 0x80 | byte(addr)
	d.setCodes(10000, 8192, 16383)
	d.regs[bq76.RegOVThreshold] = 10
	d.regs[bq76.RegUVThreshold] = 13
	d.regs[bq76.RegOTThreshold] = 0x43
	return d
}

// setCodes loads the result block: pack code, one code for all cells, one
// for both thermistors.
func (d *simDevice) setCodes(pack, cell, ts uint16) {
	codes := []uint16{pack, cell, cell, cell, cell, cell, cell, ts, ts}
	for i, c := range codes {
		d.regs[bq76.RegADCResult+2*i] = byte(c >> 8)
		d.regs[bq76.RegADCResult+2*i+1] = byte(c)
	}
}

func (d *simDevice) set(reg int, v byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.regs[reg] = v
}

func (d *simDevice) setMuted(muted bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = muted
}

func (d *simDevice) get(reg int) byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.regs[reg]
}

func (d *simDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *simDevice) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests++
	d.pending = nil
	if d.muted {
		return len(p), nil
	}
	target := bq76.Address(p[0] >> 1)
	if target != d.addr {
		return len(p), nil
	}

	if p[0]&1 == 0 && len(p) == 3 {
		reg, length := int(p[1]), int(p[2])
		resp := []byte{p[0] | 0x80, p[1], p[2]}
		resp = append(resp, d.regs[reg:reg+length]...)
		body := append([]byte{p[0]}, resp[1:]...)
		d.pending = append(resp, bq76.CRC8(body))
		return len(p), nil
	}

	if len(p) == 4 {
		reg, value := int(p[1]), p[2]
		echo := []byte{p[0], p[1], value}
		d.pending = append(echo, bq76.CRC8(echo))
		switch reg {
		case bq76.RegADCStart:
		case bq76.RegAddress:
			d.addr = bq76.Address(value & 0x3F)
			d.regs[reg] = value
		case bq76.RegReset:
			d.addr = 0
			d.regs[bq76.RegAddress] = 0
		default:
			d.regs[reg] = value
		}
		if d.muteAfter != 0 && reg == d.muteAfter {
			d.muted = true
		}
	}
	return len(p), nil
}

func (d *simDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type recordingPublisher struct {
	mu    sync.Mutex
	snaps []Snapshot
	ch    chan Snapshot
}

func (p *recordingPublisher) Publish(s Snapshot) error {
	p.mu.Lock()
	p.snaps = append(p.snaps, s)
	p.mu.Unlock()
	if p.ch != nil {
		select {
		case p.ch <- s:
		default:
		}
	}
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.snaps)
}

package bq76

// fakeDevice simulates one device on the chain. It decodes request frames
// written to it and queues CRC-correct responses for the next Read calls.
type fakeDevice struct {
	addr     Address
	assigned bool
	regs     [0x50]byte

	// badCRC lists addresses that answer reads with a corrupted checksum.
	badCRC map[Address]bool
	// echo overrides the value echoed for writes to a register.
	echo map[byte]byte
	// busyPolls is the number of start-register polls reporting a running
	// conversion; negative means the conversion never completes.
	busyPolls int
	busyLeft  int
	// busyValue is what the start register reads while busy; 0 means 1.
	busyValue byte

	requests [][]byte
	pending  []byte
	closed   bool
}

func newFakeDevice(addr Address) *fakeDevice {
	d := &fakeDevice{
		addr:     addr,
		assigned: true,
		badCRC:   make(map[Address]bool),
		echo:     make(map[byte]byte),
	}
	d.regs[RegAddress] = addressAssigned | byte(addr)
	return d
}

func (d *fakeDevice) Read(p []byte) (int, error) {
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *fakeDevice) Write(p []byte) (int, error) {
	frame := append([]byte(nil), p...)
	d.requests = append(d.requests, frame)
	d.pending = nil

	target := Address(frame[0] >> 1)
	switch {
	case len(frame) == 3 && frame[0]&writeBit == 0:
		d.handleRead(target, frame[1], frame[2])
	case len(frame) == 4 && frame[0]&writeBit != 0:
		if CRC8(frame[:3]) != frame[3] {
			return len(p), nil
		}
		d.handleWrite(target, frame[1], frame[2])
	}
	return len(p), nil
}

func (d *fakeDevice) Close() error {
	d.closed = true
	return nil
}

func (d *fakeDevice) handleRead(target Address, reg, length byte) {
	if d.badCRC[target] {
		resp := []byte{byte(target)<<1 | 0x80, reg, length}
		resp = append(resp, make([]byte, length)...)
		d.pending = append(resp, CRC8(resp)^0xFF)
		return
	}
	if target != d.addr {
		return
	}

	resp := []byte{byte(target)<<1 | 0x80, reg, length}
	for i := 0; i < int(length); i++ {
		r := int(reg) + i
		v := byte(0)
		if r < len(d.regs) {
			v = d.regs[r]
		}
		if r == RegADCStart && d.regs[RegADCStart] != 0 {
			busy := byte(1)
			if d.busyValue != 0 {
				busy = d.busyValue
			}
			switch {
			case d.busyPolls < 0:
				v = busy
			case d.busyLeft > 0:
				d.busyLeft--
				v = busy
			default:
				d.regs[RegADCStart] = 0
				v = 0
			}
		}
		resp = append(resp, v)
	}
	body := append([]byte{resp[0] & echoAddressMask}, resp[1:]...)
	d.pending = append(resp, CRC8(body))
}

func (d *fakeDevice) handleWrite(target Address, reg, value byte) {
	if target != d.addr && target != Broadcast {
		return
	}

	echoed := value
	if v, ok := d.echo[reg]; ok {
		echoed = v
	}
	resp := []byte{byte(target)<<1 | writeBit, reg, echoed}
	d.pending = append(resp, CRC8(resp))

	switch reg {
	case RegADCStart:
		d.regs[reg] = value
		d.busyLeft = d.busyPolls
	case RegAddress:
		d.addr = Address(value & addressMask)
		d.assigned = value&addressAssigned != 0
		d.regs[reg] = value
	case RegReset:
		if value == resetMagic {
			d.addr = 0
			d.assigned = false
			d.regs[RegAddress] = 0
		}
	default:
		if _, ok := d.echo[reg]; !ok {
			d.regs[reg] = value
		}
	}
}

// writesTo returns the values written to reg, in order.
func (d *fakeDevice) writesTo(reg byte) []byte {
	var out []byte
	for _, f := range d.requests {
		if len(f) == 4 && f[1] == reg {
			out = append(out, f[2])
		}
	}
	return out
}

// writeRegs returns the register of every write request, in order.
func (d *fakeDevice) writeRegs() []byte {
	var out []byte
	for _, f := range d.requests {
		if len(f) == 4 {
			out = append(out, f[1])
		}
	}
	return out
}

package bq76

// Frame layout.
//
//	read request:   [ADDR<<1][REG][LEN]
//	write request:  [ADDR<<1|1][REG][VALUE][CRC8]
//	read response:  [ADDR'][REG][LEN][DATA...][CRC8]
//	write response: [ADDR'][REG][VALUE]...
const (
	readHeaderSize     = 3
	readOverhead       = readHeaderSize + 1
	writeFrameSize     = 4
	minWriteEcho       = 3
	writeBit           = 0x01
	echoAddressMask    = 0x7F
	maxReadLength      = 0xFF - readOverhead
	writeEchoValueByte = 2
)

// BuildRead returns a read request frame. Read requests carry no CRC.
func BuildRead(addr Address, reg, length byte) []byte {
	return []byte{byte(addr) << 1, reg, length}
}

// BuildWrite returns a write request frame with its trailing CRC8.
func BuildWrite(addr Address, reg, value byte) []byte {
	frame := make([]byte, 0, writeFrameSize)
	frame = append(frame, byte(addr)<<1|writeBit, reg, value)
	return append(frame, CRC8(frame))
}

// ParseReadResponse validates a read response and returns its data bytes.
//
// The CRC8 is computed over the echoed address byte with its top bit masked
// off, the register byte, and every byte up to the trailing checksum.
func ParseReadResponse(frame []byte, addr Address, reg, length byte) ([]byte, error) {
	want := int(length) + readOverhead
	if len(frame) < readOverhead || len(frame) < want {
		return nil, &TimeoutError{Op: "read", Register: reg, Got: len(frame), Want: want}
	}
	frame = frame[:want]

	body := make([]byte, 0, want-1)
	body = append(body, frame[0]&echoAddressMask)
	body = append(body, frame[1:want-1]...)
	crc := CRC8(body)
	if crc != frame[want-1] {
		return nil, &CrcMismatchError{Address: addr, Register: reg, Expected: crc, Received: frame[want-1]}
	}

	data := make([]byte, length)
	copy(data, frame[readHeaderSize:want-1])
	return data, nil
}

// ParseWriteResponse extracts the echoed value from a write response. The
// echo matches only when it carries the same address, register and value as
// the request.
func ParseWriteResponse(frame []byte, addr Address, reg, value byte) (echoed byte, matched bool, err error) {
	if len(frame) < minWriteEcho {
		return 0, false, &TimeoutError{Op: "write", Register: reg, Got: len(frame), Want: minWriteEcho}
	}
	echoed = frame[writeEchoValueByte]
	from := Address((frame[0] & echoAddressMask) >> 1)
	if addr != Broadcast && from != addr {
		return echoed, false, nil
	}
	return echoed, frame[1] == reg && echoed == value, nil
}

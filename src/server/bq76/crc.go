package bq76

// CRC8 parameters: x^8 + x^2 + x + 1 (0x107), MSB first, no reflection.
const (
	crc8Polynomial = 0x07
	crc8Initial    = 0x00
	crc8HighBit    = 0x80
)

var crc8Table = makeCRC8Table()

func makeCRC8Table() (t [256]byte) {
	for i := range t {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&crc8HighBit != 0 {
				crc = crc<<1 ^ crc8Polynomial
			} else {
				crc <<= 1
			}
		}
		t[i] = crc
	}
	return t
}

// CRC8 computes the frame checksum used on the bus: polynomial 0x107,
// initial value 0, no final XOR.
func CRC8(data []byte) byte {
	crc := byte(crc8Initial)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc
}

package frame

// The frame check sequence is CRC-8 with the reflected polynomial x^8+x^2+x+1
// (GSM 07.10 5.2.1.6), initialized to 0xFF and transmitted as its ones' complement.
const (
	fcsInit       = 0xFF
	fcsCheckValue = 0xCF
	fcsPolynomial = 0xE0
)

var crcTable = func() (t [256]uint8) {
	for i := range t {
		c := uint8(i)
		for j := 0; j < 8; j++ {
			if c&1 != 0 {
				c = c>>1 ^ fcsPolynomial
			} else {
				c >>= 1
			}
		}
		t[i] = c
	}
	return
}()

func crc8(crc uint8, b []byte) uint8 {
	for _, v := range b {
		crc = crcTable[crc^v]
	}
	return crc
}

// computeFCS returns the FCS octet for the covered header bytes.
func computeFCS(b []byte) uint8 {
	return 0xFF - crc8(fcsInit, b)
}

// verifyFCS reports whether fcs is valid for the covered header bytes.
func verifyFCS(b []byte, fcs uint8) bool {
	return crcTable[crc8(fcsInit, b)^fcs] == fcsCheckValue
}

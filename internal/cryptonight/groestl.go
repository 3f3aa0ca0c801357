package cryptonight

import "encoding/binary"

const (
	groestlRounds    = 10
	groestlBlockSize = 64
)

// Row rotation amounts for the short (512-bit) permutations.
var (
	groestlShiftP = [8]int{0, 1, 2, 3, 4, 5, 6, 7}
	groestlShiftQ = [8]int{1, 3, 5, 7, 0, 2, 4, 6}
	groestlMix    = [8]byte{2, 2, 3, 4, 5, 3, 5, 7}
)

func gfMul(a, n byte) byte {
	var r byte
	for n != 0 {
		if n&1 != 0 {
			r ^= a
		}
		a = xtime(a)
		n >>= 1
	}
	return r
}

// groestlPermute applies P (q == false) or Q (q == true) to a state laid
// out column-major: s[8*col+row].
func groestlPermute(s *[groestlBlockSize]byte, q bool) {
	shift := &groestlShiftP
	if q {
		shift = &groestlShiftQ
	}

	var t [groestlBlockSize]byte
	for r := 0; r < groestlRounds; r++ {
		if q {
			for i := range s {
				s[i] ^= 0xff
			}
			for c := 0; c < 8; c++ {
				s[8*c+7] ^= byte(c<<4) ^ byte(r)
			}
		} else {
			for c := 0; c < 8; c++ {
				s[8*c] ^= byte(c<<4) ^ byte(r)
			}
		}

		for row := 0; row < 8; row++ {
			for c := 0; c < 8; c++ {
				t[8*c+row] = sbox[s[8*((c+shift[row])%8)+row]]
			}
		}

		for c := 0; c < 8; c++ {
			col := t[8*c : 8*c+8]
			for row := 0; row < 8; row++ {
				var v byte
				for k := 0; k < 8; k++ {
					v ^= gfMul(col[(row+k)%8], groestlMix[k])
				}
				s[8*c+row] = v
			}
		}
	}
}

// groestl256 computes Grøstl-256 of data.
func groestl256(data []byte) (out [Size]byte) {
	var h [groestlBlockSize]byte
	h[groestlBlockSize-2] = 0x01 // output length 256 as a big-endian trailer

	padded := make([]byte, 0, len(data)+2*groestlBlockSize)
	padded = append(padded, data...)
	padded = append(padded, 0x80)
	for (len(padded)+8)%groestlBlockSize != 0 {
		padded = append(padded, 0)
	}
	blocks := uint64(len(padded)/groestlBlockSize + 1)
	padded = binary.BigEndian.AppendUint64(padded, blocks)

	var p, q [groestlBlockSize]byte
	for off := 0; off < len(padded); off += groestlBlockSize {
		m := padded[off : off+groestlBlockSize]
		for i := range p {
			p[i] = h[i] ^ m[i]
		}
		copy(q[:], m)
		groestlPermute(&p, false)
		groestlPermute(&q, true)
		for i := range h {
			h[i] ^= p[i] ^ q[i]
		}
	}

	p = h
	groestlPermute(&p, false)
	for i := range h {
		h[i] ^= p[i]
	}
	copy(out[:], h[groestlBlockSize-Size:])
	return out
}

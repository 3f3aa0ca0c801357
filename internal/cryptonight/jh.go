package cryptonight

import "encoding/binary"

const (
	jhRounds    = 42
	jhBlockSize = 64
	jhStateSize = 128
)

var jhSbox = [2][16]byte{
	{9, 0, 4, 11, 13, 12, 3, 15, 1, 10, 2, 6, 7, 5, 8, 14},
	{3, 12, 6, 13, 5, 7, 1, 9, 15, 2, 0, 4, 11, 10, 14, 8},
}

// jhRoundConstant0 is the first round constant as 64 nibbles.
var jhRoundConstant0 = [64]byte{
	0x6, 0xa, 0x0, 0x9, 0xe, 0x6, 0x6, 0x7, 0xf, 0x3, 0xb, 0xc, 0xc, 0x9, 0x0, 0x8,
	0xb, 0x2, 0xf, 0xb, 0x1, 0x3, 0x6, 0x6, 0xe, 0xa, 0x9, 0x5, 0x7, 0xd, 0x3, 0xe,
	0x3, 0xa, 0xd, 0xe, 0xc, 0x1, 0x7, 0x5, 0x1, 0x2, 0x7, 0x7, 0x5, 0x0, 0x9, 0x9,
	0xd, 0xa, 0x2, 0xf, 0x5, 0x9, 0x0, 0xb, 0x0, 0x6, 0x6, 0x7, 0x3, 0x2, 0x2, 0xa,
}

// jhLinear is the MDS layer applied to a pair of nibbles.
func jhLinear(a, b byte) (byte, byte) {
	b ^= (a<<1 ^ a>>3 ^ (a>>2)&2) & 0xf
	a ^= (b<<1 ^ b>>3 ^ (b>>2)&2) & 0xf
	return a, b
}

// jhPermute applies the swap, P' and final swap layers, reading tem and
// writing out. tem is modified.
func jhPermute(tem, out []byte) {
	n := len(tem)
	for i := 0; i < n; i += 4 {
		tem[i+2], tem[i+3] = tem[i+3], tem[i+2]
	}
	half := n / 2
	for i := 0; i < half; i++ {
		out[i] = tem[2*i]
		out[i+half] = tem[2*i+1]
	}
	for i := half; i < n; i += 2 {
		out[i], out[i+1] = out[i+1], out[i]
	}
}

// jhE8 is the bijective function E8 over the 1024-bit hash state.
func jhE8(h *[jhStateSize]byte) {
	var a, tem [256]byte
	var rtem [64]byte
	rc := jhRoundConstant0

	for i := 0; i < 256; i++ {
		var v byte
		for k := 0; k < 4; k++ {
			bit := h[(i+256*k)>>3] >> (7 - uint(i&7)) & 1
			v |= bit << (3 - uint(k))
		}
		tem[i] = v
	}
	for i := 0; i < 128; i++ {
		a[2*i] = tem[i]
		a[2*i+1] = tem[i+128]
	}

	for r := 0; r < jhRounds; r++ {
		for i := 0; i < 256; i++ {
			sel := rc[i>>2] >> (3 - uint(i&3)) & 1
			tem[i] = jhSbox[sel][a[i]]
		}
		for i := 0; i < 256; i += 2 {
			tem[i], tem[i+1] = jhLinear(tem[i], tem[i+1])
		}
		jhPermute(tem[:], a[:])

		for i := 0; i < 64; i++ {
			rtem[i] = jhSbox[0][rc[i]]
		}
		for i := 0; i < 64; i += 2 {
			rtem[i], rtem[i+1] = jhLinear(rtem[i], rtem[i+1])
		}
		jhPermute(rtem[:], rc[:])
	}

	for i := 0; i < 128; i++ {
		tem[i] = a[2*i]
		tem[i+128] = a[2*i+1]
	}
	*h = [jhStateSize]byte{}
	for i := 0; i < 256; i++ {
		for k := 0; k < 4; k++ {
			h[(i+256*k)>>3] |= (tem[i] >> (3 - uint(k)) & 1) << (7 - uint(i&7))
		}
	}
}

func jhCompress(h *[jhStateSize]byte, block []byte) {
	for i := 0; i < jhBlockSize; i++ {
		h[i] ^= block[i]
	}
	jhE8(h)
	for i := 0; i < jhBlockSize; i++ {
		h[jhBlockSize+i] ^= block[i]
	}
}

// jh256 computes JH-256 of data.
func jh256(data []byte) (out [Size]byte) {
	var h [jhStateSize]byte
	h[0], h[1] = 0x01, 0x00 // hash bit length 256
	jhCompress(&h, make([]byte, jhBlockSize))

	bitLen := uint64(len(data)) * 8
	// 1 bit, 383+(-l mod 512) zero bits, then a 128-bit length.
	zeroBytes := (383 + int((-bitLen)%512) - 7) / 8
	padded := make([]byte, 0, len(data)+1+zeroBytes+16)
	padded = append(padded, data...)
	padded = append(padded, 0x80)
	padded = append(padded, make([]byte, zeroBytes)...)
	padded = binary.BigEndian.AppendUint64(padded, 0)
	padded = binary.BigEndian.AppendUint64(padded, bitLen)

	for off := 0; off < len(padded); off += jhBlockSize {
		jhCompress(&h, padded[off:off+jhBlockSize])
	}
	copy(out[:], h[jhStateSize-Size:])
	return out
}

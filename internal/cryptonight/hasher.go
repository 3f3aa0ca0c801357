// Package cryptonight implements the CryptoNight v0 (cn/0) memory-hard
// proof-of-work hash and the share target predicate used by pools.
package cryptonight

import (
	"encoding/binary"
	"math/bits"

	"github.com/edsrzf/mmap-go"

	"github.com/bardlex/cnminer/pkg/errors"
)

const (
	// Size is the digest length in bytes.
	Size = 32

	scratchpadSize = 1 << 21
	// iterations is the number of mixing loop passes, each doing one AES
	// step and one multiply step.
	iterations = 1 << 19
	initSize   = 128
	// addrMask keeps a scratchpad offset 16-byte aligned and in range.
	addrMask = scratchpadSize - aesBlockSize

	// MaxBlobSize is the largest blob TryHash copies without allocating.
	MaxBlobSize = 256
	// NonceOffset is where the 4-byte little-endian nonce lives in a blob.
	NonceOffset = 39
)

// ScratchpadSize returns the per-hasher scratchpad size in bytes.
func ScratchpadSize() uint32 {
	return scratchpadSize
}

// Hasher owns one scratchpad and computes hashes sequentially. It is not
// safe for concurrent use; each worker owns its own Hasher.
type Hasher struct {
	scratchpad mmap.MMap
	state      [25]uint64
	buf        [stateSize]byte
	blob       [MaxBlobSize]byte
}

// NewHasher maps an anonymous scratchpad. Allocation failure is returned
// as an engine init error.
func NewHasher() (*Hasher, error) {
	sp, err := mmap.MapRegion(nil, scratchpadSize, mmap.RDWR, mmap.ANON, 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeEngineInit, "scratchpad_alloc",
			"failed to map scratchpad").
			WithContext("size", scratchpadSize)
	}
	return &Hasher{scratchpad: sp}, nil
}

// Close releases the scratchpad. The Hasher must not be used afterwards.
func (h *Hasher) Close() error {
	if h.scratchpad == nil {
		return nil
	}
	err := h.scratchpad.Unmap()
	h.scratchpad = nil
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "scratchpad_unmap",
			"failed to unmap scratchpad")
	}
	return nil
}

// Sum computes the CryptoNight v0 digest of data.
func (h *Hasher) Sum(data []byte) [Size]byte {
	sp := h.scratchpad
	st := &h.buf

	keccak1600(data, &h.state)
	stateToBytes(st, &h.state)

	var expanded [expandedKeySize]byte
	var text [initSize / 4]uint32

	// Fill the scratchpad with the AES-chained text block.
	expandKey(st[0:32], &expanded)
	rk := roundKeys(&expanded)
	loadWords(text[:], st[64:64+initSize])
	for off := 0; off < scratchpadSize; off += initSize {
		for lane := 0; lane < len(text); lane += 4 {
			pseudoRound(text[lane:lane+4], &rk)
		}
		storeWords(sp[off:off+initSize], text[:])
	}

	a0 := le64(st[0:]) ^ le64(st[32:])
	a1 := le64(st[8:]) ^ le64(st[40:])
	b0 := le64(st[16:]) ^ le64(st[48:])
	b1 := le64(st[24:]) ^ le64(st[56:])

	for i := 0; i < iterations; i++ {
		j := uint32(a0) & addrMask
		blk := sp[j : j+aesBlockSize]
		key := [4]uint32{uint32(a0), uint32(a0 >> 32), uint32(a1), uint32(a1 >> 32)}
		x0, x1, x2, x3 := aesRound(le32(blk[0:]), le32(blk[4:]), le32(blk[8:]), le32(blk[12:]), &key)
		c0 := uint64(x0) | uint64(x1)<<32
		c1 := uint64(x2) | uint64(x3)<<32
		binary.LittleEndian.PutUint64(blk[0:], c0^b0)
		binary.LittleEndian.PutUint64(blk[8:], c1^b1)

		j = uint32(c0) & addrMask
		blk = sp[j : j+aesBlockSize]
		d0, d1 := le64(blk[0:]), le64(blk[8:])
		hi, lo := mul128(c0, d0)
		a0 += hi
		a1 += lo
		binary.LittleEndian.PutUint64(blk[0:], a0)
		binary.LittleEndian.PutUint64(blk[8:], a1)
		a0 ^= d0
		a1 ^= d1
		b0, b1 = c0, c1
	}

	// Fold the scratchpad back into the text block under the second key.
	expandKey(st[32:64], &expanded)
	rk = roundKeys(&expanded)
	loadWords(text[:], st[64:64+initSize])
	for off := 0; off < scratchpadSize; off += initSize {
		for w := range text {
			text[w] ^= le32(sp[off+4*w:])
		}
		for lane := 0; lane < len(text); lane += 4 {
			pseudoRound(text[lane:lane+4], &rk)
		}
	}
	storeWords(st[64:64+initSize], text[:])

	bytesToState(&h.state, st)
	keccakF1600(&h.state)
	stateToBytes(st, &h.state)
	return finalHash(st)
}

// TryHash embeds nonce into a copy of blob, hashes it and reports whether
// the digest meets target. Blobs longer than MaxBlobSize are copied to the
// heap and blobs too short to hold a nonce are hashed as is.
func (h *Hasher) TryHash(blob []byte, nonce uint32, target uint64) ([Size]byte, bool) {
	var input []byte
	if len(blob) <= MaxBlobSize {
		input = h.blob[:copy(h.blob[:], blob)]
	} else {
		input = append([]byte(nil), blob...)
	}
	if len(input) >= NonceOffset+4 {
		binary.LittleEndian.PutUint32(input[NonceOffset:], nonce)
	}
	digest := h.Sum(input)
	return digest, MeetsTarget(digest, target)
}

// Sum is a one-shot helper that maps a scratchpad, hashes data and
// releases the scratchpad again.
func Sum(data []byte) ([Size]byte, error) {
	h, err := NewHasher()
	if err != nil {
		return [Size]byte{}, err
	}
	defer h.Close()
	return h.Sum(data), nil
}

// mul128 is the exact 64x64 to 128-bit unsigned product.
func mul128(a, b uint64) (hi, lo uint64) {
	return bits.Mul64(a, b)
}

func le64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func le32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func loadWords(dst []uint32, src []byte) {
	for i := range dst {
		dst[i] = binary.LittleEndian.Uint32(src[4*i:])
	}
}

func storeWords(dst []byte, src []uint32) {
	for i, w := range src {
		binary.LittleEndian.PutUint32(dst[4*i:], w)
	}
}

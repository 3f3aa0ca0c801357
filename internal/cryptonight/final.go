package cryptonight

import (
	"github.com/aead/skein"
	"github.com/decred/dcrd/crypto/blake256"
)

// finalHash selects one of the four finalists by the low two bits of the
// first state byte and hashes the whole 200-byte state with it.
func finalHash(state *[stateSize]byte) (out [Size]byte) {
	switch state[0] & 3 {
	case 0:
		h := blake256.New()
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	case 1:
		out = groestl256(state[:])
	case 2:
		out = jh256(state[:])
	default:
		h := skein.New256(nil)
		h.Write(state[:])
		copy(out[:], h.Sum(nil))
	}
	return out
}

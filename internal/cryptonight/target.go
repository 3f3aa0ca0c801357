package cryptonight

import (
	"encoding/binary"
	"encoding/hex"
	"math"

	"github.com/bardlex/cnminer/pkg/errors"
)

// ParseTarget decodes a pool target into the 64-bit threshold compared
// against the digest's trailing eight bytes.
//
// Pools send either a compact 4-byte little-endian target (8 hex chars),
// which is widened to 0xFFFFFFFFFFFFFFFF / (0xFFFFFFFF / t32), or the full
// 8-byte little-endian threshold (16 hex chars).
func ParseTarget(s string) (uint64, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeProtocolParse, "parse_target",
			"target is not valid hex").
			WithContext("target", s)
	}

	switch len(raw) {
	case 4:
		t32 := binary.LittleEndian.Uint32(raw)
		if t32 == 0 {
			return 0, errors.New(errors.ErrorTypeProtocolParse, "parse_target",
				"target is zero").
				WithContext("target", s)
		}
		return math.MaxUint64 / (math.MaxUint32 / uint64(t32)), nil
	case 8:
		t := binary.LittleEndian.Uint64(raw)
		if t == 0 {
			return 0, errors.New(errors.ErrorTypeProtocolParse, "parse_target",
				"target is zero").
				WithContext("target", s)
		}
		return t, nil
	default:
		return 0, errors.New(errors.ErrorTypeProtocolParse, "parse_target",
			"target must be 4 or 8 bytes").
			WithContext("target", s).
			WithContext("length", len(raw))
	}
}

// MeetsTarget reports whether the digest's last eight bytes, read as a
// little-endian integer, are strictly below target.
func MeetsTarget(digest [Size]byte, target uint64) bool {
	return binary.LittleEndian.Uint64(digest[Size-8:]) < target
}

// TargetDifficulty converts a threshold into the conventional difficulty
// figure pools display.
func TargetDifficulty(target uint64) float64 {
	if target == 0 {
		return 0
	}
	return float64(math.MaxUint64) / float64(target)
}

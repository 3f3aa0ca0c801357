package cryptonight

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/big"
	"testing"
)

func newTestHasher(t *testing.T) *Hasher {
	t.Helper()
	h, err := NewHasher()
	if err != nil {
		t.Fatalf("NewHasher() error = %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return h
}

func TestSumKnownVector(t *testing.T) {
	got, err := Sum([]byte("This is a test"))
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}

	want := "a084f01d1437a09c6985401b60d43554ae105802c5f5d8a9b3253649c0be6605"
	if hex.EncodeToString(got[:]) != want {
		t.Errorf("Sum() = %x, want %s", got, want)
	}
}

func TestSumReferenceVectors(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping slow-hash vectors in short mode")
	}

	// One vector per final hash selector: blake, groestl, jh, skein.
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"blake-256", "de omnibus dubitandum", "2f8e3df40bd11f9ac90c743ca8e32bb391da4fb98612aa3b6cdc639ee00b31f5"},
		{"groestl-256", "abundans cautela non nocet", "722fa8ccd594d40e4a41f3822734304c8d5eff7e1b528408e2229da38ba553c4"},
		{"jh-256", "caveat emptor", "bbec2cacf69866a8e740380fe7b818fc78f8571221742d729d9d02d7f8989b87"},
		{"skein-256", "ex nihilo nihil fit", "b1257de4efc5ce28c6b40ceb1c6c8f812a64634eb3e81c5220bee9b2b76a6f05"},
	}

	h := newTestHasher(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := h.Sum([]byte(tt.input))
			if hex.EncodeToString(got[:]) != tt.want {
				t.Errorf("Sum(%q) = %x, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestSumDeterministic(t *testing.T) {
	h := newTestHasher(t)
	input := []byte("determinism check")

	first := h.Sum(input)
	second := h.Sum(input)
	if first != second {
		t.Errorf("Sum() not deterministic: %x != %x", first, second)
	}

	oneShot, err := Sum(input)
	if err != nil {
		t.Fatalf("Sum() error = %v", err)
	}
	if oneShot != first {
		t.Errorf("package Sum() = %x, Hasher.Sum() = %x", oneShot, first)
	}
}

func TestSumAvalanche(t *testing.T) {
	h := newTestHasher(t)

	a := bytes.Repeat([]byte{0x42}, 76)
	b := bytes.Clone(a)
	b[10] ^= 0x01

	da := h.Sum(a)
	db := h.Sum(b)
	if da == db {
		t.Fatal("Sum() equal for inputs differing in one byte")
	}

	same := 0
	for i := range da {
		if da[i] == db[i] {
			same++
		}
	}
	if same > Size/4 {
		t.Errorf("Sum() digests share %d of %d bytes, want near-independent output", same, Size)
	}
}

func TestTryHash(t *testing.T) {
	h := newTestHasher(t)

	blob := make([]byte, 76)
	for i := range blob {
		blob[i] = byte(i)
	}
	const nonce = 0x10000007

	digest, ok := h.TryHash(blob, nonce, math.MaxUint64)

	withNonce := bytes.Clone(blob)
	binary.LittleEndian.PutUint32(withNonce[NonceOffset:], nonce)
	if want := h.Sum(withNonce); digest != want {
		t.Errorf("TryHash() digest = %x, want %x", digest, want)
	}
	if got := MeetsTarget(digest, math.MaxUint64); ok != got {
		t.Errorf("TryHash() ok = %v, MeetsTarget() = %v", ok, got)
	}

	if blob[NonceOffset] != 39 {
		t.Error("TryHash() modified the caller's blob")
	}

	if _, ok := h.TryHash(blob, nonce, 0); ok {
		t.Error("TryHash() with zero target reported a share")
	}
}

func TestTryHashShortBlob(t *testing.T) {
	h := newTestHasher(t)

	short := []byte("short blob")
	digest, _ := h.TryHash(short, 12345, math.MaxUint64)
	if want := h.Sum(short); digest != want {
		t.Errorf("TryHash() on short blob = %x, want unmodified hash %x", digest, want)
	}
}

func TestTryHashLongBlob(t *testing.T) {
	h := newTestHasher(t)

	long := make([]byte, MaxBlobSize+44)
	for i := range long {
		long[i] = byte(i * 7)
	}
	const nonce = 7
	orig := bytes.Clone(long)

	digest, _ := h.TryHash(long, nonce, math.MaxUint64)

	withNonce := bytes.Clone(orig)
	binary.LittleEndian.PutUint32(withNonce[NonceOffset:], nonce)
	if want := h.Sum(withNonce); digest != want {
		t.Errorf("TryHash() on %d-byte blob = %x, want hash of full blob %x", len(long), digest, want)
	}
	if !bytes.Equal(long, orig) {
		t.Error("TryHash() modified the caller's blob")
	}
}

func TestScratchpadSize(t *testing.T) {
	if got := ScratchpadSize(); got != 2097152 {
		t.Errorf("ScratchpadSize() = %d, want 2097152", got)
	}
}

func TestMul128(t *testing.T) {
	tests := []struct {
		name   string
		a, b   uint64
		hi, lo uint64
	}{
		{"max times two", math.MaxUint64, 2, 1, 0xFFFFFFFFFFFFFFFE},
		{"zero left", 0, 0xDEADBEEFCAFEBABE, 0, 0},
		{"zero right", 0xDEADBEEFCAFEBABE, 0, 0, 0},
		{"max squared", math.MaxUint64, math.MaxUint64, 0xFFFFFFFFFFFFFFFE, 1},
		{"middle carry", 0xFFFFFFFF00000000, 0x00000001FFFFFFFF, 0x00000001FFFFFFFD, 0x0000000100000000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hi, lo := mul128(tt.a, tt.b)
			if hi != tt.hi || lo != tt.lo {
				t.Errorf("mul128(%#x, %#x) = (%#x, %#x), want (%#x, %#x)", tt.a, tt.b, hi, lo, tt.hi, tt.lo)
			}
		})
	}
}

func TestMul128MatchesBigInt(t *testing.T) {
	mask := new(big.Int).SetUint64(math.MaxUint64)
	x := uint64(0x9E3779B97F4A7C15)
	for i := 0; i < 1000; i++ {
		a := x
		x = x*6364136223846793005 + 1442695040888963407
		b := x

		want := new(big.Int).Mul(new(big.Int).SetUint64(a), new(big.Int).SetUint64(b))
		wantLo := new(big.Int).And(want, mask).Uint64()
		wantHi := new(big.Int).Rsh(want, 64).Uint64()

		hi, lo := mul128(a, b)
		if hi != wantHi || lo != wantLo {
			t.Fatalf("mul128(%#x, %#x) = (%#x, %#x), want (%#x, %#x)", a, b, hi, lo, wantHi, wantLo)
		}
	}
}

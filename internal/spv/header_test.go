package spv

import (
	"math/big"
	"testing"
)

func TestHeaderEncodeDecodeRoundTrips(t *testing.T) {
	h := Header{
		Version:    2,
		PrevHash:   [32]byte{1, 2, 3},
		MerkleRoot: [32]byte{4, 5, 6},
		Time:       1700000000,
		Bits:       0x1d00ffff,
		Nonce:      424242,
	}
	encoded := h.Encode()
	if len(encoded) != HeaderBytes {
		t.Fatalf("expected %d bytes, got %d", HeaderBytes, len(encoded))
	}
	got, err := DecodeHeader(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, 79)); err == nil {
		t.Fatalf("expected an error for a truncated header")
	}
}

func TestTargetFromBitsRejectsNegativeBit(t *testing.T) {
	if _, err := TargetFromBits(0x01800000); err == nil {
		t.Fatalf("expected an error when the sign bit is set")
	}
}

func TestTargetBitsRoundTripIsMonotonicNonIncreasing(t *testing.T) {
	cases := []uint32{0x1d00ffff, 0x1b0404cb, 0x207fffff, 0x03123456}
	for _, bits := range cases {
		target, err := TargetFromBits(bits)
		if err != nil {
			t.Fatalf("TargetFromBits(%#x): %v", bits, err)
		}
		reencoded := BitsFromTarget(target)
		reTarget, err := TargetFromBits(reencoded)
		if err != nil {
			t.Fatalf("TargetFromBits(reencoded %#x): %v", reencoded, err)
		}
		if reTarget.Cmp(target) > 0 {
			t.Fatalf("re-encoded target %s exceeds original %s for bits %#x", reTarget, target, bits)
		}
	}
}

func TestWorkFromBitsIsLargerForSmallerTarget(t *testing.T) {
	easyWork, err := WorkFromBits(0x207fffff)
	if err != nil {
		t.Fatalf("easy: %v", err)
	}
	hardWork, err := WorkFromBits(0x1d00ffff)
	if err != nil {
		t.Fatalf("hard: %v", err)
	}
	if hardWork.Cmp(easyWork) <= 0 {
		t.Fatalf("expected a smaller target to contribute more work: hard=%s easy=%s", hardWork, easyWork)
	}
}

func TestCheckPoWAcceptsHashUnderTargetAndRejectsOver(t *testing.T) {
	bits := uint32(0x1d00ffff)
	target, err := TargetFromBits(bits)
	if err != nil {
		t.Fatalf("target: %v", err)
	}
	// powLimit is scoped to this call, not a shared package-level default,
	// so it can equal target exactly without affecting any other test.
	powLimit := new(big.Int).Set(target)

	under := new(big.Int).Sub(target, big.NewInt(1))
	var underHash [32]byte
	copy(underHash[32-len(under.Bytes()):], under.Bytes())
	if err := checkPoW(underHash, bits, powLimit); err != nil {
		t.Fatalf("expected hash under target to pass PoW, got %v", err)
	}

	over := new(big.Int).Add(target, big.NewInt(1))
	var overHash [32]byte
	copy(overHash[32-len(over.Bytes()):], over.Bytes())
	if err := checkPoW(overHash, bits, powLimit); err == nil {
		t.Fatalf("expected hash over target to fail PoW")
	}
}

// Package spv implements the BTC-SPV header engine (C1) and Merkle proof
// verifier (C2): an append-only, proof-of-work validated, checkpoint
// enforced store of external-chain headers with best-chain selection on
// cumulative work.
package spv

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"rubin.dev/node/internal/coreerr"
	"rubin.dev/node/internal/cryptoprovider"
)

// HeaderBytes is the external chain's fixed 80-byte wire header (§6).
const HeaderBytes = 80

// Header is the external-chain block header (§3 "External Header").
type Header struct {
	Version    int32
	PrevHash   [32]byte
	MerkleRoot [32]byte
	Time       uint32
	Bits       uint32
	Nonce      uint32
}

// Encode serializes h to the 80-byte wire format: version:i32 LE,
// prev_hash:32B, merkle_root:32B, time:u32 LE, bits:u32 LE, nonce:u32 LE.
func (h Header) Encode() []byte {
	out := make([]byte, HeaderBytes)
	binary.LittleEndian.PutUint32(out[0:4], uint32(h.Version))
	copy(out[4:36], h.PrevHash[:])
	copy(out[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(out[68:72], h.Time)
	binary.LittleEndian.PutUint32(out[72:76], h.Bits)
	binary.LittleEndian.PutUint32(out[76:80], h.Nonce)
	return out
}

// DecodeHeader parses the 80-byte wire format.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) != HeaderBytes {
		return h, fmt.Errorf("spv: header must be %d bytes, got %d", HeaderBytes, len(b))
	}
	h.Version = int32(binary.LittleEndian.Uint32(b[0:4])) // #nosec G115 -- bit-pattern reinterpretation, not a value conversion.
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Time = binary.LittleEndian.Uint32(b[68:72])
	h.Bits = binary.LittleEndian.Uint32(b[72:76])
	h.Nonce = binary.LittleEndian.Uint32(b[76:80])
	return h, nil
}

// Hash returns double_sha256(serialize(header)) (§3).
func (h Header) Hash(p cryptoprovider.Provider) [32]byte {
	return p.DoubleSHA256(h.Encode())
}

var twoTo256 = new(big.Int).Lsh(big.NewInt(1), 256)

// TargetFromBits decodes the compact "nBits" difficulty encoding into a
// 256-bit target, as used by the external chain's wire format. Returns an
// error if the target is non-positive or overflows 32 bytes.
func TargetFromBits(bits uint32) (*big.Int, error) {
	exponent := int(bits >> 24)
	mantissa := int64(bits & 0x007fffff)
	if bits&0x00800000 != 0 {
		return nil, fmt.Errorf("spv: negative target bit set")
	}

	var target *big.Int
	if exponent <= 3 {
		target = big.NewInt(mantissa >> uint(8*(3-exponent))) // #nosec G115 -- exponent bounded <=3 above.
	} else {
		target = new(big.Int).Lsh(big.NewInt(mantissa), uint(8*(exponent-3)))
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("spv: target must be positive")
	}
	if target.BitLen() > 256 {
		return nil, fmt.Errorf("spv: target overflows 256 bits")
	}
	return target, nil
}

// BitsFromTarget re-encodes a 256-bit target into the compact "nBits" form.
// Used by difficulty retargeting (§4.1 rule 6).
func BitsFromTarget(target *big.Int) uint32 {
	if target.Sign() <= 0 {
		return 0
	}
	b := target.Bytes()
	size := len(b)
	var mantissaBytes []byte
	if size <= 3 {
		mantissaBytes = make([]byte, 3)
		copy(mantissaBytes[3-size:], b)
	} else {
		mantissaBytes = b[:3]
	}
	mantissa := uint32(mantissaBytes[0])<<16 | uint32(mantissaBytes[1])<<8 | uint32(mantissaBytes[2])
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return mantissa | uint32(size)<<24 // #nosec G115 -- size bounded by a 256-bit target (<=32 bytes, plus the +1 carry above).
}

// WorkFromBits returns floor(2^256 / (target+1)), the chain-work
// contributed by one block at this difficulty (§3 "Derived: work").
func WorkFromBits(bits uint32) (*big.Int, error) {
	target, err := TargetFromBits(bits)
	if err != nil {
		return nil, err
	}
	denom := new(big.Int).Add(target, big.NewInt(1))
	return new(big.Int).Quo(twoTo256, denom), nil
}

// checkPoW reports whether uint(hash) <= target(bits), both interpreted as
// big-endian 256-bit integers, matching the external chain's "hash meets
// target" rule (§4.1 rule 4). powLimit is the caller's network-scoped
// maximum allowed target, not a package-level default, so two Stores for
// different networks never share or clobber each other's limit.
func checkPoW(hash [32]byte, bits uint32, powLimit *big.Int) error {
	target, err := TargetFromBits(bits)
	if err != nil {
		return coreerr.New(coreerr.InvalidPoW, coreerr.DoSMax, err.Error())
	}
	if target.Cmp(powLimit) > 0 {
		return coreerr.New(coreerr.InvalidPoW, coreerr.DoSMax, "target exceeds pow_limit")
	}
	hashInt := new(big.Int).SetBytes(hash[:])
	if hashInt.Cmp(target) > 0 {
		return coreerr.New(coreerr.InvalidPoW, coreerr.DoSMax, "hash exceeds target")
	}
	return nil
}

// Package cryptoprovider is the narrow crypto interface the settlement core
// depends on. Double-SHA256 is used for external-chain header hashing and
// internal commitment hashing; ECDSA/secp256k1 is used for the producer
// signature envelope (§4.6). The interface stays this narrow so a caller
// (e.g. an HSM-backed implementation) can swap the concrete signer without
// the core ever touching key material directly.
package cryptoprovider

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// MinSigLen and MaxSigLen bound the accepted DER-encoded ECDSA signature
// lengths for the producer signature envelope (§4.6).
const (
	MinSigLen = 64
	MaxSigLen = 73
)

// Provider is the crypto surface the settlement core depends on.
type Provider interface {
	DoubleSHA256(data []byte) [32]byte
	VerifyECDSA(pubkey []byte, sig []byte, digest32 [32]byte) bool
}

// Std is the production provider: stdlib SHA-256 and decred's constant-time
// secp256k1 ECDSA verifier.
type Std struct{}

// DoubleSHA256 returns SHA256(SHA256(data)), the external chain's hash
// function (§6 "External header wire format").
func (Std) DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// VerifyECDSA verifies a DER-encoded ECDSA signature over digest32 using a
// compressed or uncompressed secp256k1 public key. Out-of-range signature
// lengths (§4.6: 64..73 bytes) are rejected before touching the curve.
func (Std) VerifyECDSA(pubkey []byte, sig []byte, digest32 [32]byte) bool {
	if len(sig) < MinSigLen || len(sig) > MaxSigLen {
		return false
	}
	pk, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(digest32[:], pk)
}

// Sign is a convenience helper for tests and the demo CLI that need to
// produce a valid envelope; the core itself never signs, only verifies.
func Sign(priv *secp256k1.PrivateKey, digest32 [32]byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("cryptoprovider: nil private key")
	}
	sig := ecdsa.Sign(priv, digest32[:])
	return sig.Serialize(), nil
}

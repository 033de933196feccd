// Package chainparams holds the network-specific constants the settlement
// core needs: BTC-SPV bootstrap checkpoints for C1 and producer-election
// timing for C6. Both sides of the pipeline read from here so a scheduler
// and a verifier never disagree about what "this network" means.
package chainparams

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// AnchorCheckpoint bootstraps a fresh SPV store without replaying from the
// external chain's genesis block (§3 "Anchor checkpoints").
type AnchorCheckpoint struct {
	Height  uint32
	Hash    [32]byte
	CumWork *big.Int
}

// IdentityCheckpoint pins the hash at a halving boundary (§3 "Canonical-
// identity checkpoints", invariant A7).
type IdentityCheckpoint struct {
	Height uint32
	Hash   [32]byte
}

// Params is everything the pipeline needs to know about one network.
type Params struct {
	Name string

	// C1: external (BTC-style) chain parameters.
	PowLimit      [32]byte // maximum allowed target
	RetargetSpan  uint32   // blocks per difficulty window (2016 on mainnet)
	TargetSpacing uint32   // seconds per external block (600 on mainnet)
	Anchors       []AnchorCheckpoint
	Identities    []IdentityCheckpoint

	// C3: burn-claim confirmation policy.
	ConfirmationsRequired uint32

	// C6: native block producer timing.
	NativeTargetSpacing     uint32 // seconds per native block
	LeaderTimeoutSeconds    int64
	FallbackWindowSeconds   int64
	DMMBootstrapHeight      uint32
}

// Mainnet mirrors the BATHRON mainnet parameters: 60s native blocks, a
// 45s leader timeout, and a 15s fallback recovery window (masternode/
// blockproducer.cpp, chainparams.cpp CreateMainnetConsensus).
func Mainnet() Params {
	return Params{
		Name:                  "mainnet",
		PowLimit:              maxTarget(),
		RetargetSpan:          2016,
		TargetSpacing:         600,
		ConfirmationsRequired: 100,
		Anchors: []AnchorCheckpoint{
			{Height: 800000, Hash: mustHash("00000000000000000002a7c4c1e48d76c5a37902165a270156b7a8d72728a054"), CumWork: big.NewInt(0)},
			{Height: 840000, Hash: mustHash("0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5"), CumWork: big.NewInt(0)},
		},
		Identities: []IdentityCheckpoint{
			{Height: 840000, Hash: mustHash("0000000000000000000320283a032748cef8227873ff4872689bf23f1cda83a5")},
		},
		NativeTargetSpacing:   60,
		LeaderTimeoutSeconds:  45,
		FallbackWindowSeconds: 15,
		DMMBootstrapHeight:    250,
	}
}

// Signet mirrors the BATHRON test network: same native timing and bootstrap
// window as mainnet, and the checkpoint the original SPV store anchors new
// nodes to at height 286000.
func Signet() Params {
	return Params{
		Name:                  "signet",
		PowLimit:              maxTarget(),
		RetargetSpan:          2016,
		TargetSpacing:         600,
		ConfirmationsRequired: 6,
		Anchors: []AnchorCheckpoint{
			{Height: 200000, Hash: mustHash("0000007d60f5ffc47975418ac8331c0ea52cf551730ef7ead7ff9082a536f13c"), CumWork: big.NewInt(0)},
			{Height: 280000, Hash: mustHash("00000007cf38f0abf5564dde6a748fbd09d4c29f755405ae936d6b9b13d5db3c"), CumWork: big.NewInt(0)},
			{Height: 286000, Hash: mustHash("0000000732c0c78558a50be0774d99188f65ee374e10ff9816deaf42df9f7780"), CumWork: big.NewInt(0)},
		},
		NativeTargetSpacing:   60,
		LeaderTimeoutSeconds:  45,
		FallbackWindowSeconds: 15,
		DMMBootstrapHeight:    250,
	}
}

// Regtest runs everything with near-zero timing for deterministic local
// tests: a single genesis anchor at height 0 and an ultra-fast producer
// fallback window.
func Regtest() Params {
	return Params{
		Name:                  "regtest",
		PowLimit:              maxTarget(),
		RetargetSpan:          2016,
		TargetSpacing:         600,
		ConfirmationsRequired: 1,
		Anchors: []AnchorCheckpoint{
			{Height: 0, Hash: [32]byte{}, CumWork: big.NewInt(1)},
		},
		NativeTargetSpacing:   1,
		LeaderTimeoutSeconds:  5,
		FallbackWindowSeconds: 2,
		DMMBootstrapHeight:    2,
	}
}

// ByName resolves a network name to its Params, as used by config loading.
func ByName(name string) (Params, bool) {
	switch name {
	case "mainnet":
		return Mainnet(), true
	case "signet":
		return Signet(), true
	case "regtest":
		return Regtest(), true
	default:
		return Params{}, false
	}
}

// HighestAnchor returns the anchor checkpoint with the greatest height,
// used to seed a fresh SPV store (§4.1 init).
func (p Params) HighestAnchor() (AnchorCheckpoint, bool) {
	if len(p.Anchors) == 0 {
		return AnchorCheckpoint{}, false
	}
	best := p.Anchors[0]
	for _, a := range p.Anchors[1:] {
		if a.Height > best.Height {
			best = a
		}
	}
	return best, true
}

// IdentityAt returns the identity checkpoint at height, if any (A7).
func (p Params) IdentityAt(height uint32) (IdentityCheckpoint, bool) {
	for _, id := range p.Identities {
		if id.Height == height {
			return id, true
		}
	}
	return IdentityCheckpoint{}, false
}

func maxTarget() [32]byte {
	var t [32]byte
	for i := range t {
		t[i] = 0xff
	}
	t[0] = 0x00
	t[1] = 0x00
	t[2] = 0x00
	return t
}

// mustHash decodes a hex-encoded checkpoint hash, panicking on a malformed
// literal so a typo'd constant fails loudly at init instead of silently
// validating against an all-zero hash.
func mustHash(hexStr string) [32]byte {
	var out [32]byte
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		panic(fmt.Sprintf("chainparams: invalid checkpoint hash %q: %v", hexStr, err))
	}
	copy(out[:], b)
	return out
}

// Package burnclaim implements C3, the burn-claim index: the bridge
// between externally observed BTC burns (validated against C1+C2) and
// native MINT_M0BTC admission.
package burnclaim

import "github.com/google/uuid"

// Status is a claim's lifecycle stage (§3 "Burn Claim Record").
type Status string

const (
	StatusPending   Status = "pending"
	StatusMintable  Status = "mintable"
	StatusFinalized Status = "finalized"
	StatusRejected  Status = "rejected"
)

// Outpoint keys a claim by its external (BTC-style) transaction output.
type Outpoint struct {
	BTCTxID [32]byte
	Vout    uint32
}

// Record is a Burn Claim Record (§3).
type Record struct {
	ClaimID             uuid.UUID
	BTCTxID             [32]byte
	BTCBlockHeight      uint32
	BTCBlockHash        [32]byte
	VoutIndex           uint32
	AmountSats          int64
	OpReturnPayload     []byte
	Destination         []byte
	Status              Status
	ConfirmationsAtSeen uint32

	// NativeFinalizedHeight is set by MarkFinalized; zero until then.
	NativeFinalizedHeight uint32
}

// BurnMagic is the fixed ASCII prefix a qualifying OP_RETURN payload must
// carry (§6 "Burn OP_RETURN payload").
const BurnMagic = "BATHRON1"

// ParsedPayload is a decoded OP_RETURN burn commitment.
type ParsedPayload struct {
	Destination     []byte
	AmountCommitted int64
}

// ParsePayload validates and decodes the fixed-layout OP_RETURN payload:
// an 8-byte ASCII magic, a 20-byte destination, and an 8-byte big-endian
// amount commitment (§6).
func ParsePayload(raw []byte) (ParsedPayload, bool) {
	const destLen = 20
	const amountLen = 8
	want := len(BurnMagic) + destLen + amountLen
	if len(raw) != want {
		return ParsedPayload{}, false
	}
	if string(raw[:len(BurnMagic)]) != BurnMagic {
		return ParsedPayload{}, false
	}
	dest := append([]byte(nil), raw[len(BurnMagic):len(BurnMagic)+destLen]...)
	amountBytes := raw[len(BurnMagic)+destLen:]
	var amount int64
	for _, b := range amountBytes {
		amount = amount<<8 | int64(b)
	}
	if amount < 0 {
		return ParsedPayload{}, false
	}
	return ParsedPayload{Destination: dest, AmountCommitted: amount}, true
}

package settlement

// Consensus-wide limits shared by every special transaction (§4.5 "Shared
// pre-checks").
const (
	MinTxVersion = 1
	MaxTxVersion = 3 // version must be in [MinTxVersion, MaxTxVersion) i.e. TOOHIGH = 3
	MaxTxSize    = 100_000
	MaxMoney     = 21_000_000 * 1e8

	// MinFeePerKB is the relay-fee floor special transactions must clear
	// when their fee is paid in M1 (TX_UNLOCK's m1_fee, §4.5.2).
	MinFeePerKB = 1000
)

// Kind tags the four special transaction types plus the non-special
// default, distinguishing the canonical-output-order rules C5 enforces.
type Kind int

const (
	KindOrdinary Kind = iota
	KindLock
	KindUnlock
	KindTransferM1
	KindMintM0BTC
)

// TxInput is a settlement-relevant transaction input: either an ordinary
// M0-standard coin, a Vault, or a Receipt, distinguished by which C4 index
// (if any) claims the outpoint.
type TxInput struct {
	Outpoint Outpoint
}

// TxOutput is a settlement-relevant transaction output.
type TxOutput struct {
	Value    int64
	PushTrue bool   // script is literally the one-byte "push TRUE" predicate
	Address  []byte // opaque destination bytes for ordinary/Receipt outputs
}

// Tx is the generic shape every special transaction is built from. Size is
// the transaction's serialized byte length, used for the shared pre-checks
// and the UNLOCK fee floor.
type Tx struct {
	TxID    [32]byte
	Version int32
	Size    int
	Kind    Kind
	Inputs  []TxInput
	Outputs []TxOutput

	// ClaimRefs carries the burn-claim IDs a MINT_M0BTC transaction
	// references, in output order.
	ClaimRefs [][16]byte
}

// MinFee returns the minimum fee a transaction of the given size must pay,
// rounded up to the nearest KB (§4.5.2 "Fee floor").
func MinFee(size int) int64 {
	kb := int64(size+999) / 1000
	if kb == 0 {
		kb = 1
	}
	return kb * MinFeePerKB
}

// Package settlement implements C4 (the typed UTXO settlement DB) and C5
// (the transition logic for the four special transaction types), governed
// by invariants A5 (monetary conservation) and A6 (full backing).
package settlement

import "rubin.dev/node/internal/coinview"

// Outpoint is a settlement UTXO location; it is an alias of
// coinview.Outpoint, so the two are the same type and interchangeable.
type Outpoint = coinview.Outpoint

// VaultEntry is M0 locked to back M1 supply: a bearer asset spendable only
// by a TX_UNLOCK (consensus rule, not a script rule) (§3).
type VaultEntry struct {
	Outpoint   Outpoint
	Amount     int64
	LockHeight uint32
}

// Receipt is an M1 bearer asset: created by TX_LOCK, transferable by
// TX_TRANSFER_M1, burned by TX_UNLOCK against any vault (§3).
type Receipt struct {
	Outpoint     Outpoint
	Amount       int64
	CreateHeight uint32
}

// UnlockUndoData records everything a TX_UNLOCK consumed or created so a
// reorg can restore prior state exactly (§4.5.2).
type UnlockUndoData struct {
	ReceiptsSpent       []Receipt
	VaultsSpent         []VaultEntry
	M0Released          int64
	NetM1Burned         int64
	ReceiptChangeCount  uint32
	VaultChangeCreated  bool
	VaultChangeOutpoint Outpoint
}

// TransferUndoData records the source receipt a TX_TRANSFER_M1 consumed
// and how many M1 outputs it produced (§4.5.3).
type TransferUndoData struct {
	OriginalReceipt Receipt
	NumM1Outputs    uint32
}

// State is a per-block settlement snapshot (§3 "Settlement State").
type State struct {
	Height              uint32
	BlockHash           [32]byte
	M0Vaulted           int64
	M1Supply            int64
	M0Shielded          int64
	M0TotalSupply       int64
	BurnClaimsThisBlock int64
}

// CheckInvariants verifies A6 (full backing) and non-negativity.
func (s State) CheckInvariants() bool {
	if s.M0Vaulted < 0 || s.M1Supply < 0 {
		return false
	}
	return s.M0Vaulted == s.M1Supply
}

// CheckA5 verifies monetary conservation against the previous block's
// state: M0_total_supply(N) == M0_total_supply(N-1) + burnclaims_block(N).
func (s State) CheckA5(prev State) bool {
	return s.M0TotalSupply == prev.M0TotalSupply+s.BurnClaimsThisBlock
}

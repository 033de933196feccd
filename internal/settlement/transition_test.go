package settlement

import (
	"testing"

	"rubin.dev/node/internal/coinview"
	"rubin.dev/node/internal/coreerr"
)

type fakeClaims struct {
	mintable  map[[16]byte]int64
	finalized map[[16]byte]uint32
}

func newFakeClaims() *fakeClaims {
	return &fakeClaims{mintable: make(map[[16]byte]int64), finalized: make(map[[16]byte]uint32)}
}

func (f *fakeClaims) ClaimMintable(claimID [16]byte) (int64, []byte, bool) {
	amt, ok := f.mintable[claimID]
	return amt, nil, ok
}

func (f *fakeClaims) MarkClaimFinalized(claimID [16]byte, nativeHeight uint32) error {
	f.finalized[claimID] = nativeHeight
	return nil
}

func newTestEngine(t *testing.T) (*Engine, *DB, *coinview.Memory, *fakeClaims) {
	t.Helper()
	db := openTestDB(t)
	view := coinview.NewMemory()
	claims := newFakeClaims()
	return NewEngine(db, view, claims), db, view, claims
}

// TestApplyBlockLockLocksM0IntoVaultAndReceipt covers the LOCK round-trip:
// a wallet holding 100 M0 submits LOCK(p=40), after which M0_vaulted and
// M1_supply both read 40; undoing the block clears both entries (restoring
// the spent coin is left to the coin view and not checked here).
func TestApplyBlockLockLocksM0IntoVaultAndReceipt(t *testing.T) {
	engine, _, view, _ := newTestEngine(t)
	srcOp := coinview.Outpoint{TxID: [32]byte{1}, Vout: 0}
	_ = view.AddCoin(srcOp, coinview.Coin{Value: 10000000000}) // 100.00

	txid := [32]byte{2}
	tx := Tx{
		TxID: txid, Version: 1, Size: 250, Kind: KindLock,
		Inputs: []TxInput{{Outpoint: srcOp}},
		Outputs: []TxOutput{
			{Value: 4000000000, PushTrue: true},  // vault
			{Value: 4000000000, PushTrue: false}, // receipt
			{Value: 1999950000, PushTrue: false}, // change
		},
	}

	result, err := engine.ApplyBlock(1, [32]byte{9}, []Tx{tx}, State{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.State.M0Vaulted != 4000000000 || result.State.M1Supply != 4000000000 {
		t.Fatalf("unexpected post-lock state: %+v", result.State)
	}
	if err := result.Batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, ok := view.GetCoin(srcOp); ok {
		t.Fatalf("expected source coin to be spent")
	}
	if _, ok := view.GetCoin(coinview.Outpoint{TxID: txid, Vout: 2}); !ok {
		t.Fatalf("expected change coin to exist")
	}

	undoBatch, err := engine.UndoBlock([]Tx{tx}, State{})
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if err := undoBatch.Commit(); err != nil {
		t.Fatalf("undo commit: %v", err)
	}
	if _, ok := engine.db.IsVault(coinview.Outpoint{TxID: txid, Vout: 0}); ok {
		t.Fatalf("expected vault entry removed after undo")
	}
	if _, ok := engine.db.IsM1Receipt(coinview.Outpoint{TxID: txid, Vout: 1}); ok {
		t.Fatalf("expected receipt entry removed after undo")
	}
}

// TestApplyBlockUnlockPartialRedemption covers a partial UNLOCK: a wallet
// holding Receipt(40)+Vault(40) redeems 25, paying a 0.01 M1 fee, and
// receives Receipt/Vault change of 14.99 each. The fee output is still
// booked as M1 (it stays a Receipt until TRANSFER_M1 or a later UNLOCK
// moves it), so M1_supply and M0_vaulted both fall by exactly the amount
// redeemed to M0, not by the net of fee and change.
func TestApplyBlockUnlockPartialRedemption(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)

	receiptOp := Outpoint{TxID: [32]byte{1}, Vout: 1}
	vaultOp := Outpoint{TxID: [32]byte{1}, Vout: 0}
	seed := db.NewBatch()
	seed.PutReceipt(Receipt{Outpoint: receiptOp, Amount: 4000000000, CreateHeight: 1})
	seed.PutVault(VaultEntry{Outpoint: vaultOp, Amount: 4000000000, LockHeight: 1})
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	txid := [32]byte{2}
	tx := Tx{
		TxID: txid, Version: 1, Size: 300, Kind: KindUnlock,
		Inputs: []TxInput{{Outpoint: receiptOp}, {Outpoint: vaultOp}},
		Outputs: []TxOutput{
			{Value: 2500000000, PushTrue: false}, // M0 destination
			{Value: 1499000000, PushTrue: false}, // receipt change
			{Value: 1000000, PushTrue: true},     // M1 fee
			{Value: 1000000, PushTrue: true},     // vault backing for fee
			{Value: 1499000000, PushTrue: true},  // vault change
		},
	}

	prevState := State{M0Vaulted: 4000000000, M1Supply: 4000000000}
	result, err := engine.ApplyBlock(2, [32]byte{8}, []Tx{tx}, prevState)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.State.M0Vaulted != 1500000000 {
		t.Fatalf("expected M0_vaulted == 15.00 after redemption, got %d", result.State.M0Vaulted)
	}
	if result.State.M1Supply != 1500000000 {
		t.Fatalf("expected M1_supply == 15.00 after redemption, got %d", result.State.M1Supply)
	}
	if !result.State.CheckInvariants() {
		t.Fatalf("expected A6 to still hold: %+v", result.State)
	}
	if err := result.Batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	feeOp := Outpoint{TxID: txid, Vout: 2}
	if r, ok := db.IsM1Receipt(feeOp); !ok || r.Amount != 1000000 {
		t.Fatalf("expected the fee output to be booked as a Receipt: %+v ok=%v", r, ok)
	}
	if _, ok := db.IsVault(vaultOp); ok {
		t.Fatalf("original vault should be gone")
	}

	undoBatch, err := engine.UndoBlock([]Tx{tx}, prevState)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if err := undoBatch.Commit(); err != nil {
		t.Fatalf("undo commit: %v", err)
	}
	if r, ok := db.IsM1Receipt(receiptOp); !ok || r.Amount != 4000000000 {
		t.Fatalf("expected original receipt restored: %+v ok=%v", r, ok)
	}
	if v, ok := db.IsVault(vaultOp); !ok || v.Amount != 4000000000 {
		t.Fatalf("expected original vault restored: %+v ok=%v", v, ok)
	}
	if _, ok := db.IsM1Receipt(feeOp); ok {
		t.Fatalf("expected fee receipt removed after undo")
	}
}

// TestApplyBlockTransferSplitsReceiptLeavingM1SupplyUnchanged covers a
// TRANSFER_M1 split: Receipt(10) divided into {4,3,2.99}+fee(0.01).
func TestApplyBlockTransferSplitsReceiptLeavingM1SupplyUnchanged(t *testing.T) {
	engine, db, _, _ := newTestEngine(t)

	sourceOp := Outpoint{TxID: [32]byte{1}, Vout: 0}
	seed := db.NewBatch()
	seed.PutReceipt(Receipt{Outpoint: sourceOp, Amount: 1000000000, CreateHeight: 1})
	if err := seed.Commit(); err != nil {
		t.Fatalf("seed commit: %v", err)
	}

	txid := [32]byte{2}
	tx := Tx{
		TxID: txid, Version: 1, Size: 200, Kind: KindTransferM1,
		Inputs: []TxInput{{Outpoint: sourceOp}},
		Outputs: []TxOutput{
			{Value: 400000000, PushTrue: false},
			{Value: 300000000, PushTrue: false},
			{Value: 299000000, PushTrue: false},
			{Value: 1000000, PushTrue: true},
		},
	}

	prevState := State{M1Supply: 1000000000, M0Vaulted: 1000000000}
	result, err := engine.ApplyBlock(2, [32]byte{7}, []Tx{tx}, prevState)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.State.M1Supply != prevState.M1Supply {
		t.Fatalf("expected M1_supply unchanged by TRANSFER_M1, got %d want %d", result.State.M1Supply, prevState.M1Supply)
	}
	if err := result.Batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, ok := db.IsM1Receipt(sourceOp); ok {
		t.Fatalf("expected source receipt consumed")
	}
	for i, want := range []int64{400000000, 300000000, 299000000, 1000000} {
		r, ok := db.IsM1Receipt(Outpoint{TxID: txid, Vout: uint32(i)})
		if !ok || r.Amount != want {
			t.Fatalf("output %d: got %+v ok=%v want %d", i, r, ok, want)
		}
	}

	undoBatch, err := engine.UndoBlock([]Tx{tx}, prevState)
	if err != nil {
		t.Fatalf("undo: %v", err)
	}
	if err := undoBatch.Commit(); err != nil {
		t.Fatalf("undo commit: %v", err)
	}
	if r, ok := db.IsM1Receipt(sourceOp); !ok || r.Amount != 1000000000 {
		t.Fatalf("expected source receipt restored: %+v ok=%v", r, ok)
	}
	if _, ok := db.IsM1Receipt(Outpoint{TxID: txid, Vout: 0}); ok {
		t.Fatalf("expected split outputs removed after undo")
	}
}

// TestApplyBlockMintAdmitsMintableClaimAndDefersFinalization covers
// MINT_M0BTC admission: the claim finalization is returned for the
// barrier to apply after the batch commits, not applied eagerly.
func TestApplyBlockMintAdmitsMintableClaimAndDefersFinalization(t *testing.T) {
	engine, _, view, claims := newTestEngine(t)
	var claimID [16]byte
	claimID[0] = 1
	claims.mintable[claimID] = 500000000

	txid := [32]byte{3}
	tx := Tx{
		TxID: txid, Version: 1, Size: 150, Kind: KindMintM0BTC,
		ClaimRefs: [][16]byte{claimID},
		Outputs:   []TxOutput{{Value: 500000000, PushTrue: false}},
	}

	result, err := engine.ApplyBlock(5, [32]byte{1}, []Tx{tx}, State{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if result.State.M0TotalSupply != 500000000 || result.State.BurnClaimsThisBlock != 500000000 {
		t.Fatalf("unexpected state after mint: %+v", result.State)
	}
	if len(result.ClaimsToFinalize) != 1 || result.ClaimsToFinalize[0].ClaimID != claimID {
		t.Fatalf("expected one deferred claim finalization, got %+v", result.ClaimsToFinalize)
	}
	if len(claims.finalized) != 0 {
		t.Fatalf("expected claim finalization to be deferred until the barrier commits, got %+v", claims.finalized)
	}
	if _, ok := view.GetCoin(coinview.Outpoint{TxID: txid, Vout: 0}); !ok {
		t.Fatalf("expected the minted coin to be added to the coin view")
	}
}

func TestApplyBlockMintRejectsUnmintableClaim(t *testing.T) {
	engine, _, _, _ := newTestEngine(t)
	var claimID [16]byte
	claimID[0] = 9

	tx := Tx{
		TxID: [32]byte{4}, Version: 1, Size: 150, Kind: KindMintM0BTC,
		ClaimRefs: [][16]byte{claimID},
		Outputs:   []TxOutput{{Value: 100, PushTrue: false}},
	}
	_, err := engine.ApplyBlock(1, [32]byte{1}, []Tx{tx}, State{})
	if coreerr.CodeOf(err) != coreerr.TxMintClaimNotMintable {
		t.Fatalf("expected TxMintClaimNotMintable, got %v", err)
	}
}

func TestApplyBlockMintRejectsDuplicateClaimRef(t *testing.T) {
	engine, _, _, claims := newTestEngine(t)
	var claimID [16]byte
	claimID[0] = 2
	claims.mintable[claimID] = 100

	tx := Tx{
		TxID: [32]byte{5}, Version: 1, Size: 150, Kind: KindMintM0BTC,
		ClaimRefs: [][16]byte{claimID, claimID},
		Outputs:   []TxOutput{{Value: 100, PushTrue: false}, {Value: 100, PushTrue: false}},
	}
	_, err := engine.ApplyBlock(1, [32]byte{1}, []Tx{tx}, State{})
	if coreerr.CodeOf(err) != coreerr.TxMintClaimReused {
		t.Fatalf("expected TxMintClaimReused, got %v", err)
	}
}

func TestApplyBlockRejectsA6ViolationWhenVaultAndReceiptDiverge(t *testing.T) {
	engine, _, view, _ := newTestEngine(t)
	srcOp := coinview.Outpoint{TxID: [32]byte{1}, Vout: 0}
	_ = view.AddCoin(srcOp, coinview.Coin{Value: 10000000000})

	tx := Tx{
		TxID: [32]byte{2}, Version: 1, Size: 250, Kind: KindLock,
		Inputs: []TxInput{{Outpoint: srcOp}},
		Outputs: []TxOutput{
			{Value: 100, PushTrue: true},
			{Value: 100, PushTrue: false},
			{Value: 9999999800, PushTrue: false},
		},
	}
	prevState := State{M0Vaulted: 10, M1Supply: 5} // already unbalanced
	_, err := engine.ApplyBlock(1, [32]byte{9}, []Tx{tx}, prevState)
	if coreerr.CodeOf(err) != coreerr.StateA6Violation {
		t.Fatalf("expected StateA6Violation, got %v", err)
	}
}

// TestApplyBlockA5HoldsAfterMint confirms monetary conservation: a block's
// M0_total_supply may only grow by exactly the amount admitted through
// MINT_M0BTC in that same block.
func TestApplyBlockA5HoldsAfterMint(t *testing.T) {
	engine, _, _, claims := newTestEngine(t)
	var claimID [16]byte
	claimID[0] = 3
	claims.mintable[claimID] = 100

	tx := Tx{
		TxID: [32]byte{6}, Version: 1, Size: 150, Kind: KindMintM0BTC,
		ClaimRefs: [][16]byte{claimID},
		Outputs:   []TxOutput{{Value: 100, PushTrue: false}},
	}
	prevState := State{M0TotalSupply: 1000}
	result, err := engine.ApplyBlock(1, [32]byte{1}, []Tx{tx}, prevState)
	if err != nil {
		t.Fatalf("expected this block's own mint to satisfy A5, got %v", err)
	}
	if result.State.M0TotalSupply != 1100 {
		t.Fatalf("expected M0TotalSupply to grow by the minted amount, got %d", result.State.M0TotalSupply)
	}
}

package settlement

import (
	"fmt"

	"rubin.dev/node/internal/coinview"
	"rubin.dev/node/internal/coreerr"
)

// ClaimSource is the narrow slice of C3 that C5 needs to admit a
// MINT_M0BTC transaction (§4.3 "Admission to mint").
type ClaimSource interface {
	ClaimMintable(claimID [16]byte) (amountSats int64, destination []byte, ok bool)
	MarkClaimFinalized(claimID [16]byte, nativeHeight uint32) error
}

// Engine is C5: the transition logic applying and undoing the four
// special transaction types against C4 and the ordinary coin view.
type Engine struct {
	db     *DB
	view   coinview.View
	claims ClaimSource
}

// NewEngine wires C5 to its two collaborators: C4 (this package's own DB)
// and the ordinary coin view for M0-standard inputs/outputs.
func NewEngine(db *DB, view coinview.View, claims ClaimSource) *Engine {
	return &Engine{db: db, view: view, claims: claims}
}

// BlockResult is one block's commit-ready mutation batch plus the
// resulting settlement snapshot.
type BlockResult struct {
	Batch *Batch
	State State

	// ClaimsToFinalize lists the claims validated as mintable during this
	// block's MINT_M0BTC transactions. The barrier (C7) marks them
	// finalized in C3 only after this batch's C4 commit succeeds, so the
	// two stores advance in the documented order (§4.7).
	ClaimsToFinalize []ClaimFinalization
}

// ClaimFinalization is one claim a MINT_M0BTC transaction consumed,
// deferred to the barrier's post-C4-commit step.
type ClaimFinalization struct {
	ClaimID      [16]byte
	NativeHeight uint32
}

// lookup resolves a Vault/Receipt classification seeing both the DB and
// this block's own not-yet-committed writes, so a later tx in the same
// block observes an earlier tx's outputs (e.g. UNLOCK spending a Receipt
// created by a LOCK two transactions earlier in the same block).
type lookup struct {
	db    *DB
	batch *Batch
}

func (l lookup) vault(op Outpoint) (VaultEntry, bool) {
	if _, gone := l.batch.delVaults[op]; gone {
		return VaultEntry{}, false
	}
	if v, ok := l.batch.putVaults[op]; ok {
		return v, true
	}
	return l.db.IsVault(op)
}

func (l lookup) receipt(op Outpoint) (Receipt, bool) {
	if _, gone := l.batch.delReceipts[op]; gone {
		return Receipt{}, false
	}
	if r, ok := l.batch.putReceipts[op]; ok {
		return r, true
	}
	return l.db.IsM1Receipt(op)
}

func checkSharedPreconditions(tx Tx) error {
	if tx.Version < MinTxVersion || tx.Version >= MaxTxVersion {
		return coreerr.New(coreerr.TxBadVersion, coreerr.DoSMax, "transaction version out of range")
	}
	if tx.Size > MaxTxSize {
		return coreerr.New(coreerr.TxBadSize, coreerr.DoSMax, "transaction exceeds the maximum serialized size")
	}
	seen := make(map[Outpoint]struct{}, len(tx.Inputs))
	for _, in := range tx.Inputs {
		if _, dup := seen[in.Outpoint]; dup {
			return coreerr.New(coreerr.TxDuplicateInput, coreerr.DoSMax, "duplicate input")
		}
		seen[in.Outpoint] = struct{}{}
	}
	var total int64
	for _, out := range tx.Outputs {
		if out.Value < 0 || out.Value > MaxMoney {
			return coreerr.New(coreerr.TxBadOutputValue, coreerr.DoSMax, "output value out of range")
		}
		total += out.Value
		if total > MaxMoney {
			return coreerr.New(coreerr.TxBadOutputValue, coreerr.DoSMax, "sum of outputs exceeds MAX_MONEY")
		}
	}
	if tx.Kind == KindOrdinary {
		for _, out := range tx.Outputs {
			if out.PushTrue {
				return coreerr.New(coreerr.TxOptrueForbidden, coreerr.DoSMax, "push-TRUE output outside LOCK/UNLOCK/TRANSFER_M1")
			}
		}
	}
	return nil
}

// ApplyBlock applies every special transaction in txs in order against
// prevState (height-1's committed snapshot), returning a commit-ready
// batch and the resulting snapshot. A5/A6 are checked once, after every
// transaction in the block has been applied (§4.5.5).
func (e *Engine) ApplyBlock(height uint32, blockHash [32]byte, txs []Tx, prevState State) (*BlockResult, error) {
	batch := e.db.NewBatch()
	lk := lookup{db: e.db, batch: batch}

	acc := prevState
	acc.Height = height
	acc.BlockHash = blockHash
	acc.BurnClaimsThisBlock = 0

	var toFinalize []ClaimFinalization
	for _, tx := range txs {
		if err := checkSharedPreconditions(tx); err != nil {
			return nil, err
		}
		var err error
		switch tx.Kind {
		case KindLock:
			err = e.applyLock(lk, batch, height, tx, &acc)
		case KindUnlock:
			err = e.applyUnlock(lk, batch, height, tx, &acc)
		case KindTransferM1:
			err = e.applyTransfer(lk, batch, height, tx, &acc)
		case KindMintM0BTC:
			err = e.applyMint(height, tx, &acc, &toFinalize)
		}
		if err != nil {
			return nil, err
		}
	}

	if !acc.CheckA5(prevState) {
		return nil, coreerr.New(coreerr.StateA5Violation, coreerr.DoSMax, "monetary conservation violated")
	}
	if !acc.CheckInvariants() {
		return nil, coreerr.New(coreerr.StateA6Violation, coreerr.DoSMax, "full-backing invariant violated")
	}

	batch.SetState(acc)
	batch.SetBestBlock(blockHash)
	return &BlockResult{Batch: batch, State: acc, ClaimsToFinalize: toFinalize}, nil
}

func (e *Engine) applyLock(lk lookup, batch *Batch, height uint32, tx Tx, acc *State) error {
	if len(tx.Inputs) == 0 {
		return coreerr.New(coreerr.TxLockShapeInvalid, coreerr.DoSMax, "LOCK requires at least one input")
	}
	var totalIn int64
	for _, in := range tx.Inputs {
		if _, ok := lk.vault(in.Outpoint); ok {
			return coreerr.New(coreerr.TxInputWrongAssetClass, coreerr.DoSMax, "LOCK input must not be a Vault")
		}
		if _, ok := lk.receipt(in.Outpoint); ok {
			return coreerr.New(coreerr.TxInputWrongAssetClass, coreerr.DoSMax, "LOCK input must not be a Receipt")
		}
		coin, ok := e.view.GetCoin(in.Outpoint)
		if !ok {
			return coreerr.New(coreerr.TxInputNotFound, coreerr.DoSMild, "LOCK input not found in the coin view")
		}
		totalIn += coin.Value
	}
	if len(tx.Outputs) < 2 {
		return coreerr.New(coreerr.TxLockShapeInvalid, coreerr.DoSMax, "LOCK requires a vault output and a receipt output")
	}
	vaultOut, receiptOut := tx.Outputs[0], tx.Outputs[1]
	if !vaultOut.PushTrue {
		return coreerr.New(coreerr.TxLockShapeInvalid, coreerr.DoSMax, "vout[0] must be push-TRUE")
	}
	if receiptOut.PushTrue {
		return coreerr.New(coreerr.TxLockShapeInvalid, coreerr.DoSMax, "vout[1] must carry an ordinary receipt script")
	}
	if vaultOut.Value != receiptOut.Value {
		return coreerr.New(coreerr.TxLockShapeInvalid, coreerr.DoSMax, "vault and receipt amounts must match")
	}

	p := vaultOut.Value
	var changeM0 int64
	for _, out := range tx.Outputs[2:] {
		if out.PushTrue {
			return coreerr.New(coreerr.TxOptrueForbidden, coreerr.DoSMax, "push-TRUE only permitted at LOCK's vault output")
		}
		changeM0 += out.Value
	}
	if totalIn < 2*p+changeM0 {
		return coreerr.New(coreerr.TxLockConservation, coreerr.DoSMax, "inputs do not cover 2*vault_amount plus change")
	}

	for _, in := range tx.Inputs {
		if err := e.view.SpendCoin(in.Outpoint); err != nil {
			return coreerr.New(coreerr.TxInputNotFound, coreerr.DoSMild, err.Error())
		}
	}
	batch.PutVault(VaultEntry{Outpoint: Outpoint{TxID: tx.TxID, Vout: 0}, Amount: p, LockHeight: height})
	batch.PutReceipt(Receipt{Outpoint: Outpoint{TxID: tx.TxID, Vout: 1}, Amount: p, CreateHeight: height})
	for i, out := range tx.Outputs[2:] {
		_ = e.view.AddCoin(Outpoint{TxID: tx.TxID, Vout: uint32(2 + i)}, coinview.Coin{Value: out.Value})
	}

	acc.M0Vaulted += p
	acc.M1Supply += p
	return nil
}

func (e *Engine) applyUnlock(lk lookup, batch *Batch, height uint32, tx Tx, acc *State) error {
	var receiptsIn []Receipt
	var vaultsIn []VaultEntry
	var sumM1In, sumVaultIn int64
	for _, in := range tx.Inputs {
		if r, ok := lk.receipt(in.Outpoint); ok {
			receiptsIn = append(receiptsIn, r)
			sumM1In += r.Amount
			continue
		}
		if v, ok := lk.vault(in.Outpoint); ok {
			vaultsIn = append(vaultsIn, v)
			sumVaultIn += v.Amount
			continue
		}
		return coreerr.New(coreerr.TxInputWrongAssetClass, coreerr.DoSMax, "UNLOCK input must be a Receipt or a Vault")
	}
	if len(receiptsIn) == 0 || len(vaultsIn) == 0 {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "UNLOCK requires at least one Receipt input and one Vault input")
	}
	if len(tx.Outputs) < 1 {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "UNLOCK requires an M0 destination output")
	}

	idx := 0
	m0Out := tx.Outputs[idx]
	if m0Out.PushTrue {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "vout[0] must be an ordinary M0 output")
	}
	idx++

	var receiptChange *TxOutput
	if idx < len(tx.Outputs) && !tx.Outputs[idx].PushTrue {
		rc := tx.Outputs[idx]
		receiptChange = &rc
		idx++
	}

	if idx >= len(tx.Outputs) || !tx.Outputs[idx].PushTrue {
		return coreerr.New(coreerr.TxUnlockFeeScriptBad, coreerr.DoSMax, "M1 fee output must be push-TRUE at its canonical index")
	}
	m1Fee := tx.Outputs[idx]
	idx++

	if idx >= len(tx.Outputs) || !tx.Outputs[idx].PushTrue {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "vault-backing output must be push-TRUE at its canonical index")
	}
	vaultBacking := tx.Outputs[idx]
	idx++
	if vaultBacking.Value != m1Fee.Value {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "vault backing must equal the M1 fee amount")
	}

	var vaultChange *TxOutput
	if idx < len(tx.Outputs) {
		vc := tx.Outputs[idx]
		if !vc.PushTrue {
			return coreerr.New(coreerr.TxOptrueForbidden, coreerr.DoSMax, "trailing UNLOCK output must be push-TRUE vault change")
		}
		vaultChange = &vc
		idx++
	}
	if idx != len(tx.Outputs) {
		return coreerr.New(coreerr.TxUnlockShapeInvalid, coreerr.DoSMax, "unexpected trailing outputs")
	}

	var receiptChangeAmt, vaultChangeAmt int64
	if receiptChange != nil {
		receiptChangeAmt = receiptChange.Value
	}
	if vaultChange != nil {
		vaultChangeAmt = vaultChange.Value
	}

	if sumM1In != m0Out.Value+receiptChangeAmt+m1Fee.Value {
		return coreerr.New(coreerr.TxUnlockM1Conservation, coreerr.DoSMax, "M1 conservation violated")
	}
	if sumVaultIn != m0Out.Value+m1Fee.Value+vaultChangeAmt {
		return coreerr.New(coreerr.TxUnlockVaultBacking, coreerr.DoSMax, "vault backing conservation violated")
	}
	if m1Fee.Value < MinFee(tx.Size) {
		return coreerr.New(coreerr.TxUnlockFeeBelowFloor, coreerr.DoSMild, "M1 fee below the relay floor")
	}

	for _, r := range receiptsIn {
		batch.DeleteReceipt(r.Outpoint)
	}
	for _, v := range vaultsIn {
		batch.DeleteVault(v.Outpoint)
	}

	outIdx := uint32(0)
	_ = e.view.AddCoin(Outpoint{TxID: tx.TxID, Vout: outIdx}, coinview.Coin{Value: m0Out.Value})
	outIdx++

	var receiptChangeCount uint32
	if receiptChange != nil {
		batch.PutReceipt(Receipt{Outpoint: Outpoint{TxID: tx.TxID, Vout: outIdx}, Amount: receiptChangeAmt, CreateHeight: height})
		receiptChangeCount = 1
		outIdx++
	}
	// The fee output carries a push-TRUE script, but C4 is the authority on
	// asset class (§4.5 "Script predicates"): it is still M1 until the
	// producer moves it with TRANSFER_M1 or burns it with a later UNLOCK.
	batch.PutReceipt(Receipt{Outpoint: Outpoint{TxID: tx.TxID, Vout: outIdx}, Amount: m1Fee.Value, CreateHeight: height})
	outIdx++

	vaultBackingOp := Outpoint{TxID: tx.TxID, Vout: outIdx}
	batch.PutVault(VaultEntry{Outpoint: vaultBackingOp, Amount: vaultBacking.Value, LockHeight: height})
	outIdx++

	var vaultChangeCreated bool
	var vaultChangeOutpoint Outpoint
	if vaultChange != nil {
		vaultChangeOutpoint = Outpoint{TxID: tx.TxID, Vout: outIdx}
		batch.PutVault(VaultEntry{Outpoint: vaultChangeOutpoint, Amount: vaultChangeAmt, LockHeight: height})
		vaultChangeCreated = true
	}

	batch.PutUnlockUndo(tx.TxID, UnlockUndoData{
		ReceiptsSpent:       receiptsIn,
		VaultsSpent:         vaultsIn,
		M0Released:          m0Out.Value,
		NetM1Burned:         m0Out.Value,
		ReceiptChangeCount:  receiptChangeCount,
		VaultChangeCreated:  vaultChangeCreated,
		VaultChangeOutpoint: vaultChangeOutpoint,
	})

	acc.M0Vaulted -= m0Out.Value
	acc.M1Supply -= m0Out.Value
	return nil
}

func (e *Engine) applyTransfer(lk lookup, batch *Batch, height uint32, tx Tx, acc *State) error {
	_ = acc // M1_supply is unchanged by TRANSFER_M1 (§4.5.3 "Effect").
	if len(tx.Inputs) != 1 {
		return coreerr.New(coreerr.TxTransferShapeInvalid, coreerr.DoSMax, "TRANSFER_M1 takes exactly one input")
	}
	source, ok := lk.receipt(tx.Inputs[0].Outpoint)
	if !ok {
		return coreerr.New(coreerr.TxInputWrongAssetClass, coreerr.DoSMax, "TRANSFER_M1 input must be a Receipt")
	}
	if len(tx.Outputs) < 2 {
		return coreerr.New(coreerr.TxTransferShapeInvalid, coreerr.DoSMax, "TRANSFER_M1 requires at least one recipient plus a trailing fee output")
	}
	feeOut := tx.Outputs[len(tx.Outputs)-1]
	if !feeOut.PushTrue {
		return coreerr.New(coreerr.TxUnlockFeeScriptBad, coreerr.DoSMax, "trailing TRANSFER_M1 output must be push-TRUE")
	}
	var sumNew int64
	for _, out := range tx.Outputs[:len(tx.Outputs)-1] {
		if out.PushTrue {
			return coreerr.New(coreerr.TxOptrueForbidden, coreerr.DoSMax, "push-TRUE only permitted at TRANSFER_M1's trailing fee output")
		}
		sumNew += out.Value
	}
	sumNew += feeOut.Value
	if source.Amount != sumNew {
		return coreerr.New(coreerr.TxTransferConservation, coreerr.DoSMax, "receipt outputs plus fee must equal the source amount")
	}

	batch.DeleteReceipt(source.Outpoint)
	for i, out := range tx.Outputs {
		batch.PutReceipt(Receipt{Outpoint: Outpoint{TxID: tx.TxID, Vout: uint32(i)}, Amount: out.Value, CreateHeight: height})
	}
	batch.PutTransferUndo(tx.TxID, TransferUndoData{OriginalReceipt: source, NumM1Outputs: uint32(len(tx.Outputs))})
	return nil
}

func (e *Engine) applyMint(height uint32, tx Tx, acc *State, toFinalize *[]ClaimFinalization) error {
	if len(tx.ClaimRefs) == 0 {
		return coreerr.New(coreerr.TxMintClaimNotMintable, coreerr.DoSMild, "MINT_M0BTC requires at least one claim reference")
	}
	if len(tx.ClaimRefs) != len(tx.Outputs) {
		return coreerr.New(coreerr.TxMintAmountMismatch, coreerr.DoSMax, "claim references must match output count one-for-one")
	}
	seen := make(map[[16]byte]struct{}, len(tx.ClaimRefs))
	var total int64
	for i, claimID := range tx.ClaimRefs {
		if _, dup := seen[claimID]; dup {
			return coreerr.New(coreerr.TxMintClaimReused, coreerr.DoSMax, "claim referenced twice")
		}
		seen[claimID] = struct{}{}
		amount, _, ok := e.claims.ClaimMintable(claimID)
		if !ok {
			return coreerr.New(coreerr.TxMintClaimNotMintable, coreerr.DoSMax, "referenced claim is not mintable")
		}
		out := tx.Outputs[i]
		if out.PushTrue {
			return coreerr.New(coreerr.TxOptrueForbidden, coreerr.DoSMax, "MINT_M0BTC outputs must be ordinary M0")
		}
		if out.Value != amount {
			return coreerr.New(coreerr.TxMintAmountMismatch, coreerr.DoSMax, "output value does not match the claim amount")
		}
		total += amount
	}
	for i, claimID := range tx.ClaimRefs {
		*toFinalize = append(*toFinalize, ClaimFinalization{ClaimID: claimID, NativeHeight: height})
		_ = e.view.AddCoin(Outpoint{TxID: tx.TxID, Vout: uint32(i)}, coinview.Coin{Value: tx.Outputs[i].Value})
	}
	acc.M0TotalSupply += total
	acc.BurnClaimsThisBlock += total
	return nil
}

// UndoBlock reverses txs in reverse order using their U/T undo records,
// reinstating Vault/Receipt entries, and restores prevState as the latest
// snapshot (§4.5 "Undo / reorg"). Restoring the coin view's M0-standard
// spends/creations is the caller's responsibility — that store's own undo
// mechanism is an external collaborator this package does not own.
func (e *Engine) UndoBlock(txs []Tx, prevState State) (*Batch, error) {
	batch := e.db.NewBatch()
	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		switch tx.Kind {
		case KindLock:
			batch.DeleteVault(Outpoint{TxID: tx.TxID, Vout: 0})
			batch.DeleteReceipt(Outpoint{TxID: tx.TxID, Vout: 1})
		case KindUnlock:
			undo, ok := e.db.UnlockUndo(tx.TxID)
			if !ok {
				return nil, fmt.Errorf("settlement: missing unlock undo record for %x", tx.TxID)
			}
			for _, r := range undo.ReceiptsSpent {
				batch.PutReceipt(r)
			}
			for _, v := range undo.VaultsSpent {
				batch.PutVault(v)
			}
			outIdx := uint32(1)
			if undo.ReceiptChangeCount == 1 {
				batch.DeleteReceipt(Outpoint{TxID: tx.TxID, Vout: outIdx})
				outIdx++
			}
			batch.DeleteReceipt(Outpoint{TxID: tx.TxID, Vout: outIdx})
			outIdx++
			batch.DeleteVault(Outpoint{TxID: tx.TxID, Vout: outIdx})
			outIdx++
			if undo.VaultChangeCreated {
				batch.DeleteVault(undo.VaultChangeOutpoint)
			}
		case KindTransferM1:
			undo, ok := e.db.TransferUndo(tx.TxID)
			if !ok {
				return nil, fmt.Errorf("settlement: missing transfer undo record for %x", tx.TxID)
			}
			batch.PutReceipt(undo.OriginalReceipt)
			for i := uint32(0); i < undo.NumM1Outputs; i++ {
				batch.DeleteReceipt(Outpoint{TxID: tx.TxID, Vout: i})
			}
		case KindMintM0BTC:
			// Claim un-finalization and coin-view restoration belong to C3
			// and the coin view's own reorg handling, not C5.
		}
	}
	batch.SetState(prevState)
	return batch, nil
}

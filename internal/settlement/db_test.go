package settlement

import "testing"

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBatchCommitRoundTripsVaultAndReceipt(t *testing.T) {
	db := openTestDB(t)
	op1 := Outpoint{TxID: [32]byte{1}, Vout: 0}
	op2 := Outpoint{TxID: [32]byte{1}, Vout: 1}

	batch := db.NewBatch()
	batch.PutVault(VaultEntry{Outpoint: op1, Amount: 40, LockHeight: 5})
	batch.PutReceipt(Receipt{Outpoint: op2, Amount: 40, CreateHeight: 5})
	if err := batch.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	v, ok := db.IsVault(op1)
	if !ok || v.Amount != 40 || v.LockHeight != 5 {
		t.Fatalf("unexpected vault entry: %+v ok=%v", v, ok)
	}
	r, ok := db.IsM1Receipt(op2)
	if !ok || r.Amount != 40 || r.CreateHeight != 5 {
		t.Fatalf("unexpected receipt entry: %+v ok=%v", r, ok)
	}
	if !db.IsM0Standard(Outpoint{TxID: [32]byte{2}, Vout: 0}) {
		t.Fatalf("expected an unrecorded outpoint to classify as M0-standard")
	}
}

func TestBatchCommitDeleteRemovesEntry(t *testing.T) {
	db := openTestDB(t)
	op := Outpoint{TxID: [32]byte{3}, Vout: 0}

	b1 := db.NewBatch()
	b1.PutVault(VaultEntry{Outpoint: op, Amount: 10, LockHeight: 1})
	if err := b1.Commit(); err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	b2 := db.NewBatch()
	b2.DeleteVault(op)
	if err := b2.Commit(); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if _, ok := db.IsVault(op); ok {
		t.Fatalf("expected vault to be gone after delete")
	}
}

func TestFindVaultsForAmountPrefersExactMatch(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{1}, Vout: 0}, Amount: 10})
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{2}, Vout: 0}, Amount: 25})
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{3}, Vout: 0}, Amount: 5})
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := db.FindVaultsForAmount(25)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 1 || got[0].Amount != 25 {
		t.Fatalf("expected exact single match of 25, got %+v", got)
	}
}

func TestFindVaultsForAmountAccumulatesSmallestSet(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{1}, Vout: 0}, Amount: 5})
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{2}, Vout: 0}, Amount: 7})
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{3}, Vout: 0}, Amount: 20})
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := db.FindVaultsForAmount(10)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	var sum int64
	for _, v := range got {
		sum += v.Amount
	}
	if sum < 10 {
		t.Fatalf("picked vaults do not cover target: sum=%d", sum)
	}
	if len(got) != 2 {
		t.Fatalf("expected the two smallest vaults (5+7), got %+v", got)
	}
}

func TestFindVaultsForAmountErrorsWhenInsufficient(t *testing.T) {
	db := openTestDB(t)
	b := db.NewBatch()
	b.PutVault(VaultEntry{Outpoint: Outpoint{TxID: [32]byte{1}, Vout: 0}, Amount: 5})
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := db.FindVaultsForAmount(100); err == nil {
		t.Fatalf("expected an error when vaults cannot cover the target")
	}
}

func TestMarkAllCommittedRoundTrips(t *testing.T) {
	db := openTestDB(t)
	if _, _, ok := db.AllCommittedMarker(); ok {
		t.Fatalf("expected no marker on a fresh db")
	}
	hash := [32]byte{9, 9, 9}
	if err := db.MarkAllCommitted(42, hash); err != nil {
		t.Fatalf("mark: %v", err)
	}
	height, gotHash, ok := db.AllCommittedMarker()
	if !ok || height != 42 || gotHash != hash {
		t.Fatalf("unexpected marker: height=%d hash=%x ok=%v", height, gotHash, ok)
	}
}

func TestStateRoundTripsThroughCommit(t *testing.T) {
	db := openTestDB(t)
	want := State{Height: 7, BlockHash: [32]byte{1}, M0Vaulted: 40, M1Supply: 40, M0TotalSupply: 1000, BurnClaimsThisBlock: 5}

	b := db.NewBatch()
	b.SetState(want)
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, ok := db.ReadLatestState()
	if !ok {
		t.Fatalf("expected a latest state")
	}
	if got != want {
		t.Fatalf("state round-trip mismatch: got=%+v want=%+v", got, want)
	}
	byHeight, ok := db.ReadStateAt(7)
	if !ok || byHeight != want {
		t.Fatalf("state-at-height round-trip mismatch: got=%+v", byHeight)
	}
}

func TestUnlockUndoRoundTrips(t *testing.T) {
	db := openTestDB(t)
	txid := [32]byte{4}
	want := UnlockUndoData{
		ReceiptsSpent:      []Receipt{{Outpoint: Outpoint{TxID: [32]byte{1}, Vout: 1}, Amount: 40, CreateHeight: 2}},
		VaultsSpent:        []VaultEntry{{Outpoint: Outpoint{TxID: [32]byte{1}, Vout: 0}, Amount: 40, LockHeight: 2}},
		M0Released:         25,
		NetM1Burned:        25,
		ReceiptChangeCount: 1,
		VaultChangeCreated: true,
		VaultChangeOutpoint: Outpoint{TxID: txid, Vout: 4},
	}
	b := db.NewBatch()
	b.PutUnlockUndo(txid, want)
	if err := b.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	got, ok := db.UnlockUndo(txid)
	if !ok {
		t.Fatalf("expected undo record")
	}
	if len(got.ReceiptsSpent) != 1 || got.ReceiptsSpent[0] != want.ReceiptsSpent[0] {
		t.Fatalf("receipts mismatch: %+v", got.ReceiptsSpent)
	}
	if len(got.VaultsSpent) != 1 || got.VaultsSpent[0] != want.VaultsSpent[0] {
		t.Fatalf("vaults mismatch: %+v", got.VaultsSpent)
	}
	if got.M0Released != want.M0Released || got.NetM1Burned != want.NetM1Burned {
		t.Fatalf("scalar mismatch: %+v", got)
	}
	if got.VaultChangeCreated != want.VaultChangeCreated || got.VaultChangeOutpoint != want.VaultChangeOutpoint {
		t.Fatalf("vault change mismatch: %+v", got)
	}
}

package settlement

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"rubin.dev/node/internal/coreerr"
)

var (
	bucketVault   = []byte("vault")
	bucketReceipt = []byte("receipt")
	bucketState   = []byte("state")
	bucketUnlock  = []byte("unlock_undo")
	bucketXfer    = []byte("transfer_undo")
	bucketMeta    = []byte("meta")
)

var (
	keyBestBlock      = []byte("best_block_hash")
	keyAllCommitted   = []byte("all_committed_marker")
	keyBurnScanHeight = []byte("last_burnscan_height")
	keyBurnScanHash   = []byte("last_burnscan_hash")
)

// DB is C4: the typed UTXO settlement database. All mutation happens
// through Batch so a native block commits as one bbolt transaction,
// matching the contract's "Batch API" requirement (§4.4).
type DB struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the settlement DB under datadir.
func Open(datadir string) (*DB, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	db, err := bolt.Open(filepath.Join(datadir, "settlement.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketVault, bucketReceipt, bucketState, bucketUnlock, bucketXfer, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	return &DB{db: db}, nil
}

// Close releases the underlying database handle.
func (d *DB) Close() error { return d.db.Close() }

func outpointBytes(op Outpoint) []byte {
	b := make([]byte, 36)
	copy(b[:32], op.TxID[:])
	binary.BigEndian.PutUint32(b[32:], op.Vout)
	return b
}

// Batch is one native block's worth of mutations, committed atomically by
// Commit. C7 opens one of these per accepted block.
type Batch struct {
	db *DB

	putVaults   map[Outpoint]VaultEntry
	delVaults   map[Outpoint]struct{}
	putReceipts map[Outpoint]Receipt
	delReceipts map[Outpoint]struct{}
	putUnlock   map[[32]byte]UnlockUndoData
	putXfer     map[[32]byte]TransferUndoData
	state       *State
	bestBlock   *[32]byte
}

// NewBatch starts a fresh mutation set.
func (d *DB) NewBatch() *Batch {
	return &Batch{
		db:          d,
		putVaults:   make(map[Outpoint]VaultEntry),
		delVaults:   make(map[Outpoint]struct{}),
		putReceipts: make(map[Outpoint]Receipt),
		delReceipts: make(map[Outpoint]struct{}),
		putUnlock:   make(map[[32]byte]UnlockUndoData),
		putXfer:     make(map[[32]byte]TransferUndoData),
	}
}

func (b *Batch) PutVault(v VaultEntry)      { b.putVaults[v.Outpoint] = v }
func (b *Batch) DeleteVault(op Outpoint)    { b.delVaults[op] = struct{}{} }
func (b *Batch) PutReceipt(r Receipt)       { b.putReceipts[r.Outpoint] = r }
func (b *Batch) DeleteReceipt(op Outpoint)  { b.delReceipts[op] = struct{}{} }
func (b *Batch) PutUnlockUndo(txid [32]byte, u UnlockUndoData)   { b.putUnlock[txid] = u }
func (b *Batch) PutTransferUndo(txid [32]byte, t TransferUndoData) { b.putXfer[txid] = t }
func (b *Batch) SetState(s State)           { b.state = &s }
func (b *Batch) SetBestBlock(hash [32]byte) { b.bestBlock = &hash }

// Commit applies every mutation in a single bbolt transaction. The caller
// (C7) is responsible for sequencing this relative to the other stores'
// commits and for writing the all-committed marker afterward.
func (b *Batch) Commit() error {
	return b.db.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVault)
		for op := range b.delVaults {
			if err := vb.Delete(outpointBytes(op)); err != nil {
				return err
			}
		}
		for op, v := range b.putVaults {
			if err := vb.Put(outpointBytes(op), encodeVault(v)); err != nil {
				return err
			}
		}
		rb := tx.Bucket(bucketReceipt)
		for op := range b.delReceipts {
			if err := rb.Delete(outpointBytes(op)); err != nil {
				return err
			}
		}
		for op, r := range b.putReceipts {
			if err := rb.Put(outpointBytes(op), encodeReceipt(r)); err != nil {
				return err
			}
		}
		ub := tx.Bucket(bucketUnlock)
		for txid, u := range b.putUnlock {
			if err := ub.Put(txid[:], encodeUnlockUndo(u)); err != nil {
				return err
			}
		}
		tb := tx.Bucket(bucketXfer)
		for txid, x := range b.putXfer {
			if err := tb.Put(txid[:], encodeTransferUndo(x)); err != nil {
				return err
			}
		}
		if b.state != nil {
			sb := tx.Bucket(bucketState)
			var heightKey [4]byte
			binary.BigEndian.PutUint32(heightKey[:], b.state.Height)
			if err := sb.Put(heightKey[:], encodeState(*b.state)); err != nil {
				return err
			}
			if err := sb.Put([]byte("latest"), encodeState(*b.state)); err != nil {
				return err
			}
		}
		if b.bestBlock != nil {
			if err := tx.Bucket(bucketMeta).Put(keyBestBlock, b.bestBlock[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkAllCommitted writes the C7 cross-store consistency marker: the
// native block height this DB (and, by the barrier's protocol, every
// other store) has durably committed.
func (d *DB) MarkAllCommitted(height uint32, blockHash [32]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		buf := make([]byte, 4+32)
		binary.BigEndian.PutUint32(buf[:4], height)
		copy(buf[4:], blockHash[:])
		return tx.Bucket(bucketMeta).Put(keyAllCommitted, buf)
	})
}

// AllCommittedMarker reads back the marker MarkAllCommitted wrote.
func (d *DB) AllCommittedMarker() (height uint32, blockHash [32]byte, ok bool) {
	_ = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyAllCommitted)
		if len(v) != 4+32 {
			return nil
		}
		height = binary.BigEndian.Uint32(v[:4])
		copy(blockHash[:], v[4:])
		ok = true
		return nil
	})
	return
}

// BestBlock returns the chain tip this DB reflects.
func (d *DB) BestBlock() ([32]byte, bool) {
	var hash [32]byte
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get(keyBestBlock)
		if v == nil {
			return nil
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	return hash, found
}

// BurnScanProgress and SetBurnScanProgress implement the C4 key layout's
// H/Z resume markers (§4.4). SetBurnScanProgress writes them in its own
// transaction, separate from any block's commit batch.
func (d *DB) BurnScanProgress() (height uint32, hash [32]byte, ok bool) {
	_ = d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		hv := b.Get(keyBurnScanHeight)
		zv := b.Get(keyBurnScanHash)
		if hv == nil || zv == nil {
			return nil
		}
		height = binary.BigEndian.Uint32(hv)
		copy(hash[:], zv)
		ok = true
		return nil
	})
	return
}

func (d *DB) SetBurnScanProgress(height uint32, hash [32]byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var heightBuf [4]byte
		binary.BigEndian.PutUint32(heightBuf[:], height)
		if err := b.Put(keyBurnScanHeight, heightBuf[:]); err != nil {
			return err
		}
		return b.Put(keyBurnScanHash, hash[:])
	})
}

// IsVault reports whether op is a recorded Vault entry — C4 is
// authoritative, not the script (§4.5 "Script predicates").
func (d *DB) IsVault(op Outpoint) (VaultEntry, bool) {
	var v VaultEntry
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketVault).Get(outpointBytes(op))
		if raw == nil {
			return nil
		}
		var err error
		v, err = decodeVault(op, raw)
		found = err == nil
		return err
	})
	return v, found
}

// IsM1Receipt reports whether op is a recorded Receipt entry.
func (d *DB) IsM1Receipt(op Outpoint) (Receipt, bool) {
	var r Receipt
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketReceipt).Get(outpointBytes(op))
		if raw == nil {
			return nil
		}
		var err error
		r, err = decodeReceipt(op, raw)
		found = err == nil
		return err
	})
	return r, found
}

// IsM0Standard reports whether op is neither a Vault nor a Receipt —
// the default asset class (§3).
func (d *DB) IsM0Standard(op Outpoint) bool {
	if _, ok := d.IsVault(op); ok {
		return false
	}
	if _, ok := d.IsM1Receipt(op); ok {
		return false
	}
	return true
}

// FindVaultsForAmount returns a single vault whose amount equals target if
// one exists; otherwise it takes vaults in (amount ASC, outpoint) order until
// their sum covers target (§4.4). This greedy cover is not necessarily the
// one with the fewest vaults.
func (d *DB) FindVaultsForAmount(target int64) ([]VaultEntry, error) {
	var all []VaultEntry
	if err := d.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketVault).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var op Outpoint
			copy(op.TxID[:], k[:32])
			op.Vout = binary.BigEndian.Uint32(k[32:])
			entry, err := decodeVault(op, v)
			if err != nil {
				return err
			}
			all = append(all, entry)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	sort.Slice(all, func(i, j int) bool {
		if all[i].Amount != all[j].Amount {
			return all[i].Amount < all[j].Amount
		}
		return bytes.Compare(outpointBytes(all[i].Outpoint), outpointBytes(all[j].Outpoint)) < 0
	})

	for _, v := range all {
		if v.Amount == target {
			return []VaultEntry{v}, nil
		}
	}

	var picked []VaultEntry
	var sum int64
	for _, v := range all {
		picked = append(picked, v)
		sum += v.Amount
		if sum >= target {
			return picked, nil
		}
	}
	return nil, coreerr.New(coreerr.TxUnlockVaultBacking, coreerr.DoSNone, "insufficient vaulted M0 to cover amount")
}

// ReadLatestState returns the most recently committed settlement snapshot.
func (d *DB) ReadLatestState() (State, bool) {
	var s State
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketState).Get([]byte("latest"))
		if v == nil {
			return nil
		}
		var err error
		s, err = decodeState(v)
		found = err == nil
		return err
	})
	return s, found
}

// ReadStateAt returns the snapshot recorded for height, if any.
func (d *DB) ReadStateAt(height uint32) (State, bool) {
	var s State
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		var key [4]byte
		binary.BigEndian.PutUint32(key[:], height)
		v := tx.Bucket(bucketState).Get(key[:])
		if v == nil {
			return nil
		}
		var err error
		s, err = decodeState(v)
		found = err == nil
		return err
	})
	return s, found
}

// UnlockUndo reads back the undo record for a TX_UNLOCK, if any.
func (d *DB) UnlockUndo(txid [32]byte) (UnlockUndoData, bool) {
	var u UnlockUndoData
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketUnlock).Get(txid[:])
		if v == nil {
			return nil
		}
		var err error
		u, err = decodeUnlockUndo(v)
		found = err == nil
		return err
	})
	return u, found
}

// TransferUndo reads back the undo record for a TX_TRANSFER_M1, if any.
func (d *DB) TransferUndo(txid [32]byte) (TransferUndoData, bool) {
	var t TransferUndoData
	found := false
	_ = d.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketXfer).Get(txid[:])
		if v == nil {
			return nil
		}
		var err error
		t, err = decodeTransferUndo(v)
		found = err == nil
		return err
	})
	return t, found
}

// RebuildFromChain clears every key except schema metadata, then lets the
// caller replay each native block from height 1 through tip (§4.4
// "Rebuild", invoked by C8). The DB itself only owns the clearing step; the
// replay loop lives in the reconcile package, which calls Engine.ApplyBlock
// and commits each block's full batch, U/T undo records included.
func (d *DB) RebuildFromChain() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketVault, bucketReceipt, bucketState, bucketUnlock, bucketXfer} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}
		meta := tx.Bucket(bucketMeta)
		for _, k := range [][]byte{keyBestBlock, keyAllCommitted, keyBurnScanHeight, keyBurnScanHash} {
			if err := meta.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func encodeVault(v VaultEntry) []byte {
	out := make([]byte, 8+4)
	binary.BigEndian.PutUint64(out[:8], uint64(v.Amount))
	binary.BigEndian.PutUint32(out[8:], v.LockHeight)
	return out
}

func decodeVault(op Outpoint, b []byte) (VaultEntry, error) {
	if len(b) != 12 {
		return VaultEntry{}, fmt.Errorf("settlement: truncated vault entry")
	}
	return VaultEntry{
		Outpoint:   op,
		Amount:     int64(binary.BigEndian.Uint64(b[:8])),
		LockHeight: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

func encodeReceipt(r Receipt) []byte {
	out := make([]byte, 8+4)
	binary.BigEndian.PutUint64(out[:8], uint64(r.Amount))
	binary.BigEndian.PutUint32(out[8:], r.CreateHeight)
	return out
}

func decodeReceipt(op Outpoint, b []byte) (Receipt, error) {
	if len(b) != 12 {
		return Receipt{}, fmt.Errorf("settlement: truncated receipt")
	}
	return Receipt{
		Outpoint:     op,
		Amount:       int64(binary.BigEndian.Uint64(b[:8])),
		CreateHeight: binary.BigEndian.Uint32(b[8:]),
	}, nil
}

func encodeState(s State) []byte {
	out := make([]byte, 4+32+8*5)
	binary.BigEndian.PutUint32(out[0:4], s.Height)
	copy(out[4:36], s.BlockHash[:])
	off := 36
	for _, v := range []int64{s.M0Vaulted, s.M1Supply, s.M0Shielded, s.M0TotalSupply, s.BurnClaimsThisBlock} {
		binary.BigEndian.PutUint64(out[off:off+8], uint64(v))
		off += 8
	}
	return out
}

func decodeState(b []byte) (State, error) {
	if len(b) != 4+32+8*5 {
		return State{}, fmt.Errorf("settlement: truncated state snapshot")
	}
	var s State
	s.Height = binary.BigEndian.Uint32(b[0:4])
	copy(s.BlockHash[:], b[4:36])
	off := 36
	vals := make([]int64, 5)
	for i := range vals {
		vals[i] = int64(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
	}
	s.M0Vaulted, s.M1Supply, s.M0Shielded, s.M0TotalSupply, s.BurnClaimsThisBlock = vals[0], vals[1], vals[2], vals[3], vals[4]
	return s, nil
}

func encodeUnlockUndo(u UnlockUndoData) []byte {
	var buf bytes.Buffer
	writeU32(&buf, uint32(len(u.ReceiptsSpent)))
	for _, r := range u.ReceiptsSpent {
		buf.Write(outpointBytes(r.Outpoint))
		writeI64(&buf, r.Amount)
		writeU32(&buf, r.CreateHeight)
	}
	writeU32(&buf, uint32(len(u.VaultsSpent)))
	for _, v := range u.VaultsSpent {
		buf.Write(outpointBytes(v.Outpoint))
		writeI64(&buf, v.Amount)
		writeU32(&buf, v.LockHeight)
	}
	writeI64(&buf, u.M0Released)
	writeI64(&buf, u.NetM1Burned)
	writeU32(&buf, u.ReceiptChangeCount)
	if u.VaultChangeCreated {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.Write(outpointBytes(u.VaultChangeOutpoint))
	return buf.Bytes()
}

func decodeUnlockUndo(b []byte) (UnlockUndoData, error) {
	r := bytes.NewReader(b)
	var u UnlockUndoData
	n, err := readU32(r)
	if err != nil {
		return u, err
	}
	for i := uint32(0); i < n; i++ {
		op, err := readOutpoint(r)
		if err != nil {
			return u, err
		}
		amount, err := readI64(r)
		if err != nil {
			return u, err
		}
		height, err := readU32(r)
		if err != nil {
			return u, err
		}
		u.ReceiptsSpent = append(u.ReceiptsSpent, Receipt{Outpoint: op, Amount: amount, CreateHeight: height})
	}
	n, err = readU32(r)
	if err != nil {
		return u, err
	}
	for i := uint32(0); i < n; i++ {
		op, err := readOutpoint(r)
		if err != nil {
			return u, err
		}
		amount, err := readI64(r)
		if err != nil {
			return u, err
		}
		height, err := readU32(r)
		if err != nil {
			return u, err
		}
		u.VaultsSpent = append(u.VaultsSpent, VaultEntry{Outpoint: op, Amount: amount, LockHeight: height})
	}
	if u.M0Released, err = readI64(r); err != nil {
		return u, err
	}
	if u.NetM1Burned, err = readI64(r); err != nil {
		return u, err
	}
	if u.ReceiptChangeCount, err = readU32(r); err != nil {
		return u, err
	}
	flag, err := r.ReadByte()
	if err != nil {
		return u, err
	}
	u.VaultChangeCreated = flag == 1
	if u.VaultChangeOutpoint, err = readOutpoint(r); err != nil {
		return u, err
	}
	return u, nil
}

func encodeTransferUndo(t TransferUndoData) []byte {
	var buf bytes.Buffer
	buf.Write(outpointBytes(t.OriginalReceipt.Outpoint))
	writeI64(&buf, t.OriginalReceipt.Amount)
	writeU32(&buf, t.OriginalReceipt.CreateHeight)
	writeU32(&buf, t.NumM1Outputs)
	return buf.Bytes()
}

func decodeTransferUndo(b []byte) (TransferUndoData, error) {
	r := bytes.NewReader(b)
	op, err := readOutpoint(r)
	if err != nil {
		return TransferUndoData{}, err
	}
	amount, err := readI64(r)
	if err != nil {
		return TransferUndoData{}, err
	}
	height, err := readU32(r)
	if err != nil {
		return TransferUndoData{}, err
	}
	n, err := readU32(r)
	if err != nil {
		return TransferUndoData{}, err
	}
	return TransferUndoData{
		OriginalReceipt: Receipt{Outpoint: op, Amount: amount, CreateHeight: height},
		NumM1Outputs:    n,
	}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeI64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readOutpoint(r *bytes.Reader) (Outpoint, error) {
	var b [36]byte
	if _, err := r.Read(b[:]); err != nil {
		return Outpoint{}, err
	}
	var op Outpoint
	copy(op.TxID[:], b[:32])
	op.Vout = binary.BigEndian.Uint32(b[32:])
	return op, nil
}

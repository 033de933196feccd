package burnclaim

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"rubin.dev/node/internal/coreerr"
	"rubin.dev/node/internal/spv"
)

var (
	bucketClaims   = []byte("claims")
	bucketByStatus = []byte("claims_by_status")
	bucketByClaim  = []byte("claims_by_id")
	bucketMeta     = []byte("meta")
)

var (
	keyBurnScanHeight = []byte("last_burnscan_height")
	keyBurnScanHash   = []byte("last_burnscan_hash")
)

// ExternalChain is the slice of C1 the burn-claim index depends on: best-
// chain membership, confirmation depth, and Merkle inclusion proofs.
type ExternalChain interface {
	IsInBestChain(hash [32]byte) bool
	GetHeaderAtHeight(height uint32) (spv.Entry, bool)
	Tip() (hash [32]byte, height uint32, work *big.Int)
	VerifyMerkleProof(txid [32]byte, merkleRoot [32]byte, proof [][32]byte, txIndex uint32) bool
}

// TxOutput is the shape of one external transaction output the index
// needs: its raw script bytes (for OP_RETURN payload extraction).
type TxOutput struct {
	Value  int64
	Script []byte
}

// ExternalTx is the burn-bearing external transaction passed to Observe.
type ExternalTx struct {
	TxID        [32]byte
	BlockHeight uint32
	BlockHash   [32]byte
	Outputs     []TxOutput
}

// MerkleProof is the inclusion proof accompanying an Observe call.
type MerkleProof struct {
	MerkleRoot [32]byte
	Siblings   [][32]byte
	TxIndex    uint32
}

// Store is C3: the burn-claim index.
type Store struct {
	db                    *bolt.DB
	chain                 ExternalChain
	confirmationsRequired uint32
}

// Open opens (creating if necessary) the burn-claim index under datadir.
func Open(datadir string, chain ExternalChain, confirmationsRequired uint32) (*Store, error) {
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	db, err := bolt.Open(filepath.Join(datadir, "burnclaim.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketClaims, bucketByStatus, bucketByClaim, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	return &Store{db: db, chain: chain, confirmationsRequired: confirmationsRequired}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func outpointKey(txid [32]byte, vout uint32) []byte {
	key := make([]byte, 36)
	copy(key[:32], txid[:])
	binary.BigEndian.PutUint32(key[32:], vout)
	return key
}

func statusKey(status Status, txid [32]byte, vout uint32) []byte {
	key := make([]byte, 1+36)
	key[0] = statusByte(status)
	copy(key[1:], outpointKey(txid, vout))
	return key
}

func statusByte(s Status) byte {
	switch s {
	case StatusPending:
		return 'p'
	case StatusMintable:
		return 'm'
	case StatusFinalized:
		return 'f'
	case StatusRejected:
		return 'r'
	default:
		return '?'
	}
}

// Observe is C3's main admission path (§4.3 "observe"). It validates the
// OP_RETURN payload, the Merkle inclusion proof against C1+C2 under the
// referenced header's merkle root, best-chain membership, and the
// confirmation floor, then stores the claim. Because the floor check
// already requires more confirmations than confirmationsRequired, a stored
// claim is always mintable; Observe never returns pending.
func (s *Store) Observe(etx ExternalTx, voutIndex uint32, proof MerkleProof) (Status, error) {
	if int(voutIndex) >= len(etx.Outputs) || voutIndex > 2 {
		return "", coreerr.New(coreerr.ClaimBadPayload, coreerr.DoSMild, "burn payload must be in one of the first three outputs")
	}
	payload, ok := ParsePayload(etx.Outputs[voutIndex].Script)
	if !ok {
		return "", coreerr.New(coreerr.ClaimBadPayload, coreerr.DoSMild, "OP_RETURN payload does not match the burn magic layout")
	}

	header, ok := s.chain.GetHeaderAtHeight(etx.BlockHeight)
	if !ok || header.Hash != etx.BlockHash {
		return "", coreerr.New(coreerr.ClaimNotBestChain, coreerr.DoSNone, "referenced header not found at height")
	}
	if !s.chain.IsInBestChain(etx.BlockHash) {
		return "", coreerr.New(coreerr.ClaimNotBestChain, coreerr.DoSNone, "block not in external best chain")
	}
	if proof.MerkleRoot != header.Header.MerkleRoot {
		return "", coreerr.New(coreerr.ClaimBadProof, coreerr.DoSMax, "proof root does not match the referenced header's merkle root")
	}
	if !s.chain.VerifyMerkleProof(etx.TxID, proof.MerkleRoot, proof.Siblings, proof.TxIndex) {
		return "", coreerr.New(coreerr.ClaimBadProof, coreerr.DoSMax, "Merkle inclusion proof failed")
	}

	_, tipHeight, _ := s.chain.Tip()
	if etx.BlockHeight+s.confirmationsRequired > tipHeight {
		return "", coreerr.New(coreerr.ClaimInsufficientConf, coreerr.DoSNone, "burn does not yet meet the confirmation floor")
	}
	confirmations := tipHeight - etx.BlockHeight + 1

	status := StatusPending
	if confirmations >= s.confirmationsRequired {
		status = StatusMintable
	}

	rec := Record{
		ClaimID:             uuid.New(),
		BTCTxID:             etx.TxID,
		BTCBlockHeight:      etx.BlockHeight,
		BTCBlockHash:        etx.BlockHash,
		VoutIndex:           voutIndex,
		AmountSats:          payload.AmountCommitted,
		OpReturnPayload:     etx.Outputs[voutIndex].Script,
		Destination:         payload.Destination,
		Status:              status,
		ConfirmationsAtSeen: confirmations,
	}
	if err := s.putRecord(rec); err != nil {
		return "", err
	}
	return status, nil
}

func (s *Store) putRecord(rec Record) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putRecordTx(tx, rec, "")
	})
}

// putRecordTx writes rec, removing any stale status-index entry for
// fromStatus first (empty string means "no prior entry to remove").
func (s *Store) putRecordTx(tx *bolt.Tx, rec Record, fromStatus Status) error {
	if fromStatus != "" {
		if err := tx.Bucket(bucketByStatus).Delete(statusKey(fromStatus, rec.BTCTxID, rec.VoutIndex)); err != nil {
			return err
		}
	}
	if err := tx.Bucket(bucketClaims).Put(outpointKey(rec.BTCTxID, rec.VoutIndex), encodeRecord(rec)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketByStatus).Put(statusKey(rec.Status, rec.BTCTxID, rec.VoutIndex), []byte{1}); err != nil {
		return err
	}
	claimIDBytes, err := rec.ClaimID.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketByClaim).Put(claimIDBytes, outpointKey(rec.BTCTxID, rec.VoutIndex))
}

// Get returns the claim at (txid, vout), if any.
func (s *Store) Get(txid [32]byte, vout uint32) (Record, bool) {
	var rec Record
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketClaims).Get(outpointKey(txid, vout))
		if v == nil {
			return nil
		}
		r, err := decodeRecord(v)
		if err != nil {
			return err
		}
		rec = r
		found = true
		return nil
	})
	return rec, found
}

func (s *Store) getByClaimID(tx *bolt.Tx, claimID uuid.UUID) (Record, bool, error) {
	claimIDBytes, err := claimID.MarshalBinary()
	if err != nil {
		return Record{}, false, err
	}
	opKey := tx.Bucket(bucketByClaim).Get(claimIDBytes)
	if opKey == nil {
		return Record{}, false, nil
	}
	v := tx.Bucket(bucketClaims).Get(opKey)
	if v == nil {
		return Record{}, false, nil
	}
	rec, err := decodeRecord(v)
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

// MarkFinalized transitions a claim to finalized when the MINT_M0BTC
// transaction that consumes it lands in a native block (§4.3).
func (s *Store) MarkFinalized(claimID uuid.UUID, nativeHeight uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, ok, err := s.getByClaimID(tx, claimID)
		if err != nil {
			return err
		}
		if !ok {
			return coreerr.New(coreerr.ClaimUnknown, coreerr.DoSMild, "unknown claim_id")
		}
		from := rec.Status
		rec.Status = StatusFinalized
		rec.NativeFinalizedHeight = nativeHeight
		return s.putRecordTx(tx, rec, from)
	})
}

// ClaimMintable reports whether claimID is a known, currently-mintable
// claim and its committed amount and destination, satisfying C5's narrow
// settlement.ClaimSource view onto this store (§4.5.4 "Admission to mint").
func (s *Store) ClaimMintable(claimID [16]byte) (amountSats int64, destination []byte, ok bool) {
	var rec Record
	var found bool
	_ = s.db.View(func(tx *bolt.Tx) error {
		r, exists, err := s.getByClaimID(tx, uuid.UUID(claimID))
		if err != nil || !exists {
			return err
		}
		rec = r
		found = true
		return nil
	})
	if !found || rec.Status != StatusMintable {
		return 0, nil, false
	}
	return rec.AmountSats, rec.Destination, true
}

// MarkClaimFinalized is MarkFinalized under the [16]byte claim-ID shape C5
// depends on, so *Store satisfies settlement.ClaimSource without C5
// importing this package's uuid-typed API.
func (s *Store) MarkClaimFinalized(claimID [16]byte, nativeHeight uint32) error {
	return s.MarkFinalized(uuid.UUID(claimID), nativeHeight)
}

// OnExternalReorg walks every pending/mintable claim and rejects any whose
// referenced block is no longer part of the external best chain (§4.3).
func (s *Store) OnExternalReorg(oldTip, newTip [32]byte) error {
	_ = oldTip
	_ = newTip
	var affected []Record
	if err := s.db.View(func(tx *bolt.Tx) error {
		for _, st := range []Status{StatusPending, StatusMintable} {
			c := tx.Bucket(bucketByStatus).Cursor()
			prefix := []byte{statusByte(st)}
			for k, _ := c.Seek(prefix); k != nil && k[0] == prefix[0]; k, _ = c.Next() {
				v := tx.Bucket(bucketClaims).Get(k[1:])
				if v == nil {
					continue
				}
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				affected = append(affected, rec)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		for _, rec := range affected {
			if s.chain.IsInBestChain(rec.BTCBlockHash) {
				continue
			}
			from := rec.Status
			rec.Status = StatusRejected
			if err := s.putRecordTx(tx, rec, from); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListByStatus returns every claim currently in status.
func (s *Store) ListByStatus(status Status) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketByStatus).Cursor()
		prefix := []byte{statusByte(status)}
		for k, _ := c.Seek(prefix); k != nil && k[0] == prefix[0]; k, _ = c.Next() {
			v := tx.Bucket(bucketClaims).Get(k[1:])
			if v == nil {
				continue
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// BurnScanProgress returns the last (height, hash) a scanner processed, so
// it can resume without re-reading (§4.3 "Data").
func (s *Store) BurnScanProgress() (height uint32, hash [32]byte, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
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

// SetBurnScanProgress persists the scanner's resume marker.
func (s *Store) SetBurnScanProgress(height uint32, hash [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		var heightBuf [4]byte
		binary.BigEndian.PutUint32(heightBuf[:], height)
		if err := b.Put(keyBurnScanHeight, heightBuf[:]); err != nil {
			return err
		}
		return b.Put(keyBurnScanHash, hash[:])
	})
}

func encodeRecord(r Record) []byte {
	claimIDBytes, _ := r.ClaimID.MarshalBinary()
	out := make([]byte, 0, 16+32+4+32+4+8+2+len(r.OpReturnPayload)+2+len(r.Destination)+1+4)
	out = append(out, claimIDBytes...)
	out = append(out, r.BTCTxID[:]...)
	out = appendU32(out, r.BTCBlockHeight)
	out = append(out, r.BTCBlockHash[:]...)
	out = appendU32(out, r.VoutIndex)
	out = appendI64(out, r.AmountSats)
	out = appendBytes(out, r.OpReturnPayload)
	out = appendBytes(out, r.Destination)
	out = append(out, statusByte(r.Status))
	out = appendU32(out, r.ConfirmationsAtSeen)
	out = appendU32(out, r.NativeFinalizedHeight)
	return out
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	if len(b) < 16+32+4+32+4+8 {
		return r, fmt.Errorf("burnclaim: truncated record")
	}
	if err := r.ClaimID.UnmarshalBinary(b[:16]); err != nil {
		return r, err
	}
	off := 16
	copy(r.BTCTxID[:], b[off:off+32])
	off += 32
	r.BTCBlockHeight = binary.BigEndian.Uint32(b[off:])
	off += 4
	copy(r.BTCBlockHash[:], b[off:off+32])
	off += 32
	r.VoutIndex = binary.BigEndian.Uint32(b[off:])
	off += 4
	r.AmountSats = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	payload, n, err := readBytes(b, off)
	if err != nil {
		return r, err
	}
	r.OpReturnPayload = payload
	off = n
	dest, n, err := readBytes(b, off)
	if err != nil {
		return r, err
	}
	r.Destination = dest
	off = n
	if off+1+4 > len(b) {
		return r, fmt.Errorf("burnclaim: truncated record tail")
	}
	r.Status = statusFromByte(b[off])
	off++
	r.ConfirmationsAtSeen = binary.BigEndian.Uint32(b[off:])
	off += 4
	if off+4 <= len(b) {
		r.NativeFinalizedHeight = binary.BigEndian.Uint32(b[off:])
	}
	return r, nil
}

func statusFromByte(b byte) Status {
	switch b {
	case 'p':
		return StatusPending
	case 'm':
		return StatusMintable
	case 'f':
		return StatusFinalized
	case 'r':
		return StatusRejected
	default:
		return ""
	}
}

func appendU32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func appendI64(b []byte, v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return append(b, buf[:]...)
}

func appendBytes(b []byte, v []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(v))) // #nosec G115 -- payloads are bounded well under 64KiB.
	b = append(b, lenBuf[:]...)
	return append(b, v...)
}

func readBytes(b []byte, off int) ([]byte, int, error) {
	if off+2 > len(b) {
		return nil, 0, fmt.Errorf("burnclaim: truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(b[off:]))
	off += 2
	if off+n > len(b) {
		return nil, 0, fmt.Errorf("burnclaim: truncated payload")
	}
	return append([]byte(nil), b[off:off+n]...), off + n, nil
}

package spv

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"rubin.dev/node/internal/chainparams"
	"rubin.dev/node/internal/coreerr"
	"rubin.dev/node/internal/cryptoprovider"
	"rubin.dev/node/internal/logx"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketHeaders = []byte("headers_by_hash")
	bucketBest    = []byte("best_by_height")
	bucketMeta    = []byte("meta")
)

var (
	keyTipHash   = []byte("tip_hash")
	keyTipHeight = []byte("tip_height")
	keyTipWork   = []byte("tip_work")
	keyMinHeight = []byte("min_supported_height")
)

// Status is the outcome of AddHeader (§4.1).
type Status string

const (
	StatusAccepted    Status = "ACCEPTED"
	StatusAcceptedTip Status = "ACCEPTED_TIP"
	StatusDuplicate   Status = "DUPLICATE"
)

// Entry is an External Header Index Entry (§3).
type Entry struct {
	Hash     [32]byte
	PrevHash [32]byte
	Height   uint32
	CumWork  *big.Int
	Header   Header
}

// Store is C1: the append-only BTC-SPV header engine. All externally
// reachable methods take the store's single-writer lock on entry; methods
// suffixed Locked assume it is already held (§5).
type Store struct {
	mu sync.RWMutex

	datadir  string
	params   chainparams.Params
	crypto   cryptoprovider.Provider
	powLimit *big.Int

	db *bolt.DB

	cache *lruCache

	tipHash           [32]byte
	tipHeight         uint32
	tipWork           *big.Int
	minSupportedHeight uint32
	initialized       bool
}

// MaxCacheSize bounds the in-memory header-by-hash LRU (§5 "Cache").
const MaxCacheSize = 10_000

// Open opens (creating if necessary) the SPV store under datadir, but does
// not seed a fresh chain — call Init for that (§4.1 "init").
func Open(datadir string, params chainparams.Params, crypto cryptoprovider.Provider) (*Store, error) {
	if datadir == "" {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, "datadir required")
	}
	if err := os.MkdirAll(datadir, 0o755); err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	db, err := bolt.Open(filepath.Join(datadir, "spv.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketHeaders, bucketBest, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}

	s := &Store{
		datadir:  datadir,
		params:   params,
		crypto:   crypto,
		powLimit: new(big.Int).SetBytes(params.PowLimit[:]),
		db:       db,
		cache:    newLRUCache(MaxCacheSize),
	}

	if err := s.loadTip(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Init seeds an empty store from the highest configured anchor checkpoint
// (§4.1 "init"). A no-op if the store already has a tip.
func (s *Store) Init() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}
	anchor, ok := s.params.HighestAnchor()
	if !ok {
		return coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, "no anchor checkpoints configured")
	}
	entry := Entry{
		Hash:    anchor.Hash,
		Height:  anchor.Height,
		CumWork: new(big.Int).Set(anchor.CumWork),
	}
	if err := s.putEntry(entry); err != nil {
		return err
	}
	if err := s.putBestHeight(anchor.Height, anchor.Hash); err != nil {
		return err
	}
	s.tipHash = anchor.Hash
	s.tipHeight = anchor.Height
	s.tipWork = entry.CumWork
	s.minSupportedHeight = anchor.Height
	s.initialized = true
	return s.persistMeta()
}

func (s *Store) loadTip() error {
	var tipHash [32]byte
	var tipHeight uint32
	var tipWork *big.Int
	var minHeight uint32
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		v := b.Get(keyTipHash)
		if v == nil {
			return nil
		}
		found = true
		copy(tipHash[:], v)
		tipHeight = binary.BigEndian.Uint32(b.Get(keyTipHeight))
		tipWork = new(big.Int).SetBytes(b.Get(keyTipWork))
		minHeight = binary.BigEndian.Uint32(b.Get(keyMinHeight))
		return nil
	})
	if err != nil {
		return coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	if found {
		s.tipHash = tipHash
		s.tipHeight = tipHeight
		s.tipWork = tipWork
		s.minSupportedHeight = minHeight
		s.initialized = true
	}
	return nil
}

func (s *Store) persistMeta() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMeta)
		if err := b.Put(keyTipHash, s.tipHash[:]); err != nil {
			return err
		}
		var heightBuf [4]byte
		binary.BigEndian.PutUint32(heightBuf[:], s.tipHeight)
		if err := b.Put(keyTipHeight, heightBuf[:]); err != nil {
			return err
		}
		if err := b.Put(keyTipWork, s.tipWork.Bytes()); err != nil {
			return err
		}
		var minBuf [4]byte
		binary.BigEndian.PutUint32(minBuf[:], s.minSupportedHeight)
		return b.Put(keyMinHeight, minBuf[:])
	})
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Reload closes and reopens the store, discarding the in-memory cache and
// trusting the on-disk tip (§4.1 "reload", §9 open question). Permitted at
// runtime to ingest an externally copied snapshot.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Close(); err != nil {
		return coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	db, err := bolt.Open(filepath.Join(s.datadir, "spv.db"), 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return coreerr.New(coreerr.StorageOpenFailed, coreerr.DoSNone, err.Error())
	}
	s.db = db
	s.cache = newLRUCache(MaxCacheSize)
	return s.loadTip()
}

func encodeEntry(e Entry) []byte {
	work := e.CumWork.Bytes()
	hdr := e.Header.Encode()
	out := make([]byte, 0, 32+4+2+len(work)+HeaderBytes)
	out = append(out, e.PrevHash[:]...)
	var heightBuf [4]byte
	binary.BigEndian.PutUint32(heightBuf[:], e.Height)
	out = append(out, heightBuf[:]...)
	var workLenBuf [2]byte
	binary.BigEndian.PutUint16(workLenBuf[:], uint16(len(work))) // #nosec G115 -- chain work fits well under 64KiB.
	out = append(out, workLenBuf[:]...)
	out = append(out, work...)
	out = append(out, hdr...)
	return out
}

func decodeEntry(hash [32]byte, b []byte) (Entry, error) {
	if len(b) < 32+4+2 {
		return Entry{}, fmt.Errorf("spv: truncated entry")
	}
	var e Entry
	e.Hash = hash
	copy(e.PrevHash[:], b[0:32])
	e.Height = binary.BigEndian.Uint32(b[32:36])
	workLen := int(binary.BigEndian.Uint16(b[36:38]))
	off := 38
	if off+workLen > len(b) {
		return Entry{}, fmt.Errorf("spv: truncated work")
	}
	e.CumWork = new(big.Int).SetBytes(b[off : off+workLen])
	off += workLen
	if off+HeaderBytes > len(b) {
		// Bootstrap-inserted anchor entries may carry no header bytes.
		return e, nil
	}
	hdr, err := DecodeHeader(b[off : off+HeaderBytes])
	if err != nil {
		return Entry{}, err
	}
	e.Header = hdr
	return e, nil
}

func (s *Store) putEntry(e Entry) error {
	s.cache.put(e.Hash, e)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHeaders).Put(e.Hash[:], encodeEntry(e))
	})
}

func (s *Store) putBestHeight(height uint32, hash [32]byte) error {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], height)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBest).Put(key[:], hash[:])
	})
}

// getEntryLocked reads an entry by hash, consulting the cache first. The
// cache is authoritative only when its key matches the stored hash,
// guarding against aliased reads from a reused output buffer (§5 "Cache").
func (s *Store) getEntryLocked(hash [32]byte) (Entry, bool, error) {
	if e, ok := s.cache.get(hash); ok && e.Hash == hash {
		return e, true, nil
	}
	var out Entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketHeaders).Get(hash[:])
		if v == nil {
			return nil
		}
		e, err := decodeEntry(hash, v)
		if err != nil {
			return err
		}
		out = e
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	if found {
		s.cache.put(hash, out)
	}
	return out, found, nil
}

// GetHeader returns the stored entry for hash, if any.
func (s *Store) GetHeader(hash [32]byte) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok, _ := s.getEntryLocked(hash)
	return e, ok
}

// GetHeaderAtHeight returns the best-chain entry at height, if any.
func (s *Store) GetHeaderAtHeight(height uint32) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], height)
	var hash [32]byte
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBest).Get(key[:])
		if v == nil {
			return nil
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	if !found {
		return Entry{}, false
	}
	e, ok, _ := s.getEntryLocked(hash)
	return e, ok
}

// Tip returns the current best-chain tip.
func (s *Store) Tip() (hash [32]byte, height uint32, work *big.Int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tipHash, s.tipHeight, new(big.Int).Set(s.tipWork)
}

// MinSupportedHeight returns the lowest height claims can be verified
// against (§4.1).
func (s *Store) MinSupportedHeight() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minSupportedHeight
}

// VerifyMerkleProof proves txid's inclusion under the given merkleRoot,
// trying both byte-order conventions (§4.1 "Merkle proof verification").
// It does not look the root up in the store; callers pass the root of the
// header they have already fetched.
func (s *Store) VerifyMerkleProof(txid [32]byte, merkleRoot [32]byte, proof [][32]byte, txIndex uint32) bool {
	return VerifyMerkleProofBothOrders(s.crypto, txid, merkleRoot, proof, txIndex)
}

// IsInBestChain reports whether hash is on the currently selected best
// chain.
func (s *Store) IsInBestChain(hash [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok, _ := s.getEntryLocked(hash)
	if !ok {
		return false
	}
	best, ok := s.GetHeaderAtHeight(e.Height)
	return ok && best.Hash == hash
}

// Confirmations returns tip_height - height + 1 for a best-chain header,
// or 0 if hash is not on the best chain.
func (s *Store) Confirmations(hash [32]byte) uint32 {
	s.mu.RLock()
	e, ok, _ := s.getEntryLocked(hash)
	tipHeight := s.tipHeight
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	if !s.IsInBestChain(hash) {
		return 0
	}
	return tipHeight - e.Height + 1
}

// AddResult is the per-header outcome of AddHeaders (§4.1 "add_headers").
type AddResult struct {
	Status Status
	Err    error
}

// AddHeaders ingests a batch, stopping at the first non-duplicate failure.
func (s *Store) AddHeaders(headers []Header) (accepted int, rejected int, firstRejectReason error) {
	for _, h := range headers {
		status, err := s.AddHeader(h)
		if err != nil {
			return accepted, rejected + 1, err
		}
		if status == StatusDuplicate {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected, nil
}

// AddHeader is the §4.1 validation pipeline. It takes the store's
// single-writer lock for its entire body.
func (s *Store) AddHeader(h Header) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	hash := h.Hash(s.crypto)

	// 1. Duplicate check, with tip-recovery.
	if existing, ok, err := s.getEntryLocked(hash); err != nil {
		return "", err
	} else if ok {
		if existing.CumWork.Cmp(s.tipWork) > 0 {
			if err := s.adoptTipLocked(existing); err != nil {
				return "", err
			}
		}
		return StatusDuplicate, nil
	}

	// 2. Parent lookup, with bootstrap-anchor fallback.
	parent, haveParent, err := s.getEntryLocked(h.PrevHash)
	if err != nil {
		return "", err
	}
	if !haveParent {
		if s.isAnchorHash(hash) {
			entry := Entry{Hash: hash, Height: s.anchorHeightOf(hash), CumWork: big.NewInt(0), Header: h}
			if err := s.putEntry(entry); err != nil {
				return "", err
			}
			return StatusAccepted, nil
		}
		return "", coreerr.New(coreerr.Orphan, coreerr.DoSNone, "prev_hash not found")
	}

	height := parent.Height + 1

	// 3. Linkage (redundant given the lookup above, kept as a defensive
	//    re-check since parent.Hash must equal h.PrevHash by construction).
	if parent.Hash != h.PrevHash {
		return "", coreerr.New(coreerr.InvalidPrevBlock, coreerr.DoSMax, "prev_hash mismatch")
	}

	// 4. Proof of work.
	if err := checkPoW(hash, h.Bits, s.powLimit); err != nil {
		return "", err
	}

	// 5. Timestamp: future drift and median-time-past.
	if err := s.validateTimestampLocked(h, parent); err != nil {
		return "", err
	}

	// 6. Difficulty retarget, mainnet only, every RetargetSpan blocks.
	if err := s.validateRetargetLocked(h, parent, height); err != nil {
		return "", err
	}

	// 7. Canonical-identity checkpoint.
	if id, ok := s.params.IdentityAt(height); ok {
		if id.Hash != hash {
			return "", coreerr.New(coreerr.InvalidCheckpoint, coreerr.DoSMax, "identity checkpoint mismatch")
		}
	}

	work, err := WorkFromBits(h.Bits)
	if err != nil {
		return "", coreerr.New(coreerr.InvalidPoW, coreerr.DoSMax, err.Error())
	}
	entry := Entry{
		Hash:     hash,
		PrevHash: h.PrevHash,
		Height:   height,
		CumWork:  new(big.Int).Add(parent.CumWork, work),
		Header:   h,
	}
	if err := s.putEntry(entry); err != nil {
		return "", err
	}

	if entry.CumWork.Cmp(s.tipWork) > 0 {
		if err := s.defenseInDepthCheckLocked(entry); err != nil {
			return "", err
		}
		if err := s.adoptTipLocked(entry); err != nil {
			return "", err
		}
		return StatusAcceptedTip, nil
	}
	return StatusAccepted, nil
}

func (s *Store) isAnchorHash(hash [32]byte) bool {
	for _, a := range s.params.Anchors {
		if a.Hash == hash {
			return true
		}
	}
	return false
}

func (s *Store) anchorHeightOf(hash [32]byte) uint32 {
	for _, a := range s.params.Anchors {
		if a.Hash == hash {
			return a.Height
		}
	}
	return 0
}

func (s *Store) validateTimestampLocked(h Header, parent Entry) error {
	now := uint32(time.Now().Unix()) // #nosec G115 -- Unix time fits u32 until year 2106.
	if h.Time > now+2*3600 {
		return coreerr.New(coreerr.InvalidTimestampFuture, coreerr.DoSMild, "timestamp too far in the future")
	}
	ancestors, err := s.lastAncestorsLocked(parent, 11)
	if err != nil {
		return err
	}
	if len(ancestors) > 0 {
		mtp := medianTime(ancestors)
		if h.Time <= mtp {
			return coreerr.New(coreerr.InvalidTimestampMTP, coreerr.DoSMax, "timestamp at or before median-time-past")
		}
	}
	return nil
}

func (s *Store) lastAncestorsLocked(from Entry, n int) ([]uint32, error) {
	out := make([]uint32, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		out = append(out, cur.Header.Time)
		if cur.Height == 0 {
			break
		}
		parent, ok, err := s.getEntryLocked(cur.PrevHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		cur = parent
	}
	return out, nil
}

func medianTime(times []uint32) uint32 {
	sorted := append([]uint32(nil), times...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	return sorted[len(sorted)/2]
}

func (s *Store) validateRetargetLocked(h Header, parent Entry, height uint32) error {
	if height%s.params.RetargetSpan != 0 {
		return nil
	}
	firstHeight := height - s.params.RetargetSpan
	first, ok := s.headerAtHeightLocked(firstHeight)
	if !ok {
		if s.params.Name == "mainnet" {
			return coreerr.New(coreerr.InvalidRetarget, coreerr.DoSNone, "retarget ancestor missing")
		}
		// Non-mainnet: downgrade to a warning when the anchor ancestor is missing.
		logx.SPV.Warn().Uint32("height", height).Msg("retarget check skipped: anchor ancestor missing")
		return nil
	}
	expectedBits, err := Retarget(parent.Header.Bits, first.Header.Time, parent.Header.Time, RetargetParams{
		Span:          s.params.RetargetSpan,
		TargetSpacing: s.params.TargetSpacing,
		PowLimit:      s.powLimit,
	})
	if err != nil {
		return coreerr.New(coreerr.InvalidRetarget, coreerr.DoSMax, err.Error())
	}
	if h.Bits != expectedBits {
		if s.params.Name != "mainnet" {
			logx.SPV.Warn().Uint32("height", height).Msg("retarget mismatch downgraded to warning (non-mainnet)")
			return nil
		}
		return coreerr.New(coreerr.InvalidRetarget, coreerr.DoSMax, "bits do not match expected retarget")
	}
	return nil
}

func (s *Store) headerAtHeightLocked(height uint32) (Entry, bool) {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], height)
	var hash [32]byte
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketBest).Get(key[:])
		if v == nil {
			return nil
		}
		copy(hash[:], v)
		found = true
		return nil
	})
	if !found {
		return Entry{}, false
	}
	e, ok, _ := s.getEntryLocked(hash)
	return e, ok
}

// defenseInDepthCheckLocked re-verifies every identity checkpoint at or
// above min_supported_height along the candidate's ancestry before it is
// adopted as tip (§4.1 "Before adopting the tip").
func (s *Store) defenseInDepthCheckLocked(candidate Entry) error {
	cur := candidate
	for {
		if id, ok := s.params.IdentityAt(cur.Height); ok {
			if id.Hash != cur.Hash {
				return coreerr.New(coreerr.InvalidCheckpoint, coreerr.DoSMax, "ancestry fails identity checkpoint")
			}
		}
		if cur.Height <= s.minSupportedHeight {
			break
		}
		parent, ok, err := s.getEntryLocked(cur.PrevHash)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = parent
	}
	return nil
}

// adoptTipLocked walks back from entry through prev_hash, writes the
// (best, height) -> hash mapping down to tip_height+1, then updates tip
// scalars (§4.1 "the best chain is advanced").
func (s *Store) adoptTipLocked(entry Entry) error {
	cur := entry
	var path []Entry
	for cur.Height > s.tipHeight {
		path = append(path, cur)
		if cur.Height == 0 {
			break
		}
		parent, ok, err := s.getEntryLocked(cur.PrevHash)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		cur = parent
	}
	for _, e := range path {
		if err := s.putBestHeight(e.Height, e.Hash); err != nil {
			return err
		}
	}
	s.tipHash = entry.Hash
	s.tipHeight = entry.Height
	s.tipWork = entry.CumWork
	return s.persistMeta()
}

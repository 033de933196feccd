// Package producer implements C6: deterministic producer selection over a
// masternode list, with score-based ordering and time-slot fallback,
// symmetric between the scheduler and the verifier (§4.6).
package producer

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"

	"rubin.dev/node/internal/cryptoprovider"
)

// MaxFallbackSlots clamps slot derivation so a stalled leader never stalls
// fallback resolution indefinitely (§4.6).
const MaxFallbackSlots = 360

// Entry is one masternode's election-relevant state.
type Entry struct {
	ProTxHash       [32]byte
	OperatorPubKey  []byte
	RegisteredHeight uint32
	ConfirmedHash   [32]byte // zero means "not yet confirmed"
	PoSeBanned      bool
}

func (e Entry) confirmed() bool {
	return e.ConfirmedHash != [32]byte{}
}

// Scored pairs a masternode with its score for one (prevHash, height) pair.
type Scored struct {
	Score [32]byte
	Entry Entry
}

// Selector computes C6's election over a masternode set for one network.
type Selector struct {
	crypto             cryptoprovider.Provider
	leaderTimeout      int64
	fallbackWindow     int64
	dmmBootstrapHeight uint32
}

// New builds a Selector from the network's producer-timing parameters.
func New(crypto cryptoprovider.Provider, leaderTimeoutSeconds, fallbackWindowSeconds int64, dmmBootstrapHeight uint32) *Selector {
	return &Selector{
		crypto:             crypto,
		leaderTimeout:      leaderTimeoutSeconds,
		fallbackWindow:     fallbackWindowSeconds,
		dmmBootstrapHeight: dmmBootstrapHeight,
	}
}

func eligible(e Entry, height uint32, dmmBootstrapHeight uint32) bool {
	if e.PoSeBanned {
		return false
	}
	if e.confirmed() {
		return true
	}
	return e.RegisteredHeight <= dmmBootstrapHeight
}

// ComputeScore returns SHA256(prevHash ‖ height ‖ protxHash) as a 256-bit
// big-endian quantity, the sort key for election (§4.6 "Score function").
func (s *Selector) ComputeScore(prevHash [32]byte, height uint32, protxHash [32]byte) [32]byte {
	buf := make([]byte, 0, 32+4+32)
	buf = append(buf, prevHash[:]...)
	var h [4]byte
	binary.BigEndian.PutUint32(h[:], height)
	buf = append(buf, h[:]...)
	buf = append(buf, protxHash[:]...)
	return sha256.Sum256(buf)
}

// EligibleProducers returns the eligible subset of mns sorted by
// (score DESC, protx_hash ASC), the canonical scored list for height on top
// of prevHash (§4.6).
func (s *Selector) EligibleProducers(prevHash [32]byte, height uint32, mns []Entry) []Scored {
	scored := make([]Scored, 0, len(mns))
	for _, mn := range mns {
		if !eligible(mn, height, s.dmmBootstrapHeight) {
			continue
		}
		scored = append(scored, Scored{Score: s.ComputeScore(prevHash, height, mn.ProTxHash), Entry: mn})
	}
	sort.Slice(scored, func(i, j int) bool {
		cmp := compare32(scored[i].Score, scored[j].Score)
		if cmp != 0 {
			return cmp > 0
		}
		return compare32(scored[i].Entry.ProTxHash, scored[j].Entry.ProTxHash) < 0
	})
	return scored
}

func compare32(a, b [32]byte) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// GetProducerSlot derives the fallback slot from the proposed block time,
// using exactly the scheduler's formula so a verifier checking the block's
// own nTime reaches the identical decision (§4.6 "Slot derivation").
func (s *Selector) GetProducerSlot(height uint32, prevTime int64, targetSpacing uint32, blockTime int64) int {
	if height <= s.dmmBootstrapHeight {
		return 0
	}
	minTime := prevTime + int64(targetSpacing)
	dt := blockTime - minTime
	if dt < 0 || dt < s.leaderTimeout {
		return 0
	}
	extra := dt - s.leaderTimeout
	slot := 1 + int(extra/s.fallbackWindow)
	if slot > MaxFallbackSlots {
		slot = MaxFallbackSlots
	}
	return slot
}

// GetExpectedProducer resolves the single producer expected to sign the
// block at height, given the scored list and the slot derived from
// blockTime. Used identically by the scheduler (from the wall clock) and
// the verifier (from the block's own nTime) (§4.6 "Symmetric use").
func (s *Selector) GetExpectedProducer(height uint32, prevTime int64, targetSpacing uint32, blockTime int64, scored []Scored) (Entry, int, bool) {
	if len(scored) == 0 {
		return Entry{}, 0, false
	}
	slot := s.GetProducerSlot(height, prevTime, targetSpacing, blockTime)
	idx := slot % len(scored)
	return scored[idx].Entry, slot, true
}

// SkippedProducers returns the masternodes passed over before slot, for a
// Proof-of-Service penalty hook (§4.6 "Skip-tracking").
func SkippedProducers(scored []Scored, slot int) []Entry {
	if slot <= 0 {
		return nil
	}
	n := slot
	if n > len(scored) {
		n = len(scored)
	}
	out := make([]Entry, n)
	for i := 0; i < n; i++ {
		out[i] = scored[i].Entry
	}
	return out
}

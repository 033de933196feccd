// Package barrier implements C7: the multi-store commit barrier that makes
// one native block's acceptance durable across C4 and C3 in a fixed order,
// then writes a synchronous cross-store marker so C8 can detect a partial
// commit at next startup (§4.7). The coin view is mutated inline by C5, and
// C1 is not written by the barrier at all.
package barrier

import (
	"rubin.dev/node/internal/coreerr"
	"rubin.dev/node/internal/logx"
	"rubin.dev/node/internal/settlement"
)

// ClaimFinalizer is the narrow slice of C3 the barrier needs: marking the
// claims a block's MINT_M0BTC transactions consumed as finalized, after
// C4's commit has landed (§4.7 step 3).
type ClaimFinalizer interface {
	MarkClaimFinalized(claimID [16]byte, nativeHeight uint32) error
}

// Barrier sequences one native block's commit as C4 batch, then C3 claim
// finalizations, then the all-committed marker; it has no C1 step.
type Barrier struct {
	settlement *settlement.DB
	claims     ClaimFinalizer
}

// New wires C7 to C4 and C3. The coin view has no batch of its own — its
// mutations are applied inline by C5 before ApplyBlock returns, which
// already satisfies "coin view commits first" since nothing downstream can
// observe them until this barrier's own commit succeeds.
func New(settlementDB *settlement.DB, claims ClaimFinalizer) *Barrier {
	return &Barrier{settlement: settlementDB, claims: claims}
}

// CommitBlock durably applies result (C5's output for one native block):
// C4's batch, then C3's claim finalizations, then the synchronous
// all-committed marker. A failure at any step before the marker write
// leaves the node in "needs rebuild" — safe by construction, resolved by
// C8 at next startup (§4.7, §7 "Storage errors").
func (b *Barrier) CommitBlock(height uint32, blockHash [32]byte, result *settlement.BlockResult) error {
	if err := result.Batch.Commit(); err != nil {
		logx.Barrier.Error().Err(err).Uint32("height", height).Msg("C4 commit failed")
		return coreerr.New(coreerr.StorageWriteFailed, coreerr.DoSNone, err.Error())
	}

	for _, cf := range result.ClaimsToFinalize {
		if err := b.claims.MarkClaimFinalized(cf.ClaimID, cf.NativeHeight); err != nil {
			logx.Barrier.Error().Err(err).Uint32("height", height).Msg("C3 claim finalization failed after C4 commit")
			return coreerr.New(coreerr.StorageWriteFailed, coreerr.DoSNone, err.Error())
		}
	}

	if err := b.settlement.MarkAllCommitted(height, blockHash); err != nil {
		logx.Barrier.Error().Err(err).Uint32("height", height).Msg("all-committed marker write failed")
		return coreerr.New(coreerr.StorageWriteFailed, coreerr.DoSNone, err.Error())
	}
	return nil
}

// CheckStartupConsistency compares C4's all-committed marker against the
// block-index tip, returning true when C8 must rebuild (§4.7 "At
// startup").
func (b *Barrier) CheckStartupConsistency(tipHeight uint32, tipHash [32]byte) (needsRebuild bool) {
	markerHeight, markerHash, ok := b.settlement.AllCommittedMarker()
	if !ok {
		return true
	}
	return markerHeight != tipHeight || markerHash != tipHash
}

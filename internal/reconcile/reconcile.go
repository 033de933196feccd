// Package reconcile implements C8: the chain-replay reconciler that
// rebuilds the settlement DB from canonical block history when the C7
// all-committed marker disagrees with the block-index tip at startup
// (§4.4 "Rebuild", §4.7, §4.8).
package reconcile

import (
	"fmt"

	"rubin.dev/node/internal/logx"
	"rubin.dev/node/internal/settlement"
)

// BlockSource supplies the canonical native block history C8 replays.
// Height 0 is genesis and is never replayed; heights start at 1.
type BlockSource interface {
	TipHeight() uint32
	BlockAt(height uint32) (hash [32]byte, txs []settlement.Tx, ok bool)
}

// Reconciler rebuilds C4 by replaying every native block through C5.
type Reconciler struct {
	db     *settlement.DB
	engine *settlement.Engine
	blocks BlockSource
}

// New wires C8 to C4, the C5 engine, and the canonical block source.
func New(db *settlement.DB, engine *settlement.Engine, blocks BlockSource) *Reconciler {
	return &Reconciler{db: db, engine: engine, blocks: blocks}
}

// RebuildFromChain clears C4 and replays blocks 1..tip through C5,
// committing each block's batch as it goes. The SPV store (C1) and claim
// index (C3) are left untouched — they are driven by external inputs, not
// by native block history (§4.8).
func (r *Reconciler) RebuildFromChain() error {
	if err := r.db.RebuildFromChain(); err != nil {
		return err
	}

	prevState := settlement.State{}
	tip := r.blocks.TipHeight()
	for height := uint32(1); height <= tip; height++ {
		blockHash, txs, ok := r.blocks.BlockAt(height)
		if !ok {
			return fmt.Errorf("reconcile: missing block at height %d", height)
		}
		result, err := r.engine.ApplyBlock(height, blockHash, txs, prevState)
		if err != nil {
			return fmt.Errorf("reconcile: replay failed at height %d: %w", height, err)
		}
		if err := result.Batch.Commit(); err != nil {
			return fmt.Errorf("reconcile: commit failed at height %d: %w", height, err)
		}
		// Claim finalization (C3) is intentionally skipped during rebuild:
		// C3 already reflects every MINT_M0BTC that ever landed, since it is
		// driven by the external scanner and the barrier's own C3 writes
		// independently of this replay.
		prevState = result.State
		logx.Reconcile.Info().Uint32("height", height).Msg("replayed block")
	}

	if tip > 0 {
		if err := r.db.MarkAllCommitted(tip, mustHashOf(r.blocks, tip)); err != nil {
			return err
		}
	}
	logx.Reconcile.Info().Uint32("tip", tip).Msg("rebuild from chain complete")
	return nil
}

func mustHashOf(blocks BlockSource, height uint32) [32]byte {
	hash, _, _ := blocks.BlockAt(height)
	return hash
}

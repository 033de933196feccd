// Package coinview is the minimal external collaborator the settlement
// core needs for ordinary M0-standard UTXOs: it can resolve an outpoint's
// value and script, and record spends/creations. Everything beyond that —
// wallet balance tracking, address indexing — belongs to the out-of-scope
// wallet layer (§1).
package coinview

import "fmt"

// Outpoint identifies one transaction output.
type Outpoint struct {
	TxID [32]byte
	Vout uint32
}

// Coin is the minimal shape the settlement core needs from an ordinary
// M0-standard UTXO: its value and whether its script is the bearer
// push-TRUE predicate.
type Coin struct {
	Value    int64
	PushTrue bool
	Spent    bool
}

// View is the narrow interface C5 depends on for ordinary M0 inputs and
// outputs. The core never manages the full UTXO set; it only spends and
// creates the M0-standard coins a special transaction references.
type View interface {
	GetCoin(op Outpoint) (Coin, bool)
	SpendCoin(op Outpoint) error
	AddCoin(op Outpoint, coin Coin) error
	// RestoreCoin un-spends a coin during an undo pass (§4.5 "Undo / reorg").
	RestoreCoin(op Outpoint, coin Coin) error
}

// Memory is an in-memory View, sufficient for tests and the demo CLI; a
// production deployment backs this with the node's full UTXO set.
type Memory struct {
	coins map[Outpoint]Coin
}

// NewMemory returns an empty in-memory coin view.
func NewMemory() *Memory {
	return &Memory{coins: make(map[Outpoint]Coin)}
}

func (m *Memory) GetCoin(op Outpoint) (Coin, bool) {
	c, ok := m.coins[op]
	if !ok || c.Spent {
		return Coin{}, false
	}
	return c, true
}

func (m *Memory) SpendCoin(op Outpoint) error {
	c, ok := m.coins[op]
	if !ok {
		return fmt.Errorf("coinview: no such coin %x:%d", op.TxID, op.Vout)
	}
	c.Spent = true
	m.coins[op] = c
	return nil
}

func (m *Memory) AddCoin(op Outpoint, coin Coin) error {
	m.coins[op] = coin
	return nil
}

func (m *Memory) RestoreCoin(op Outpoint, coin Coin) error {
	coin.Spent = false
	m.coins[op] = coin
	return nil
}


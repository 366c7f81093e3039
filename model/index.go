package model

import (
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
)

// HistoryEntry is one confirmed transaction touching an address: the net
// amount the transaction moved for that address at a height.
type HistoryEntry struct {
	Height uint32         `json:"height"`
	TxHash chainhash.Hash `json:"tx_hash"`
	Delta  int64          `json:"delta"`
}

// Unspent is a spendable output owned by an address.
type Unspent struct {
	OutPoint OutPoint `json:"outpoint"`
	Satoshis uint64   `json:"satoshis"`
	Height   uint32   `json:"height"`
}

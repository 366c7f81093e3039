// Package ledger is the durable store of record for blocks, transactions,
// outputs and spend markers. The UTXO index and the claim trie are derived
// views; when they disagree with the ledger, the ledger wins and the views
// are rebuilt from it.
package ledger

import (
	"context"

	"github.com/bsv-blockchain/go-bt/v2"
	"github.com/bsv-blockchain/go-bt/v2/chainhash"
	"github.com/claimnet/claimnode/model"
)

// StateKeyCommittedHeight is the state key under which the last durably
// committed height is stored.
const StateKeyCommittedHeight = "committed_height"

type Store interface {
	// PutBlock appends a block atomically: the block row, every transaction,
	// every output and every spend marker become visible together or not at
	// all. Returns ErrBlockExists when the height/hash pair is already
	// present and not orphaned.
	PutBlock(ctx context.Context, block *model.Block) error

	// RollbackBlock reverses PutBlock for the given block: spends made by its
	// transactions are unmarked, its outputs and transactions are removed and
	// the block row is marked orphaned.
	RollbackBlock(ctx context.Context, block *model.Block) error

	// GetTransaction returns the transaction and the height of the block it
	// was accepted in. Returns ErrTxNotFound for unknown or orphaned
	// transactions.
	GetTransaction(ctx context.Context, hash *chainhash.Hash) (*bt.Tx, uint32, error)

	GetBlockByHeight(ctx context.Context, height uint32) (*model.Block, error)
	GetBlockHeader(ctx context.Context, hash *chainhash.Hash) (*model.BlockHeader, uint32, error)

	// GetBestBlock returns the hash and height of the highest non-orphaned
	// block, or ErrBlockNotFound on an empty store.
	GetBestBlock(ctx context.Context) (*chainhash.Hash, uint32, error)

	// MarkSpent records a spend marker on an output. Idempotent: re-marking
	// with the same spender succeeds; marking an output already spent by a
	// different transaction returns ErrSpent.
	MarkSpent(ctx context.Context, outpoint model.OutPoint, spendingTx *chainhash.Hash, inputIndex uint32) error

	GetState(ctx context.Context, key string) ([]byte, error)
	SetState(ctx context.Context, key string, data []byte) error

	Close() error
}

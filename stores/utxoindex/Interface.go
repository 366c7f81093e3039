// Package utxoindex maintains per-address balances, histories and unspent
// sets derived from applied blocks. It is a rebuildable view over the ledger:
// every ApplyBlock records a diff so RollbackBlock can reverse it exactly.
package utxoindex

import (
	"context"

	"github.com/claimnet/claimnode/model"
)

type Store interface {
	// ApplyBlock indexes every output and spend in the block. Blocks must be
	// applied in height order; a block is visible in query results entirely
	// or not at all.
	ApplyBlock(ctx context.Context, block *model.Block) error

	// RollbackBlock reverses ApplyBlock using the diff recorded when the
	// block was applied, including restoring previously-spent outputs. The
	// block must be the highest applied.
	RollbackBlock(ctx context.Context, block *model.Block) error

	GetBalance(ctx context.Context, address string) (uint64, error)
	GetHistory(ctx context.Context, address string, fromHeight, toHeight uint32) ([]model.HistoryEntry, error)
	ListUnspent(ctx context.Context, address string) ([]model.Unspent, error)

	// Height returns the highest applied height and false when nothing has
	// been applied yet.
	Height(ctx context.Context) (uint32, bool, error)

	Close() error
}

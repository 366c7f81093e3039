package sql

import (
	"context"

	"github.com/claimnet/claimnode/errors"
	"github.com/claimnet/claimnode/model"
)

func (s *SQL) RollbackBlock(ctx context.Context, block *model.Block) error {
	blockHash := block.Hash()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewStorageError("ledger: begin rollback block %s", blockHash, err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	// unmark every spend this block's transactions made
	for _, btx := range block.Txs {
		txHash := btx.TxIDChainHash()

		if _, err = tx.ExecContext(ctx, `
			UPDATE outputs
			SET spent_by_tx = NULL, spent_by_vin = NULL
			WHERE spent_by_tx = $1
		`, txHash[:]); err != nil {
			return errors.NewStorageError("ledger: unmark spends of %s", txHash, err)
		}

		if _, err = tx.ExecContext(ctx, `
			DELETE FROM outputs WHERE tx_hash = $1
		`, txHash[:]); err != nil {
			return errors.NewStorageError("ledger: delete outputs of %s", txHash, err)
		}

		if _, err = tx.ExecContext(ctx, `
			DELETE FROM transactions WHERE hash = $1
		`, txHash[:]); err != nil {
			return errors.NewStorageError("ledger: delete tx %s", txHash, err)
		}
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE blocks SET orphaned = TRUE WHERE hash = $1 AND NOT orphaned
	`, blockHash[:])
	if err != nil {
		return errors.NewStorageError("ledger: orphan block %s", blockHash, err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return errors.NewBlockNotFoundError("block %s not in active chain", blockHash)
	}

	if err = tx.Commit(); err != nil {
		return errors.NewStorageError("ledger: commit rollback of %s", blockHash, err)
	}

	return nil
}
